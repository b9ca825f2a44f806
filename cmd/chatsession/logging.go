package main

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func initLogger(level string, w io.Writer) error {
	return setLogger(level, zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
}

func setLogger(level string, cw zerolog.ConsoleWriter) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(cw).With().Timestamp().Logger()
	return nil
}

// logToFile points the global logger at path so log lines do not tear the
// terminal UI. The returned func restores stderr logging and closes the file.
func logToFile(level, path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open log file %s", path)
	}
	if err := setLogger(level, zerolog.ConsoleWriter{Out: f, NoColor: true, TimeFormat: time.RFC3339}); err != nil {
		_ = f.Close()
		return nil, err
	}
	return func() {
		_ = initLogger(level, os.Stderr)
		_ = f.Close()
	}, nil
}
