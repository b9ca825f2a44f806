package main

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsession/pkg/auth"
	"github.com/go-go-golems/chatsession/pkg/config"
	"github.com/go-go-golems/chatsession/pkg/directory"
	"github.com/go-go-golems/chatsession/pkg/realtime"
	"github.com/go-go-golems/chatsession/pkg/redisbus"
)

// app holds the collaborators one command invocation needs.
type app struct {
	settings *config.Settings
	gate     *auth.Gate
	dir      *directory.Client

	closers []func() error
}

// newApp builds the token gate and directory client. watch makes a file
// token source follow edits made by other processes.
func newApp(s *config.Settings, watch bool) (*app, error) {
	a := &app{settings: s}

	var src auth.Source
	if s.Token != "" {
		src = auth.NewStaticSource(s.Token)
	} else {
		fs, err := auth.NewFileSource(s.TokenFile)
		if err != nil {
			return nil, err
		}
		if watch {
			if err := fs.Start(); err != nil {
				return nil, err
			}
			a.closers = append(a.closers, fs.Close)
		}
		src = fs
	}
	a.gate = auth.NewGate(src)
	a.closers = append(a.closers, func() error { a.gate.Close(); return nil })

	dir, err := directory.New(s.APIBaseURL, a.gate, directory.WithTimeout(s.RequestTimeout))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.dir = dir
	return a, nil
}

// dialer returns the realtime transport selected by the transport setting.
func (a *app) dialer() (realtime.Dialer, error) {
	switch a.settings.Transport {
	case config.TransportStomp:
		d := realtime.NewWSDialer(a.settings.WSURL)
		if a.settings.HeartBeat > 0 {
			d.HeartBeat = a.settings.HeartBeat
		}
		return d, nil
	case config.TransportRedis, config.TransportMemory:
		bus, err := redisbus.Build(a.settings.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, bus.Close)
		return bus.Dialer(), nil
	}
	return nil, errors.Errorf("unknown transport %q", a.settings.Transport)
}

func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close failed")
			if first == nil {
				first = err
			}
		}
	}
	a.closers = nil
	return first
}
