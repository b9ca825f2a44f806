package auth

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type tokenFile struct {
	Token   string    `yaml:"token"`
	SavedAt time.Time `yaml:"saved_at,omitempty"`
}

// FileSource persists the token in a YAML file and reports edits made by
// other processes (a login command, another client) through fsnotify.
type FileSource struct {
	path string

	mu       sync.Mutex
	token    string
	watchers map[int]func(string)
	nextID   int

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewFileSource(path string) (*FileSource, error) {
	if path == "" {
		return nil, errors.New("token file path is empty")
	}
	fs := &FileSource{
		path:     filepath.Clean(path),
		watchers: map[int]func(string){},
	}
	token, err := fs.read()
	if err != nil {
		return nil, err
	}
	fs.token = token
	return fs, nil
}

func (f *FileSource) Path() string { return f.path }

func (f *FileSource) read() (string, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "read token file %s", f.path)
	}
	var tf tokenFile
	if err := yaml.Unmarshal(b, &tf); err != nil {
		return "", errors.Wrapf(err, "parse token file %s", f.path)
	}
	return tf.Token, nil
}

func (f *FileSource) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *FileSource) Watch(fn func(string)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.watchers[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.watchers, id)
		f.mu.Unlock()
	}
}

// Save writes the token with owner-only permissions.
func (f *FileSource) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return errors.Wrap(err, "create token directory")
	}
	b, err := yaml.Marshal(tokenFile{Token: token, SavedAt: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, "encode token file")
	}
	if err := os.WriteFile(f.path, b, 0o600); err != nil {
		return errors.Wrapf(err, "write token file %s", f.path)
	}
	f.update(token)
	return nil
}

// Invalidate removes the stored token.
func (f *FileSource) Invalidate() error {
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove token file %s", f.path)
	}
	f.update("")
	return nil
}

// Start watches the token file's directory until Close.
func (f *FileSource) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher != nil {
		return nil
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "create token directory")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create file watcher")
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return errors.Wrapf(err, "watch %s", dir)
	}
	f.watcher = w
	f.done = make(chan struct{})
	go f.loop(w, f.done)
	return nil
}

func (f *FileSource) Close() error {
	f.mu.Lock()
	w := f.watcher
	done := f.done
	f.watcher = nil
	f.done = nil
	f.mu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}

func (f *FileSource) loop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			token, err := f.read()
			if err != nil {
				log.Warn().Err(err).Str("component", "auth").Str("path", f.path).Msg("token file reload failed")
				continue
			}
			f.update(token)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("component", "auth").Msg("token file watcher error")
		}
	}
}

func (f *FileSource) update(token string) {
	f.mu.Lock()
	if f.token == token {
		f.mu.Unlock()
		return
	}
	f.token = token
	ws := make([]func(string), 0, len(f.watchers))
	for _, fn := range f.watchers {
		ws = append(ws, fn)
	}
	f.mu.Unlock()
	for _, fn := range ws {
		fn(token)
	}
}
