package auth

import "sync"

// StaticSource is an in-memory auth subsystem. The CLI uses it for a token
// passed on the command line; tests use it to drive credential changes.
type StaticSource struct {
	mu       sync.Mutex
	token    string
	watchers map[int]func(string)
	nextID   int

	invalidations int
}

func NewStaticSource(token string) *StaticSource {
	return &StaticSource{token: token, watchers: map[int]func(string){}}
}

func (s *StaticSource) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *StaticSource) Watch(fn func(string)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// Set replaces the token and notifies watchers.
func (s *StaticSource) Set(token string) {
	s.mu.Lock()
	s.token = token
	ws := make([]func(string), 0, len(s.watchers))
	for _, fn := range s.watchers {
		ws = append(ws, fn)
	}
	s.mu.Unlock()
	for _, fn := range ws {
		fn(token)
	}
}

func (s *StaticSource) Invalidate() error {
	s.mu.Lock()
	s.invalidations++
	s.mu.Unlock()
	s.Set("")
	return nil
}

func (s *StaticSource) InvalidationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidations
}
