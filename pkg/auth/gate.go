// Package auth contains the token gate that owns the current credential for
// the session controller, plus concrete auth subsystems that feed it.
package auth

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Source is the external authentication subsystem. It owns token
// acquisition and persistence; the gate only reads it and asks it to
// invalidate.
type Source interface {
	Token() string
	Watch(func(token string)) (stop func())
	Invalidate() error
}

// Gate is the single owner of the credential. Every other component reads
// it through Current and never caches the value.
type Gate struct {
	src Source

	// notifyMu serializes changes so listeners observe them in order and a
	// notification always carries the value that is current while it runs.
	notifyMu sync.Mutex

	mu        sync.RWMutex
	cred      *Credential
	listeners map[uint64]func(*Credential)
	nextID    uint64
	stopWatch func()
}

func NewGate(src Source) *Gate {
	g := &Gate{
		src:       src,
		listeners: map[uint64]func(*Credential){},
	}
	g.stopWatch = src.Watch(g.set)
	g.set(src.Token())
	return g
}

// admit decodes a token and drops it when its expiry has already passed.
func (g *Gate) admit(token string) *Credential {
	cred := Decode(token)
	if cred != nil && cred.ExpiredAt(time.Now()) {
		log.Info().Str("component", "auth").Time("expires_at", cred.ExpiresAt).Msg("ignoring expired credential")
		return nil
	}
	return cred
}

// Current returns the credential, or nil when there is none or it has expired.
func (g *Gate) Current() *Credential {
	g.mu.RLock()
	cred := g.cred
	g.mu.RUnlock()
	if cred == nil || cred.ExpiredAt(time.Now()) {
		return nil
	}
	c := *cred
	return &c
}

func (g *Gate) Authenticated() bool {
	return g.Current() != nil
}

// OnChange registers a listener called synchronously whenever the
// credential changes; nil means it became invalid. Listeners must not call
// MarkInvalid from inside the callback.
func (g *Gate) OnChange(fn func(*Credential)) (unsubscribe func()) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = fn
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.listeners, id)
		g.mu.Unlock()
	}
}

// MarkInvalid is called when a downstream operation proved the credential
// was rejected. The auth subsystem clears its stored token, then listeners
// see nil.
func (g *Gate) MarkInvalid() {
	if err := g.src.Invalidate(); err != nil {
		log.Warn().Err(err).Str("component", "auth").Msg("auth source invalidate failed")
	}
	g.set("")
}

// Close detaches the gate from its source.
func (g *Gate) Close() {
	g.mu.Lock()
	stop := g.stopWatch
	g.stopWatch = nil
	g.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (g *Gate) set(token string) {
	g.notifyMu.Lock()
	defer g.notifyMu.Unlock()

	cred := g.admit(token)

	g.mu.Lock()
	if sameCredential(g.cred, cred) {
		g.mu.Unlock()
		return
	}
	g.cred = cred
	ls := make([]func(*Credential), 0, len(g.listeners))
	for _, fn := range g.listeners {
		ls = append(ls, fn)
	}
	g.mu.Unlock()

	log.Debug().Str("component", "auth").Bool("authenticated", cred != nil).Msg("credential changed")
	for _, fn := range ls {
		if cred == nil {
			fn(nil)
			continue
		}
		c := *cred
		fn(&c)
	}
}
