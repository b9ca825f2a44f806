// Package clock implements the session countdown: remaining time until a
// chat's expiry instant plus a one-shot expiry notification.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Listener receives countdown notifications. Calls happen on the countdown's
// goroutine; implementations must not block for long.
type Listener interface {
	OnTick(remaining time.Duration)
	OnExpired()
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Tick    func(remaining time.Duration)
	Expired func()
}

func (l ListenerFuncs) OnTick(remaining time.Duration) {
	if l.Tick != nil {
		l.Tick(remaining)
	}
}

func (l ListenerFuncs) OnExpired() {
	if l.Expired != nil {
		l.Expired()
	}
}

type Option func(*Countdown)

// WithTickInterval overrides the one-second tick granularity.
func WithTickInterval(d time.Duration) Option {
	return func(c *Countdown) {
		if d > 0 {
			c.interval = d
		}
	}
}

// Countdown is restartable: Arm cancels whatever countdown was running.
// At most one countdown goroutine is live per instance.
type Countdown struct {
	interval time.Duration

	mu        sync.Mutex
	gen       uint64
	expiresAt *time.Time
	expired   bool
	stop      chan struct{}
}

func New(opts ...Option) *Countdown {
	c := &Countdown{interval: time.Second}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Arm starts counting down to expiresAt. A nil instant leaves the countdown
// dormant: it never ticks and never expires.
func (c *Countdown) Arm(expiresAt *time.Time, l Listener) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.stopLocked()
	c.expired = false
	if expiresAt == nil {
		c.expiresAt = nil
		c.mu.Unlock()
		return
	}
	at := *expiresAt
	c.expiresAt = &at
	stop := make(chan struct{})
	c.stop = stop
	c.mu.Unlock()

	go c.run(gen, at, l, stop)
}

// Stop disarms the countdown without firing expiry.
func (c *Countdown) Stop() {
	c.mu.Lock()
	c.gen++
	c.stopLocked()
	c.expiresAt = nil
	c.mu.Unlock()
}

// Remaining returns the time left and whether an instant is armed.
func (c *Countdown) Remaining() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expiresAt == nil {
		return 0, false
	}
	d := time.Until(*c.expiresAt)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Expired reports whether the armed countdown has delivered its expiry.
func (c *Countdown) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

func (c *Countdown) stopLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Countdown) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Countdown) run(gen uint64, at time.Time, l Listener, stop <-chan struct{}) {
	for {
		remaining := time.Until(at)
		if remaining <= 0 {
			c.fire(gen, l)
			return
		}
		if !c.current(gen) {
			return
		}
		if l != nil {
			l.OnTick(ceilSecond(remaining))
		}

		wait := c.interval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Countdown) fire(gen uint64, l Listener) {
	c.mu.Lock()
	if c.gen != gen || c.expired {
		c.mu.Unlock()
		return
	}
	c.expired = true
	c.mu.Unlock()
	if l != nil {
		l.OnExpired()
	}
}

func ceilSecond(d time.Duration) time.Duration {
	if r := d % time.Second; r != 0 {
		return d - r + time.Second
	}
	return d
}

// Breakdown splits a duration into whole hours, minutes and seconds.
// Negative durations count as zero.
func Breakdown(d time.Duration) (hours, minutes, seconds int) {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return total / 3600, (total % 3600) / 60, total % 60
}

// Format renders a remaining duration as HH:MM:SS.
func Format(d time.Duration) string {
	h, m, s := Breakdown(d)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
