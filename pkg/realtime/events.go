package realtime

import "github.com/go-go-golems/chatsession/pkg/chat"

// Event is what a Channel reports to its Sink.
type Event interface {
	isEvent()
}

// StatusEvent reports a connection status change. Attempt counts handshakes
// since the last Open, starting at 1.
type StatusEvent struct {
	ChatID  string
	Status  chat.ConnectionStatus
	Attempt int
}

type MessageEvent struct {
	ChatID  string
	Message chat.Message
}

// ErrorEvent is a non-fatal notice from the error feed.
type ErrorEvent struct {
	ChatID string
	Text   string
}

// AuthRejectedEvent means the bus refused the credential. The channel has
// already closed and asked the gate to invalidate it.
type AuthRejectedEvent struct {
	ChatID string
	Reason string
}

func (StatusEvent) isEvent()       {}
func (MessageEvent) isEvent()      {}
func (ErrorEvent) isEvent()        {}
func (AuthRejectedEvent) isEvent() {}

// Sink receives channel events in order. Emit is called with the channel's
// lock held: it must not block and must not call back into the channel.
type Sink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }
