package realtime

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/go-go-golems/chatsession/pkg/auth"
	"github.com/go-go-golems/chatsession/pkg/chat"
)

// Dialer opens one authenticated session with the message bus.
//
// A dial failure caused by rejected credentials should wrap
// chat.ErrAuthorizationRejected or a *RejectedError whose reason carries one
// of the channel's authorization signatures.
type Dialer interface {
	Dial(ctx context.Context, cred *auth.Credential) (Session, error)
}

// Session is an established bus connection. Subscription channels are
// closed when the session ends; Done is closed at the same time and Err
// reports why (nil after Close).
type Session interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
	Publish(topic string, msgs ...*message.Message) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cred *auth.Credential) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, cred *auth.Credential) (Session, error) {
	return f(ctx, cred)
}

// RejectedError is a refusal reported by the server itself, as opposed to a
// broken connection. The channel matches Reason against its authorization
// signatures.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "rejected by server: " + e.Reason }

func (e *RejectedError) Unwrap() error { return chat.ErrTransportFailure }
