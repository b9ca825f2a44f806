package session

import (
	"time"

	"github.com/go-go-golems/chatsession/pkg/chat"
)

// Phase is the coarse lifecycle of the coordinator's one chat.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseLoading         Phase = "loading"
	PhaseActive          Phase = "active"
	PhaseExpired         Phase = "expired"
	PhaseNoChat          Phase = "no_chat"
	PhaseLeft            Phase = "left"
	PhaseUnauthenticated Phase = "unauthenticated"
	PhaseFailed          Phase = "failed"
)

// Terminal phases need user action (initialize again, or re-authenticate).
func (p Phase) Terminal() bool {
	switch p {
	case PhaseNoChat, PhaseLeft, PhaseUnauthenticated, PhaseFailed:
		return true
	}
	return false
}

// State is a read-only snapshot handed to the presentation layer.
type State struct {
	Phase    Phase
	Chat     *chat.ChatSession
	Messages []chat.Message
	Status   chat.ConnectionStatus
	// Attempt numbers consecutive connecting reports so a run of retries
	// can be told apart; zero unless Status is connecting.
	Attempt int

	// Remaining is the time left until expiry; HasExpiry is false for chats
	// that never expire.
	Remaining time.Duration
	HasExpiry bool

	// Notice is the latest non-fatal problem (error feed, failed send).
	Notice string
	// Err is set in PhaseFailed and PhaseUnauthenticated.
	Err error
}

func (s State) clone() State {
	out := s
	out.Chat = s.Chat.Clone()
	out.Messages = append([]chat.Message(nil), s.Messages...)
	return out
}
