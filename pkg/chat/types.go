// Package chat holds the domain types shared by the session controller:
// chats, participants, messages, connection status and the error taxonomy.
package chat

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Participant is the summary of one chat member.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// ChatSession is the in-memory representation of the one chat a coordinator manages.
type ChatSession struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Topic        string        `json:"topic"`
	ExpiresAt    *time.Time    `json:"expiresAt,omitempty"`
	Active       bool          `json:"active"`
	Participants []Participant `json:"participants"`
}

// Clone returns a deep copy so callers outside the coordinator never share
// slices or pointers with the canonical value.
func (c *ChatSession) Clone() *ChatSession {
	if c == nil {
		return nil
	}
	out := *c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	out.Participants = append([]Participant(nil), c.Participants...)
	return &out
}

// ExpiredAt reports whether the chat has an expiry instant at or before now.
func (c *ChatSession) ExpiredAt(now time.Time) bool {
	if c == nil || c.ExpiresAt == nil {
		return false
	}
	return !c.ExpiresAt.After(now)
}

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindJoin  Kind = "join"
	KindLeave Kind = "leave"
)

func (k Kind) System() bool {
	return k == KindJoin || k == KindLeave
}

// Message is one chat entry. ID is empty for entries the server has not assigned yet.
type Message struct {
	ID           string    `json:"id,omitempty"`
	SenderID     string    `json:"senderId"`
	SenderName   string    `json:"senderName"`
	SenderAvatar string    `json:"senderAvatar,omitempty"`
	Kind         Kind      `json:"kind"`
	Text         *string   `json:"text,omitempty"`
	ImageRef     *string   `json:"imageRef,omitempty"`
	SentAt       time.Time `json:"sentAt"`
}

// Validate enforces the payload rule for the message kind.
func (m Message) Validate() error {
	switch m.Kind {
	case KindText:
		if m.Text == nil || strings.TrimSpace(*m.Text) == "" {
			return errors.Wrap(ErrValidation, "text message requires non-empty text")
		}
	case KindImage:
		if m.ImageRef == nil || strings.TrimSpace(*m.ImageRef) == "" {
			return errors.Wrap(ErrValidation, "image message requires an image reference")
		}
	case KindJoin, KindLeave:
	default:
		return errors.Wrapf(ErrValidation, "unknown message kind %q", m.Kind)
	}
	return nil
}

// FromUser reports whether the message was sent by the given user. The id is
// compared first; the nickname is only used when either side lacks an id.
func (m Message) FromUser(userID, nickname string) bool {
	if userID != "" && m.SenderID != "" {
		return m.SenderID == userID
	}
	if nickname != "" && m.SenderName != "" {
		return m.SenderName == nickname
	}
	return false
}

// TextOrEmpty returns the text payload or "".
func (m Message) TextOrEmpty() string {
	if m.Text == nil {
		return ""
	}
	return *m.Text
}

// Outbound is the intent the coordinator hands to the realtime channel.
type Outbound struct {
	Kind     Kind
	Text     *string
	ImageRef *string
}

func TextIntent(text string) Outbound {
	return Outbound{Kind: KindText, Text: &text}
}

func ImageIntent(imageRef, caption string) Outbound {
	o := Outbound{Kind: KindImage, ImageRef: &imageRef}
	if strings.TrimSpace(caption) != "" {
		o.Text = &caption
	}
	return o
}

type ConnectionStatus string

const (
	StatusIdle         ConnectionStatus = "idle"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusFailed       ConnectionStatus = "failed"
)
