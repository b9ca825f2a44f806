package chat

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ID accepts both JSON strings and numbers; the server emits numeric ids.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrap(err, "id is neither string nor number")
	}
	*id = ID(n.String())
	return nil
}

// Timestamp parses RFC 3339 and the zone-less ISO form the server's
// LocalDateTime fields produce (interpreted in local time).
type Timestamp struct {
	time.Time
	Set bool
}

var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognized timestamp %q", s)
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var ms int64
		if err2 := json.Unmarshal(b, &ms); err2 != nil {
			return errors.Wrap(err, "timestamp is neither string nor epoch millis")
		}
		*t = Timestamp{Time: time.UnixMilli(ms), Set: true}
		return nil
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = Timestamp{Time: parsed, Set: true}
	return nil
}

type ParticipantDTO struct {
	UserID            ID     `json:"userId"`
	Nickname          string `json:"nickname"`
	ProfilePictureURL string `json:"profilePictureUrl"`
}

type ChatDTO struct {
	ID                  ID               `json:"id"`
	ChatName            string           `json:"chatName"`
	PrimaryInterestName string           `json:"primaryInterestName"`
	ExpiresAt           Timestamp        `json:"expiresAt"`
	Active              bool             `json:"active"`
	Participants        []ParticipantDTO `json:"participants"`
}

func (d ChatDTO) ToSession() *ChatSession {
	cs := &ChatSession{
		ID:           string(d.ID),
		Name:         d.ChatName,
		Topic:        d.PrimaryInterestName,
		Active:       d.Active,
		Participants: make([]Participant, 0, len(d.Participants)),
	}
	if d.ExpiresAt.Set {
		t := d.ExpiresAt.Time
		cs.ExpiresAt = &t
	}
	for _, p := range d.Participants {
		cs.Participants = append(cs.Participants, Participant{
			ID:          string(p.UserID),
			DisplayName: p.Nickname,
			AvatarRef:   p.ProfilePictureURL,
		})
	}
	return cs
}

type MessageDTO struct {
	ID                      ID        `json:"id"`
	SenderID                ID        `json:"senderId"`
	SenderNickname          string    `json:"senderNickname"`
	SenderProfilePictureURL string    `json:"senderProfilePictureUrl"`
	MessageType             string    `json:"messageType"`
	ContentText             *string   `json:"contentText"`
	ContentImageURL         *string   `json:"contentImageUrl"`
	SentAt                  Timestamp `json:"sentAt"`
}

func kindFromWire(s string) (Kind, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TEXT":
		return KindText, true
	case "IMAGE":
		return KindImage, true
	case "JOIN":
		return KindJoin, true
	case "LEAVE":
		return KindLeave, true
	}
	return "", false
}

func kindToWire(k Kind) string {
	return strings.ToUpper(string(k))
}

// ToMessage converts and validates; a DTO that violates the kind rule is rejected.
func (d MessageDTO) ToMessage() (Message, error) {
	kind, ok := kindFromWire(d.MessageType)
	if !ok {
		return Message{}, errors.Wrapf(ErrValidation, "unknown messageType %q", d.MessageType)
	}
	m := Message{
		ID:           string(d.ID),
		SenderID:     string(d.SenderID),
		SenderName:   d.SenderNickname,
		SenderAvatar: d.SenderProfilePictureURL,
		Kind:         kind,
		Text:         d.ContentText,
		ImageRef:     d.ContentImageURL,
		SentAt:       d.SentAt.Time,
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// DecodeMessage strictly decodes one inbound message body.
func DecodeMessage(body []byte) (Message, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return Message{}, errors.New("message body is not a JSON object")
	}
	var dto MessageDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return Message{}, errors.Wrap(err, "decode message body")
	}
	return dto.ToMessage()
}

// SendPayload is the outbound wire shape.
type SendPayload struct {
	MessageType     string  `json:"messageType"`
	ContentText     *string `json:"contentText"`
	ContentImageURL *string `json:"contentImageUrl"`
}

func EncodeOutbound(o Outbound) ([]byte, error) {
	return json.Marshal(SendPayload{
		MessageType:     kindToWire(o.Kind),
		ContentText:     o.Text,
		ContentImageURL: o.ImageRef,
	})
}
