package realtime

import (
	"encoding/json"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsession/pkg/chat"
)

// Frame is the closed set of inbound frames the channel understands.
type Frame interface {
	isFrame()
}

// MessageFrame is a chat message delivered on a chat feed.
type MessageFrame struct {
	ChatID  string
	Message chat.Message
}

// ErrorFrame is a notice delivered on the error feed.
type ErrorFrame struct {
	Text string
}

func (MessageFrame) isFrame() {}
func (ErrorFrame) isFrame()   {}

// decodeFrame turns one transport message into a Frame. Chat feed payloads
// decode strictly; error feed payloads accept plain text or a JSON object
// with a message/error field.
func decodeFrame(topic string, msg *message.Message) (Frame, error) {
	if msg == nil {
		return nil, errors.New("nil frame")
	}
	if topic == ErrorTopic {
		return ErrorFrame{Text: errorText(msg.Payload)}, nil
	}
	chatID, ok := chatIDFromTopic(topic)
	if !ok {
		return nil, errors.Errorf("unexpected topic %q", topic)
	}
	m, err := chat.DecodeMessage(msg.Payload)
	if err != nil {
		return nil, err
	}
	return MessageFrame{ChatID: chatID, Message: m}, nil
}

func errorText(payload []byte) string {
	s := strings.TrimSpace(string(payload))
	if strings.HasPrefix(s, "{") {
		var body struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal([]byte(s), &body); err == nil {
			switch {
			case body.Message != "" && body.Error != "":
				return body.Error + ": " + body.Message
			case body.Message != "":
				return body.Message
			case body.Error != "":
				return body.Error
			}
		}
	}
	var quoted string
	if err := json.Unmarshal([]byte(s), &quoted); err == nil {
		return quoted
	}
	return s
}
