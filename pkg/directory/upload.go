package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsession/pkg/chat"
)

// MaxImageBytes is the server's upload ceiling.
const MaxImageBytes = 10 << 20

// UploadImage posts an image to the chat and returns the message the server
// created for it. The body is checked locally so oversized or non-image
// payloads never leave the client.
func (c *Client) UploadImage(ctx context.Context, chatID, filename string, r io.Reader) (chat.Message, error) {
	if c.creds.Current() == nil {
		return chat.Message{}, errors.Wrap(chat.ErrUnauthenticated, "upload image")
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "read image")
	}
	if len(data) == 0 {
		return chat.Message{}, errors.Wrap(chat.ErrValidation, "image is empty")
	}
	if len(data) > MaxImageBytes {
		return chat.Message{}, errors.Wrapf(chat.ErrValidation, "image exceeds %d bytes", MaxImageBytes)
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return chat.Message{}, errors.Wrapf(chat.ErrValidation, "%s is %s, not an image", filename, contentType)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+escapeQuotes(filepath.Base(filename))+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "create multipart part")
	}
	if _, err := part.Write(data); err != nil {
		return chat.Message{}, errors.Wrap(err, "write multipart part")
	}
	if err := mw.Close(); err != nil {
		return chat.Message{}, errors.Wrap(err, "close multipart body")
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("chats", chatID, "messages", "image"), &body, mw.FormDataContentType())
	if err != nil {
		return chat.Message{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return chat.Message{}, err
	}
	defer resp.Body.Close()
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return chat.Message{}, errors.Wrap(err, "decode upload response")
	}
	return chat.DecodeMessage(raw)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }
