// Package directory is the request/response client for chat metadata and
// history. It never streams; live messages arrive over pkg/realtime.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsession/pkg/auth"
	"github.com/go-go-golems/chatsession/pkg/chat"
)

// CredentialSource is the read side of the token gate.
type CredentialSource interface {
	Current() *auth.Credential
}

type Client struct {
	baseURL *url.URL
	creds   CredentialSource
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			hc := *c.http
			hc.Timeout = d
			c.http = &hc
		}
	}
}

// New builds a client for an API root such as http://localhost:8080/api.
func New(baseURL string, creds CredentialSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse api base url")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("api base url %q must be absolute", baseURL)
	}
	if creds == nil {
		return nil, errors.New("directory client needs a credential source")
	}
	c := &Client{
		baseURL: u,
		creds:   creds,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return c.baseURL.String() + "/" + strings.Join(escaped, "/")
}

// newRequest fails fast with chat.ErrUnauthenticated when there is no
// credential, before anything touches the network.
func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader, contentType string) (*http.Request, error) {
	cred := c.creds.Current()
	if cred == nil {
		return nil, errors.Wrapf(chat.ErrUnauthenticated, "%s %s", method, target)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", cred.Bearer())
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close()
	msg := serverMessage(resp.Body)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errors.Wrapf(chat.ErrAuthorizationRejected, "%s %s: %d %s", req.Method, req.URL.Path, resp.StatusCode, msg)
	case http.StatusNotFound:
		return nil, errors.Wrapf(chat.ErrNotFound, "%s %s: %s", req.Method, req.URL.Path, msg)
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		return nil, errors.Wrapf(chat.ErrValidation, "%s %s: %s", req.Method, req.URL.Path, msg)
	}
	return nil, errors.Errorf("%s %s: unexpected status %d: %s", req.Method, req.URL.Path, resp.StatusCode, msg)
}

// serverMessage extracts {"message": "..."} bodies and falls back to raw text.
func serverMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return ""
	}
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(b, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return s
	}
	return string(b)
}

func decodeChat(resp *http.Response) (*chat.ChatSession, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read chat body")
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var dto chat.ChatDTO
	if err := json.Unmarshal(b, &dto); err != nil {
		return nil, errors.Wrap(err, "decode chat")
	}
	return dto.ToSession(), nil
}

// FetchActiveChat returns the caller's current chat, or nil when there is none.
func (c *Client) FetchActiveChat(ctx context.Context) (*chat.ChatSession, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("chats", "current"), nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil, nil
	}
	return decodeChat(resp)
}

func (c *Client) FetchChatByID(ctx context.Context, id string) (*chat.ChatSession, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("chats", id), nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	cs, err := decodeChat(resp)
	if err != nil {
		return nil, err
	}
	if cs == nil {
		return nil, errors.Wrapf(chat.ErrNotFound, "chat %s", id)
	}
	return cs, nil
}

// FetchHistory is best effort: any failure yields an empty list because the
// realtime feed is the authoritative source of new messages. Individual
// entries that fail validation are dropped.
func (c *Client) FetchHistory(ctx context.Context, chatID string) []chat.Message {
	out := []chat.Message{}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("chats", chatID, "messages"), nil, "")
	if err != nil {
		log.Warn().Err(err).Str("component", "directory").Str("chat_id", chatID).Msg("history unavailable")
		return out
	}
	resp, err := c.do(req)
	if err != nil {
		log.Warn().Err(err).Str("component", "directory").Str("chat_id", chatID).Msg("history fetch failed, relying on realtime feed")
		return out
	}
	defer resp.Body.Close()
	var dtos []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		log.Warn().Err(err).Str("component", "directory").Str("chat_id", chatID).Msg("history decode failed")
		return out
	}
	for i, raw := range dtos {
		m, err := chat.DecodeMessage(raw)
		if err != nil {
			log.Warn().Err(err).Str("component", "directory").Str("chat_id", chatID).Int("index", i).Msg("dropping malformed history entry")
			continue
		}
		out = append(out, m)
	}
	return out
}

// Leave returns the server's confirmation text.
func (c *Client) Leave(ctx context.Context, chatID string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("chats", chatID, "leave"), nil, "")
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return serverMessage(resp.Body), nil
}

// CreateChat opens a new chat on an interest; an empty name lets the server pick one.
func (c *Client) CreateChat(ctx context.Context, name string, interestID int64) (*chat.ChatSession, error) {
	payload := struct {
		ChatName          *string `json:"chatName"`
		PrimaryInterestID int64   `json:"primaryInterestId"`
	}{PrimaryInterestID: interestID}
	if n := strings.TrimSpace(name); n != "" {
		payload.ChatName = &n
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode create chat request")
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("chats"), bytes.NewReader(b), "application/json")
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return decodeChat(resp)
}

// JoinByInterest joins a random active chat for the interest.
func (c *Client) JoinByInterest(ctx context.Context, interestID int64) (*chat.ChatSession, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("chats", "join", fmt.Sprint(interestID)), nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return decodeChat(resp)
}

// ResolveImageURL turns a server-relative image reference into an absolute
// URL on the server root (the API base without its /api suffix).
func (c *Client) ResolveImageURL(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	for _, prefix := range []string{"http://", "https://", "blob:"} {
		if strings.HasPrefix(ref, prefix) {
			return ref
		}
	}
	root := *c.baseURL
	root.Path = strings.TrimSuffix(root.Path, "/api")
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return strings.TrimRight(root.String(), "/") + ref
}
