// Package realtime maintains the live subscription for one chat: it dials
// the message bus, keeps the connection alive across transport failures,
// decodes inbound frames and publishes outbound messages.
package realtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsession/pkg/auth"
	"github.com/go-go-golems/chatsession/pkg/chat"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	DefaultReconnectDelay   = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// DefaultAuthSignatures are the substrings that mark a server refusal as an
// authorization failure.
var DefaultAuthSignatures = []string{"AccessDeniedException", "401", "Unauthorized", "Forbidden"}

// Credentials is the part of the token gate the channel needs.
type Credentials interface {
	Current() *auth.Credential
	MarkInvalid()
}

// ExpiryGuard stops reconnect attempts once the chat has run out of time.
type ExpiryGuard interface {
	Expired() bool
}

type Option func(*Channel)

func WithReconnectDelay(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

func WithAuthSignatures(sigs ...string) Option {
	return func(c *Channel) {
		c.signatures = append([]string(nil), sigs...)
	}
}

func WithExpiryGuard(g ExpiryGuard) Option {
	return func(c *Channel) { c.expiry = g }
}

// Channel is the connection state machine for one chat.
//
// Every asynchronous callback (dial result, retry timer, frame pump, session
// watcher) carries the epoch it was started under and becomes a no-op once
// Open, Close or an auth rejection has moved the epoch on.
type Channel struct {
	dialer Dialer
	creds  Credentials
	sink   Sink
	expiry ExpiryGuard

	reconnectDelay   time.Duration
	handshakeTimeout time.Duration
	signatures       []string

	mu         sync.Mutex
	state      State
	chatID     string
	epoch      uint64
	attempt    int
	session    Session
	sessCancel context.CancelFunc
	dialCancel context.CancelFunc
	retry      *time.Timer
}

func NewChannel(dialer Dialer, creds Credentials, sink Sink, opts ...Option) *Channel {
	c := &Channel{
		dialer:           dialer,
		creds:            creds,
		sink:             sink,
		reconnectDelay:   DefaultReconnectDelay,
		handshakeTimeout: DefaultHandshakeTimeout,
		signatures:       DefaultAuthSignatures,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) ChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

// Open starts connecting to the chat's feeds. It is only valid while idle or
// disconnected.
func (c *Channel) Open(chatID string) error {
	if strings.TrimSpace(chatID) == "" {
		return errors.Wrap(chat.ErrValidation, "open: empty chat id")
	}
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return errors.Errorf("open %s: channel is %s", chatID, state)
	}
	c.stopRetryLocked()
	c.epoch++
	c.chatID = chatID
	c.attempt = 0
	rejected := c.beginAttemptLocked(c.epoch, true)
	c.mu.Unlock()
	if rejected {
		c.finishReject(nil, true)
	}
	return nil
}

// Publish sends one message to the chat. It never changes the channel state.
func (c *Channel) Publish(chatID string, o chat.Outbound) error {
	c.mu.Lock()
	if c.state != StateConnected || c.session == nil {
		state := c.state
		c.mu.Unlock()
		return errors.Wrapf(chat.ErrNotConnected, "publish: channel is %s", state)
	}
	if chatID != c.chatID {
		current := c.chatID
		c.mu.Unlock()
		return errors.Wrapf(chat.ErrNotConnected, "publish: channel is on chat %s, not %s", current, chatID)
	}
	sess := c.session
	c.mu.Unlock()

	if err := (chat.Message{Kind: o.Kind, Text: o.Text, ImageRef: o.ImageRef}).Validate(); err != nil {
		return err
	}
	payload, err := chat.EncodeOutbound(o)
	if err != nil {
		return errors.Wrapf(chat.ErrSendFailed, "encode: %v", err)
	}
	if err := sess.Publish(SendTopic(chatID), message.NewMessage(uuid.NewString(), payload)); err != nil {
		return errors.Wrapf(chat.ErrSendFailed, "%v", err)
	}
	return nil
}

// Close is valid in every state and idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	release := c.shutdownLocked(chat.StatusIdle)
	c.mu.Unlock()
	c.release(release)
}

func (c *Channel) emit(e Event) {
	if c.sink != nil {
		c.sink.Emit(e)
	}
}

func (c *Channel) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// shutdownLocked moves to closed and returns the session the caller must
// release after unlocking.
func (c *Channel) shutdownLocked(status chat.ConnectionStatus) Session {
	c.epoch++
	c.state = StateClosed
	c.stopRetryLocked()
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.sessCancel != nil {
		c.sessCancel()
		c.sessCancel = nil
	}
	sess := c.session
	c.session = nil
	c.emit(StatusEvent{ChatID: c.chatID, Status: status, Attempt: c.attempt})
	return sess
}

func (c *Channel) release(sess Session) {
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		log.Warn().Err(err).Str("component", "realtime").Str("chat_id", c.ChatID()).Msg("session close failed")
	}
}

// rejectLocked handles a refused credential: no retry, the channel is closed
// for good and the caller must invoke MarkInvalid after unlocking.
func (c *Channel) rejectLocked(reason string) Session {
	log.Warn().Str("component", "realtime").Str("chat_id", c.chatID).Str("reason", reason).Msg("authorization rejected")
	c.emit(AuthRejectedEvent{ChatID: c.chatID, Reason: reason})
	return c.shutdownLocked(chat.StatusFailed)
}

func (c *Channel) finishReject(sess Session, invalidate bool) {
	c.release(sess)
	if invalidate {
		c.creds.MarkInvalid()
	}
}

// beginAttemptLocked starts one handshake. Only Open announces the attempt;
// retries report their outcome instead, so a run of failed retries shows up
// as one connecting status per failure. It reports true when the attempt was
// refused for lack of a usable credential; the caller must then invoke
// finishReject after unlocking.
func (c *Channel) beginAttemptLocked(epoch uint64, announce bool) bool {
	if c.expiry != nil && c.expiry.Expired() {
		log.Info().Str("component", "realtime").Str("chat_id", c.chatID).Msg("chat expired, not connecting")
		c.shutdownLocked(chat.StatusIdle)
		return false
	}
	cred := c.creds.Current()
	if cred == nil {
		// an expired token still sits in the auth source until invalidated
		c.rejectLocked("no credential")
		return true
	}
	c.state = StateConnecting
	c.attempt++
	if announce {
		c.emit(StatusEvent{ChatID: c.chatID, Status: chat.StatusConnecting, Attempt: c.attempt})
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.handshakeTimeout)
	c.dialCancel = cancel
	go c.connect(ctx, cancel, epoch, c.chatID, cred)
	return false
}

func (c *Channel) connect(ctx context.Context, cancel context.CancelFunc, epoch uint64, chatID string, cred *auth.Credential) {
	defer cancel()
	sessCtx, sessCancel := context.WithCancel(context.Background())

	var chatFeed, errorFeed <-chan *message.Message
	sess, err := c.dialer.Dial(ctx, cred)
	if err == nil {
		chatFeed, err = sess.Subscribe(sessCtx, ChatTopic(chatID))
		if err == nil {
			errorFeed, err = sess.Subscribe(sessCtx, ErrorTopic)
		}
		if err != nil {
			_ = sess.Close()
			sess = nil
		}
	}

	c.mu.Lock()
	if epoch != c.epoch || c.state != StateConnecting {
		c.mu.Unlock()
		sessCancel()
		c.release(sess)
		return
	}
	c.dialCancel = nil
	if err != nil {
		sessCancel()
		if c.isAuthRejection(err) {
			rel := c.rejectLocked(err.Error())
			c.mu.Unlock()
			c.finishReject(rel, true)
			return
		}
		log.Warn().Err(err).Str("component", "realtime").Str("chat_id", chatID).Int("attempt", c.attempt).
			Dur("retry_in", c.reconnectDelay).Msg("connect failed")
		c.emit(StatusEvent{ChatID: chatID, Status: chat.StatusConnecting, Attempt: c.attempt})
		c.scheduleRetryLocked(epoch)
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.session = sess
	c.sessCancel = sessCancel
	c.emit(StatusEvent{ChatID: chatID, Status: chat.StatusConnected, Attempt: c.attempt})
	c.attempt = 0
	c.mu.Unlock()

	log.Info().Str("component", "realtime").Str("chat_id", chatID).Msg("connected")
	go c.pump(epoch, sess, ChatTopic(chatID), chatFeed)
	go c.pump(epoch, sess, ErrorTopic, errorFeed)
	go c.watch(epoch, sess)
}

func (c *Channel) scheduleRetryLocked(epoch uint64) {
	c.stopRetryLocked()
	c.retry = time.AfterFunc(c.reconnectDelay, func() {
		c.mu.Lock()
		if epoch != c.epoch || (c.state != StateConnecting && c.state != StateDisconnected) {
			c.mu.Unlock()
			return
		}
		c.retry = nil
		rejected := c.beginAttemptLocked(epoch, false)
		c.mu.Unlock()
		if rejected {
			c.finishReject(nil, true)
		}
	})
}

func (c *Channel) watch(epoch uint64, sess Session) {
	<-sess.Done()
	err := sess.Err()

	c.mu.Lock()
	if epoch != c.epoch || c.session != sess {
		c.mu.Unlock()
		return
	}
	c.session = nil
	if c.sessCancel != nil {
		c.sessCancel()
		c.sessCancel = nil
	}
	if err != nil && c.isAuthRejection(err) {
		rel := c.rejectLocked(err.Error())
		c.mu.Unlock()
		c.finishReject(rel, true)
		return
	}
	c.state = StateDisconnected
	c.emit(StatusEvent{ChatID: c.chatID, Status: chat.StatusDisconnected})
	log.Warn().Err(err).Str("component", "realtime").Str("chat_id", c.chatID).
		Dur("retry_in", c.reconnectDelay).Msg("connection lost")
	c.scheduleRetryLocked(epoch)
	c.mu.Unlock()
	_ = sess.Close()
}

func (c *Channel) pump(epoch uint64, sess Session, topic string, feed <-chan *message.Message) {
	for msg := range feed {
		frame, err := decodeFrame(topic, msg)
		if err != nil {
			log.Warn().Err(err).Str("component", "realtime").Str("topic", topic).Str("message_uuid", msg.UUID).Msg("dropping undecodable frame")
			continue
		}
		c.mu.Lock()
		if epoch != c.epoch || c.session != sess {
			c.mu.Unlock()
			continue
		}
		switch f := frame.(type) {
		case MessageFrame:
			c.emit(MessageEvent{ChatID: f.ChatID, Message: f.Message})
		case ErrorFrame:
			if c.matchesAuth(f.Text) {
				rel := c.rejectLocked(f.Text)
				c.mu.Unlock()
				c.finishReject(rel, true)
				continue
			}
			c.emit(ErrorEvent{ChatID: c.chatID, Text: f.Text})
		}
		c.mu.Unlock()
	}
}

func (c *Channel) isAuthRejection(err error) bool {
	if errors.Is(err, chat.ErrAuthorizationRejected) {
		return true
	}
	var rej *RejectedError
	if errors.As(err, &rej) {
		return c.matchesAuth(rej.Reason)
	}
	return false
}

func (c *Channel) matchesAuth(text string) bool {
	for _, sig := range c.signatures {
		if sig != "" && strings.Contains(text, sig) {
			return true
		}
	}
	return false
}
