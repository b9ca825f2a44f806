// Package session is the orchestrating state machine for one chat: it
// composes the directory client, token gate, countdown and realtime channel,
// owns the canonical message list and is the only thing the presentation
// layer talks to.
package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsession/pkg/auth"
	"github.com/go-go-golems/chatsession/pkg/chat"
	"github.com/go-go-golems/chatsession/pkg/clock"
	"github.com/go-go-golems/chatsession/pkg/realtime"
)

var (
	ErrStopped    = errors.New("session coordinator stopped")
	ErrSuperseded = errors.New("superseded by a newer session operation")
)

// Directory is the request/response side of the chat server.
type Directory interface {
	FetchActiveChat(ctx context.Context) (*chat.ChatSession, error)
	FetchChatByID(ctx context.Context, id string) (*chat.ChatSession, error)
	FetchHistory(ctx context.Context, chatID string) []chat.Message
	Leave(ctx context.Context, chatID string) (string, error)
	UploadImage(ctx context.Context, chatID, filename string, r io.Reader) (chat.Message, error)
}

// Gate is the token gate as seen by the coordinator.
type Gate interface {
	Current() *auth.Credential
	MarkInvalid()
	OnChange(func(*auth.Credential)) (unsubscribe func())
}

type Config struct {
	Directory Directory
	Gate      Gate
	Dialer    realtime.Dialer

	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	AuthSignatures   []string
	TickInterval     time.Duration
	RequestTimeout   time.Duration
}

type sendJob struct {
	ch     *realtime.Channel
	chatID string
	gen    uint64
	out    chat.Outbound
	res    chan error
}

// Coordinator runs every state mutation on the goroutine executing Run.
// Public operations enqueue work and return a channel that receives exactly
// one result.
type Coordinator struct {
	cfg     Config
	mailbox *fifo[func()]
	outbox  *fifo[sendJob]
	clock   *clock.Countdown

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	unwatch func()

	// owned by the loop
	st        State
	gen       uint64
	channel   *realtime.Channel
	channelID uint64
	stopped   bool

	snapMu sync.RWMutex
	snap   State

	subsMu  sync.Mutex
	subs    map[int]func(State)
	nextSub int
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Directory == nil {
		return nil, errors.New("session coordinator needs a directory")
	}
	if cfg.Gate == nil {
		return nil, errors.New("session coordinator needs a token gate")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("session coordinator needs a realtime dialer")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	var clockOpts []clock.Option
	if cfg.TickInterval > 0 {
		clockOpts = append(clockOpts, clock.WithTickInterval(cfg.TickInterval))
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:     cfg,
		mailbox: newFIFO[func()](),
		outbox:  newFIFO[sendJob](),
		clock:   clock.New(clockOpts...),
		ctx:     ctx,
		cancel:  cancel,
		st:      State{Phase: PhaseIdle, Status: chat.StatusIdle},
		subs:    map[int]func(State){},
	}
	c.snap = c.st.clone()
	c.unwatch = cfg.Gate.OnChange(func(cred *auth.Credential) {
		if cred == nil {
			c.post(c.onCredentialInvalid)
		}
	})
	return c, nil
}

// Run processes operations and events until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("session coordinator is already running")
	}
	go c.sendLoop()
	defer c.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.mailbox.ready():
			for _, fn := range c.mailbox.drain() {
				fn()
			}
			c.publish()
		}
	}
}

func (c *Coordinator) shutdown() {
	c.stopped = true
	c.unwatch()
	c.gen++
	c.teardownChannel()
	c.clock.Stop()
	c.cancel()
	for _, fn := range c.mailbox.close() {
		fn()
	}
	for _, job := range c.outbox.close() {
		job.res <- ErrStopped
	}
	c.publish()
	log.Debug().Str("component", "session").Msg("coordinator stopped")
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() State {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap.clone()
}

// Subscribe registers fn for state changes. fn runs on the coordinator
// goroutine and must not block; the State it receives is shared and
// read-only.
func (c *Coordinator) Subscribe(fn func(State)) (unsubscribe func()) {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMu.Unlock()
	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

func (c *Coordinator) publish() {
	snap := c.st.clone()
	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()

	c.subsMu.Lock()
	fns := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subsMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (c *Coordinator) post(fn func()) bool {
	return c.mailbox.push(fn)
}

func (c *Coordinator) postOrStop(res chan error, fn func()) {
	if !c.post(fn) {
		res <- ErrStopped
	}
}

func (c *Coordinator) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
}

// Initialize loads the caller's active chat (empty chatID) or the given one,
// then its history, then connects.
func (c *Coordinator) Initialize(chatID string) <-chan error {
	res := make(chan error, 1)
	chatID = strings.TrimSpace(chatID)
	c.postOrStop(res, func() { c.initialize(chatID, res) })
	return res
}

func (c *Coordinator) initialize(chatID string, res chan error) {
	if c.stopped {
		res <- ErrStopped
		return
	}
	c.reset(PhaseLoading)
	gen := c.gen
	if c.cfg.Gate.Current() == nil {
		c.initFailed(errors.Wrap(chat.ErrUnauthenticated, "initialize"), res)
		return
	}
	log.Info().Str("component", "session").Str("chat_id", chatID).Msg("initializing chat session")
	go func() {
		ctx, cancel := c.requestContext()
		defer cancel()
		var (
			cs  *chat.ChatSession
			err error
		)
		if chatID == "" {
			cs, err = c.cfg.Directory.FetchActiveChat(ctx)
		} else {
			cs, err = c.cfg.Directory.FetchChatByID(ctx, chatID)
		}
		c.postOrStop(res, func() { c.chatFetched(gen, cs, err, res) })
	}()
}

func (c *Coordinator) stale(gen uint64, res chan error) bool {
	if c.stopped {
		res <- ErrStopped
		return true
	}
	if gen != c.gen {
		res <- ErrSuperseded
		return true
	}
	return false
}

func (c *Coordinator) chatFetched(gen uint64, cs *chat.ChatSession, err error, res chan error) {
	if c.stale(gen, res) {
		return
	}
	if err != nil {
		c.initFailed(err, res)
		return
	}
	stored := cs.Clone()
	expired := stored.ExpiredAt(time.Now())
	if stored == nil || (!stored.Active && !expired) {
		log.Info().Str("component", "session").Msg("no active chat")
		c.st.Phase = PhaseNoChat
		res <- nil
		return
	}
	if expired {
		stored.Active = false
	}
	c.st.Chat = stored
	c.st.HasExpiry = stored.ExpiresAt != nil

	chatID := stored.ID
	go func() {
		ctx, cancel := c.requestContext()
		defer cancel()
		msgs := c.cfg.Directory.FetchHistory(ctx, chatID)
		c.postOrStop(res, func() { c.historyLoaded(gen, msgs, res) })
	}()
}

func (c *Coordinator) historyLoaded(gen uint64, msgs []chat.Message, res chan error) {
	if c.stale(gen, res) {
		return
	}
	c.st.Messages = append(c.st.Messages, msgs...)
	if !c.st.Chat.Active {
		log.Info().Str("component", "session").Str("chat_id", c.st.Chat.ID).Msg("chat already expired, not connecting")
		c.st.Phase = PhaseExpired
		c.st.Remaining = 0
		res <- nil
		return
	}
	c.st.Phase = PhaseActive
	c.armClock(gen)
	c.openChannel()
	res <- nil
}

func (c *Coordinator) initFailed(err error, res chan error) {
	if chat.Fatal(err) {
		if errors.Is(err, chat.ErrAuthorizationRejected) {
			c.cfg.Gate.MarkInvalid()
		}
		c.st.Phase = PhaseUnauthenticated
	} else {
		c.st.Phase = PhaseFailed
	}
	c.st.Err = err
	log.Warn().Err(err).Str("component", "session").Str("phase", string(c.st.Phase)).Msg("initialize failed")
	res <- err
}

func (c *Coordinator) armClock(gen uint64) {
	if rem, ok := remainingUntil(c.st.Chat.ExpiresAt); ok {
		c.st.Remaining = rem
	}
	c.clock.Arm(c.st.Chat.ExpiresAt, clock.ListenerFuncs{
		Tick: func(remaining time.Duration) {
			c.post(func() {
				if !c.stopped && gen == c.gen {
					c.st.Remaining = remaining
				}
			})
		},
		Expired: func() {
			c.post(func() { c.onExpired(gen) })
		},
	})
}

func remainingUntil(at *time.Time) (time.Duration, bool) {
	if at == nil {
		return 0, false
	}
	d := time.Until(*at)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (c *Coordinator) openChannel() {
	c.channelID++
	id := c.channelID
	sink := realtime.SinkFunc(func(e realtime.Event) {
		c.post(func() { c.onChannelEvent(id, e) })
	})
	opts := []realtime.Option{
		realtime.WithExpiryGuard(c.clock),
		realtime.WithReconnectDelay(c.cfg.ReconnectDelay),
		realtime.WithHandshakeTimeout(c.cfg.HandshakeTimeout),
	}
	if len(c.cfg.AuthSignatures) > 0 {
		opts = append(opts, realtime.WithAuthSignatures(c.cfg.AuthSignatures...))
	}
	ch := realtime.NewChannel(c.cfg.Dialer, c.cfg.Gate, sink, opts...)
	c.channel = ch
	if err := ch.Open(c.st.Chat.ID); err != nil {
		log.Error().Err(err).Str("component", "session").Str("chat_id", c.st.Chat.ID).Msg("open channel failed")
	}
}

// teardownChannel closes the current channel. Its trailing events are
// dropped because they carry the old channel id.
func (c *Coordinator) teardownChannel() {
	if c.channel != nil {
		ch := c.channel
		c.channel = nil
		ch.Close()
	}
	c.st.Status = chat.StatusIdle
	c.st.Attempt = 0
}

// reset abandons whatever the coordinator was doing and starts a new generation.
func (c *Coordinator) reset(phase Phase) {
	c.gen++
	c.teardownChannel()
	c.clock.Stop()
	c.st = State{Phase: phase, Status: chat.StatusIdle}
}

func (c *Coordinator) onChannelEvent(id uint64, e realtime.Event) {
	if c.stopped || c.channel == nil || id != c.channelID {
		return
	}
	switch ev := e.(type) {
	case realtime.StatusEvent:
		c.st.Status = ev.Status
		c.st.Attempt = 0
		if ev.Status == chat.StatusConnecting {
			c.st.Attempt = ev.Attempt
		}
	case realtime.MessageEvent:
		if c.st.Chat != nil && ev.ChatID == c.st.Chat.ID {
			c.st.Messages = append(c.st.Messages, ev.Message)
		}
	case realtime.ErrorEvent:
		c.st.Notice = ev.Text
	case realtime.AuthRejectedEvent:
		// the channel has already closed itself and invalidated the credential
		c.channel = nil
		c.gen++
		c.clock.Stop()
		c.st.Phase = PhaseUnauthenticated
		c.st.Status = chat.StatusFailed
	c.st.Attempt = 0
		c.st.Err = errors.Wrap(chat.ErrAuthorizationRejected, ev.Reason)
	}
}

func (c *Coordinator) onExpired(gen uint64) {
	if c.stopped || gen != c.gen || c.st.Chat == nil {
		return
	}
	log.Info().Str("component", "session").Str("chat_id", c.st.Chat.ID).Msg("chat expired")
	c.st.Chat.Active = false
	c.st.Remaining = 0
	c.teardownChannel()
	c.st.Phase = PhaseExpired
}

func (c *Coordinator) onCredentialInvalid() {
	if c.stopped || c.st.Phase == PhaseUnauthenticated {
		return
	}
	log.Info().Str("component", "session").Msg("credential invalidated, closing session")
	c.gen++
	c.teardownChannel()
	c.clock.Stop()
	c.st.Phase = PhaseUnauthenticated
	c.st.Status = chat.StatusFailed
	c.st.Attempt = 0
	c.st.Err = errors.Wrap(chat.ErrUnauthenticated, "credential invalidated")
}

// SendText publishes a text message. Blank text fails with
// chat.ErrValidation without touching the connection.
func (c *Coordinator) SendText(text string) <-chan error {
	res := make(chan error, 1)
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		res <- errors.Wrap(chat.ErrValidation, "message text is empty")
		return res
	}
	c.postOrStop(res, func() { c.enqueueSend(chat.TextIntent(trimmed), res) })
	return res
}

// SendImage publishes an image message for an already uploaded image.
func (c *Coordinator) SendImage(imageRef, caption string) <-chan error {
	res := make(chan error, 1)
	ref := strings.TrimSpace(imageRef)
	if ref == "" {
		res <- errors.Wrap(chat.ErrValidation, "image reference is empty")
		return res
	}
	c.postOrStop(res, func() { c.enqueueSend(chat.ImageIntent(ref, strings.TrimSpace(caption)), res) })
	return res
}

// UploadAndSendImage uploads the image through the directory, then publishes
// an image message pointing at it.
func (c *Coordinator) UploadAndSendImage(ctx context.Context, filename string, r io.Reader, caption string) <-chan error {
	res := make(chan error, 1)
	c.postOrStop(res, func() {
		if c.stopped {
			res <- ErrStopped
			return
		}
		if err := c.sendable(); err != nil {
			res <- err
			return
		}
		chatID, gen := c.st.Chat.ID, c.gen
		go func() {
			msg, err := c.cfg.Directory.UploadImage(ctx, chatID, filename, r)
			if err != nil {
				if errors.Is(err, chat.ErrAuthorizationRejected) {
					c.cfg.Gate.MarkInvalid()
				}
				log.Warn().Err(err).Str("component", "session").Str("chat_id", chatID).Msg("image upload failed")
				res <- err
				return
			}
			text := strings.TrimSpace(caption)
			if text == "" {
				text = msg.TextOrEmpty()
			}
			ref := ""
			if msg.ImageRef != nil {
				ref = *msg.ImageRef
			}
			c.postOrStop(res, func() {
				if c.stale(gen, res) {
					return
				}
				c.enqueueSend(chat.ImageIntent(ref, text), res)
			})
		}()
	})
	return res
}

func (c *Coordinator) sendable() error {
	if c.st.Chat == nil || c.channel == nil || c.channel.State() != realtime.StateConnected {
		return errors.Wrapf(chat.ErrNotConnected, "send: connection is %s", c.st.Status)
	}
	return nil
}

func (c *Coordinator) enqueueSend(o chat.Outbound, res chan error) {
	if c.stopped {
		res <- ErrStopped
		return
	}
	if err := c.sendable(); err != nil {
		res <- err
		return
	}
	job := sendJob{ch: c.channel, chatID: c.st.Chat.ID, gen: c.gen, out: o, res: res}
	if !c.outbox.push(job) {
		res <- ErrStopped
	}
}

// sendLoop publishes queued messages one at a time, in call order.
func (c *Coordinator) sendLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.outbox.ready():
			for _, job := range c.outbox.drain() {
				err := job.ch.Publish(job.chatID, job.out)
				if err != nil {
					log.Warn().Err(err).Str("component", "session").Str("chat_id", job.chatID).Msg("send failed")
					if errors.Is(err, chat.ErrSendFailed) {
						gen, notice := job.gen, err.Error()
						c.post(func() {
							if !c.stopped && gen == c.gen {
								c.st.Notice = notice
							}
						})
					}
				}
				job.res <- err
			}
		}
	}
}

// Leave tells the server, but clears local state and closes the channel
// right away whatever the server answers.
func (c *Coordinator) Leave() <-chan error {
	res := make(chan error, 1)
	c.postOrStop(res, func() { c.leave(res) })
	return res
}

func (c *Coordinator) leave(res chan error) {
	if c.stopped {
		res <- ErrStopped
		return
	}
	cs := c.st.Chat
	c.reset(PhaseLeft)
	if cs == nil {
		res <- errors.Wrap(chat.ErrNotFound, "leave: no chat")
		return
	}
	gen := c.gen
	log.Info().Str("component", "session").Str("chat_id", cs.ID).Msg("leaving chat")
	go func() {
		ctx, cancel := c.requestContext()
		defer cancel()
		msg, err := c.cfg.Directory.Leave(ctx, cs.ID)
		if err != nil {
			log.Warn().Err(err).Str("component", "session").Str("chat_id", cs.ID).Msg("remote leave failed")
			if errors.Is(err, chat.ErrAuthorizationRejected) {
				c.cfg.Gate.MarkInvalid()
			}
		} else if msg != "" {
			c.post(func() {
				if !c.stopped && gen == c.gen {
					c.st.Notice = msg
				}
			})
		}
		res <- err
	}()
}
