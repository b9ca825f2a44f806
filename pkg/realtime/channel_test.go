package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsession/pkg/auth"
	"github.com/go-go-golems/chatsession/pkg/chat"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) statuses() []chat.ConnectionStatus {
	var out []chat.ConnectionStatus
	for _, e := range r.all() {
		if s, ok := e.(StatusEvent); ok {
			out = append(out, s.Status)
		}
	}
	return out
}

func (r *recorder) messages() []chat.Message {
	var out []chat.Message
	for _, e := range r.all() {
		if m, ok := e.(MessageEvent); ok {
			out = append(out, m.Message)
		}
	}
	return out
}

func (r *recorder) count(match func(Event) bool) int {
	n := 0
	for _, e := range r.all() {
		if match(e) {
			n++
		}
	}
	return n
}

type fakeCreds struct {
	cred        *auth.Credential
	invalidated int32
}

func (f *fakeCreds) Current() *auth.Credential { return f.cred }
func (f *fakeCreds) MarkInvalid()              { atomic.AddInt32(&f.invalidated, 1) }

func newFakeCreds() *fakeCreds { return &fakeCreds{cred: auth.Decode("tok")} }

type fakeSession struct {
	mu        sync.Mutex
	feeds     map[string]chan *message.Message
	published []*message.Message
	publishFn func(*message.Message) error

	once   sync.Once
	done   chan struct{}
	err    error
	closes int32
}

func newFakeSession() *fakeSession {
	return &fakeSession{feeds: map[string]chan *message.Message{}, done: make(chan struct{})}
}

func (s *fakeSession) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan *message.Message, 16)
	s.feeds[topic] = ch
	return ch, nil
}

func (s *fakeSession) Publish(_ string, msgs ...*message.Message) error {
	for _, m := range msgs {
		if s.publishFn != nil {
			if err := s.publishFn(m); err != nil {
				return err
			}
		}
		s.mu.Lock()
		s.published = append(s.published, m)
		s.mu.Unlock()
	}
	return nil
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		for _, ch := range s.feeds {
			close(ch)
		}
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *fakeSession) Close() error {
	atomic.AddInt32(&s.closes, 1)
	s.end(nil)
	return nil
}

func (s *fakeSession) push(topic, payload string) {
	s.mu.Lock()
	ch := s.feeds[topic]
	s.mu.Unlock()
	ch <- message.NewMessage("m", []byte(payload))
}

// scriptedDialer hands out one result per Dial call and then keeps failing.
type scriptedDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int32
}

type dialResult struct {
	sess *fakeSession
	err  error
	gate chan struct{}
}

func (d *scriptedDialer) Dial(ctx context.Context, _ *auth.Credential) (Session, error) {
	atomic.AddInt32(&d.calls, 1)
	d.mu.Lock()
	var r dialResult
	if len(d.results) > 0 {
		r = d.results[0]
		d.results = d.results[1:]
	} else {
		r = dialResult{err: errors.Wrap(chat.ErrTransportFailure, "connection refused")}
	}
	d.mu.Unlock()
	if r.gate != nil {
		<-r.gate
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.sess, nil
}

func (d *scriptedDialer) dials() int { return int(atomic.LoadInt32(&d.calls)) }

const textFrame = `{"id":1,"senderId":7,"senderNickname":"ana","messageType":"TEXT","contentText":"hi","sentAt":"2030-01-01T10:00:00Z"}`

func waitState(t *testing.T, c *Channel, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, 5*time.Millisecond, "want %s, got %s", want, c.State())
}

func TestChannel_RetriesThenConnects(t *testing.T) {
	sess := newFakeSession()
	d := &scriptedDialer{results: []dialResult{
		{err: errors.Wrap(chat.ErrTransportFailure, "refused")},
		{sess: sess},
	}}
	rec := &recorder{}
	c := NewChannel(d, newFakeCreds(), rec, WithReconnectDelay(10*time.Millisecond))

	require.NoError(t, c.Open("7"))
	waitState(t, c, StateConnected)

	require.Equal(t, []chat.ConnectionStatus{
		chat.StatusConnecting,
		chat.StatusConnecting,
		chat.StatusConnected,
	}, rec.statuses())
	require.Equal(t, 2, d.dials())

	sess.push(ChatTopic("7"), textFrame)
	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "hi", rec.messages()[0].TextOrEmpty())

	c.Close()
	require.Equal(t, int32(1), atomic.LoadInt32(&sess.closes))
}

func TestChannel_OpenOnlyFromIdleOrDisconnected(t *testing.T) {
	d := &scriptedDialer{results: []dialResult{{sess: newFakeSession()}}}
	c := NewChannel(d, newFakeCreds(), &recorder{})
	require.True(t, errors.Is(c.Open(" "), chat.ErrValidation))
	require.NoError(t, c.Open("7"))
	waitState(t, c, StateConnected)
	require.Error(t, c.Open("7"))
	c.Close()
	require.Error(t, c.Open("7"))
}

func TestChannel_DropReconnects(t *testing.T) {
	first, second := newFakeSession(), newFakeSession()
	d := &scriptedDialer{results: []dialResult{{sess: first}, {sess: second}}}
	rec := &recorder{}
	c := NewChannel(d, newFakeCreds(), rec, WithReconnectDelay(10*time.Millisecond))
	defer c.Close()

	require.NoError(t, c.Open("7"))
	waitState(t, c, StateConnected)

	first.end(errors.Wrap(chat.ErrTransportFailure, "socket reset"))
	require.Eventually(t, func() bool {
		return len(rec.statuses()) == 4 && c.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []chat.ConnectionStatus{
		chat.StatusConnecting,
		chat.StatusConnected,
		chat.StatusDisconnected,
		chat.StatusConnected,
	}, rec.statuses())

	// the replacement session delivers
	second.push(ChatTopic("7"), textFrame)
	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestChannel_FailedRetriesReportConnecting(t *testing.T) {
	first, last := newFakeSession(), newFakeSession()
	refused := errors.Wrap(chat.ErrTransportFailure, "refused")
	d := &scriptedDialer{results: []dialResult{
		{sess: first},
		{err: refused}, {err: refused}, {err: refused},
		{sess: last},
	}}
	rec := &recorder{}
	c := NewChannel(d, newFakeCreds(), rec, WithReconnectDelay(10*time.Millisecond))
	defer c.Close()

	require.NoError(t, c.Open("7"))
	waitState(t, c, StateConnected)
	first.end(errors.Wrap(chat.ErrTransportFailure, "socket reset"))

	require.Eventually(t, func() bool { return d.dials() == 5 && c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []chat.ConnectionStatus{
		chat.StatusConnected,
		chat.StatusDisconnected,
		chat.StatusConnecting,
		chat.StatusConnecting,
		chat.StatusConnecting,
		chat.StatusConnected,
	}, rec.statuses()[1:])
}

func TestChannel_CloseCancelsPendingRetry(t *testing.T) {
	d := &scriptedDialer{}
	rec := &recorder{}
	c := NewChannel(d, newFakeCreds(), rec, WithReconnectDelay(30*time.Millisecond))

	require.NoError(t, c.Open("7"))
	require.Eventually(t, func() bool { return d.dials() == 1 }, time.Second, time.Millisecond)
	c.Close()
	c.Close()

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, d.dials())
	require.Equal(t, StateClosed, c.State())
	statuses := rec.statuses()
	require.Equal(t, chat.StatusIdle, statuses[len(statuses)-1])
	require.Equal(t, 1, rec.count(func(e Event) bool {
		s, ok := e.(StatusEvent)
		return ok && s.Status == chat.StatusIdle
	}))
}

func TestChannel_StaleDialResultIsReleased(t *testing.T) {
	sess := newFakeSession()
	gate := make(chan struct{})
	d := &scriptedDialer{results: []dialResult{{sess: sess, gate: gate}}}
	rec := &recorder{}
	c := NewChannel(d, newFakeCreds(), rec)

	require.NoError(t, c.Open("7"))
	require.Eventually(t, func() bool { return d.dials() == 1 }, time.Second, time.Millisecond)
	c.Close()
	close(gate)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&sess.closes) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, StateClosed, c.State())
	require.NotContains(t, rec.statuses(), chat.StatusConnected)
}

func TestChannel_AuthErrorFrameInvalidatesAndStops(t *testing.T) {
	sess := newFakeSession()
	d := &scriptedDialer{results: []dialResult{{sess: sess}, {sess: newFakeSession()}}}
	rec := &recorder{}
	creds := newFakeCreds()
	c := NewChannel(d, creds, rec, WithReconnectDelay(10*time.Millisecond))

	require.NoError(t, c.Open("7"))
	waitState(t, c, StateConnected)

	sess.push(ErrorTopic, `{"error":"AccessDeniedException","message":"not a participant"}`)
	waitState(t, c, StateClosed)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&creds.invalidated) == 1 }, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, d.dials())
	statuses := rec.statuses()
	require.Equal(t, chat.StatusFailed, statuses[len(statuses)-1])
	require.Equal(t, 1, rec.count(func(e Event) bool { _, ok := e.(AuthRejectedEvent); return ok }))
	require.Equal(t, int32(1), atomic.LoadInt32(&sess.closes))
}

func TestChannel_HandshakeRejection(t *testing.T) {
	cases := []error{
		errors.Wrap(&RejectedError{Reason: "401 Unauthorized"}, "stomp connect"),
		errors.Wrap(chat.ErrAuthorizationRejected, "websocket handshake: 403"),
	}
	for _, dialErr := range cases {
		d := &scriptedDialer{results: []dialResult{{err: dialErr}}}
		rec := &recorder{}
		creds := newFakeCreds()
		c := NewChannel(d, creds, rec, WithReconnectDelay(10*time.Millisecond))

		require.NoError(t, c.Open("7"))
		waitState(t, c, StateClosed)
		require.Eventually(t, func() bool { return atomic.LoadInt32(&creds.invalidated) == 1 }, time.Second, time.Millisecond)
		time.Sleep(40 * time.Millisecond)
		require.Equal(t, 1, d.dials())
	}
}

func TestChannel_RejectionWithoutSignatureRetries(t *testing.T) {
	d := &scriptedDialer{results: []dialResult{
		{err: errors.Wrap(&RejectedError{Reason: "broker unavailable"}, "stomp connect")},
		{sess: newFakeSession()},
	}}
	creds := newFakeCreds()
	c := NewChannel(d, creds, &recorder{}, WithReconnectDelay(10*time.Millisecond))
	defer c.Close()

	require.NoError(t, c.Open("7"))
	waitState(t, c, StateConnected)
	require.Equal(t, int32(0), atomic.LoadInt32(&creds.invalidated))
}

func TestChannel_NonAuthErrorFrameIsSurfaced(t *testing.T) {
	sess := newFakeSession()
	d := &scriptedDialer{results: []dialResult{{sess: sess}}}
	rec := &recorder{}
	c := NewChannel(d, newFakeCreds(), rec)
	defer c.Close()

	require.NoError(t, c.Open("7"))
	waitState(t, c, StateConnected)
	sess.push(ErrorTopic, "Message too long")
	require.Eventually(t, func() bool {
		return rec.count(func(e Event) bool {
			ee, ok := e.(ErrorEvent)
			return ok && ee.Text == "Message too long"
		}) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, StateConnected, c.State())
}

func TestChannel_MalformedFrameDropped(t *testing.T) {
	sess := newFakeSession()
	d := &scriptedDialer{results: []dialResult{{sess: sess}}}
	rec := &recorder{}
	c := NewChannel(d, newFakeCreds(), rec)
	defer c.Close()

	require.NoError(t, c.Open("7"))
	waitState(t, c, StateConnected)
	sess.push(ChatTopic("7"), `not json`)
	sess.push(ChatTopic("7"), `{"id":2,"messageType":"TEXT","contentText":"   "}`)
	sess.push(ChatTopic("7"), textFrame)

	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, StateConnected, c.State())
}

func TestChannel_Publish(t *testing.T) {
	sess := newFakeSession()
	d := &scriptedDialer{results: []dialResult{{sess: sess}}}
	c := NewChannel(d, newFakeCreds(), &recorder{})
	defer c.Close()

	err := c.Publish("7", chat.TextIntent("hi"))
	require.True(t, errors.Is(err, chat.ErrNotConnected))

	require.NoError(t, c.Open("7"))
	waitState(t, c, StateConnected)

	require.NoError(t, c.Publish("7", chat.TextIntent("hi")))
	require.Len(t, sess.published, 1)
	require.JSONEq(t, `{"messageType":"TEXT","contentText":"hi","contentImageUrl":null}`, string(sess.published[0].Payload))

	require.True(t, errors.Is(c.Publish("8", chat.TextIntent("hi")), chat.ErrNotConnected))

	sess.publishFn = func(*message.Message) error { return errors.New("write: broken pipe") }
	err = c.Publish("7", chat.TextIntent("again"))
	require.True(t, errors.Is(err, chat.ErrSendFailed))
	require.Equal(t, StateConnected, c.State())
}

type expiredFlag struct{ v atomic.Bool }

func (e *expiredFlag) Expired() bool { return e.v.Load() }

func TestChannel_ExpiryStopsRetries(t *testing.T) {
	d := &scriptedDialer{}
	rec := &recorder{}
	guard := &expiredFlag{}
	c := NewChannel(d, newFakeCreds(), rec, WithReconnectDelay(20*time.Millisecond), WithExpiryGuard(guard))

	require.NoError(t, c.Open("7"))
	require.Eventually(t, func() bool { return d.dials() == 1 }, time.Second, time.Millisecond)
	guard.v.Store(true)

	waitState(t, c, StateClosed)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, d.dials())
}

func TestChannel_NoCredential(t *testing.T) {
	d := &scriptedDialer{}
	rec := &recorder{}
	creds := &fakeCreds{}
	c := NewChannel(d, creds, rec)

	require.NoError(t, c.Open("7"))
	require.Equal(t, StateClosed, c.State())
	require.Equal(t, 0, d.dials())
	require.Equal(t, int32(1), atomic.LoadInt32(&creds.invalidated))
	require.Equal(t, 1, rec.count(func(e Event) bool { _, ok := e.(AuthRejectedEvent); return ok }))
}

func expiringToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "7",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return tok
}

func TestChannel_TokenExpiredBeforeRetryIsInvalidated(t *testing.T) {
	src := auth.NewStaticSource(expiringToken(t, time.Now().Add(2*time.Second)))
	gate := auth.NewGate(src)
	defer gate.Close()
	require.NotNil(t, gate.Current())

	var cleared int32
	gate.OnChange(func(c *auth.Credential) {
		if c == nil {
			atomic.AddInt32(&cleared, 1)
		}
	})

	sess := newFakeSession()
	d := &scriptedDialer{results: []dialResult{{sess: sess}}}
	rec := &recorder{}
	c := NewChannel(d, gate, rec, WithReconnectDelay(2500*time.Millisecond))

	require.NoError(t, c.Open("7"))
	waitState(t, c, StateConnected)
	sess.end(errors.Wrap(chat.ErrTransportFailure, "reset by peer"))

	require.Eventually(t, func() bool { return c.State() == StateClosed }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, d.dials())
	require.Equal(t, []chat.ConnectionStatus{
		chat.StatusConnecting,
		chat.StatusConnected,
		chat.StatusDisconnected,
		chat.StatusFailed,
	}, rec.statuses())
	require.Equal(t, 1, rec.count(func(e Event) bool { _, ok := e.(AuthRejectedEvent); return ok }))
	require.Equal(t, 1, src.InvalidationCount())
	require.Equal(t, "", src.Token())
	require.Equal(t, int32(1), atomic.LoadInt32(&cleared))
}

func TestChannel_CloseConnectedTwiceReleasesOnce(t *testing.T) {
	sess := newFakeSession()
	d := &scriptedDialer{results: []dialResult{{sess: sess}}}
	rec := &recorder{}
	c := NewChannel(d, newFakeCreds(), rec)

	require.NoError(t, c.Open("7"))
	waitState(t, c, StateConnected)

	c.Close()
	c.Close()

	require.Equal(t, StateClosed, c.State())
	require.Equal(t, int32(1), atomic.LoadInt32(&sess.closes))
	require.Equal(t, 1, rec.count(func(e Event) bool {
		s, ok := e.(StatusEvent)
		return ok && s.Status == chat.StatusIdle
	}))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, d.dials())
	require.NotContains(t, rec.statuses(), chat.StatusDisconnected)
}
