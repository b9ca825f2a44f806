package realtime

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-stomp/stomp/v3"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsession/pkg/auth"
	"github.com/go-go-golems/chatsession/pkg/chat"
)

const (
	defaultHeartBeat = 4 * time.Second
	writeWait        = 10 * time.Second
	subscriptionBuf  = 64
	// a dead read side waits this long for subscriptions to surface a
	// trailing ERROR frame before the session reports a transport failure
	readFailGrace = 200 * time.Millisecond
)

// WSDialer speaks STOMP 1.2 over a websocket, which is what the chat server
// exposes at its /ws endpoint.
type WSDialer struct {
	URL string
	// HeartBeat is offered in both directions; zero disables heart-beats.
	HeartBeat time.Duration
	Dialer    *websocket.Dialer
}

func NewWSDialer(wsURL string) *WSDialer {
	return &WSDialer{
		URL:       wsURL,
		HeartBeat: defaultHeartBeat,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{"v12.stomp"},
		},
	}
}

func (d *WSDialer) Dial(ctx context.Context, cred *auth.Credential) (Session, error) {
	if cred == nil {
		return nil, errors.Wrap(chat.ErrUnauthenticated, "dial")
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse websocket url")
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	hdr := http.Header{}
	hdr.Set("Authorization", cred.Bearer())
	conn, resp, err := dialer.DialContext(ctx, d.URL, hdr)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.Wrapf(chat.ErrAuthorizationRejected, "websocket handshake: %d", resp.StatusCode)
		}
		return nil, errors.Wrapf(chat.ErrTransportFailure, "websocket dial %s: %v", d.URL, err)
	}

	s := &wsSession{done: make(chan struct{})}
	s.stream = newWSStream(conn, s.readFailed)

	// stomp.Connect does not observe ctx on its own
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	sc, err := stomp.Connect(s.stream,
		stomp.ConnOpt.Host(u.Hostname()),
		stomp.ConnOpt.HeartBeat(d.HeartBeat, d.HeartBeat),
		stomp.ConnOpt.Header("Authorization", cred.Bearer()),
	)
	close(stop)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, errors.Wrap(chat.ErrTransportFailure, ctx.Err().Error())
		}
		var se *stomp.Error
		if errors.As(err, &se) {
			return nil, errors.Wrap(&RejectedError{Reason: stompErrorText(se)}, "stomp connect")
		}
		return nil, errors.Wrapf(chat.ErrTransportFailure, "stomp connect: %v", err)
	}
	s.conn = sc

	log.Debug().Str("component", "realtime").Str("url", d.URL).
		Dur("heart_beat", d.HeartBeat).
		Msg("stomp session established")
	return s, nil
}

func stompErrorText(e *stomp.Error) string {
	if e.Frame == nil {
		return e.Message
	}
	msg := e.Frame.Header.Get("message")
	body := errorText(e.Frame.Body)
	switch {
	case msg == "" && body == "":
		return e.Message
	case msg == "":
		return body
	case body == "":
		return msg
	}
	return msg + ": " + body
}

type wsSession struct {
	stream  *wsStream
	conn    *stomp.Conn
	closing atomic.Bool

	once sync.Once
	done chan struct{}
	err  error
}

func (s *wsSession) Done() <-chan struct{} { return s.done }

func (s *wsSession) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *wsSession) finish(err error) {
	if s.closing.Load() {
		err = nil
	}
	s.once.Do(func() {
		s.err = err
		close(s.done)
		_ = s.stream.Close()
	})
}

func (s *wsSession) readFailed(err error) {
	if s.closing.Load() {
		s.finish(nil)
		return
	}
	err = errors.Wrapf(chat.ErrTransportFailure, "read: %v", err)
	time.AfterFunc(readFailGrace, func() { s.finish(err) })
}

// Close sends DISCONNECT and waits for the receipt, giving up after writeWait.
func (s *wsSession) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	s.closing.Store(true)
	res := make(chan error, 1)
	go func() { res <- s.conn.Disconnect() }()
	select {
	case <-res:
	case <-time.After(writeWait):
		_ = s.conn.MustDisconnect()
	}
	s.finish(nil)
	return nil
}

func (s *wsSession) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.done:
		return nil, errors.Wrap(chat.ErrTransportFailure, "session closed")
	default:
	}
	sub, err := s.conn.Subscribe(stompDestination(topic), stomp.AckAuto)
	if err != nil {
		err = errors.Wrapf(chat.ErrTransportFailure, "subscribe %s: %v", topic, err)
		s.finish(err)
		return nil, err
	}
	ch := make(chan *message.Message, subscriptionBuf)
	go s.pump(topic, sub, ch)
	return ch, nil
}

func (s *wsSession) pump(topic string, sub *stomp.Subscription, ch chan<- *message.Message) {
	defer close(ch)
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-sub.C:
			if !ok {
				s.finish(errors.Wrapf(chat.ErrTransportFailure, "subscription %s ended", topic))
				return
			}
			if m.Err != nil {
				s.finish(s.subscriptionError(m.Err))
				return
			}
			select {
			case ch <- toWatermill(m):
			case <-s.done:
				return
			}
		}
	}
}

func (s *wsSession) subscriptionError(err error) error {
	var se *stomp.Error
	if errors.As(err, &se) {
		return errors.Wrap(&RejectedError{Reason: stompErrorText(se)}, "stomp session")
	}
	return errors.Wrapf(chat.ErrTransportFailure, "stomp session: %v", err)
}

func toWatermill(m *stomp.Message) *message.Message {
	id := ""
	if m.Header != nil {
		id = m.Header.Get("message-id")
	}
	if id == "" {
		id = uuid.NewString()
	}
	msg := message.NewMessage(id, append([]byte(nil), m.Body...))
	msg.Metadata.Set("destination", m.Destination)
	msg.Metadata.Set("topic", topicFromDestination(m.Destination))
	if m.ContentType != "" {
		msg.Metadata.Set("content-type", m.ContentType)
	}
	return msg
}

func (s *wsSession) Publish(topic string, msgs ...*message.Message) error {
	for _, m := range msgs {
		if err := s.conn.Send(stompDestination(topic), "application/json", m.Payload); err != nil {
			return errors.Wrapf(chat.ErrTransportFailure, "send to %s: %v", topic, err)
		}
	}
	return nil
}
