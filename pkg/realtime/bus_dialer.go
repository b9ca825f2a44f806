package realtime

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsession/pkg/auth"
	"github.com/go-go-golems/chatsession/pkg/chat"
)

// MetadataAuthorization is the metadata key carrying the bearer credential
// on messages published through a BusDialer session.
const MetadataAuthorization = "authorization"

// BusDialer runs the channel over a watermill publisher/subscriber pair, the
// in-process gochannel bus or Redis Streams via pkg/redisbus. The bus has no
// handshake; the credential travels with every published message.
type BusDialer struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

func NewBusDialer(pub message.Publisher, sub message.Subscriber) *BusDialer {
	return &BusDialer{Publisher: pub, Subscriber: sub}
}

func (d *BusDialer) Dial(ctx context.Context, cred *auth.Credential) (Session, error) {
	if cred == nil {
		return nil, errors.Wrap(chat.ErrUnauthenticated, "dial")
	}
	if d.Publisher == nil || d.Subscriber == nil {
		return nil, errors.Wrap(chat.ErrTransportFailure, "bus dialer needs a publisher and a subscriber")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(chat.ErrTransportFailure, err.Error())
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &busSession{
		pub:    d.Publisher,
		sub:    d.Subscriber,
		bearer: cred.Bearer(),
		ctx:    runCtx,
		cancel: cancel,
	}, nil
}

type busSession struct {
	pub    message.Publisher
	sub    message.Subscriber
	bearer string

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	once sync.Once
	err  error
}

func (s *busSession) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.ctx.Done():
		return nil, errors.Wrap(chat.ErrTransportFailure, "session closed")
	default:
	}
	ch, err := s.sub.Subscribe(s.ctx, topic)
	if err != nil {
		err = errors.Wrapf(chat.ErrTransportFailure, "subscribe %s: %v", topic, err)
		s.fail(err)
		return nil, err
	}
	out := make(chan *message.Message, subscriptionBuf)
	go func() {
		defer close(out)
		for {
			select {
			case <-s.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					s.fail(errors.Wrapf(chat.ErrTransportFailure, "subscription %s ended", topic))
					return
				}
				// watermill expects an ack before the next delivery
				msg.Ack()
				select {
				case out <- msg:
				case <-s.ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *busSession) Publish(topic string, msgs ...*message.Message) error {
	if s.ctx.Err() != nil {
		return errors.Wrap(chat.ErrTransportFailure, "session closed")
	}
	for _, m := range msgs {
		m.Metadata.Set(MetadataAuthorization, s.bearer)
	}
	if err := s.pub.Publish(topic, msgs...); err != nil {
		return errors.Wrapf(chat.ErrTransportFailure, "publish %s: %v", topic, err)
	}
	return nil
}

func (s *busSession) Done() <-chan struct{} { return s.ctx.Done() }

func (s *busSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *busSession) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.cancel()
	})
}

// Close ends this session's subscriptions. The shared publisher and
// subscriber stay open; their owner closes them.
func (s *busSession) Close() error {
	s.once.Do(s.cancel)
	return nil
}
