package realtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatsession/pkg/chat"
)

func newGoChannel(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	bus := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, NewWatermillLogger(zerolog.Nop()))
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestBusDialer_RoundTrip(t *testing.T) {
	bus := newGoChannel(t)
	rec := &recorder{}
	c := NewChannel(NewBusDialer(bus, bus), newFakeCreds(), rec)
	defer c.Close()

	require.NoError(t, c.Open("7"))
	waitState(t, c, StateConnected)

	require.NoError(t, bus.Publish(ChatTopic("7"), message.NewMessage(uuid.NewString(), []byte(textFrame))))
	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "ana", rec.messages()[0].SenderName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sent, err := bus.Subscribe(ctx, SendTopic("7"))
	require.NoError(t, err)

	require.NoError(t, c.Publish("7", chat.ImageIntent("/uploads/cat.png", "")))
	select {
	case m := <-sent:
		m.Ack()
		require.Equal(t, "Bearer tok", m.Metadata.Get(MetadataAuthorization))
		require.JSONEq(t, `{"messageType":"IMAGE","contentText":null,"contentImageUrl":"/uploads/cat.png"}`, string(m.Payload))
	case <-time.After(time.Second):
		t.Fatal("outbound message not published")
	}
}

func TestBusDialer_AuthNoticeClosesChannel(t *testing.T) {
	bus := newGoChannel(t)
	rec := &recorder{}
	creds := newFakeCreds()
	c := NewChannel(NewBusDialer(bus, bus), creds, rec)

	require.NoError(t, c.Open("7"))
	waitState(t, c, StateConnected)

	require.NoError(t, bus.Publish(ErrorTopic, message.NewMessage(uuid.NewString(), []byte("Forbidden"))))
	waitState(t, c, StateClosed)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&creds.invalidated) == 1 }, time.Second, time.Millisecond)
}

func TestBusDialer_ClosedSessionRefusesWork(t *testing.T) {
	bus := newGoChannel(t)
	sess, err := NewBusDialer(bus, bus).Dial(context.Background(), newFakeCreds().cred)
	require.NoError(t, err)

	feed, err := sess.Subscribe(context.Background(), ChatTopic("7"))
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session not done after Close")
	}
	require.NoError(t, sess.Err())
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-feed:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	require.Error(t, sess.Publish(SendTopic("7"), message.NewMessage(uuid.NewString(), []byte("{}"))))
}
