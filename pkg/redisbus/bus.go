// Package redisbus builds the watermill publisher/subscriber pair the
// realtime bus dialer runs over: Redis Streams when enabled, otherwise an
// in-process gochannel.
package redisbus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsession/pkg/realtime"
)

// Bus is a publisher/subscriber pair plus whatever must be closed with it.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	closers []func() error
}

func (b *Bus) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}

// Build returns a Redis Streams bus when s.Enabled, otherwise an in-memory one.
func Build(s Settings) (*Bus, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	logger := realtime.NewWatermillLogger(log.Logger)
	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &Bus{Publisher: ch, Subscriber: ch, closers: []func() error{ch.Close}}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis subscriber")
	}

	log.Info().Str("component", "redisbus").Str("addr", s.Addr).Str("group", s.Group).Str("consumer", s.Consumer).Msg("redis streams bus ready")
	return &Bus{
		Publisher:  pub,
		Subscriber: sub,
		closers:    []func() error{client.Close, pub.Close, sub.Close},
	}, nil
}

// Dialer wraps the bus for the realtime channel.
func (b *Bus) Dialer() *realtime.BusDialer {
	return realtime.NewBusDialer(b.Publisher, b.Subscriber)
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($)
// if it doesn't exist, so a fresh consumer does not replay old chat traffic.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create group %s on %s", group, stream)
	}
	log.Info().Str("component", "redisbus").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// EnsureChatGroups prepares the streams a session for chatID reads from.
func EnsureChatGroups(ctx context.Context, s Settings, chatID string) error {
	if !s.Enabled {
		return nil
	}
	for _, stream := range []string{realtime.ChatTopic(chatID), realtime.ErrorTopic} {
		if err := EnsureGroupAtTail(ctx, s.Addr, stream, s.Group); err != nil {
			return err
		}
	}
	return nil
}
