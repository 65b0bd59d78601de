// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/log"
)

// RedisBus is the production bus implementation over Redis pub/sub.
// Patterns containing '*' use PSUBSCRIBE; Redis glob semantics are a
// superset of the segment wildcard, which is equivalent here because
// topic ids never contain ':'.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisBus wraps an existing client. The caller owns the client lifecycle.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		logger: log.WithComponent("bus"),
	}
}

// Publish JSON-encodes the envelope and hands it to the fabric. It returns
// once Redis has accepted the message; fan-out is the fabric's concern.
func (b *RedisBus) Publish(ctx context.Context, topic string, env domain.Envelope) error {
	payload, err := domain.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode envelope for %q: %w", topic, err)
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		recordDrop(topic, "publish_error")
		return fmt.Errorf("publish topic %q: %w", topic, err)
	}
	recordPublish(topic)
	return nil
}

// Subscribe opens a channel or pattern subscription. The returned
// subscription's channel closes when Close is called or ctx ends.
func (b *RedisBus) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	var ps *redis.PubSub
	if strings.Contains(pattern, "*") {
		ps = b.client.PSubscribe(ctx, pattern)
	} else {
		ps = b.client.Subscribe(ctx, pattern)
	}
	// Force the subscription handshake so errors surface here, not on C().
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %q: %w", pattern, err)
	}

	sub := &redisSub{
		ps:      ps,
		pattern: pattern,
		out:     make(chan Message, subscriberChanCap),
		logger:  b.logger,
	}
	subscriptions.Inc()
	go sub.pump(ctx)
	return sub, nil
}

type redisSub struct {
	ps      *redis.PubSub
	pattern string
	out     chan Message
	once    sync.Once
	logger  zerolog.Logger
}

func (s *redisSub) C() <-chan Message { return s.out }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		subscriptions.Dec()
	})
	return err
}

// pump moves fabric messages into the subscriber queue. A full queue drops
// the message; live delivery must never stall the fabric reader.
func (s *redisSub) pump(ctx context.Context) {
	defer close(s.out)
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.out <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
			default:
				recordDrop(m.Channel, "subscriber_full")
				s.logger.Warn().
					Str(log.FieldTopic, m.Channel).
					Str("pattern", s.pattern).
					Msg("subscriber queue full, message dropped")
			}
		}
	}
}

// Ensure compliance
var _ Bus = (*RedisBus)(nil)
