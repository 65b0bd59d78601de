package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/log"
)

// MemoryBus is an in-memory pub/sub used for unit tests and single-process
// runs. It is not durable and provides at-least-once in-process delivery
// while publish contexts remain active.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message // keyed by subscription pattern
	logger zerolog.Logger
}

const dropLogEvery = 100

var dropCount atomic.Uint64

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string][]chan Message),
		logger: log.WithComponent("bus"),
	}
}

func publishDropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "context_done"
	}
}

// Publish fans the envelope out to every subscription whose pattern matches
// the topic. A full subscriber queue blocks only until ctx ends.
func (b *MemoryBus) Publish(ctx context.Context, topic string, env domain.Envelope) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	payload, err := domain.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode envelope for %q: %w", topic, err)
	}
	msg := Message{Topic: topic, Payload: payload}

	b.mu.RLock()
	var chs []chan Message
	for pattern, list := range b.subs {
		if MatchTopic(pattern, topic) {
			chs = append(chs, list...)
		}
	}
	b.mu.RUnlock()

	recordPublish(topic)
	for _, ch := range chs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			reason := publishDropReason(ctx.Err())
			recordDrop(topic, reason)
			count := dropCount.Add(1)
			if count%dropLogEvery == 0 {
				b.logger.Warn().
					Str(log.FieldTopic, topic).
					Str("reason", reason).
					Uint64("dropped", count).
					Msg("memory bus failed to publish due to context cancellation")
			}
			return fmt.Errorf("publish topic %q: %w", topic, ctx.Err())
		}
	}
	return nil
}

// Subscribe registers a pattern subscription.
func (b *MemoryBus) Subscribe(_ context.Context, pattern string) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	ch := make(chan Message, subscriberChanCap)

	b.mu.Lock()
	b.subs[pattern] = append(b.subs[pattern], ch)
	b.mu.Unlock()

	return &memSub{b: b, pattern: pattern, ch: ch}, nil
}

type memSub struct {
	b       *MemoryBus
	pattern string
	ch      chan Message
	once    sync.Once
}

func (s *memSub) C() <-chan Message {
	return s.ch
}

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()

		lst := s.b.subs[s.pattern]
		out := lst[:0]
		for _, c := range lst {
			if c != s.ch {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			delete(s.b.subs, s.pattern)
		} else {
			s.b.subs[s.pattern] = out
		}
		close(s.ch) // Signal subscriber to stop
	})
	return nil
}

// Ensure compliance
var _ Bus = (*MemoryBus)(nil)
