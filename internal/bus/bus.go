// SPDX-License-Identifier: MIT

// Package bus provides topic and pattern-subscribe pub/sub over a message
// fabric. Delivery is at-least-once per subscriber, FIFO within a single
// topic per publisher, with no replay for late subscribers.
package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/ManuGH/videoagent/internal/domain"
)

// Message is one delivered bus message. Payload is the JSON-encoded
// event envelope.
type Message struct {
	Topic   string
	Payload []byte
}

// Decode parses the payload into the typed event envelope.
func (m Message) Decode() (domain.Envelope, error) {
	return domain.DecodeEnvelope(m.Payload)
}

// Subscription is a live pattern subscription. C is closed after Close
// returns or the subscribing context ends.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Bus is the pub/sub contract shared by the Redis fabric and the in-memory
// implementation used in tests and single-process runs.
type Bus interface {
	// Publish is non-blocking best-effort fan-out; it returns once the
	// fabric has accepted the message.
	Publish(ctx context.Context, topic string, env domain.Envelope) error

	// Subscribe registers a pattern. Patterns use ':' as segment separator
	// and '*' as single-segment wildcard.
	Subscribe(ctx context.Context, pattern string) (Subscription, error)
}

// Well-known topics.
const (
	TopicJobs = "jobs"
)

// TopicJob returns the per-job event topic jobs:<id>.
func TopicJob(jobID string) string { return "jobs:" + jobID }

// TopicProgress returns progress:<id>.
func TopicProgress(jobID string) string { return "progress:" + jobID }

// TopicFrames returns frames:<id>.
func TopicFrames(jobID string) string { return "frames:" + jobID }

// TopicScenes returns scenes:<id>.
func TopicScenes(jobID string) string { return "scenes:" + jobID }

// TopicResults returns results:<stage> for a progressive stage.
func TopicResults(stage domain.ProgressiveStage) string {
	return "results:" + string(stage)
}

// subscriberChanCap bounds each subscriber's delivery queue. A subscriber
// that cannot keep up loses messages rather than stalling the fabric reader.
const subscriberChanCap = 64

// MatchTopic reports whether topic matches pattern. Segments are separated
// by ':' and '*' matches exactly one segment.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	ps := strings.Split(pattern, ":")
	ts := strings.Split(topic, ":")
	if len(ps) != len(ts) {
		return false
	}
	for i := range ps {
		if ps[i] == "*" {
			continue
		}
		if ps[i] != ts[i] {
			return false
		}
	}
	return true
}

// ValidatePattern rejects empty or degenerate patterns early.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty subscription pattern")
	}
	for _, seg := range strings.Split(pattern, ":") {
		if seg == "" {
			return fmt.Errorf("pattern %q has an empty segment", pattern)
		}
	}
	return nil
}
