// SPDX-License-Identifier: MIT

// Package progressive escalates live frame results through the
// partial → refined → final protocol. A partial goes out the moment a result
// arrives; a background scanner promotes it to refined and final on fixed
// delays. State lives in memory only: a restart discards in-flight frames,
// which is acceptable for live streams.
package progressive

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/videoagent/internal/bus"
	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/log"
)

// Config tunes the escalation delays and the result ring logs.
type Config struct {
	RefinementDelay time.Duration // partial → refined
	FinalDelay      time.Duration // refined → final
	ScanInterval    time.Duration // scanner tick
	StreamMaxLen    int64         // results:<stage> ring bound, approximate
}

func (c Config) withDefaults() Config {
	if c.RefinementDelay <= 0 {
		c.RefinementDelay = 500 * time.Millisecond
	}
	if c.FinalDelay <= 0 {
		c.FinalDelay = 1500 * time.Millisecond
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 100 * time.Millisecond
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = 10000
	}
	return c
}

type key struct {
	streamID    string
	frameNumber int64
}

type state struct {
	result      domain.StreamResult
	partialAt   time.Time
	refinedAt   time.Time
	refinedSent bool
	enriched    map[string]any
}

// Tracker holds per-frame escalation state keyed by (stream id, frame number).
type Tracker struct {
	cfg    Config
	bus    bus.Bus
	client redis.UniversalClient // nil skips the ring logs
	logger zerolog.Logger
	nowFn  func() time.Time

	mu     sync.RWMutex
	states map[key]*state
}

// NewTracker wires the tracker to the event bus and, optionally, the fabric
// client for the bounded results:<stage> ring logs.
func NewTracker(cfg Config, b bus.Bus, client redis.UniversalClient) *Tracker {
	return &Tracker{
		cfg:    cfg.withDefaults(),
		bus:    b,
		client: client,
		logger: log.WithComponent("progressive"),
		nowFn:  time.Now,
		states: make(map[key]*state),
	}
}

// HandleResult registers a fresh frame result and emits its partial
// immediately. Duplicate results for the same (stream, frame) are dropped;
// the protocol is already running for the first one.
func (t *Tracker) HandleResult(ctx context.Context, res domain.StreamResult) {
	k := key{streamID: res.StreamID, frameNumber: res.FrameNumber}
	now := t.nowFn()

	t.mu.Lock()
	if _, exists := t.states[k]; exists {
		t.mu.Unlock()
		recordDuplicate()
		return
	}
	st := &state{result: res, partialAt: now}
	t.states[k] = st
	setInFlight(len(t.states))
	t.mu.Unlock()

	t.emit(ctx, domain.StagePartial, st, now)
}

// Enrich attaches extra data to an in-flight frame; it is carried on the
// final emission. Reports false once the frame is no longer tracked.
func (t *Tracker) Enrich(streamID string, frameNumber int64, data map[string]any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[key{streamID: streamID, frameNumber: frameNumber}]
	if !ok {
		return false
	}
	if st.enriched == nil {
		st.enriched = make(map[string]any, len(data))
	}
	for k, v := range data {
		st.enriched[k] = v
	}
	return true
}

// InFlight reports how many frames are between partial and final.
func (t *Tracker) InFlight() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

// Run drives the refinement scanner until ctx ends.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.scan(ctx)
		}
	}
}

// scan promotes every due state by exactly one stage. Finals are deleted
// before emission so a crashed publish cannot double-send.
func (t *Tracker) scan(ctx context.Context) {
	now := t.nowFn()

	type emission struct {
		stage domain.ProgressiveStage
		st    *state
	}
	var due []emission

	t.mu.Lock()
	for k, st := range t.states {
		switch {
		case !st.refinedSent && now.Sub(st.partialAt) >= t.cfg.RefinementDelay:
			st.refinedSent = true
			st.refinedAt = now
			due = append(due, emission{domain.StageRefined, st})
		case st.refinedSent && now.Sub(st.refinedAt) >= t.cfg.FinalDelay:
			delete(t.states, k)
			due = append(due, emission{domain.StageFinal, st})
		}
	}
	setInFlight(len(t.states))
	t.mu.Unlock()

	for _, e := range due {
		t.emit(ctx, e.stage, e.st, now)
	}
}

// emit publishes one stage to the bus and appends it to the bounded
// results:<stage> ring log.
func (t *Tracker) emit(ctx context.Context, stage domain.ProgressiveStage, st *state, now time.Time) {
	pr := domain.ProgressiveResult{
		StreamID:    st.result.StreamID,
		FrameNumber: st.result.FrameNumber,
		Stage:       stage,
		Confidence:  stage.Confidence(),
		Result:      st.result,
		Timestamp:   now.UTC(),
	}
	switch stage {
	case domain.StageRefined:
		pr.RefinementTimeMS = now.Sub(st.partialAt).Milliseconds()
	case domain.StageFinal:
		pr.RefinementTimeMS = st.refinedAt.Sub(st.partialAt).Milliseconds()
		pr.TotalTimeMS = now.Sub(st.partialAt).Milliseconds()
		pr.EnrichedData = st.enriched
	}

	topic := bus.TopicResults(stage)
	if err := t.bus.Publish(ctx, topic, domain.NewResultEnvelope(pr)); err != nil {
		t.logger.Warn().Err(err).
			Str(log.FieldTopic, topic).
			Str(log.FieldStreamID, pr.StreamID).
			Int64(log.FieldFrameNumber, pr.FrameNumber).
			Msg("result publish failed")
	}
	t.appendLog(ctx, topic, pr)
	recordEmission(stage)
}

func (t *Tracker) appendLog(ctx context.Context, topic string, pr domain.ProgressiveResult) {
	if t.client == nil {
		return
	}
	payload, err := json.Marshal(pr)
	if err != nil {
		t.logger.Error().Err(err).Msg("result marshal failed")
		return
	}
	err = t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: t.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
	if err != nil {
		t.logger.Warn().Err(err).Str(log.FieldTopic, topic).Msg("result log append failed")
	}
}
