package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/model"
)

// collectSink gathers results and signals each arrival.
type collectSink struct {
	mu      sync.Mutex
	results []domain.StreamResult
	arrived chan domain.StreamResult
}

func newCollectSink() *collectSink {
	return &collectSink{arrived: make(chan domain.StreamResult, 64)}
}

func (s *collectSink) HandleResult(_ context.Context, res domain.StreamResult) {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
	s.arrived <- res
}

// blockingSink parks every HandleResult until released, simulating a slow
// downstream.
type blockingSink struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingSink() *blockingSink {
	return &blockingSink{
		started: make(chan struct{}, 64),
		release: make(chan struct{}),
	}
}

func (s *blockingSink) HandleResult(context.Context, domain.StreamResult) {
	s.started <- struct{}{}
	<-s.release
}

// ackRecorder counts acknowledged records.
type ackRecorder struct {
	mu   sync.Mutex
	recs []domain.StreamRecord
}

func (a *ackRecorder) ack(_ context.Context, rec domain.StreamRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func (a *ackRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.recs)
}

func liveRecord(n int64) domain.StreamRecord {
	return domain.StreamRecord{
		StreamID:    "live-1",
		RecordID:    fmt.Sprintf("%d-0", n),
		ClientID:    "client-1",
		FrameNumber: n,
		Data:        []byte(fmt.Sprintf("frame-%d", n)),
		ReceivedAt:  time.Now().UTC(),
	}
}

// runBatcher starts Run in the background and tears it down with the test.
func runBatcher(t *testing.T, b *Batcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitResults(t *testing.T, sink *collectSink, n int, within time.Duration) []domain.StreamResult {
	t.Helper()
	deadline := time.After(within)
	got := make([]domain.StreamResult, 0, n)
	for len(got) < n {
		select {
		case res := <-sink.arrived:
			got = append(got, res)
		case <-deadline:
			t.Fatalf("timed out waiting for %d results, have %d", n, len(got))
		}
	}
	return got
}

func TestBatcherFlushesOnSize(t *testing.T) {
	sink := newCollectSink()
	acks := &ackRecorder{}
	fake := &model.Fake{}
	b := NewBatcher(BatcherConfig{
		MaxBatchSize: 4,
		BatchWait:    time.Hour, // only the size trigger may fire
		Workers:      1,
	}, fake, sink, acks.ack)
	runBatcher(t, b)

	for n := int64(1); n <= 4; n++ {
		b.Add(liveRecord(n))
	}

	results := waitResults(t, sink, 4, 2*time.Second)
	seen := make(map[int64]bool)
	for _, res := range results {
		seen[res.FrameNumber] = true
		require.Equal(t, "live-1", res.StreamID)
		require.Equal(t, "client-1", res.ClientID)
		require.Empty(t, res.Error)
		require.NotEmpty(t, res.Analysis.Description)
	}
	require.Len(t, seen, 4, "every frame produces exactly one result")

	require.Eventually(t, func() bool { return acks.count() == 4 },
		2*time.Second, 10*time.Millisecond)
}

func TestBatcherFlushesOnWait(t *testing.T) {
	sink := newCollectSink()
	acks := &ackRecorder{}
	b := NewBatcher(BatcherConfig{
		MaxBatchSize: 100, // never reached
		BatchWait:    30 * time.Millisecond,
		Workers:      1,
	}, &model.Fake{}, sink, acks.ack)
	runBatcher(t, b)

	b.Add(liveRecord(1))
	b.Add(liveRecord(2))

	waitResults(t, sink, 2, 2*time.Second)
}

func TestBatcherWaitTimerResetsOnFlush(t *testing.T) {
	sink := newCollectSink()
	acks := &ackRecorder{}
	b := NewBatcher(BatcherConfig{
		MaxBatchSize: 4,
		BatchWait:    100 * time.Millisecond,
		Workers:      1,
	}, &model.Fake{}, sink, acks.ack)
	runBatcher(t, b)

	// Let the initial timer window partly elapse, then force a size flush.
	// That flush must restart the window, so the straggler added right after
	// it waits a full BatchWait, not the remainder of the old window.
	time.Sleep(70 * time.Millisecond)
	for n := int64(1); n <= 4; n++ {
		b.Add(liveRecord(n))
	}
	addTime := time.Now()
	b.Add(liveRecord(5))

	results := waitResults(t, sink, 5, 2*time.Second)
	var stragglerAt time.Time
	for _, res := range results {
		if res.FrameNumber == 5 {
			stragglerAt = res.ProcessedAt
		}
	}
	require.False(t, stragglerAt.IsZero(), "straggler frame was processed")
	require.GreaterOrEqual(t, stragglerAt.Sub(addTime), 60*time.Millisecond,
		"straggler must wait out the restarted window, not the stale one")
}

func TestBatcherDropsNewestWhenSaturated(t *testing.T) {
	droppedBefore := testutil.ToFloat64(batchesDropped)

	sink := newBlockingSink()
	acks := &ackRecorder{}
	b := NewBatcher(BatcherConfig{
		MaxBatchSize: 1, // every Add flushes a batch
		BatchWait:    time.Hour,
		BatchBuffer:  1,
		Workers:      1,
	}, &model.Fake{}, sink, acks.ack)
	runBatcher(t, b)
	t.Cleanup(func() { close(sink.release) })

	// First batch occupies the single worker.
	b.Add(liveRecord(1))
	select {
	case <-sink.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first batch")
	}

	// Second batch fills the channel, third must be dropped.
	b.Add(liveRecord(2))
	b.Add(liveRecord(3))

	require.Equal(t, droppedBefore+1, testutil.ToFloat64(batchesDropped))
}

func TestBatcherIsolatesRecordPanics(t *testing.T) {
	sink := newCollectSink()
	acks := &ackRecorder{}
	fake := &model.Fake{
		AnalyzeFrameFn: func(_ context.Context, image []byte, _ string) (domain.FrameAnalysis, error) {
			if string(image) == "frame-2" {
				panic("model client bug")
			}
			return domain.FrameAnalysis{Description: string(image), Confidence: 0.9}, nil
		},
	}
	b := NewBatcher(BatcherConfig{
		MaxBatchSize: 3,
		BatchWait:    time.Hour,
		Workers:      1,
	}, fake, sink, acks.ack)
	runBatcher(t, b)

	b.Add(liveRecord(1))
	b.Add(liveRecord(2))
	b.Add(liveRecord(3))

	results := waitResults(t, sink, 2, 2*time.Second)
	for _, res := range results {
		require.NotEqual(t, int64(2), res.FrameNumber, "panicked record must not emit")
	}
	require.Eventually(t, func() bool { return acks.count() == 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestBatcherEmitsVisionErrors(t *testing.T) {
	sink := newCollectSink()
	acks := &ackRecorder{}
	fake := &model.Fake{
		AnalyzeFrameFn: func(context.Context, []byte, string) (domain.FrameAnalysis, error) {
			return domain.FrameAnalysis{}, errors.New("model unavailable")
		},
	}
	b := NewBatcher(BatcherConfig{
		MaxBatchSize: 1,
		BatchWait:    time.Hour,
		Workers:      1,
	}, fake, sink, acks.ack)
	runBatcher(t, b)

	b.Add(liveRecord(1))

	results := waitResults(t, sink, 1, 2*time.Second)
	require.Contains(t, results[0].Error, "model unavailable")
	// Errored frames are still acked: live records are never retried.
	require.Eventually(t, func() bool { return acks.count() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func BenchmarkBatcherAdd(b *testing.B) {
	batcher := NewBatcher(BatcherConfig{
		MaxBatchSize: 16,
		BatchWait:    time.Hour, // size flushes only
	}, &model.Fake{}, newCollectSink(), func(context.Context, domain.StreamRecord) error { return nil })

	// Drain flushed batches so the channel never saturates; workers stay
	// out of the measurement.
	done := make(chan struct{})
	go func() {
		for range batcher.batches {
		}
		close(done)
	}()
	defer func() {
		close(batcher.batches)
		<-done
	}()

	rec := liveRecord(1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		batcher.Add(rec)
	}
}
