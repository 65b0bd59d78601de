package bus

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/videoagent/internal/domain"
)

func getCounterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, counter.Write(metric))
	return metric.GetCounter().GetValue()
}

func jobEnvelope(id string, state domain.JobState) domain.Envelope {
	return domain.NewJobEnvelope(domain.JobEvent{
		JobID:     id,
		State:     state,
		Timestamp: time.Now(),
	})
}

func TestMemoryBusRoundTrip(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "jobs:j1")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, b.Publish(ctx, "jobs:j1", jobEnvelope("j1", domain.JobStateActive)))

	select {
	case msg := <-sub.C():
		require.Equal(t, "jobs:j1", msg.Topic)
		env, err := msg.Decode()
		require.NoError(t, err)
		require.Equal(t, domain.EventKindJob, env.Kind)
		require.Equal(t, "j1", env.Job.JobID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBusPatternWildcard(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "jobs:*")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, b.Publish(ctx, "jobs:a", jobEnvelope("a", domain.JobStateWaiting)))
	require.NoError(t, b.Publish(ctx, "progress:a", domain.NewProgressEnvelope(domain.ProgressUpdate{JobID: "a", Progress: 10, Timestamp: time.Now()})))
	require.NoError(t, b.Publish(ctx, "jobs:b", jobEnvelope("b", domain.JobStateWaiting)))

	var got []string
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case msg := <-sub.C():
			got = append(got, msg.Topic)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	require.Equal(t, []string{"jobs:a", "jobs:b"}, got)

	// The progress topic never matched; the queue must be empty now.
	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected extra message on %s", msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusCloseStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "jobs")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close()) // idempotent

	// Channel is closed.
	_, ok := <-sub.C()
	require.False(t, ok)

	// Publishing after close must not panic or block.
	require.NoError(t, b.Publish(ctx, "jobs", jobEnvelope("x", domain.JobStateWaiting)))
}

func TestMemoryBusPublishTimeoutIncrementsDropCounter(t *testing.T) {
	b := NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), "frames:x")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	// Fill the subscriber queue to capacity so the next publish blocks.
	for i := 0; i < cap(sub.C()); i++ {
		require.NoError(t, b.Publish(context.Background(), "frames:x", jobEnvelope("x", domain.JobStateActive)))
	}

	before := getCounterValue(t, droppedTotal.WithLabelValues("frames", "timeout"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = b.Publish(ctx, "frames:x", jobEnvelope("x", domain.JobStateActive))
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	after := getCounterValue(t, droppedTotal.WithLabelValues("frames", "timeout"))
	require.Greater(t, after, before, "expected the drop counter to increase")
}

func TestMemoryBusRepeatedDropsKeepFailingCleanly(t *testing.T) {
	b := NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), "frames:y")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	for i := 0; i < cap(sub.C()); i++ {
		require.NoError(t, b.Publish(context.Background(), "frames:y", jobEnvelope("y", domain.JobStateActive)))
	}

	// Enough consecutive drops to cross the periodic drop-log boundary;
	// every one must return the context error without panicking.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < dropLogEvery; i++ {
		err := b.Publish(ctx, "frames:y", jobEnvelope("y", domain.JobStateActive))
		require.ErrorIs(t, err, context.Canceled)
	}
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Publish(context.Background(), "scenes:zzz",
		domain.NewSceneEnvelope(domain.SceneEvent{JobID: "zzz", Index: 0, Timestamp: time.Now()})))
}

func TestMemoryBusFIFOPerTopic(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "progress:p")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	for i := 1; i <= 5; i++ {
		env := domain.NewProgressEnvelope(domain.ProgressUpdate{JobID: "p", Progress: i * 10, Timestamp: time.Now()})
		require.NoError(t, b.Publish(ctx, "progress:p", env))
	}

	for i := 1; i <= 5; i++ {
		select {
		case msg := <-sub.C():
			env, err := msg.Decode()
			require.NoError(t, err)
			require.Equal(t, i*10, env.Progress.Progress)
		case <-time.After(time.Second):
			t.Fatalf("timed out at message %d", i)
		}
	}
}
