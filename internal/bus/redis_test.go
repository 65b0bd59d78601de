// SPDX-License-Identifier: MIT
package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/videoagent/internal/domain"
)

func setupRedisBus(t *testing.T) (*miniredis.Miniredis, *RedisBus) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisBus(client)
}

func TestRedisBusRoundTrip(t *testing.T) {
	_, b := setupRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, "jobs:j9")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, b.Publish(ctx, "jobs:j9", jobEnvelope("j9", domain.JobStateCompleted)))

	select {
	case msg := <-sub.C():
		require.Equal(t, "jobs:j9", msg.Topic)
		env, err := msg.Decode()
		require.NoError(t, err)
		require.Equal(t, domain.JobStateCompleted, env.Job.State)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestRedisBusPatternSubscription(t *testing.T) {
	_, b := setupRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, "results:*")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	res := domain.ProgressiveResult{
		StreamID:    "s1",
		FrameNumber: 1,
		Stage:       domain.StageRefined,
		Confidence:  domain.StageRefined.Confidence(),
		Result:      domain.StreamResult{StreamID: "s1", FrameNumber: 1, ClientID: "c"},
		Timestamp:   time.Now(),
	}
	require.NoError(t, b.Publish(ctx, "results:refined", domain.NewResultEnvelope(res)))

	select {
	case msg := <-sub.C():
		require.Equal(t, "results:refined", msg.Topic)
		env, err := msg.Decode()
		require.NoError(t, err)
		require.Equal(t, domain.StageRefined, env.Result.Stage)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pattern message")
	}
}

func TestRedisBusRejectsBadPattern(t *testing.T) {
	_, b := setupRedisBus(t)
	_, err := b.Subscribe(context.Background(), "")
	require.Error(t, err)
}

func TestRedisBusSubscriptionCloseIdempotent(t *testing.T) {
	_, b := setupRedisBus(t)
	sub, err := b.Subscribe(context.Background(), "jobs")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}
