package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBadger(t *testing.T) *Badger {
	t.Helper()
	b, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBadgerRoundtrip(t *testing.T) {
	b := setupBadger(t)
	ctx := context.Background()

	_, ok, err := b.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(ctx, "k", []byte("v"), 0))
	got, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, b.Delete(ctx, "k"))
	_, ok, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadgerTTLExpires(t *testing.T) {
	b := setupBadger(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadgerDeletePrefix(t *testing.T) {
	b := setupBadger(t)
	ctx := context.Background()

	for _, k := range []string{"search:a", "search:b", "emb:a"} {
		require.NoError(t, b.Set(ctx, k, []byte("v"), 0))
	}

	require.NoError(t, b.DeletePrefix(ctx, "search:"))

	st, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.CurrentSize)

	_, ok, err := b.Get(ctx, "emb:a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBadgerHealthAfterClose(t *testing.T) {
	b, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, b.HealthCheck(context.Background()))

	require.NoError(t, b.Close())
	assert.Error(t, b.HealthCheck(context.Background()))
}
