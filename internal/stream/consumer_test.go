package stream

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/model"
)

func TestParseRecord(t *testing.T) {
	data := base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))

	t.Run("full record", func(t *testing.T) {
		rec, err := parseRecord("frames:live-1", redis.XMessage{
			ID: "1718000000000-0",
			Values: map[string]interface{}{
				FieldClientID:    "client-1",
				FieldSessionID:   "sess-9",
				FieldUserID:      "user-1",
				FieldFrameNumber: "42",
				FieldTimestamp:   "1718000000123",
				FieldData:        data,
				FieldWidth:       "640",
				FieldHeight:      "360",
				FieldFormat:      "jpeg",
				FieldReceivedAt:  "1718000000500",
			},
		})
		require.NoError(t, err)
		require.Equal(t, "live-1", rec.StreamID)
		require.Equal(t, "1718000000000-0", rec.RecordID)
		require.Equal(t, "client-1", rec.ClientID)
		require.Equal(t, "sess-9", rec.SessionID)
		require.Equal(t, "user-1", rec.UserID)
		require.Equal(t, int64(42), rec.FrameNumber)
		require.Equal(t, int64(1718000000123), rec.Timestamp)
		require.Equal(t, []byte("jpeg-bytes"), rec.Data)
		require.Equal(t, 640, rec.Width)
		require.Equal(t, 360, rec.Height)
		require.Equal(t, "jpeg", rec.Format)
		require.Equal(t, time.UnixMilli(1718000000500).UTC(), rec.ReceivedAt)
		require.True(t, rec.Valid())
	})

	t.Run("missing client id", func(t *testing.T) {
		_, err := parseRecord("frames:live-1", redis.XMessage{
			ID:     "1-0",
			Values: map[string]interface{}{FieldData: data},
		})
		require.ErrorContains(t, err, "client_id")
	})

	t.Run("missing data", func(t *testing.T) {
		_, err := parseRecord("frames:live-1", redis.XMessage{
			ID:     "1-0",
			Values: map[string]interface{}{FieldClientID: "client-1"},
		})
		require.ErrorContains(t, err, "frame data")
	})

	t.Run("data not base64", func(t *testing.T) {
		_, err := parseRecord("frames:live-1", redis.XMessage{
			ID: "1-0",
			Values: map[string]interface{}{
				FieldClientID: "client-1",
				FieldData:     "%%% not base64 %%%",
			},
		})
		require.ErrorContains(t, err, "base64")
	})

	t.Run("numeric junk degrades to zero", func(t *testing.T) {
		rec, err := parseRecord("frames:live-1", redis.XMessage{
			ID: "1-0",
			Values: map[string]interface{}{
				FieldClientID:    "client-1",
				FieldData:        data,
				FieldFrameNumber: "not-a-number",
			},
		})
		require.NoError(t, err)
		require.Zero(t, rec.FrameNumber)
		require.False(t, rec.ReceivedAt.IsZero(), "received-at falls back to now")
	})
}

func TestConsumerReadsProcessesAndAcks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	sink := newCollectSink()

	var consumer *Consumer
	batcher := NewBatcher(BatcherConfig{
		MaxBatchSize: 1,
		BatchWait:    10 * time.Millisecond,
		Workers:      1,
	}, &model.Fake{}, sink, func(ctx context.Context, rec domain.StreamRecord) error {
		return consumer.Ack(ctx, rec)
	})
	consumer = NewConsumer(client, batcher, ConsumerConfig{
		Consumer:     "test-consumer",
		BlockTime:    50 * time.Millisecond,
		ScanInterval: 50 * time.Millisecond,
	})

	// Seed one valid and one malformed record before the consumer starts;
	// groups are created at "0" so both must be picked up.
	seed := func(values map[string]interface{}) {
		_, err := client.XAdd(ctx, &redis.XAddArgs{Stream: Key("live-1"), Values: values}).Result()
		require.NoError(t, err)
	}
	seed(map[string]interface{}{
		FieldClientID:    "client-1",
		FieldSessionID:   "sess-9",
		FieldFrameNumber: "7",
		FieldData:        base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")),
		FieldFormat:      "jpeg",
	})
	seed(map[string]interface{}{
		FieldClientID: "client-2", // no frame data: acked away, never processed
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = batcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = consumer.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	results := waitResults(t, sink, 1, 5*time.Second)
	require.Equal(t, "live-1", results[0].StreamID)
	require.Equal(t, int64(7), results[0].FrameNumber)
	require.Equal(t, "client-1", results[0].ClientID)
	require.Equal(t, "sess-9", results[0].SessionID)

	// Both records end up acknowledged: the valid one after processing, the
	// malformed one immediately.
	require.Eventually(t, func() bool {
		pending, err := client.XPending(context.Background(), Key("live-1"), "videoagent-worker").Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 20*time.Millisecond)

	// No second result ever shows up for the malformed record.
	select {
	case res := <-sink.arrived:
		t.Fatalf("unexpected extra result for frame %d", res.FrameNumber)
	case <-time.After(150 * time.Millisecond):
	}
}
