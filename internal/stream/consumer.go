// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/log"
)

// streamKeyPrefix names the append logs live frames arrive on.
const streamKeyPrefix = "frames:"

// Key returns the append-log key for a stream id.
func Key(streamID string) string { return streamKeyPrefix + streamID }

// Field names of frames:<stream-id> log entries. The gateway writes them, the
// consumer reads them.
const (
	FieldClientID    = "client_id"
	FieldSessionID   = "session_id"
	FieldUserID      = "user_id"
	FieldFrameNumber = "frame_number"
	FieldTimestamp   = "timestamp"
	FieldData        = "data"
	FieldWidth       = "width"
	FieldHeight      = "height"
	FieldFormat      = "format"
	FieldReceivedAt  = "received_at"
)

// ConsumerConfig tunes stream discovery and group reads.
type ConsumerConfig struct {
	Group        string        // consumer group, shared by all workers
	Consumer     string        // this worker's name within the group
	BlockTime    time.Duration // XREADGROUP blocking window
	ReadCount    int           // max records per read
	ScanInterval time.Duration // frames:* rediscovery cadence
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Group == "" {
		c.Group = "videoagent-worker"
	}
	if c.Consumer == "" {
		c.Consumer = "consumer-" + uuid.NewString()[:8]
	}
	if c.BlockTime <= 0 {
		c.BlockTime = time.Second
	}
	if c.ReadCount <= 0 {
		c.ReadCount = 16
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 5 * time.Second
	}
	return c
}

// Consumer reads live frames from every frames:* log through one consumer
// group and feeds them to the batcher. Streams are discovered by scanning;
// groups are created lazily per stream.
type Consumer struct {
	client  redis.UniversalClient
	batcher *Batcher
	cfg     ConsumerConfig
	logger  zerolog.Logger

	groups map[string]bool // streams whose group already exists
}

// NewConsumer wires a consumer to the fabric and a batcher.
func NewConsumer(client redis.UniversalClient, batcher *Batcher, cfg ConsumerConfig) *Consumer {
	return &Consumer{
		client:  client,
		batcher: batcher,
		cfg:     cfg.withDefaults(),
		logger:  log.WithComponent("stream.consumer"),
		groups:  make(map[string]bool),
	}
}

// Run reads frames until ctx ends. Meant to run once per process next to the
// batcher.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().
		Str("group", c.cfg.Group).
		Str("consumer", c.cfg.Consumer).
		Msg("stream consumer started")

	var (
		streams  []string
		lastScan time.Time
	)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(lastScan) >= c.cfg.ScanInterval {
			found, err := c.discover(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Warn().Err(err).Msg("stream discovery failed")
				if !sleep(ctx, c.cfg.BlockTime) {
					return ctx.Err()
				}
				continue
			}
			streams = found
			lastScan = time.Now()
		}

		if len(streams) == 0 {
			if !sleep(ctx, c.cfg.BlockTime) {
				return ctx.Err()
			}
			continue
		}

		c.readOnce(ctx, streams)
	}
}

// discover scans for frames:* keys and makes sure each has the consumer
// group. Groups start at "0" so frames appended before discovery are still
// processed.
func (c *Consumer) discover(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, streamKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("stream: scan %s*: %w", streamKeyPrefix, err)
		}
		for _, key := range keys {
			if seen[key] {
				continue
			}
			if err := c.ensureGroup(ctx, key); err != nil {
				c.logger.Warn().Err(err).Str(log.FieldTopic, key).Msg("consumer group create failed")
				continue
			}
			seen[key] = true
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	streams := make([]string, 0, len(seen))
	for key := range seen {
		streams = append(streams, key)
	}
	sort.Strings(streams)
	return streams, nil
}

func (c *Consumer) ensureGroup(ctx context.Context, stream string) error {
	if c.groups[stream] {
		return nil
	}
	err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	c.groups[stream] = true
	c.logger.Debug().Str(log.FieldTopic, stream).Msg("consumer group ready")
	return nil
}

// readOnce does one blocking group read across all known streams and routes
// every record: parse failures are acked away immediately, valid records go
// to the batcher.
func (c *Consumer) readOnce(ctx context.Context, streams []string) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  args,
		Count:    int64(c.cfg.ReadCount),
		Block:    c.cfg.BlockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Msg("stream read failed")
		return
	}

	for _, sr := range res {
		for _, msg := range sr.Messages {
			rec, err := parseRecord(sr.Stream, msg)
			if err != nil {
				// Malformed records are acked and logged, never retried.
				recordInvalid()
				c.logger.Warn().Err(err).
					Str(log.FieldTopic, sr.Stream).
					Str("record_id", msg.ID).
					Msg("invalid stream record dropped")
				if ackErr := c.ackID(ctx, sr.Stream, msg.ID); ackErr != nil {
					c.logger.Warn().Err(ackErr).Msg("ack of invalid record failed")
				}
				continue
			}
			recordRead()
			c.batcher.Add(rec)
		}
	}
}

// Ack acknowledges a processed record. Wired into the batcher as its AckFunc.
func (c *Consumer) Ack(ctx context.Context, rec domain.StreamRecord) error {
	return c.ackID(ctx, Key(rec.StreamID), rec.RecordID)
}

func (c *Consumer) ackID(ctx context.Context, stream, id string) error {
	if err := c.client.XAck(ctx, stream, c.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("stream: ack %s on %s: %w", id, stream, err)
	}
	return nil
}

// parseRecord decodes one log entry. ClientID and non-empty frame bytes are
// required; numeric fields degrade to zero values.
func parseRecord(stream string, msg redis.XMessage) (domain.StreamRecord, error) {
	rec := domain.StreamRecord{
		StreamID:    strings.TrimPrefix(stream, streamKeyPrefix),
		RecordID:    msg.ID,
		ClientID:    stringField(msg.Values, FieldClientID),
		SessionID:   stringField(msg.Values, FieldSessionID),
		UserID:      stringField(msg.Values, FieldUserID),
		FrameNumber: intField(msg.Values, FieldFrameNumber),
		Timestamp:   intField(msg.Values, FieldTimestamp),
		Width:       int(intField(msg.Values, FieldWidth)),
		Height:      int(intField(msg.Values, FieldHeight)),
		Format:      stringField(msg.Values, FieldFormat),
	}

	if rec.ClientID == "" {
		return rec, errors.New("missing client_id")
	}
	raw := stringField(msg.Values, FieldData)
	if raw == "" {
		return rec, errors.New("missing frame data")
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return rec, fmt.Errorf("frame data is not base64: %w", err)
	}
	if len(data) == 0 {
		return rec, errors.New("empty frame data")
	}
	rec.Data = data

	if ms := intField(msg.Values, FieldReceivedAt); ms > 0 {
		rec.ReceivedAt = time.UnixMilli(ms).UTC()
	} else {
		rec.ReceivedAt = time.Now().UTC()
	}
	return rec, nil
}

func stringField(values map[string]interface{}, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}

func intField(values map[string]interface{}, key string) int64 {
	s := stringField(values, key)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// sleep waits for d or until ctx ends; it reports false when ctx ended.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
