// SPDX-License-Identifier: MIT

package gateway

import (
	"context"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/log"
	"github.com/ManuGH/videoagent/internal/stream"
)

// ingressWriteTimeout bounds one XADD. The websocket read loop is blocked
// while a frame is being appended, so this stays short.
const ingressWriteTimeout = 5 * time.Second

// ingressFrame is the payload of a client frame message. Data is base64 on
// the wire, decoded by encoding/json.
type ingressFrame struct {
	StreamID    string `json:"streamId"`
	ClientID    string `json:"clientId,omitempty"` // stable producer id, defaults to the session id
	FrameNumber int64  `json:"frameNumber"`
	Timestamp   int64  `json:"timestamp,omitempty"` // producer clock, unix ms
	Data        []byte `json:"data"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Format      string `json:"format,omitempty"`
}

// ingestFrame validates, rate-limits and appends one live frame to the
// frames:<stream-id> log. Rejections answer with an error message and keep
// the session open; only transport failures close it.
func (g *Gateway) ingestFrame(s *session, f *ingressFrame) {
	if f == nil {
		s.replyError("bad_frame", "frame body is missing")
		recordIngressReject("bad_frame")
		return
	}
	if err := domain.ValidateStreamID(f.StreamID); err != nil {
		s.replyError("bad_stream_id", "stream id must match [A-Za-z0-9_.-]{1,128}")
		recordIngressReject("bad_stream_id")
		return
	}
	if len(f.Data) == 0 {
		s.replyError("empty_frame", "frame data is empty")
		recordIngressReject("empty_frame")
		return
	}
	if f.FrameNumber < 0 {
		s.replyError("bad_frame_number", "frame number must not be negative")
		recordIngressReject("bad_frame_number")
		return
	}
	if g.limiter != nil && !g.limiter.Allow(s.id, s.tier()) {
		s.replyError("rate_limited", "frame dropped, over ingress limit")
		recordIngressReject("rate_limited")
		return
	}

	clientID := f.ClientID
	if clientID == "" {
		clientID = s.id
	}
	ts := f.Timestamp
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	values := map[string]interface{}{
		stream.FieldClientID:    clientID,
		stream.FieldSessionID:   s.id,
		stream.FieldFrameNumber: strconv.FormatInt(f.FrameNumber, 10),
		stream.FieldTimestamp:   strconv.FormatInt(ts, 10),
		stream.FieldData:        base64.StdEncoding.EncodeToString(f.Data),
		stream.FieldReceivedAt:  strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if s.identity != nil {
		values[stream.FieldUserID] = s.identity.UserID
	}
	if f.Width > 0 {
		values[stream.FieldWidth] = strconv.Itoa(f.Width)
	}
	if f.Height > 0 {
		values[stream.FieldHeight] = strconv.Itoa(f.Height)
	}
	if f.Format != "" {
		values[stream.FieldFormat] = f.Format
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingressWriteTimeout)
	defer cancel()
	err := g.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream.Key(f.StreamID),
		MaxLen: g.cfg.StreamMaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		s.logger.Warn().Err(err).
			Str(log.FieldStreamID, f.StreamID).
			Int64(log.FieldFrameNumber, f.FrameNumber).
			Msg("frame append failed")
		s.replyError("ingress_failed", "frame could not be stored, retry")
		recordIngressReject("store_error")
		return
	}
	g.totalFrames.Add(1)
	recordIngress()
}
