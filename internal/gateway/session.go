// SPDX-License-Identifier: MIT

package gateway

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ManuGH/videoagent/internal/auth"
)

// clientMessage is everything a client may send over an established socket.
type clientMessage struct {
	Type  string        `json:"type"`
	Room  string        `json:"room,omitempty"`
	Frame *ingressFrame `json:"frame,omitempty"`
}

// serverMessage is everything the gateway sends. Event carries the bus
// envelope verbatim; the gateway never re-encodes relayed payloads.
type serverMessage struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Room    string          `json:"room,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

type session struct {
	id          string
	namespace   string
	identity    *auth.Claims // nil for anonymous sessions
	ingress     bool         // /stream sessions accept frame messages
	conn        *websocket.Conn
	send        chan []byte
	rooms       map[string]struct{} // guarded by the hub lock
	connectedAt time.Time
	gw          *Gateway
	logger      zerolog.Logger
}

func (s *session) tier() string {
	if s.identity == nil {
		return ""
	}
	return s.identity.SubscriptionTier
}

// enqueue hands data to the write pump without blocking. Callers must hold
// the hub lock (read side is enough), which excludes the channel close in
// hub.remove.
func (s *session) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// dropSlow kicks a session whose send queue overflowed. Closing the
// connection unblocks both pumps; teardown happens in the read pump.
func (s *session) dropSlow() {
	recordSlowDrop(s.namespace)
	s.gw.totalDropped.Add(1)
	s.logger.Warn().Msg("websocket consumer too slow, dropping")
	_ = s.conn.Close()
}

// reply queues a control reply for this session, best effort.
func (s *session) reply(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.gw.hub.sendTo(s, data)
}

func (s *session) replyError(code, detail string) {
	s.reply(serverMessage{Type: "error", Error: code, Message: detail})
}

// readPump owns the connection's read side: it refreshes the idle deadline
// on every message and pong, dispatches client messages, and tears the
// session down when the connection dies.
func (s *session) readPump() {
	defer s.teardown()
	s.conn.SetReadLimit(s.readLimit())
	refresh := func() { _ = s.conn.SetReadDeadline(time.Now().Add(s.gw.cfg.ReadTimeout)) }
	refresh()
	s.conn.SetPongHandler(func(string) error { refresh(); return nil })

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		refresh()

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.replyError("bad_message", "message is not valid JSON")
			continue
		}
		s.handle(msg)
	}
}

func (s *session) handle(msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		room, ok := normalizeRoom(msg.Room)
		if !ok {
			s.replyError("bad_room", "room must name a job, e.g. job:<jobId>")
			return
		}
		s.gw.hub.join(s, room)
		s.reply(serverMessage{Type: "subscribed", Room: room})
	case "unsubscribe":
		room, ok := normalizeRoom(msg.Room)
		if !ok {
			s.replyError("bad_room", "room must name a job, e.g. job:<jobId>")
			return
		}
		s.gw.hub.leave(s, room)
		s.reply(serverMessage{Type: "unsubscribed", Room: room})
	case "frame":
		if !s.ingress {
			s.replyError("not_ingress", "frame messages are only accepted on /stream")
			return
		}
		s.gw.ingestFrame(s, msg.Frame)
	default:
		s.replyError("unknown_type", "unsupported message type")
	}
}

// normalizeRoom accepts "job:<id>" or a bare job id and returns the
// canonical room name.
func normalizeRoom(room string) (string, bool) {
	id := strings.TrimPrefix(room, "job:")
	if id == "" || strings.ContainsAny(id, ": \t\r\n") {
		return "", false
	}
	return "job:" + id, true
}

// writePump owns the connection's write side: queued messages, keepalive
// pings, and the closing handshake once the send channel is closed.
func (s *session) writePump() {
	ticker := time.NewTicker(s.gw.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.gw.cfg.WriteTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.gw.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) readLimit() int64 {
	if s.ingress {
		return s.gw.cfg.IngressReadLimit
	}
	return s.gw.cfg.ControlReadLimit
}

func (s *session) teardown() {
	s.gw.hub.remove(s)
	_ = s.conn.Close()
	if s.gw.limiter != nil {
		s.gw.limiter.Forget(s.id)
	}
	recordDisconnect(s.namespace)
	s.logger.Debug().Dur("connected", time.Since(s.connectedAt)).Msg("websocket session closed")
}
