// SPDX-License-Identifier: MIT

// Package gateway is the realtime edge of the daemon: websocket read
// namespaces fed by the event bus, and a frame ingress endpoint that
// appends live frames to the Redis frame log for the stream workers.
//
// Read traffic is namespaced: /ws/jobs carries the global job feed,
// /ws/progress, /ws/frames and /ws/scenes carry per-job rooms joined with
// subscribe messages, and /ws/videoagent is the firehose that mirrors
// everything, including progressive results. /stream is write-only from
// the client's point of view: it accepts frame messages, rate-limits them
// per session, and XADDs them to frames:<stream-id>.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/videoagent/internal/auth"
	"github.com/ManuGH/videoagent/internal/bus"
	"github.com/ManuGH/videoagent/internal/log"
	"github.com/ManuGH/videoagent/internal/ratelimit"
)

// Read namespaces. NamespaceFirehose additionally receives a mirror of all
// job-keyed traffic and the progressive result feed.
const (
	NamespaceFirehose = "videoagent"
	NamespaceJobs     = "jobs"
	NamespaceProgress = "progress"
	NamespaceFrames   = "frames"
	NamespaceScenes   = "scenes"

	// namespaceStream is internal bookkeeping for /stream sessions; it is
	// not dialable via /ws/{namespace} and receives no relayed events.
	namespaceStream = "stream"
)

func validNamespace(ns string) bool {
	switch ns {
	case NamespaceFirehose, NamespaceJobs, NamespaceProgress, NamespaceFrames, NamespaceScenes:
		return true
	}
	return false
}

// relayPatterns are the bus subscriptions the gateway fans out from.
var relayPatterns = []string{
	bus.TopicJobs,
	"jobs:*",
	"progress:*",
	"frames:*",
	"scenes:*",
	"results:*",
}

// Config tunes the gateway. Zero values take defaults.
type Config struct {
	// Verifier checks bearer tokens. nil runs the gateway open, for
	// single-process and test setups; production wiring fails fast before
	// it gets here.
	Verifier *auth.Verifier

	// ReadAuthRequired demands a valid token on read namespaces too.
	// /stream always requires one when a Verifier is set.
	ReadAuthRequired bool

	SendBuffer       int           // per-session outbound queue, default 256
	IngressReadLimit int64         // max /stream message size, default 1 MiB
	ControlReadLimit int64         // max read-namespace message size, default 4 KiB
	ReadTimeout      time.Duration // idle deadline, refreshed on traffic and pongs, default 30s
	WriteTimeout     time.Duration // per-write deadline, default 10s
	PingInterval     time.Duration // keepalive ping period, default 15s
	StreamMaxLen     int64         // approximate cap per frame log, default 10000

	// CheckOrigin overrides the upgrade origin check. nil allows any
	// origin; the deployment's edge proxy is expected to pin origins.
	CheckOrigin func(*http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.IngressReadLimit <= 0 {
		c.IngressReadLimit = 1 << 20
	}
	if c.ControlReadLimit <= 0 {
		c.ControlReadLimit = 4 << 10
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = 10000
	}
	return c
}

// Deps are the gateway's collaborators.
type Deps struct {
	Bus     bus.Bus
	Redis   redis.UniversalClient // frame log writer; nil disables /stream
	Limiter *ratelimit.Limiter    // nil means unlimited ingress
	Logger  zerolog.Logger
}

// Gateway owns websocket sessions and the bus relay feeding them.
type Gateway struct {
	cfg      Config
	bus      bus.Bus
	redis    redis.UniversalClient
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger
	hub      *hub
	upgrader websocket.Upgrader

	startedAt    time.Time
	totalOpened  atomic.Uint64
	totalRelayed atomic.Uint64
	totalFrames  atomic.Uint64
	totalDropped atomic.Uint64
	eventCounts  map[string]*atomic.Uint64 // relayed events keyed by topic prefix

	// relayReady closes once all bus subscriptions are registered, so
	// callers can sequence publishes after startup.
	relayReady chan struct{}
	readyOnce  sync.Once
}

// Stats is the snapshot served at /api/v1/realtime/stats.
type Stats struct {
	UptimeMS       int64             `json:"uptimeMs"`
	Sessions       int               `json:"sessions"`
	SessionsTotal  uint64            `json:"sessionsTotal"`
	Namespaces     map[string]int    `json:"namespaces"`
	Events         map[string]uint64 `json:"events"` // relayed events by topic prefix
	EventsRelayed  uint64            `json:"eventsRelayed"`
	FramesIngested uint64            `json:"framesIngested"`
	SlowDrops      uint64            `json:"slowDrops"`
}

func New(cfg Config, deps Deps) *Gateway {
	cfg = cfg.withDefaults()
	origin := cfg.CheckOrigin
	if origin == nil {
		origin = func(*http.Request) bool { return true }
	}
	counts := make(map[string]*atomic.Uint64, 5)
	for _, prefix := range []string{"jobs", "progress", "frames", "scenes", "results"} {
		counts[prefix] = new(atomic.Uint64)
	}
	return &Gateway{
		cfg:     cfg,
		bus:     deps.Bus,
		redis:   deps.Redis,
		limiter: deps.Limiter,
		logger:  deps.Logger.With().Str(log.FieldComponent, "gateway").Logger(),
		hub:     newHub(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      origin,
		},
		startedAt:   time.Now(),
		eventCounts: counts,
		relayReady:  make(chan struct{}),
	}
}

// Run drives the bus relay until ctx ends, then disconnects every session.
// Sessions may connect before Run starts; they just see no events yet.
func (g *Gateway) Run(ctx context.Context) error {
	subs := make([]bus.Subscription, 0, len(relayPatterns))
	for _, pattern := range relayPatterns {
		sub, err := g.bus.Subscribe(ctx, pattern)
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return err
		}
		subs = append(subs, sub)
	}
	g.logger.Info().Int("subscriptions", len(subs)).Msg("relay started")
	g.readyOnce.Do(func() { close(g.relayReady) })

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub bus.Subscription) {
			defer wg.Done()
			for msg := range sub.C() {
				g.dispatch(msg)
			}
		}(sub)
	}
	<-ctx.Done()
	for _, sub := range subs {
		_ = sub.Close()
	}
	wg.Wait()
	g.hub.closeAll()
	g.logger.Info().Msg("relay stopped")
	return nil
}

// dispatch routes one bus message to namespace sessions. Job-keyed topics
// go to their room; everything also lands on the firehose.
func (g *Gateway) dispatch(msg bus.Message) {
	data, err := json.Marshal(serverMessage{Type: "event", Topic: msg.Topic, Event: msg.Payload})
	if err != nil {
		return
	}
	delivered := 0
	ns, room, ok := routeTopic(msg.Topic)
	if !ok {
		return
	}
	if c, found := g.eventCounts[topicPrefix(msg.Topic)]; found {
		c.Add(1)
	}
	switch {
	case ns == NamespaceFirehose:
		// results:* has no narrower namespace.
	case room == "":
		n := g.hub.broadcast(ns, data)
		recordRelayed(ns, n)
		delivered += n
	default:
		n := g.hub.roomcast(ns, room, data)
		recordRelayed(ns, n)
		delivered += n
	}
	n := g.hub.broadcast(NamespaceFirehose, data)
	recordRelayed(NamespaceFirehose, n)
	delivered += n
	g.totalRelayed.Add(uint64(delivered))
}

func topicPrefix(topic string) string {
	prefix, _, _ := strings.Cut(topic, ":")
	return prefix
}

// routeTopic maps a bus topic to its read namespace and room. The room is
// empty for namespace-wide feeds.
func routeTopic(topic string) (namespace, room string, ok bool) {
	if topic == bus.TopicJobs {
		return NamespaceJobs, "", true
	}
	prefix, id, found := strings.Cut(topic, ":")
	if !found || id == "" {
		return "", "", false
	}
	switch prefix {
	case "jobs", "progress", "frames", "scenes":
		return prefix, "job:" + id, true
	case "results":
		return NamespaceFirehose, "", true
	}
	return "", "", false
}

// ServeNamespace upgrades a read-namespace connection. The caller extracts
// the namespace from the route.
func (g *Gateway) ServeNamespace(w http.ResponseWriter, r *http.Request, namespace string) {
	if !validNamespace(namespace) {
		http.Error(w, "unknown namespace", http.StatusNotFound)
		return
	}
	g.serve(w, r, namespace, false)
}

// ServeStream upgrades a frame-ingress connection. Authentication is
// mandatory whenever a verifier is configured.
func (g *Gateway) ServeStream(w http.ResponseWriter, r *http.Request) {
	if g.redis == nil {
		http.Error(w, "stream ingress disabled", http.StatusServiceUnavailable)
		return
	}
	g.serve(w, r, namespaceStream, true)
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, namespace string, ingress bool) {
	identity, authErr := g.authenticate(r, ingress || g.cfg.ReadAuthRequired)
	clientIP := ratelimit.GetClientIP(r)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		g.logger.Debug().Err(err).Str("ip", clientIP).Msg("websocket upgrade failed")
		return
	}
	if authErr != nil {
		recordAuthFailure()
		g.logger.Warn().Err(authErr).Str(log.FieldNamespace, namespace).Str("ip", clientIP).Msg("websocket auth rejected")
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, authErr.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.cfg.WriteTimeout))
		_ = conn.Close()
		return
	}

	s := &session{
		id:          uuid.NewString(),
		namespace:   namespace,
		identity:    identity,
		ingress:     ingress,
		conn:        conn,
		send:        make(chan []byte, g.cfg.SendBuffer),
		rooms:       make(map[string]struct{}),
		connectedAt: time.Now(),
		gw:          g,
	}
	logger := g.logger.With().
		Str(log.FieldSessionID, s.id).
		Str(log.FieldNamespace, namespace).
		Logger()
	if identity != nil {
		logger = logger.With().Str(log.FieldUserID, identity.UserID).Logger()
	}
	s.logger = logger

	g.hub.add(s)
	g.totalOpened.Add(1)
	recordConnect(namespace)
	s.logger.Info().Str("ip", clientIP).Msg("websocket session opened")

	go s.writePump()
	go s.readPump()
}

// authenticate resolves the request's identity. A token is verified
// whenever present; required only makes its absence fatal.
func (g *Gateway) authenticate(r *http.Request, required bool) (*auth.Claims, error) {
	if g.cfg.Verifier == nil {
		return nil, nil
	}
	token := auth.BearerToken(r, true)
	if token == "" {
		if required {
			return nil, auth.ErrTokenMissing
		}
		return nil, nil
	}
	return g.cfg.Verifier.Verify(token)
}

// Stats snapshots gateway activity since process start.
func (g *Gateway) Stats() Stats {
	per, total := g.hub.counts()
	events := make(map[string]uint64, len(g.eventCounts))
	for prefix, c := range g.eventCounts {
		events[prefix] = c.Load()
	}
	return Stats{
		UptimeMS:       time.Since(g.startedAt).Milliseconds(),
		Sessions:       total,
		SessionsTotal:  g.totalOpened.Load(),
		Namespaces:     per,
		Events:         events,
		EventsRelayed:  g.totalRelayed.Load(),
		FramesIngested: g.totalFrames.Load(),
		SlowDrops:      g.totalDropped.Load(),
	}
}
