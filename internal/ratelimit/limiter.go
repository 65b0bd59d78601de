// SPDX-License-Identifier: MIT

// Package ratelimit bounds realtime ingress on the gateway. Limits apply at
// three levels: a global cap on everything the process accepts, a shared cap
// per subscription tier, and an individual bucket per session. A frame that
// fails any level is dropped by the caller, never queued.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var rateLimitExceeded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "videoagent",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total ingress rejections by rate limiting",
	},
	[]string{"limit_type", "tier"},
)

// Config holds ingress rate limiting configuration.
type Config struct {
	// Global limits across all sessions.
	GlobalRate  rate.Limit // frames per second
	GlobalBurst int

	// Per-session limits.
	PerSessionRate  rate.Limit
	PerSessionBurst int

	// Shared limits per subscription tier. Tiers not listed here are only
	// subject to the global and per-session limits.
	TierRates map[string]rate.Limit
	TierBurst map[string]int

	// CleanupInterval bounds how long idle session buckets are retained.
	CleanupInterval time.Duration
}

// DefaultConfig returns limits sized for realtime video at ~30 frames/s per stream.
func DefaultConfig() Config {
	return Config{
		GlobalRate:  1000,
		GlobalBurst: 2000,

		PerSessionRate:  30, // one realtime stream at full frame rate
		PerSessionBurst: 60,

		TierRates: map[string]rate.Limit{
			"free":       100, // ~3 concurrent free streams
			"pro":        400,
			"enterprise": 1000,
		},
		TierBurst: map[string]int{
			"free":       200,
			"pro":        800,
			"enterprise": 2000,
		},

		CleanupInterval: 5 * time.Minute,
	}
}

// Limiter manages ingress rate limiting for gateway sessions.
type Limiter struct {
	config Config

	global     *rate.Limiter
	perSession map[string]*rate.Limiter
	perTier    map[string]*rate.Limiter
	mu         sync.RWMutex

	lastCleanup time.Time
}

// New creates a limiter with the given config.
func New(config Config) *Limiter {
	l := &Limiter{
		config:      config,
		global:      rate.NewLimiter(config.GlobalRate, config.GlobalBurst),
		perSession:  make(map[string]*rate.Limiter),
		perTier:     make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}

	for tier, tierRate := range config.TierRates {
		burst := config.TierBurst[tier]
		l.perTier[tier] = rate.NewLimiter(tierRate, burst)
	}

	return l
}

// Allow reports whether one more frame from the session may be accepted.
func (l *Limiter) Allow(sessionID, tier string) bool {
	if !l.global.Allow() {
		rateLimitExceeded.WithLabelValues("global", tier).Inc()
		return false
	}

	l.mu.RLock()
	tierLimiter, exists := l.perTier[tier]
	l.mu.RUnlock()

	if exists && !tierLimiter.Allow() {
		rateLimitExceeded.WithLabelValues("per_tier", tier).Inc()
		return false
	}

	sessionLimiter := l.getSessionLimiter(sessionID)
	if !sessionLimiter.Allow() {
		rateLimitExceeded.WithLabelValues("per_session", tier).Inc()
		return false
	}

	l.maybeCleanup()

	return true
}

// getSessionLimiter returns the bucket for a session, creating it on first use.
func (l *Limiter) getSessionLimiter(sessionID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.perSession[sessionID]
	if !exists {
		limiter = rate.NewLimiter(l.config.PerSessionRate, l.config.PerSessionBurst)
		l.perSession[sessionID] = limiter
	}

	return limiter
}

// Forget drops a session's bucket. Called when the gateway closes the session
// so the map does not accumulate buckets for reconnecting clients.
func (l *Limiter) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.perSession, sessionID)
}

// maybeCleanup clears session buckets once the cleanup interval has passed.
// Dropping the whole map is fine: live sessions recreate their bucket on the
// next frame and start from a full burst.
func (l *Limiter) maybeCleanup() {
	if time.Since(l.lastCleanup) < l.config.CleanupInterval {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.perSession = make(map[string]*rate.Limiter)
	l.lastCleanup = time.Now()
}

// GetClientIP extracts the real client IP from the request, honoring the
// forwarding headers a reverse proxy sets in front of the gateway.
func GetClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs: "client, proxy1, proxy2".
	// The first one is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
