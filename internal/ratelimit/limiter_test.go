// SPDX-License-Identifier: MIT

package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestLimiterGlobal(t *testing.T) {
	config := Config{
		GlobalRate:      10,
		GlobalBurst:     20,
		PerSessionRate:  100,
		PerSessionBurst: 200,
		CleanupInterval: time.Minute,
	}
	limiter := New(config)

	allowed := 0
	for i := 0; i < 25; i++ {
		if limiter.Allow("sess-1", "pro") {
			allowed++
		}
	}

	// Burst of 20, plus at most a token or two refilled while looping.
	if allowed < 19 || allowed > 22 {
		t.Errorf("expected ~20 frames to pass with burst=20, got %d", allowed)
	}
}

func TestLimiterPerTier(t *testing.T) {
	config := Config{
		GlobalRate:      1000,
		GlobalBurst:     2000,
		PerSessionRate:  1000,
		PerSessionBurst: 2000,
		TierRates: map[string]rate.Limit{
			"free": 5,
		},
		TierBurst: map[string]int{
			"free": 10,
		},
		CleanupInterval: time.Minute,
	}
	limiter := New(config)

	// Two free sessions share one tier bucket.
	allowed := 0
	for i := 0; i < 20; i++ {
		session := "sess-a"
		if i%2 == 1 {
			session = "sess-b"
		}
		if limiter.Allow(session, "free") {
			allowed++
		}
	}

	if allowed < 9 || allowed > 12 {
		t.Errorf("expected ~10 free-tier frames to pass with burst=10, got %d", allowed)
	}

	// A tier without a configured bucket is only bounded by the other levels.
	allowed = 0
	for i := 0; i < 20; i++ {
		if limiter.Allow("sess-c", "enterprise") {
			allowed++
		}
	}
	if allowed != 20 {
		t.Errorf("expected unconfigured tier to pass all 20 frames, got %d", allowed)
	}
}

func TestLimiterPerSession(t *testing.T) {
	config := Config{
		GlobalRate:      1000,
		GlobalBurst:     2000,
		PerSessionRate:  5,
		PerSessionBurst: 10,
		CleanupInterval: time.Minute,
	}
	limiter := New(config)

	allowed := 0
	for i := 0; i < 20; i++ {
		if limiter.Allow("sess-1", "pro") {
			allowed++
		}
	}
	if allowed < 9 || allowed > 12 {
		t.Errorf("expected ~10 frames for first session with burst=10, got %d", allowed)
	}

	// A second session gets its own bucket.
	allowed = 0
	for i := 0; i < 20; i++ {
		if limiter.Allow("sess-2", "pro") {
			allowed++
		}
	}
	if allowed < 9 || allowed > 12 {
		t.Errorf("expected ~10 frames for second session, got %d", allowed)
	}
}

func TestLimiterForget(t *testing.T) {
	config := Config{
		GlobalRate:      1000,
		GlobalBurst:     2000,
		PerSessionRate:  5,
		PerSessionBurst: 10,
		CleanupInterval: time.Minute,
	}
	limiter := New(config)

	for i := 0; i < 20; i++ {
		limiter.Allow("sess-1", "pro")
	}
	if limiter.Allow("sess-1", "pro") {
		t.Fatal("expected exhausted session to be limited")
	}

	// Forget resets the bucket: the session reconnects with a full burst.
	limiter.Forget("sess-1")
	if !limiter.Allow("sess-1", "pro") {
		t.Error("expected forgotten session to start fresh")
	}
}

func TestLimiterCleanup(t *testing.T) {
	config := Config{
		GlobalRate:      1000,
		GlobalBurst:     2000,
		PerSessionRate:  10,
		PerSessionBurst: 20,
		CleanupInterval: 100 * time.Millisecond,
	}
	limiter := New(config)

	sessions := []string{"a", "b", "c", "d", "e"}
	for _, s := range sessions {
		limiter.Allow("sess-"+s, "pro")
	}

	limiter.mu.RLock()
	countBefore := len(limiter.perSession)
	limiter.mu.RUnlock()
	if countBefore != len(sessions) {
		t.Errorf("expected %d session buckets, got %d", len(sessions), countBefore)
	}

	time.Sleep(150 * time.Millisecond)

	// The next frame sweeps the map and recreates only its own bucket.
	limiter.Allow("sess-z", "pro")

	limiter.mu.RLock()
	countAfter := len(limiter.perSession)
	limiter.mu.RUnlock()
	if countAfter != 1 {
		t.Errorf("expected 1 session bucket after cleanup, got %d", countAfter)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name:       "X-Forwarded-For single IP",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1"},
			remoteAddr: "192.168.1.1:12345",
			want:       "203.0.113.1",
		},
		{
			name:       "X-Forwarded-For multiple IPs",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1, 192.168.1.1, 10.0.0.1"},
			remoteAddr: "127.0.0.1:12345",
			want:       "203.0.113.1",
		},
		{
			name:       "X-Real-IP",
			headers:    map[string]string{"X-Real-IP": "203.0.113.2"},
			remoteAddr: "192.168.1.1:12345",
			want:       "203.0.113.2",
		},
		{
			name:       "fallback to RemoteAddr",
			headers:    map[string]string{},
			remoteAddr: "192.168.1.100:54321",
			want:       "192.168.1.100",
		},
		{
			name:       "X-Forwarded-For with spaces",
			headers:    map[string]string{"X-Forwarded-For": "  203.0.113.5  "},
			remoteAddr: "192.168.1.1:12345",
			want:       "203.0.113.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			req.RemoteAddr = tt.remoteAddr

			got := GetClientIP(req)
			if got != tt.want {
				t.Errorf("GetClientIP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func BenchmarkLimiterAllow(b *testing.B) {
	limiter := New(DefaultConfig())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow("sess-1", "pro")
	}
}
