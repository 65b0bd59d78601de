// SPDX-License-Identifier: MIT

package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg := Default()
	cfg.Pipeline.DataDir = t.TempDir()
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := Validate(validConfig(t)); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Log.Level = "loud" },
			field:  "log.level",
		},
		{
			name:   "bad listen address",
			mutate: func(c *Config) { c.API.Listen = "no-port" },
			field:  "api.listen",
		},
		{
			name:   "empty redis addr",
			mutate: func(c *Config) { c.Redis.Addr = "" },
			field:  "redis.addr",
		},
		{
			name:   "heartbeat outlives lease",
			mutate: func(c *Config) { c.Queue.HeartbeatEvery = c.Queue.LeaseTTL },
			field:  "queue.heartbeatEvery",
		},
		{
			name:   "max workers below min",
			mutate: func(c *Config) { c.Pipeline.MinWorkers = 8; c.Pipeline.MaxWorkers = 2 },
			field:  "pipeline.maxWorkers",
		},
		{
			name:   "unknown aggregation",
			mutate: func(c *Config) { c.Pipeline.Aggregation = "median" },
			field:  "pipeline.aggregation",
		},
		{
			name:   "wrong embedding dim",
			mutate: func(c *Config) { c.Models.EmbeddingDim = 768 },
			field:  "models.embeddingDim",
		},
		{
			name:   "bad model url",
			mutate: func(c *Config) { c.Models.BaseURL = "ftp://models" },
			field:  "models.baseURL",
		},
		{
			name:   "bad index port",
			mutate: func(c *Config) { c.Index.Host = "qdrant"; c.Index.Port = 0 },
			field:  "index.port",
		},
		{
			name:   "unknown cache backend",
			mutate: func(c *Config) { c.Cache.Backend = "memcached" },
			field:  "cache.backend",
		},
		{
			name:   "unknown store backend",
			mutate: func(c *Config) { c.Store.Backend = "postgres" },
			field:  "store.backend",
		},
		{
			name:   "scan slower than refinement",
			mutate: func(c *Config) { c.Progressive.ScanInterval = time.Second },
			field:  "progressive.scanInterval",
		},
		{
			name:   "gateway auth without secret",
			mutate: func(c *Config) { c.Gateway.AuthRequired = true; c.Gateway.JWTSecret = "" },
			field:  "gateway.jwtSecret",
		},
		{
			name:   "ping slower than read timeout",
			mutate: func(c *Config) { c.Gateway.PingInterval = c.Gateway.ReadTimeout },
			field:  "gateway.pingInterval",
		},
		{
			name:   "bad otel exporter",
			mutate: func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.Exporter = "udp" },
			field:  "telemetry.exporter",
		},
		{
			name:   "bad sampling rate",
			mutate: func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.SamplingRate = 1.5 },
			field:  "telemetry.samplingRate",
		},
		{
			name:   "bad download cidr",
			mutate: func(c *Config) { c.Download.AllowedCIDRs = []string{"10.0.0.0/99"} },
			field:  "download.allowedCIDRs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error should name %s, got: %v", tt.field, err)
			}
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig(t)
	cfg.Log.Level = "loud"
	cfg.Redis.Addr = ""
	cfg.Models.EmbeddingDim = 42

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, field := range []string{"log.level", "redis.addr", "models.embeddingDim"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("combined error should mention %s: %v", field, err)
		}
	}
}
