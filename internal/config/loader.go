// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration with precedence ENV > file > defaults.
type Loader struct {
	configPath string
	version    string
}

// NewLoader builds a loader. An empty configPath means ENV-only.
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load resolves the effective configuration: defaults, then the YAML file
// (strictly parsed), then environment overrides, then validation. A non-nil
// error means nothing should run with the returned value.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.configPath != "" {
		if err := l.loadFile(&cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.applyEnv(&cfg)
	cfg.Version = l.version

	if cfg.Pipeline.DataDir != "" {
		if abs, err := filepath.Abs(cfg.Pipeline.DataDir); err == nil {
			cfg.Pipeline.DataDir = abs
		}
	}

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes the YAML file over cfg. Unknown keys and trailing
// documents are errors so a typo never silently falls back to a default.
func (l *Loader) loadFile(cfg *Config) error {
	path := filepath.Clean(l.configPath)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- the path is operator-provided via flag or env
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

// applyEnv overlays VIDEOAGENT_* variables on cfg. Every key defaults to
// the current (file-or-default) value, so unset variables change nothing.
func (l *Loader) applyEnv(cfg *Config) {
	cfg.Log.Level = ParseString("VIDEOAGENT_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Service = ParseString("VIDEOAGENT_LOG_SERVICE", cfg.Log.Service)

	cfg.API.Listen = ParseString("VIDEOAGENT_LISTEN", cfg.API.Listen)
	cfg.API.AllowedOrigins = ParseStringSlice("VIDEOAGENT_ALLOWED_ORIGINS", cfg.API.AllowedOrigins)
	cfg.API.EnableRateLimit = ParseBool("VIDEOAGENT_RATE_LIMIT_ENABLED", cfg.API.EnableRateLimit)
	cfg.API.RequestsPerMinute = ParseInt("VIDEOAGENT_RATE_LIMIT_RPM", cfg.API.RequestsPerMinute)
	cfg.API.SubmitPerMinute = ParseInt("VIDEOAGENT_SUBMIT_RPM", cfg.API.SubmitPerMinute)
	cfg.API.SearchCacheTTL = ParseDuration("VIDEOAGENT_SEARCH_CACHE_TTL", cfg.API.SearchCacheTTL)
	cfg.API.ShutdownTimeout = ParseDuration("VIDEOAGENT_SHUTDOWN_TIMEOUT", cfg.API.ShutdownTimeout)

	cfg.Redis.Addr = ParseString("VIDEOAGENT_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = ParseString("VIDEOAGENT_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = ParseInt("VIDEOAGENT_REDIS_DB", cfg.Redis.DB)
	cfg.Redis.PoolSize = ParseInt("VIDEOAGENT_REDIS_POOL_SIZE", cfg.Redis.PoolSize)

	cfg.Queue.Prefix = ParseString("VIDEOAGENT_QUEUE_PREFIX", cfg.Queue.Prefix)
	cfg.Queue.LeaseTTL = ParseDuration("VIDEOAGENT_QUEUE_LEASE_TTL", cfg.Queue.LeaseTTL)
	cfg.Queue.HeartbeatEvery = ParseDuration("VIDEOAGENT_QUEUE_HEARTBEAT", cfg.Queue.HeartbeatEvery)
	cfg.Queue.ReaperInterval = ParseDuration("VIDEOAGENT_QUEUE_REAPER_INTERVAL", cfg.Queue.ReaperInterval)
	cfg.Queue.ClaimInterval = ParseDuration("VIDEOAGENT_QUEUE_CLAIM_INTERVAL", cfg.Queue.ClaimInterval)
	cfg.Queue.KeepCompleted = ParseInt("VIDEOAGENT_QUEUE_KEEP_COMPLETED", cfg.Queue.KeepCompleted)
	cfg.Queue.KeepFailed = ParseInt("VIDEOAGENT_QUEUE_KEEP_FAILED", cfg.Queue.KeepFailed)

	cfg.Pipeline.MinWorkers = ParseInt("VIDEOAGENT_MIN_WORKERS", cfg.Pipeline.MinWorkers)
	cfg.Pipeline.MaxWorkers = ParseInt("VIDEOAGENT_MAX_WORKERS", cfg.Pipeline.MaxWorkers)
	cfg.Pipeline.FrameConcurrency = ParseInt("VIDEOAGENT_FRAME_CONCURRENCY", cfg.Pipeline.FrameConcurrency)
	cfg.Pipeline.JobTimeout = ParseDuration("VIDEOAGENT_JOB_TIMEOUT", cfg.Pipeline.JobTimeout)
	cfg.Pipeline.PollInterval = ParseDuration("VIDEOAGENT_POLL_INTERVAL", cfg.Pipeline.PollInterval)
	cfg.Pipeline.ScaleInterval = ParseDuration("VIDEOAGENT_SCALE_INTERVAL", cfg.Pipeline.ScaleInterval)
	cfg.Pipeline.DrainWindow = ParseDuration("VIDEOAGENT_DRAIN_WINDOW", cfg.Pipeline.DrainWindow)
	cfg.Pipeline.DataDir = ParseString("VIDEOAGENT_DATA_DIR", cfg.Pipeline.DataDir)
	cfg.Pipeline.Aggregation = ParseString("VIDEOAGENT_AGGREGATION", cfg.Pipeline.Aggregation)

	cfg.Media.FFprobeBin = ParseString("VIDEOAGENT_FFPROBE_BIN", cfg.Media.FFprobeBin)
	cfg.Media.FFmpegBin = ParseString("VIDEOAGENT_FFMPEG_BIN", cfg.Media.FFmpegBin)

	cfg.Download.Timeout = ParseDuration("VIDEOAGENT_DOWNLOAD_TIMEOUT", cfg.Download.Timeout)
	cfg.Download.MaxBytes = ParseInt64("VIDEOAGENT_DOWNLOAD_MAX_BYTES", cfg.Download.MaxBytes)
	cfg.Download.UserAgent = ParseString("VIDEOAGENT_DOWNLOAD_USER_AGENT", cfg.Download.UserAgent)
	cfg.Download.AllowedHosts = ParseStringSlice("VIDEOAGENT_DOWNLOAD_ALLOWED_HOSTS", cfg.Download.AllowedHosts)
	cfg.Download.AllowedCIDRs = ParseStringSlice("VIDEOAGENT_DOWNLOAD_ALLOWED_CIDRS", cfg.Download.AllowedCIDRs)

	cfg.Models.BaseURL = ParseString("VIDEOAGENT_MODEL_BASE_URL", cfg.Models.BaseURL)
	cfg.Models.APIKey = ParseString("VIDEOAGENT_MODEL_API_KEY", cfg.Models.APIKey)
	cfg.Models.VisionTimeout = ParseDuration("VIDEOAGENT_MODEL_VISION_TIMEOUT", cfg.Models.VisionTimeout)
	cfg.Models.TranscribeTimeout = ParseDuration("VIDEOAGENT_MODEL_TRANSCRIBE_TIMEOUT", cfg.Models.TranscribeTimeout)
	cfg.Models.ClassifyTimeout = ParseDuration("VIDEOAGENT_MODEL_CLASSIFY_TIMEOUT", cfg.Models.ClassifyTimeout)
	cfg.Models.SynthesisTimeout = ParseDuration("VIDEOAGENT_MODEL_SYNTHESIS_TIMEOUT", cfg.Models.SynthesisTimeout)
	cfg.Models.EmbeddingTimeout = ParseDuration("VIDEOAGENT_MODEL_EMBEDDING_TIMEOUT", cfg.Models.EmbeddingTimeout)
	cfg.Models.RequestsPerSecond = ParseFloat("VIDEOAGENT_MODEL_RPS", cfg.Models.RequestsPerSecond)
	cfg.Models.Burst = ParseInt("VIDEOAGENT_MODEL_BURST", cfg.Models.Burst)
	cfg.Models.EmbeddingDim = ParseInt("VIDEOAGENT_EMBEDDING_DIM", cfg.Models.EmbeddingDim)

	cfg.Index.Host = ParseString("VIDEOAGENT_QDRANT_HOST", cfg.Index.Host)
	cfg.Index.Port = ParseInt("VIDEOAGENT_QDRANT_PORT", cfg.Index.Port)
	cfg.Index.APIKey = ParseString("VIDEOAGENT_QDRANT_API_KEY", cfg.Index.APIKey)
	cfg.Index.UseTLS = ParseBool("VIDEOAGENT_QDRANT_TLS", cfg.Index.UseTLS)

	cfg.Cache.Backend = ParseString("VIDEOAGENT_CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.BadgerPath = ParseString("VIDEOAGENT_CACHE_BADGER_PATH", cfg.Cache.BadgerPath)

	cfg.Store.Backend = ParseString("VIDEOAGENT_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Path = ParseString("VIDEOAGENT_STORE_PATH", cfg.Store.Path)

	cfg.Stream.Enabled = ParseBool("VIDEOAGENT_STREAM_ENABLED", cfg.Stream.Enabled)
	cfg.Stream.Group = ParseString("VIDEOAGENT_STREAM_GROUP", cfg.Stream.Group)
	cfg.Stream.BlockTime = ParseDuration("VIDEOAGENT_STREAM_BLOCK_TIME", cfg.Stream.BlockTime)
	cfg.Stream.ReadCount = ParseInt("VIDEOAGENT_STREAM_READ_COUNT", cfg.Stream.ReadCount)
	cfg.Stream.ScanInterval = ParseDuration("VIDEOAGENT_STREAM_SCAN_INTERVAL", cfg.Stream.ScanInterval)
	cfg.Stream.MaxBatchSize = ParseInt("VIDEOAGENT_STREAM_BATCH_SIZE", cfg.Stream.MaxBatchSize)
	cfg.Stream.BatchWait = ParseDuration("VIDEOAGENT_STREAM_BATCH_WAIT", cfg.Stream.BatchWait)
	cfg.Stream.BatchBuffer = ParseInt("VIDEOAGENT_STREAM_BATCH_BUFFER", cfg.Stream.BatchBuffer)
	cfg.Stream.Workers = ParseInt("VIDEOAGENT_STREAM_WORKERS", cfg.Stream.Workers)
	cfg.Stream.VisionTimeout = ParseDuration("VIDEOAGENT_STREAM_VISION_TIMEOUT", cfg.Stream.VisionTimeout)

	cfg.Progressive.RefinementDelay = ParseDuration("VIDEOAGENT_PROGRESSIVE_REFINEMENT_DELAY", cfg.Progressive.RefinementDelay)
	cfg.Progressive.FinalDelay = ParseDuration("VIDEOAGENT_PROGRESSIVE_FINAL_DELAY", cfg.Progressive.FinalDelay)
	cfg.Progressive.ScanInterval = ParseDuration("VIDEOAGENT_PROGRESSIVE_SCAN_INTERVAL", cfg.Progressive.ScanInterval)
	cfg.Progressive.StreamMaxLen = ParseInt64("VIDEOAGENT_PROGRESSIVE_STREAM_MAXLEN", cfg.Progressive.StreamMaxLen)

	cfg.Gateway.Enabled = ParseBool("VIDEOAGENT_GATEWAY_ENABLED", cfg.Gateway.Enabled)
	cfg.Gateway.AuthRequired = ParseBool("VIDEOAGENT_GATEWAY_AUTH_REQUIRED", cfg.Gateway.AuthRequired)
	cfg.Gateway.JWTSecret = ParseString("VIDEOAGENT_JWT_SECRET", cfg.Gateway.JWTSecret)
	cfg.Gateway.JWTIssuer = ParseString("VIDEOAGENT_JWT_ISSUER", cfg.Gateway.JWTIssuer)
	cfg.Gateway.SendBuffer = ParseInt("VIDEOAGENT_GATEWAY_SEND_BUFFER", cfg.Gateway.SendBuffer)
	cfg.Gateway.IngressReadLimit = ParseInt64("VIDEOAGENT_GATEWAY_INGRESS_READ_LIMIT", cfg.Gateway.IngressReadLimit)
	cfg.Gateway.ControlReadLimit = ParseInt64("VIDEOAGENT_GATEWAY_CONTROL_READ_LIMIT", cfg.Gateway.ControlReadLimit)
	cfg.Gateway.ReadTimeout = ParseDuration("VIDEOAGENT_GATEWAY_READ_TIMEOUT", cfg.Gateway.ReadTimeout)
	cfg.Gateway.WriteTimeout = ParseDuration("VIDEOAGENT_GATEWAY_WRITE_TIMEOUT", cfg.Gateway.WriteTimeout)
	cfg.Gateway.PingInterval = ParseDuration("VIDEOAGENT_GATEWAY_PING_INTERVAL", cfg.Gateway.PingInterval)
	cfg.Gateway.StreamMaxLen = ParseInt64("VIDEOAGENT_GATEWAY_STREAM_MAXLEN", cfg.Gateway.StreamMaxLen)
	cfg.Gateway.GlobalRate = ParseFloat("VIDEOAGENT_GATEWAY_GLOBAL_RATE", cfg.Gateway.GlobalRate)
	cfg.Gateway.GlobalBurst = ParseInt("VIDEOAGENT_GATEWAY_GLOBAL_BURST", cfg.Gateway.GlobalBurst)
	cfg.Gateway.SessionRate = ParseFloat("VIDEOAGENT_GATEWAY_SESSION_RATE", cfg.Gateway.SessionRate)
	cfg.Gateway.SessionBurst = ParseInt("VIDEOAGENT_GATEWAY_SESSION_BURST", cfg.Gateway.SessionBurst)
	// Tier maps are YAML-only; flat env vars cannot express them.

	cfg.Telemetry.Enabled = ParseBool("VIDEOAGENT_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = ParseString("VIDEOAGENT_OTEL_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = ParseString("VIDEOAGENT_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Environment = ParseString("VIDEOAGENT_OTEL_ENVIRONMENT", cfg.Telemetry.Environment)
	cfg.Telemetry.SamplingRate = ParseFloat("VIDEOAGENT_OTEL_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
}
