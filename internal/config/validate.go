// SPDX-License-Identifier: MIT

package config

import (
	"strings"

	"github.com/ManuGH/videoagent/internal/validate"
)

// Validate checks the whole configuration and reports every problem at
// once. A non-nil error means the daemon must not start (or, on reload,
// must keep the previous configuration).
func Validate(cfg Config) error {
	v := validate.New()

	v.OneOf("log.level", strings.ToLower(cfg.Log.Level),
		[]string{"trace", "debug", "info", "warn", "error"})

	v.HostPort("api.listen", cfg.API.Listen)
	if cfg.API.EnableRateLimit {
		v.Positive("api.requestsPerMinute", cfg.API.RequestsPerMinute)
		v.Positive("api.submitPerMinute", cfg.API.SubmitPerMinute)
	}
	v.PositiveDuration("api.shutdownTimeout", int64(cfg.API.ShutdownTimeout))

	v.NotEmpty("redis.addr", cfg.Redis.Addr)
	v.NonNegative("redis.db", cfg.Redis.DB)

	v.NotEmpty("queue.prefix", cfg.Queue.Prefix)
	v.PositiveDuration("queue.leaseTTL", int64(cfg.Queue.LeaseTTL))
	v.PositiveDuration("queue.heartbeatEvery", int64(cfg.Queue.HeartbeatEvery))
	if cfg.Queue.HeartbeatEvery >= cfg.Queue.LeaseTTL {
		v.AddError("queue.heartbeatEvery",
			"must be shorter than queue.leaseTTL or every lease expires mid-job",
			cfg.Queue.HeartbeatEvery.String())
	}
	v.Positive("queue.keepCompleted", cfg.Queue.KeepCompleted)
	v.Positive("queue.keepFailed", cfg.Queue.KeepFailed)

	v.Positive("pipeline.minWorkers", cfg.Pipeline.MinWorkers)
	if cfg.Pipeline.MaxWorkers < cfg.Pipeline.MinWorkers {
		v.AddError("pipeline.maxWorkers",
			"must be >= pipeline.minWorkers", cfg.Pipeline.MaxWorkers)
	}
	v.Positive("pipeline.frameConcurrency", cfg.Pipeline.FrameConcurrency)
	v.PositiveDuration("pipeline.jobTimeout", int64(cfg.Pipeline.JobTimeout))
	v.PositiveDuration("pipeline.drainWindow", int64(cfg.Pipeline.DrainWindow))
	v.Directory("pipeline.dataDir", cfg.Pipeline.DataDir, false)
	v.OneOf("pipeline.aggregation", cfg.Pipeline.Aggregation,
		[]string{"mean", "max", "attention"})

	v.NotEmpty("media.ffprobeBin", cfg.Media.FFprobeBin)
	v.NotEmpty("media.ffmpegBin", cfg.Media.FFmpegBin)

	v.PositiveDuration("download.timeout", int64(cfg.Download.Timeout))
	if cfg.Download.MaxBytes <= 0 {
		v.AddError("download.maxBytes", "must be positive", cfg.Download.MaxBytes)
	}
	v.CIDRList("download.allowedCIDRs", cfg.Download.AllowedCIDRs)

	v.URL("models.baseURL", cfg.Models.BaseURL, []string{"http", "https"})
	v.PositiveDuration("models.visionTimeout", int64(cfg.Models.VisionTimeout))
	v.PositiveDuration("models.transcribeTimeout", int64(cfg.Models.TranscribeTimeout))
	v.PositiveDuration("models.embeddingTimeout", int64(cfg.Models.EmbeddingTimeout))
	// The whole pipeline, the index collections and the aggregation code
	// speak 1024-dim vectors; a mismatched deployment must not boot.
	if cfg.Models.EmbeddingDim != 1024 {
		v.AddError("models.embeddingDim",
			"must be 1024 (the only vector size the collections accept)",
			cfg.Models.EmbeddingDim)
	}

	if cfg.Index.Host != "" {
		v.Port("index.port", cfg.Index.Port)
	}

	// Empty badger/store paths are fine: the daemon derives them under
	// pipeline.dataDir at wiring time.
	v.OneOf("cache.backend", cfg.Cache.Backend, []string{"redis", "badger", "memory", "none"})
	v.OneOf("store.backend", cfg.Store.Backend, []string{"sqlite", "memory"})

	if cfg.Stream.Enabled {
		v.NotEmpty("stream.group", cfg.Stream.Group)
		v.Positive("stream.readCount", cfg.Stream.ReadCount)
		v.Positive("stream.maxBatchSize", cfg.Stream.MaxBatchSize)
		v.PositiveDuration("stream.batchWait", int64(cfg.Stream.BatchWait))
		v.Positive("stream.workers", cfg.Stream.Workers)
	}

	v.PositiveDuration("progressive.refinementDelay", int64(cfg.Progressive.RefinementDelay))
	v.PositiveDuration("progressive.finalDelay", int64(cfg.Progressive.FinalDelay))
	v.PositiveDuration("progressive.scanInterval", int64(cfg.Progressive.ScanInterval))
	if cfg.Progressive.ScanInterval > cfg.Progressive.RefinementDelay {
		v.AddError("progressive.scanInterval",
			"must not exceed progressive.refinementDelay", cfg.Progressive.ScanInterval.String())
	}

	if cfg.Gateway.Enabled {
		if cfg.Gateway.AuthRequired && strings.TrimSpace(cfg.Gateway.JWTSecret) == "" {
			v.AddError("gateway.jwtSecret",
				"required when gateway.authRequired is true", "")
		}
		v.Positive("gateway.sendBuffer", cfg.Gateway.SendBuffer)
		v.PositiveDuration("gateway.readTimeout", int64(cfg.Gateway.ReadTimeout))
		v.PositiveDuration("gateway.pingInterval", int64(cfg.Gateway.PingInterval))
		if cfg.Gateway.PingInterval >= cfg.Gateway.ReadTimeout {
			v.AddError("gateway.pingInterval",
				"must be shorter than gateway.readTimeout or idle sessions die between pings",
				cfg.Gateway.PingInterval.String())
		}
	}

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, []string{"grpc", "http"})
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		v.UnitInterval("telemetry.samplingRate", cfg.Telemetry.SamplingRate)
	}

	return v.Err()
}
