// SPDX-License-Identifier: MIT

// Package app assembles one videoagent process from its configuration:
// the Redis fabric, job queue, pipeline workers, live-stream consumers,
// progressive tracker, realtime gateway and the control-plane API, all
// supervised as one errgroup until the process context ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ManuGH/videoagent/internal/api"
	"github.com/ManuGH/videoagent/internal/auth"
	"github.com/ManuGH/videoagent/internal/bus"
	"github.com/ManuGH/videoagent/internal/cache"
	"github.com/ManuGH/videoagent/internal/config"
	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/download"
	"github.com/ManuGH/videoagent/internal/gateway"
	"github.com/ManuGH/videoagent/internal/health"
	"github.com/ManuGH/videoagent/internal/index"
	"github.com/ManuGH/videoagent/internal/log"
	"github.com/ManuGH/videoagent/internal/media"
	"github.com/ManuGH/videoagent/internal/model"
	"github.com/ManuGH/videoagent/internal/pipeline"
	platformnet "github.com/ManuGH/videoagent/internal/platform/net"
	"github.com/ManuGH/videoagent/internal/progressive"
	"github.com/ManuGH/videoagent/internal/queue"
	"github.com/ManuGH/videoagent/internal/ratelimit"
	"github.com/ManuGH/videoagent/internal/store"
	"github.com/ManuGH/videoagent/internal/stream"
	"github.com/ManuGH/videoagent/internal/telemetry"
)

// App is one fully wired daemon process. Build it with New, drive it with
// Run, release its resources with Close.
type App struct {
	cfg    config.Config
	holder *config.Holder
	logger zerolog.Logger

	redis     *redis.Client
	bus       bus.Bus
	queue     *queue.Queue
	cacher    cache.Cacher
	store     store.Store
	index     *index.Index
	models    *model.Client
	telemetry *telemetry.Provider

	orchestrator *pipeline.Orchestrator
	tracker      *progressive.Tracker
	batcher      *stream.Batcher
	consumer     *stream.Consumer
	gateway      *gateway.Gateway
	health       *health.Manager
	api          *api.Server
}

// New builds and cross-wires every subsystem, failing fast on anything that
// would leave the daemon half-alive: unreachable Redis, a broken store path,
// index misconfiguration. holder may be nil; hot reload is then disabled.
func New(ctx context.Context, cfg config.Config, holder *config.Holder) (*App, error) {
	a := &App{
		cfg:    cfg,
		holder: holder,
		logger: log.WithComponent("app"),
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Log.Service,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("app: telemetry: %w", err)
	}
	a.telemetry = tp

	if err := a.connectRedis(ctx); err != nil {
		a.closePartial()
		return nil, err
	}
	a.bus = bus.NewRedisBus(a.redis)
	a.queue = queue.New(a.redis, a.bus, queue.Config{
		Prefix:         cfg.Queue.Prefix,
		LeaseTTL:       cfg.Queue.LeaseTTL,
		HeartbeatEvery: cfg.Queue.HeartbeatEvery,
		ReaperInterval: cfg.Queue.ReaperInterval,
		ClaimInterval:  cfg.Queue.ClaimInterval,
		KeepCompleted:  cfg.Queue.KeepCompleted,
		KeepFailed:     cfg.Queue.KeepFailed,
	})

	if err := a.buildCache(); err != nil {
		a.closePartial()
		return nil, err
	}
	if err := a.buildStore(); err != nil {
		a.closePartial()
		return nil, err
	}

	a.models = model.NewClient(model.Config{
		BaseURL:           cfg.Models.BaseURL,
		APIKey:            cfg.Models.APIKey,
		VisionTimeout:     cfg.Models.VisionTimeout,
		TranscribeTimeout: cfg.Models.TranscribeTimeout,
		ClassifyTimeout:   cfg.Models.ClassifyTimeout,
		SynthesisTimeout:  cfg.Models.SynthesisTimeout,
		EmbeddingTimeout:  cfg.Models.EmbeddingTimeout,
		RequestsPerSecond: cfg.Models.RequestsPerSecond,
		Burst:             cfg.Models.Burst,
	})

	if cfg.Index.Host != "" {
		idx, err := index.New(index.Config{
			Host:   cfg.Index.Host,
			Port:   cfg.Index.Port,
			APIKey: cfg.Index.APIKey,
			UseTLS: cfg.Index.UseTLS,
		})
		if err != nil {
			a.closePartial()
			return nil, fmt.Errorf("app: index: %w", err)
		}
		a.index = idx
		if err := idx.EnsureCollections(ctx); err != nil {
			a.closePartial()
			return nil, fmt.Errorf("app: index collections: %w", err)
		}
	}

	if err := a.buildPipeline(); err != nil {
		a.closePartial()
		return nil, err
	}
	a.buildStreamPlane()
	if err := a.buildGateway(); err != nil {
		a.closePartial()
		return nil, err
	}
	a.buildHealth()
	a.buildAPI()
	return a, nil
}

// connectRedis dials the fabric and pings it so a wrong address fails the
// boot instead of the first job.
func (a *App) connectRedis(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:         a.cfg.Redis.Addr,
		Password:     a.cfg.Redis.Password,
		DB:           a.cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     a.cfg.Redis.PoolSize,
		MinIdleConns: 2,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("app: redis %s: %w", a.cfg.Redis.Addr, err)
	}
	a.redis = client
	a.logger.Info().Str("addr", a.cfg.Redis.Addr).Msg("redis connected")
	return nil
}

func (a *App) buildCache() error {
	switch a.cfg.Cache.Backend {
	case "redis", "":
		a.cacher = cache.NewRedis(a.redis)
	case "badger":
		path := a.cfg.Cache.BadgerPath
		if path == "" {
			path = filepath.Join(a.cfg.Pipeline.DataDir, "cache")
		}
		b, err := cache.OpenBadger(path)
		if err != nil {
			return fmt.Errorf("app: badger cache: %w", err)
		}
		a.cacher = b
	case "memory":
		a.cacher = cache.NewMemory(5 * time.Minute)
	case "none":
		a.cacher = cache.NewNoop()
	default:
		return fmt.Errorf("app: unknown cache backend %q", a.cfg.Cache.Backend)
	}
	return nil
}

func (a *App) buildStore() error {
	path := a.cfg.Store.Path
	if a.cfg.Store.Backend == "sqlite" && path == "" {
		path = filepath.Join(a.cfg.Pipeline.DataDir, "store.db")
	}
	st, err := store.New(a.cfg.Store.Backend, path)
	if err != nil {
		return fmt.Errorf("app: store: %w", err)
	}
	a.store = st
	return nil
}

// buildPipeline wires the orchestrator. Without an index the worker pool is
// not started: the persist stage cannot complete jobs, so this node runs as
// ingress-and-gateway only and workers live elsewhere.
func (a *App) buildPipeline() error {
	if a.index == nil {
		a.logger.Warn().
			Msg("no index configured, pipeline workers disabled on this node")
		return nil
	}

	dl := download.New(download.Config{
		Policy: platformnet.Policy{
			Hosts: a.cfg.Download.AllowedHosts,
			CIDRs: a.cfg.Download.AllowedCIDRs,
		},
		Timeout:   a.cfg.Download.Timeout,
		MaxBytes:  a.cfg.Download.MaxBytes,
		UserAgent: a.cfg.Download.UserAgent,
	}, nil)

	decoder := media.NewFFmpeg()
	if a.cfg.Media.FFprobeBin != "" {
		decoder.FFprobeBin = a.cfg.Media.FFprobeBin
	}
	if a.cfg.Media.FFmpegBin != "" {
		decoder.FFmpegBin = a.cfg.Media.FFmpegBin
	}

	orch, err := pipeline.New(pipeline.Config{
		MinWorkers:       a.cfg.Pipeline.MinWorkers,
		MaxWorkers:       a.cfg.Pipeline.MaxWorkers,
		FrameConcurrency: a.cfg.Pipeline.FrameConcurrency,
		JobTimeout:       a.cfg.Pipeline.JobTimeout,
		PollInterval:     a.cfg.Pipeline.PollInterval,
		ScaleInterval:    a.cfg.Pipeline.ScaleInterval,
		DrainWindow:      a.cfg.Pipeline.DrainWindow,
		DataDir:          a.cfg.Pipeline.DataDir,
		Aggregation:      pipeline.AggregationMode(a.cfg.Pipeline.Aggregation),
	}, pipeline.Deps{
		Queue:     a.queue,
		Bus:       a.bus,
		Index:     a.index,
		Store:     a.store,
		Decoder:   decoder,
		Models:    a.models,
		Cache:     a.cacher,
		Downloads: dl,
	})
	if err != nil {
		return fmt.Errorf("app: pipeline: %w", err)
	}
	a.orchestrator = orch
	return nil
}

// buildStreamPlane wires the progressive tracker, the frame batcher and the
// consumer-group reader. The tracker exists even when stream intake is
// disabled so ring-log consumers see a stable topology.
func (a *App) buildStreamPlane() {
	a.tracker = progressive.NewTracker(progressive.Config{
		RefinementDelay: a.cfg.Progressive.RefinementDelay,
		FinalDelay:      a.cfg.Progressive.FinalDelay,
		ScanInterval:    a.cfg.Progressive.ScanInterval,
		StreamMaxLen:    a.cfg.Progressive.StreamMaxLen,
	}, a.bus, a.redis)

	if !a.cfg.Stream.Enabled {
		return
	}

	var consumer *stream.Consumer
	a.batcher = stream.NewBatcher(stream.BatcherConfig{
		MaxBatchSize:  a.cfg.Stream.MaxBatchSize,
		BatchWait:     a.cfg.Stream.BatchWait,
		BatchBuffer:   a.cfg.Stream.BatchBuffer,
		Workers:       a.cfg.Stream.Workers,
		VisionTimeout: a.cfg.Stream.VisionTimeout,
	}, a.models, a.tracker, func(ctx context.Context, rec domain.StreamRecord) error {
		return consumer.Ack(ctx, rec)
	})
	consumer = stream.NewConsumer(a.redis, a.batcher, stream.ConsumerConfig{
		Group:        a.cfg.Stream.Group,
		BlockTime:    a.cfg.Stream.BlockTime,
		ReadCount:    a.cfg.Stream.ReadCount,
		ScanInterval: a.cfg.Stream.ScanInterval,
	})
	a.consumer = consumer
}

func (a *App) buildGateway() error {
	if !a.cfg.Gateway.Enabled {
		return nil
	}

	var verifier *auth.Verifier
	if a.cfg.Gateway.JWTSecret != "" {
		v, err := auth.NewVerifier([]byte(a.cfg.Gateway.JWTSecret), a.cfg.Gateway.JWTIssuer)
		if err != nil {
			return fmt.Errorf("app: gateway auth: %w", err)
		}
		verifier = v
	}

	limiterCfg := ratelimit.DefaultConfig()
	if a.cfg.Gateway.GlobalRate > 0 {
		limiterCfg.GlobalRate = rate.Limit(a.cfg.Gateway.GlobalRate)
		limiterCfg.GlobalBurst = a.cfg.Gateway.GlobalBurst
	}
	if a.cfg.Gateway.SessionRate > 0 {
		limiterCfg.PerSessionRate = rate.Limit(a.cfg.Gateway.SessionRate)
		limiterCfg.PerSessionBurst = a.cfg.Gateway.SessionBurst
	}
	if len(a.cfg.Gateway.TierRates) > 0 {
		limiterCfg.TierRates = make(map[string]rate.Limit, len(a.cfg.Gateway.TierRates))
		for tier, r := range a.cfg.Gateway.TierRates {
			limiterCfg.TierRates[tier] = rate.Limit(r)
		}
		limiterCfg.TierBurst = a.cfg.Gateway.TierBursts
	}

	a.gateway = gateway.New(gateway.Config{
		Verifier:         verifier,
		ReadAuthRequired: a.cfg.Gateway.AuthRequired,
		SendBuffer:       a.cfg.Gateway.SendBuffer,
		IngressReadLimit: a.cfg.Gateway.IngressReadLimit,
		ControlReadLimit: a.cfg.Gateway.ControlReadLimit,
		ReadTimeout:      a.cfg.Gateway.ReadTimeout,
		WriteTimeout:     a.cfg.Gateway.WriteTimeout,
		PingInterval:     a.cfg.Gateway.PingInterval,
		StreamMaxLen:     a.cfg.Gateway.StreamMaxLen,
	}, gateway.Deps{
		Bus:     a.bus,
		Redis:   a.redis,
		Limiter: ratelimit.New(limiterCfg),
		Logger:  log.Base(),
	})
	return nil
}

func (a *App) buildHealth() {
	hm := health.NewManager(a.cfg.Version)
	hm.RegisterChecker(health.NewRedisChecker(a.redis))
	hm.RegisterChecker(health.NewPingChecker("store", a.store.Ping))
	hm.RegisterChecker(health.NewDirChecker("data_dir", a.cfg.Pipeline.DataDir))
	if a.index != nil {
		hm.RegisterChecker(health.NewPingChecker("index", a.index.HealthCheck))
	}
	a.health = hm
}

func (a *App) buildAPI() {
	deps := api.Deps{
		Queue:    a.queue,
		Embedder: a.models,
		Cache:    a.cacher,
		Health:   a.health,
		Logger:   log.Base(),
	}
	// Interface fields stay nil unless the backing subsystem exists; a
	// typed nil would read as wired.
	if a.index != nil {
		deps.Index = a.index
	}
	if a.gateway != nil {
		deps.Realtime = a.gateway
	}

	a.api = api.New(api.Config{
		Addr:              a.cfg.API.Listen,
		Version:           a.cfg.Version,
		AllowedOrigins:    a.cfg.API.AllowedOrigins,
		TracingService:    tracingService(a.cfg),
		EnableRateLimit:   a.cfg.API.EnableRateLimit,
		RequestsPerMinute: a.cfg.API.RequestsPerMinute,
		SubmitPerMinute:   a.cfg.API.SubmitPerMinute,
		SearchCacheTTL:    a.cfg.API.SearchCacheTTL,
		ShutdownTimeout:   a.cfg.API.ShutdownTimeout,
	}, deps)
}

func tracingService(cfg config.Config) string {
	if !cfg.Telemetry.Enabled {
		return ""
	}
	return cfg.Log.Service
}

// Queue exposes the job queue, mainly for smoke tooling built on the app.
func (a *App) Queue() *queue.Queue { return a.queue }

// Run supervises every subsystem until ctx ends or one of them fails. A
// clean shutdown (ctx cancelled, subsystems drained) returns nil.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Hot reload: file watcher is best-effort, SIGHUP always works. Only
	// the log level applies live; structural changes need a restart.
	if a.holder != nil {
		if err := a.holder.StartWatcher(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("config watcher not started")
		}
		reloaded := make(chan config.Config, 1)
		a.holder.RegisterListener(reloaded)
		g.Go(func() error {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hup:
					if err := a.holder.Reload(ctx); err != nil {
						a.logger.Warn().Err(err).Msg("SIGHUP reload failed")
					}
				case cfg := <-reloaded:
					if err := log.SetLevel(cfg.Log.Level); err != nil {
						a.logger.Warn().Str("level", cfg.Log.Level).Msg("reload carried an invalid log level, keeping current")
						continue
					}
					a.logger.Info().Str("level", cfg.Log.Level).Msg("log level applied from reload")
				}
			}
		})
	}

	g.Go(func() error { return a.queue.RunMaintenance(ctx) })

	if a.orchestrator != nil {
		g.Go(func() error { return a.orchestrator.Run(ctx) })
	}
	g.Go(func() error { return a.tracker.Run(ctx) })
	if a.cfg.Stream.Enabled {
		g.Go(func() error { return a.batcher.Run(ctx) })
		g.Go(func() error { return a.consumer.Run(ctx) })
	}
	if a.gateway != nil {
		g.Go(func() error { return a.gateway.Run(ctx) })
	}
	g.Go(func() error { return a.api.Run(ctx) })

	a.logger.Info().
		Str("listen", a.cfg.API.Listen).
		Bool("workers", a.orchestrator != nil).
		Bool("stream", a.cfg.Stream.Enabled).
		Bool("gateway", a.gateway != nil).
		Msg("daemon running")

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases held resources. Call after Run returns.
func (a *App) Close() error {
	var errs []error
	if a.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.cacher != nil {
		if err := a.cacher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// closePartial releases whatever New managed to build before failing.
func (a *App) closePartial() { _ = a.Close() }
