// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the whole daemon configuration, one section per subsystem.
// Zero values are filled by Default(); Loader layers the YAML file and the
// environment on top.
type Config struct {
	// Version is stamped from the binary, never from file or env.
	Version string `yaml:"-"`

	Log         LogConfig         `yaml:"log"`
	API         APIConfig         `yaml:"api"`
	Redis       RedisConfig       `yaml:"redis"`
	Queue       QueueConfig       `yaml:"queue"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Media       MediaConfig       `yaml:"media"`
	Download    DownloadConfig    `yaml:"download"`
	Models      ModelsConfig      `yaml:"models"`
	Index       IndexConfig       `yaml:"index"`
	Cache       CacheConfig       `yaml:"cache"`
	Store       StoreConfig       `yaml:"store"`
	Stream      StreamConfig      `yaml:"stream"`
	Progressive ProgressiveConfig `yaml:"progressive"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

type APIConfig struct {
	Listen            string        `yaml:"listen"`
	AllowedOrigins    []string      `yaml:"allowedOrigins"`
	EnableRateLimit   bool          `yaml:"enableRateLimit"`
	RequestsPerMinute int           `yaml:"requestsPerMinute"`
	SubmitPerMinute   int           `yaml:"submitPerMinute"`
	SearchCacheTTL    time.Duration `yaml:"searchCacheTTL"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

type QueueConfig struct {
	Prefix         string        `yaml:"prefix"`
	LeaseTTL       time.Duration `yaml:"leaseTTL"`
	HeartbeatEvery time.Duration `yaml:"heartbeatEvery"`
	ReaperInterval time.Duration `yaml:"reaperInterval"`
	ClaimInterval  time.Duration `yaml:"claimInterval"`
	KeepCompleted  int           `yaml:"keepCompleted"`
	KeepFailed     int           `yaml:"keepFailed"`
}

type PipelineConfig struct {
	MinWorkers       int           `yaml:"minWorkers"`
	MaxWorkers       int           `yaml:"maxWorkers"`
	FrameConcurrency int           `yaml:"frameConcurrency"`
	JobTimeout       time.Duration `yaml:"jobTimeout"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	ScaleInterval    time.Duration `yaml:"scaleInterval"`
	// DrainWindow is how long in-flight jobs may keep running after a
	// shutdown signal before they are cut loose for the reaper.
	DrainWindow time.Duration `yaml:"drainWindow"`
	DataDir     string        `yaml:"dataDir"`
	// Aggregation folds frame embeddings into video vectors:
	// mean, max or attention.
	Aggregation string `yaml:"aggregation"`
}

type MediaConfig struct {
	FFprobeBin string `yaml:"ffprobeBin"`
	FFmpegBin  string `yaml:"ffmpegBin"`
}

type DownloadConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxBytes  int64         `yaml:"maxBytes"`
	UserAgent string        `yaml:"userAgent"`
	// AllowedHosts narrows origins to an explicit set; empty allows any
	// host that resolves to a safe address.
	AllowedHosts []string `yaml:"allowedHosts"`
	// AllowedCIDRs re-admits otherwise-blocked ranges (e.g. an internal
	// media depot on RFC1918 space).
	AllowedCIDRs []string `yaml:"allowedCIDRs"`
}

type ModelsConfig struct {
	BaseURL string `yaml:"baseURL"`
	APIKey  string `yaml:"apiKey" json:"-"`

	VisionTimeout     time.Duration `yaml:"visionTimeout"`
	TranscribeTimeout time.Duration `yaml:"transcribeTimeout"`
	ClassifyTimeout   time.Duration `yaml:"classifyTimeout"`
	SynthesisTimeout  time.Duration `yaml:"synthesisTimeout"`
	EmbeddingTimeout  time.Duration `yaml:"embeddingTimeout"`

	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`

	// EmbeddingDim is a deployment cross-check against the model service;
	// the pipeline only speaks 1024-dim vectors.
	EmbeddingDim int `yaml:"embeddingDim"`
}

type IndexConfig struct {
	// Host empty disables the index (and with it the search API).
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"apiKey" json:"-"`
	UseTLS bool   `yaml:"useTLS"`
}

type CacheConfig struct {
	// Backend selects redis, badger or memory.
	Backend    string `yaml:"backend"`
	BadgerPath string `yaml:"badgerPath"`
}

type StoreConfig struct {
	// Backend selects sqlite or memory.
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type StreamConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Group        string        `yaml:"group"`
	BlockTime    time.Duration `yaml:"blockTime"`
	ReadCount    int           `yaml:"readCount"`
	ScanInterval time.Duration `yaml:"scanInterval"`

	MaxBatchSize  int           `yaml:"maxBatchSize"`
	BatchWait     time.Duration `yaml:"batchWait"`
	BatchBuffer   int           `yaml:"batchBuffer"`
	Workers       int           `yaml:"workers"`
	VisionTimeout time.Duration `yaml:"visionTimeout"`
}

type ProgressiveConfig struct {
	RefinementDelay time.Duration `yaml:"refinementDelay"`
	FinalDelay      time.Duration `yaml:"finalDelay"`
	ScanInterval    time.Duration `yaml:"scanInterval"`
	StreamMaxLen    int64         `yaml:"streamMaxLen"`
}

type GatewayConfig struct {
	Enabled bool `yaml:"enabled"`
	// AuthRequired demands a verified token on read namespaces too;
	// /stream ingress always requires one once a secret is set.
	AuthRequired bool   `yaml:"authRequired"`
	JWTSecret    string `yaml:"jwtSecret" json:"-"`
	JWTIssuer    string `yaml:"jwtIssuer"`

	SendBuffer       int           `yaml:"sendBuffer"`
	IngressReadLimit int64         `yaml:"ingressReadLimit"`
	ControlReadLimit int64         `yaml:"controlReadLimit"`
	ReadTimeout      time.Duration `yaml:"readTimeout"`
	WriteTimeout     time.Duration `yaml:"writeTimeout"`
	PingInterval     time.Duration `yaml:"pingInterval"`
	StreamMaxLen     int64         `yaml:"streamMaxLen"`

	// Ingress rate limits, frames per second.
	GlobalRate   float64            `yaml:"globalRate"`
	GlobalBurst  int                `yaml:"globalBurst"`
	SessionRate  float64            `yaml:"sessionRate"`
	SessionBurst int                `yaml:"sessionBurst"`
	TierRates    map[string]float64 `yaml:"tierRates"`
	TierBursts   map[string]int     `yaml:"tierBursts"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"` // grpc or http
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// Default returns the configuration a bare daemon runs with: local Redis,
// no index, no gateway auth, in-process everything else.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:   "info",
			Service: "videoagent",
		},
		API: APIConfig{
			Listen:            ":8080",
			EnableRateLimit:   true,
			RequestsPerMinute: 600,
			SubmitPerMinute:   60,
			SearchCacheTTL:    5 * time.Minute,
			ShutdownTimeout:   30 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Queue: QueueConfig{
			Prefix:         "va:q:",
			LeaseTTL:       30 * time.Second,
			HeartbeatEvery: 10 * time.Second,
			ReaperInterval: 15 * time.Second,
			ClaimInterval:  250 * time.Millisecond,
			KeepCompleted:  100,
			KeepFailed:     500,
		},
		Pipeline: PipelineConfig{
			MinWorkers:       2,
			MaxWorkers:       10,
			FrameConcurrency: 4,
			JobTimeout:       300 * time.Second,
			PollInterval:     250 * time.Millisecond,
			ScaleInterval:    5 * time.Second,
			DrainWindow:      30 * time.Second,
			DataDir:          filepath.Join(os.TempDir(), "videoagent"),
			Aggregation:      "mean",
		},
		Media: MediaConfig{
			FFprobeBin: "ffprobe",
			FFmpegBin:  "ffmpeg",
		},
		Download: DownloadConfig{
			Timeout:  5 * time.Minute,
			MaxBytes: 8 << 30,
		},
		Models: ModelsConfig{
			BaseURL:           "http://localhost:8000",
			VisionTimeout:     60 * time.Second,
			TranscribeTimeout: time.Hour,
			ClassifyTimeout:   60 * time.Second,
			SynthesisTimeout:  60 * time.Second,
			EmbeddingTimeout:  10 * time.Second,
			RequestsPerSecond: 0,
			Burst:             1,
			EmbeddingDim:      1024,
		},
		Index: IndexConfig{
			Port: 6334,
		},
		Cache: CacheConfig{
			Backend: "redis",
		},
		Store: StoreConfig{
			Backend: "sqlite",
		},
		Stream: StreamConfig{
			Enabled:       true,
			Group:         "videoagent-worker",
			BlockTime:     time.Second,
			ReadCount:     16,
			ScanInterval:  5 * time.Second,
			MaxBatchSize:  16,
			BatchWait:     50 * time.Millisecond,
			BatchBuffer:   8,
			Workers:       2,
			VisionTimeout: 60 * time.Second,
		},
		Progressive: ProgressiveConfig{
			RefinementDelay: 500 * time.Millisecond,
			FinalDelay:      1500 * time.Millisecond,
			ScanInterval:    100 * time.Millisecond,
			StreamMaxLen:    10000,
		},
		Gateway: GatewayConfig{
			Enabled:          true,
			SendBuffer:       256,
			IngressReadLimit: 1 << 20,
			ControlReadLimit: 4 << 10,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     10 * time.Second,
			PingInterval:     15 * time.Second,
			StreamMaxLen:     10000,
			GlobalRate:       1000,
			GlobalBurst:      2000,
			SessionRate:      30,
			SessionBurst:     60,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			Environment:  "production",
			SamplingRate: 0.1,
		},
	}
}
