package model

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/log"
)

// Config holds the model-service connection settings. Timeouts are per
// endpoint class: vision and the text endpoints answer in seconds,
// transcription of a feature film legitimately takes an hour.
type Config struct {
	BaseURL string
	APIKey  string

	VisionTimeout     time.Duration
	TranscribeTimeout time.Duration
	ClassifyTimeout   time.Duration
	SynthesisTimeout  time.Duration
	EmbeddingTimeout  time.Duration

	// RequestsPerSecond paces outgoing calls; 0 disables pacing.
	RequestsPerSecond float64
	Burst             int
}

func (c Config) withDefaults() Config {
	if c.VisionTimeout <= 0 {
		c.VisionTimeout = 60 * time.Second
	}
	if c.TranscribeTimeout <= 0 {
		c.TranscribeTimeout = time.Hour
	}
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = 60 * time.Second
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = 60 * time.Second
	}
	if c.EmbeddingTimeout <= 0 {
		c.EmbeddingTimeout = 10 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 4
	}
	return c
}

// Client talks to the model service over HTTP with bearer auth, request
// pacing and per-endpoint deadlines.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewClient builds a client. The transport is traced; the per-call deadline
// comes from the endpoint class, not from a client-wide timeout.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
		logger:  log.WithComponent("model"),
	}
}

type visionRequest struct {
	Image  string `json:"image"` // base64
	Prompt string `json:"prompt,omitempty"`
}

type visionResponse struct {
	Response string `json:"response"`
}

// AnalyzeFrame sends one image through the vision endpoint and parses the
// model's JSON-shaped answer, falling back to raw prose (see ParseVision).
func (c *Client) AnalyzeFrame(ctx context.Context, image []byte, prompt string) (domain.FrameAnalysis, error) {
	if len(image) == 0 {
		return domain.FrameAnalysis{}, domain.NewValidationFailure("empty_image", "vision call without image data")
	}
	var out visionResponse
	err := c.do(ctx, c.cfg.VisionTimeout, "/v1/vision/analyze", visionRequest{
		Image:  base64.StdEncoding.EncodeToString(image),
		Prompt: prompt,
	}, &out)
	if err != nil {
		return domain.FrameAnalysis{}, err
	}
	return ParseVision(out.Response), nil
}

func (c *Client) Transcribe(ctx context.Context, req TranscribeRequest) (domain.AudioAnalysis, error) {
	var out domain.AudioAnalysis
	if err := c.do(ctx, c.cfg.TranscribeTimeout, "/v1/audio/transcribe", req, &out); err != nil {
		return domain.AudioAnalysis{}, err
	}
	return out, nil
}

type classifyRequest struct {
	Text string `json:"text"`
}

func (c *Client) Classify(ctx context.Context, text string) (domain.ContentClassification, error) {
	var out domain.ContentClassification
	if err := c.do(ctx, c.cfg.ClassifyTimeout, "/v1/classify", classifyRequest{Text: text}, &out); err != nil {
		return domain.ContentClassification{}, err
	}
	return out, nil
}

type synthesisRequest struct {
	Parts []string `json:"parts"`
}

type synthesisResponse struct {
	Summary string `json:"summary"`
}

func (c *Client) Summarize(ctx context.Context, parts []string) (string, error) {
	var out synthesisResponse
	if err := c.do(ctx, c.cfg.SynthesisTimeout, "/v1/summarize", synthesisRequest{Parts: parts}, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Kind  string   `json:"kind"`
}

type embeddingResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

func (c *Client) EmbedText(ctx context.Context, text string, kind EmbeddingKind) ([]float32, error) {
	vecs, err := c.EmbedTexts(ctx, []string{text}, kind)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *Client) EmbedTexts(ctx context.Context, texts []string, kind EmbeddingKind) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out embeddingResponse
	err := c.do(ctx, c.cfg.EmbeddingTimeout, "/v1/embeddings", embeddingRequest{
		Input: texts,
		Kind:  string(kind),
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Vectors) != len(texts) {
		return nil, domain.NewPermanentFailure("embedding_count",
			fmt.Sprintf("asked for %d embeddings, got %d", len(texts), len(out.Vectors)), nil)
	}
	for i, v := range out.Vectors {
		if err := domain.ValidateVector(v); err != nil {
			return nil, domain.NewPermanentFailure("embedding_dimension",
				fmt.Sprintf("vector %d: %v", i, err), err)
		}
	}
	return out.Vectors, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("model: health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model: health: status %d", resp.StatusCode)
	}
	return nil
}

// do posts JSON and decodes the reply, mapping failures onto the domain
// taxonomy so the queue can tell retryable from terminal.
func (c *Client) do(ctx context.Context, timeout time.Duration, path string, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return classifyTransport(err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return domain.NewInternalFailure("encode_request", "marshal model request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return domain.NewInternalFailure("build_request", "build model request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur(log.FieldDuration, time.Since(start)).
		Msg("model call")

	if resp.StatusCode != http.StatusOK {
		// Bounded read keeps a misbehaving service from hurting us twice.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classifyStatus(resp.StatusCode, path, string(snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewPermanentFailure("decode_response", "model response is not valid JSON", err)
	}
	return nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return &domain.Failure{Kind: domain.FailureCancelled, Code: "cancelled", Message: "model call cancelled", Err: err}
	}
	return domain.NewTransientFailure("model_unreachable", "model service did not answer", err)
}

func classifyStatus(status int, path, snippet string) error {
	msg := fmt.Sprintf("%s returned %d: %s", path, status, snippet)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewAuthFailure("model_auth", msg)
	case status == http.StatusTooManyRequests:
		return &domain.Failure{Kind: domain.FailureQuota, Code: "model_quota", Message: msg}
	case status == http.StatusRequestTimeout || status >= 500:
		return domain.NewTransientFailure("model_5xx", msg, nil)
	default:
		return domain.NewPermanentFailure("model_4xx", msg, nil)
	}
}

var _ Service = (*Client)(nil)
