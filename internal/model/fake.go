package model

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"

	"github.com/ManuGH/videoagent/internal/domain"
)

// Fake is a deterministic in-process Service for tests. Unset hooks fall
// back to canned, input-derived answers; embeddings are unit vectors seeded
// from the text so equal inputs embed equally.
type Fake struct {
	AnalyzeFrameFn func(ctx context.Context, image []byte, prompt string) (domain.FrameAnalysis, error)
	TranscribeFn   func(ctx context.Context, req TranscribeRequest) (domain.AudioAnalysis, error)
	ClassifyFn     func(ctx context.Context, text string) (domain.ContentClassification, error)
	SummarizeFn    func(ctx context.Context, parts []string) (string, error)
	EmbedFn        func(ctx context.Context, text string, kind EmbeddingKind) ([]float32, error)
}

func (f *Fake) AnalyzeFrame(ctx context.Context, image []byte, prompt string) (domain.FrameAnalysis, error) {
	if f.AnalyzeFrameFn != nil {
		return f.AnalyzeFrameFn(ctx, image, prompt)
	}
	return domain.FrameAnalysis{
		Description: "a frame",
		Features:    []string{"synthetic"},
		Confidence:  0.9,
	}, nil
}

func (f *Fake) Transcribe(ctx context.Context, req TranscribeRequest) (domain.AudioAnalysis, error) {
	if f.TranscribeFn != nil {
		return f.TranscribeFn(ctx, req)
	}
	return domain.AudioAnalysis{Transcript: "hello world", Language: "en"}, nil
}

func (f *Fake) Classify(ctx context.Context, text string) (domain.ContentClassification, error) {
	if f.ClassifyFn != nil {
		return f.ClassifyFn(ctx, text)
	}
	return domain.ContentClassification{Category: "general", Tags: []string{"test"}, Confidence: 0.8}, nil
}

func (f *Fake) Summarize(ctx context.Context, parts []string) (string, error) {
	if f.SummarizeFn != nil {
		return f.SummarizeFn(ctx, parts)
	}
	return "summary of " + strings.Join(parts, "; "), nil
}

func (f *Fake) EmbedText(ctx context.Context, text string, kind EmbeddingKind) ([]float32, error) {
	if f.EmbedFn != nil {
		return f.EmbedFn(ctx, text, kind)
	}
	return DeterministicVector(text), nil
}

func (f *Fake) EmbedTexts(ctx context.Context, texts []string, kind EmbeddingKind) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := f.EmbedText(ctx, t, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *Fake) HealthCheck(context.Context) error { return nil }

// DeterministicVector expands a seed string into a normalised 1024-dim
// vector. Equal seeds give identical vectors; different seeds are very
// unlikely to be near-parallel, which is what scene-boundary tests need.
func DeterministicVector(seed string) []float32 {
	v := make([]float32, domain.VectorDim)
	sum := sha256.Sum256([]byte(seed))
	state := binary.LittleEndian.Uint64(sum[:8])
	var norm float64
	for i := range v {
		// xorshift64 keeps this dependency-free and stable across runs.
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		f := float32(int64(state%2000)-1000) / 1000
		v[i] = f
		norm += float64(f) * float64(f)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		v[0] = 1
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

var _ Service = (*Fake)(nil)
