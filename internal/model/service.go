// Package model is the client for the external model service: vision,
// transcription, classification, synthesis and text embeddings over HTTP.
package model

import (
	"context"

	"github.com/ManuGH/videoagent/internal/domain"
)

// EmbeddingKind distinguishes stored documents from ad-hoc queries; some
// embedding models encode the two asymmetrically.
type EmbeddingKind string

const (
	EmbedDocument EmbeddingKind = "document"
	EmbedQuery    EmbeddingKind = "query"
)

// TranscribeRequest asks for a transcript of an extracted audio track.
type TranscribeRequest struct {
	// AudioPath is a node-local path to the extracted track.
	AudioPath string `json:"audioPath"`
	// Diarize requests speaker labels on segments.
	Diarize bool `json:"diarize"`
	// Languages optionally constrains detection (BCP-47 tags).
	Languages []string `json:"languages,omitempty"`
}

// Service is the model-service surface the pipeline and the API depend on.
// Every method honours ctx and returns classified failures (domain.Failure)
// so callers can decide between retry and terminal failure.
type Service interface {
	// AnalyzeFrame runs vision over one encoded image.
	AnalyzeFrame(ctx context.Context, image []byte, prompt string) (domain.FrameAnalysis, error)
	// Transcribe converts an audio track into a transcript with optional
	// diarization. Long: the deadline is measured in hours, not seconds.
	Transcribe(ctx context.Context, req TranscribeRequest) (domain.AudioAnalysis, error)
	// Classify labels aggregated descriptions plus transcript.
	Classify(ctx context.Context, text string) (domain.ContentClassification, error)
	// Summarize condenses sampled descriptions and metadata into prose.
	Summarize(ctx context.Context, parts []string) (string, error)
	// EmbedText returns one 1024-dim vector for the text.
	EmbedText(ctx context.Context, text string, kind EmbeddingKind) ([]float32, error)
	// EmbedTexts embeds a batch in one round trip, order-preserving.
	EmbedTexts(ctx context.Context, texts []string, kind EmbeddingKind) ([][]float32, error)
	// HealthCheck probes the service.
	HealthCheck(ctx context.Context) error
}
