package domain

import (
	"fmt"

	"golang.org/x/text/language"
)

// FrameSamplingMode selects which frames are extracted from a video.
type FrameSamplingMode string

// Frame sampling modes.
const (
	// SamplingKeyframes extracts codec keyframes only.
	SamplingKeyframes FrameSamplingMode = "keyframes"

	// SamplingUniform extracts frames at a fixed rate.
	SamplingUniform FrameSamplingMode = "uniform"

	// SamplingSceneBased extracts keyframes first and trims to scene
	// representatives once boundaries are known.
	SamplingSceneBased FrameSamplingMode = "scene-based"
)

// IsValid checks whether the mode is one of the defined constants.
func (m FrameSamplingMode) IsValid() bool {
	switch m {
	case SamplingKeyframes, SamplingUniform, SamplingSceneBased:
		return true
	default:
		return false
	}
}

// QualityPreference trades processing speed against analysis depth.
type QualityPreference string

// Quality preferences.
const (
	QualitySpeed    QualityPreference = "speed"
	QualityBalanced QualityPreference = "balanced"
	QualityAccuracy QualityPreference = "accuracy"
)

// IsValid checks whether the preference is one of the defined constants.
func (q QualityPreference) IsValid() bool {
	switch q {
	case QualitySpeed, QualityBalanced, QualityAccuracy:
		return true
	default:
		return false
	}
}

// ProcessingOptions enumerate everything a caller can ask of a job.
type ProcessingOptions struct {
	ExtractFrames     bool              `json:"extractFrames"`
	FrameSamplingMode FrameSamplingMode `json:"frameSamplingMode,omitempty"`
	FrameSampleRate   float64           `json:"frameSampleRate,omitempty"` // frames per second
	MaxFrames         int               `json:"maxFrames,omitempty"`       // 0 = unbounded
	ExtractAudio      bool              `json:"extractAudio"`
	TranscribeAudio   bool              `json:"transcribeAudio"`
	DetectScenes      bool              `json:"detectScenes"`
	DetectObjects     bool              `json:"detectObjects"`
	ExtractText       bool              `json:"extractText"`
	ClassifyContent   bool              `json:"classifyContent"`
	GenerateSummary   bool              `json:"generateSummary"`
	CustomAnalysis    string            `json:"customAnalysis,omitempty"`
	TargetLanguages   []string          `json:"targetLanguages,omitempty"`
	QualityPreference QualityPreference `json:"qualityPreference,omitempty"`
	AdditionalMeta    map[string]any    `json:"additionalMetadata,omitempty"`
}

// DefaultProcessingOptions returns the options applied when a caller sends none.
func DefaultProcessingOptions() ProcessingOptions {
	return ProcessingOptions{
		ExtractFrames:     true,
		FrameSamplingMode: SamplingUniform,
		FrameSampleRate:   1,
		ExtractAudio:      true,
		TranscribeAudio:   true,
		DetectScenes:      true,
		DetectObjects:     true,
		QualityPreference: QualityBalanced,
	}
}

// Normalize fills zero values with defaults without touching explicit choices.
func (o *ProcessingOptions) Normalize() {
	if o.FrameSamplingMode == "" {
		o.FrameSamplingMode = SamplingUniform
	}
	if o.FrameSampleRate <= 0 {
		o.FrameSampleRate = 1
	}
	if o.QualityPreference == "" {
		o.QualityPreference = QualityBalanced
	}
	if o.MaxFrames < 0 {
		o.MaxFrames = 0
	}
}

// Validate rejects option combinations the pipeline cannot honour.
func (o ProcessingOptions) Validate() error {
	if o.FrameSamplingMode != "" && !o.FrameSamplingMode.IsValid() {
		return fmt.Errorf("unknown frame sampling mode %q", o.FrameSamplingMode)
	}
	if o.QualityPreference != "" && !o.QualityPreference.IsValid() {
		return fmt.Errorf("unknown quality preference %q", o.QualityPreference)
	}
	if o.FrameSampleRate < 0 {
		return fmt.Errorf("frame sample rate must be >= 0, got %v", o.FrameSampleRate)
	}
	if o.MaxFrames < 0 {
		return fmt.Errorf("maxFrames must be >= 0, got %d", o.MaxFrames)
	}
	if o.TranscribeAudio && !o.ExtractAudio {
		return fmt.Errorf("transcribeAudio requires extractAudio")
	}
	if o.DetectScenes && !o.ExtractFrames {
		return fmt.Errorf("detectScenes requires extractFrames")
	}
	for _, tag := range o.TargetLanguages {
		if _, err := language.Parse(tag); err != nil {
			return fmt.Errorf("invalid target language %q: %w", tag, err)
		}
	}
	return nil
}
