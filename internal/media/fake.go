package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ManuGH/videoagent/internal/domain"
)

// Fake is a pure-Go Decoder for orchestrator tests: no binaries, no real
// video. Frame data bytes encode the frame number so downstream fakes can
// key on them.
type Fake struct {
	Meta       domain.VideoMetadata
	FrameCount int
	// HasAudio controls whether ExtractAudio succeeds.
	HasAudio bool
	// FailValidate, when set, is returned by Validate.
	FailValidate error
}

// NewFake returns a decoder describing a 60s 1080p clip with audio.
func NewFake(frameCount int) *Fake {
	return &Fake{
		Meta: domain.VideoMetadata{
			DurationSeconds: 60,
			Width:           1920,
			Height:          1080,
			FPS:             30,
			Codec:           "h264",
			AudioCodec:      "aac",
			AudioChannels:   2,
			AudioSampleRate: 48000,
			BitrateKbps:     4500,
			FileSizeBytes:   33750000,
			QualityBucket:   "fhd",
		},
		FrameCount: frameCount,
		HasAudio:   true,
	}
}

func (f *Fake) Validate(context.Context, string) error { return f.FailValidate }

func (f *Fake) ExtractMetadata(context.Context, string) (domain.VideoMetadata, error) {
	return f.Meta, nil
}

func (f *Fake) ExtractFrames(_ context.Context, _ string, req FrameRequest) ([]domain.Frame, error) {
	n := f.FrameCount
	if req.MaxFrames > 0 && n > req.MaxFrames {
		n = req.MaxFrames
	}
	step := 1.0
	if req.Mode == domain.SamplingUniform && req.SampleRate > 0 {
		step = 1 / req.SampleRate
	}
	frames := make([]domain.Frame, 0, n)
	for i := 0; i < n; i++ {
		frames = append(frames, domain.Frame{
			Number: i,
			PTS:    float64(i) * step,
			Data:   []byte(fmt.Sprintf("frame-%d", i)),
		})
	}
	return frames, nil
}

func (f *Fake) ExtractAudio(_ context.Context, _ string, workDir string) (string, error) {
	if !f.HasAudio {
		return "", domain.NewPermanentFailure("no_audio_stream", "file has no audio stream", nil)
	}
	p := filepath.Join(workDir, "audio.wav")
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0o750); err != nil {
			return "", err
		}
		if err := os.WriteFile(p, []byte("RIFF"), 0o600); err != nil {
			return "", err
		}
	}
	return p, nil
}

var _ Decoder = (*Fake)(nil)
