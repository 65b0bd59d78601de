// Package media extracts metadata, frames and audio from video files by
// shelling out to ffprobe/ffmpeg. Codec work stays outside the process; this
// package owns argument construction, output parsing and scratch files.
package media

import (
	"context"

	"github.com/ManuGH/videoagent/internal/domain"
)

// FrameRequest describes one frame-extraction pass.
type FrameRequest struct {
	// Mode selects keyframes or uniform sampling. Scene-based sampling is
	// keyframes here; the pipeline trims to scene starts afterwards.
	Mode domain.FrameSamplingMode
	// SampleRate is frames per second for uniform mode (default 1).
	SampleRate float64
	// MaxFrames caps the extraction; 0 means unbounded.
	MaxFrames int
	// WorkDir is the job-owned scratch directory for frame files.
	WorkDir string
}

// Decoder is the contract the pipeline depends on. Implementations must be
// safe for concurrent use across jobs.
type Decoder interface {
	// Validate cheaply confirms the file is a decodable video.
	Validate(ctx context.Context, path string) error
	// ExtractMetadata probes container and stream properties.
	ExtractMetadata(ctx context.Context, path string) (domain.VideoMetadata, error)
	// ExtractFrames samples frames per the request. Frames carry data
	// bytes, a zero-based number and a presentation timestamp.
	ExtractFrames(ctx context.Context, path string, req FrameRequest) ([]domain.Frame, error)
	// ExtractAudio demuxes the audio track to a mono 16 kHz WAV next to
	// workDir and returns its path. domain.Failure with kind
	// external_permanent when the file has no audio stream.
	ExtractAudio(ctx context.Context, path, workDir string) (string, error)
}

// Runner executes external commands. The indirection keeps decoder logic
// testable without ffmpeg installed.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}
