package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/log"
)

// execRunner runs commands with os/exec, capturing stdout.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- binaries and args are internal
	return cmd.Output()
}

// FFmpeg is the production Decoder. It needs ffprobe and ffmpeg on PATH (or
// absolute binary paths via the fields).
type FFmpeg struct {
	FFprobeBin string
	FFmpegBin  string
	runner     Runner
	logger     zerolog.Logger
}

// NewFFmpeg builds a Decoder using the real binaries.
func NewFFmpeg() *FFmpeg {
	return &FFmpeg{
		FFprobeBin: "ffprobe",
		FFmpegBin:  "ffmpeg",
		runner:     execRunner{},
		logger:     log.WithComponent("media"),
	}
}

// NewFFmpegWithRunner injects a command runner; used by tests.
func NewFFmpegWithRunner(r Runner) *FFmpeg {
	d := NewFFmpeg()
	d.runner = r
	return d
}

// ffprobe JSON shapes (subset we consume).
type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType     string `json:"codec_type"`
	CodecName     string `json:"codec_name"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	RFrameRate    string `json:"r_frame_rate"`
	AvgFrameRate  string `json:"avg_frame_rate"`
	Channels      int    `json:"channels"`
	SampleRateStr string `json:"sample_rate"`
}

type probeFormat struct {
	DurationStr string `json:"duration"`
	BitRateStr  string `json:"bit_rate"`
	SizeStr     string `json:"size"`
}

func (d *FFmpeg) probe(ctx context.Context, path string) (*probeOutput, error) {
	out, err := d.runner.Run(ctx, d.FFprobeBin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, domain.NewPermanentFailure("probe_failed", "ffprobe could not read "+path, err)
	}
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return nil, domain.NewPermanentFailure("probe_parse", "ffprobe output is not valid JSON", err)
	}
	return &po, nil
}

// Validate confirms the path is a decodable video with a video stream and a
// positive duration.
func (d *FFmpeg) Validate(ctx context.Context, path string) error {
	md, err := d.ExtractMetadata(ctx, path)
	if err != nil {
		return err
	}
	if md.DurationSeconds <= 0 {
		return domain.NewValidationFailure("zero_duration", "video reports no duration")
	}
	return nil
}

func (d *FFmpeg) ExtractMetadata(ctx context.Context, path string) (domain.VideoMetadata, error) {
	po, err := d.probe(ctx, path)
	if err != nil {
		return domain.VideoMetadata{}, err
	}

	var md domain.VideoMetadata
	md.DurationSeconds, _ = strconv.ParseFloat(po.Format.DurationStr, 64)
	md.BitrateKbps = parseInt64(po.Format.BitRateStr) / 1000
	md.FileSizeBytes = parseInt64(po.Format.SizeStr)

	var haveVideo bool
	for _, s := range po.Streams {
		switch s.CodecType {
		case "video":
			if haveVideo {
				continue // first video stream wins
			}
			haveVideo = true
			md.Width = s.Width
			md.Height = s.Height
			md.Codec = s.CodecName
			md.FPS = parseFrameRate(s.RFrameRate)
			if md.FPS == 0 {
				md.FPS = parseFrameRate(s.AvgFrameRate)
			}
		case "audio":
			if md.AudioCodec != "" {
				continue
			}
			md.AudioCodec = s.CodecName
			md.AudioChannels = s.Channels
			md.AudioSampleRate = int(parseInt64(s.SampleRateStr))
		}
	}
	if !haveVideo {
		return domain.VideoMetadata{}, domain.NewValidationFailure("no_video_stream", "file has no video stream")
	}
	md.QualityBucket = qualityBucket(md.Height)
	return md, nil
}

func (d *FFmpeg) ExtractFrames(ctx context.Context, path string, req FrameRequest) ([]domain.Frame, error) {
	if req.WorkDir == "" {
		return nil, domain.NewInternalFailure("no_workdir", "frame extraction needs a scratch directory", nil)
	}
	if err := os.MkdirAll(req.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("media: create workdir: %w", err)
	}

	rate := req.SampleRate
	if rate <= 0 {
		rate = 1
	}

	pattern := filepath.Join(req.WorkDir, "frame_%06d.jpg")
	var args []string
	switch req.Mode {
	case domain.SamplingUniform:
		args = []string{
			"-i", path,
			"-vf", fmt.Sprintf("fps=%g", rate),
			"-q:v", "2",
		}
	default: // keyframes; scene-based is keyframes + a later trim
		args = []string{
			"-skip_frame", "nokey",
			"-i", path,
			"-vsync", "vfr",
			"-q:v", "2",
		}
	}
	if req.MaxFrames > 0 {
		args = append(args, "-frames:v", strconv.Itoa(req.MaxFrames))
	}
	args = append(args, "-y", pattern)

	if _, err := d.runner.Run(ctx, d.FFmpegBin, args...); err != nil {
		return nil, domain.NewPermanentFailure("extract_frames", "ffmpeg frame extraction failed", err)
	}

	var keyPTS []float64
	if req.Mode != domain.SamplingUniform {
		keyPTS = d.keyframeTimestamps(ctx, path)
	}

	files, err := filepath.Glob(filepath.Join(req.WorkDir, "frame_*.jpg"))
	if err != nil {
		return nil, fmt.Errorf("media: list frames: %w", err)
	}
	sort.Strings(files)
	if req.MaxFrames > 0 && len(files) > req.MaxFrames {
		files = files[:req.MaxFrames]
	}

	frames := make([]domain.Frame, 0, len(files))
	for i, f := range files {
		data, err := os.ReadFile(f) // #nosec G304 -- path produced by this process
		if err != nil {
			return nil, fmt.Errorf("media: read frame %s: %w", f, err)
		}
		fr := domain.Frame{Number: i, Data: data, BlobRef: f}
		if req.Mode == domain.SamplingUniform {
			fr.PTS = float64(i) / rate
		} else if i < len(keyPTS) {
			fr.PTS = keyPTS[i]
		}
		frames = append(frames, fr)
	}
	d.logger.Debug().
		Str(log.FieldPath, path).
		Int("frames", len(frames)).
		Str("mode", string(req.Mode)).
		Msg("frames extracted")
	return frames, nil
}

// keyframeTimestamps asks ffprobe for the keyframe pts list. Timestamps are
// an enrichment: on probe failure extraction still succeeds with zero PTS.
func (d *FFmpeg) keyframeTimestamps(ctx context.Context, path string) []float64 {
	out, err := d.runner.Run(ctx, d.FFprobeBin,
		"-v", "quiet",
		"-skip_frame", "nokey",
		"-select_streams", "v:0",
		"-show_entries", "frame=pts_time",
		"-of", "csv=p=0",
		path,
	)
	if err != nil {
		d.logger.Warn().Err(err).Str(log.FieldPath, path).Msg("keyframe pts probe failed")
		return nil
	}
	var pts []float64
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSuffix(strings.TrimSpace(line), ",")
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			continue
		}
		pts = append(pts, v)
	}
	return pts
}

func (d *FFmpeg) ExtractAudio(ctx context.Context, path, workDir string) (string, error) {
	md, err := d.ExtractMetadata(ctx, path)
	if err != nil {
		return "", err
	}
	if md.AudioCodec == "" {
		return "", domain.NewPermanentFailure("no_audio_stream", "file has no audio stream", nil)
	}
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return "", fmt.Errorf("media: create workdir: %w", err)
	}

	out := filepath.Join(workDir, "audio.wav")
	_, err = d.runner.Run(ctx, d.FFmpegBin,
		"-i", path,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		"-y", out,
	)
	if err != nil {
		return "", domain.NewPermanentFailure("extract_audio", "ffmpeg audio extraction failed", err)
	}
	return out, nil
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// parseFrameRate converts ffprobe's "30000/1001" rational into fps.
func parseFrameRate(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	num, den, found := strings.Cut(s, "/")
	if !found {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func qualityBucket(height int) string {
	switch {
	case height >= 2160:
		return "uhd"
	case height >= 1080:
		return "fhd"
	case height >= 720:
		return "hd"
	default:
		return "sd"
	}
}

var _ Decoder = (*FFmpeg)(nil)
