package domain

import "time"

// VideoMetadata describes the container-level properties of a video file.
type VideoMetadata struct {
	DurationSeconds float64 `json:"durationSeconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FPS             float64 `json:"fps"`
	Codec           string  `json:"codec"`
	BitrateKbps     int64   `json:"bitrateKbps"`
	AudioCodec      string  `json:"audioCodec,omitempty"`
	AudioChannels   int     `json:"audioChannels,omitempty"`
	AudioSampleRate int     `json:"audioSampleRate,omitempty"`
	FileSizeBytes   int64   `json:"fileSizeBytes"`
	QualityBucket   string  `json:"qualityBucket,omitempty"` // sd, hd, fhd, uhd
}

// BoundingBox is a detection rectangle normalised to [0,1]².
type BoundingBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Valid reports whether the box lies inside the unit square.
func (b BoundingBox) Valid() bool {
	return b.X >= 0 && b.Y >= 0 && b.W >= 0 && b.H >= 0 &&
		b.X+b.W <= 1.0001 && b.Y+b.H <= 1.0001
}

// DetectedObject is one object found in a frame.
type DetectedObject struct {
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"box"`
}

// TextRegion is one block of text found in a frame.
type TextRegion struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"box"`
}

// FrameAnalysis is the typed result of one vision call.
type FrameAnalysis struct {
	Description string           `json:"description"`
	Features    []string         `json:"features,omitempty"`
	Objects     []DetectedObject `json:"objects,omitempty"`
	TextRegions []TextRegion     `json:"text_regions,omitempty"`
	Confidence  float64          `json:"confidence,omitempty"`
}

// Frame is one sampled frame of a job. Frames are append-only within a job.
type Frame struct {
	JobID     string        `json:"jobId"`
	Number    int           `json:"number"`
	PTS       float64       `json:"pts"` // presentation timestamp, seconds
	Data      []byte        `json:"-"`
	BlobRef   string        `json:"blobRef,omitempty"`
	Analysis  FrameAnalysis `json:"analysis"`
	Embedding []float32     `json:"-"`
}

// Shot is a contiguous run of visually similar frames inside a scene.
type Shot struct {
	StartFrame int `json:"startFrame"`
	EndFrame   int `json:"endFrame"` // exclusive
}

// Scene is a contiguous [StartFrame, EndFrame) range sharing semantic context.
type Scene struct {
	JobID           string    `json:"jobId"`
	Index           int       `json:"index"`
	StartFrame      int       `json:"startFrame"`
	EndFrame        int       `json:"endFrame"` // exclusive
	DurationSeconds float64   `json:"durationSeconds"`
	Embedding       []float32 `json:"-"`
	Visual          []string  `json:"visual,omitempty"`
	Audio           []string  `json:"audio,omitempty"`
	Motion          []string  `json:"motion,omitempty"`
	Shots           []Shot    `json:"shots,omitempty"`
}

// FrameCount returns the number of frames the scene spans.
func (s Scene) FrameCount() int {
	return s.EndFrame - s.StartFrame
}

// SpeakerSegment is one diarized slice of the transcript.
type SpeakerSegment struct {
	Speaker    string  `json:"speaker"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// AudioAnalysis is the outcome of the transcription stage.
type AudioAnalysis struct {
	Transcript string           `json:"transcript"`
	Segments   []SpeakerSegment `json:"segments,omitempty"`
	Language   string           `json:"language,omitempty"`
	Topics     []string         `json:"topics,omitempty"`
	Keywords   []string         `json:"keywords,omitempty"`
}

// ContentClassification labels the whole video.
type ContentClassification struct {
	Category   string   `json:"category"`
	Tags       []string `json:"tags,omitempty"`
	Confidence float64  `json:"confidence"`
}

// ModelUsage records one class of model calls made while processing a job.
type ModelUsage struct {
	Model      string `json:"model"`
	Operation  string `json:"operation"`
	Calls      int    `json:"calls"`
	DurationMS int64  `json:"durationMs"`
}

// ProcessingResult is the bundle persisted for a terminal completed job.
type ProcessingResult struct {
	JobID          string                 `json:"jobId"`
	Metadata       VideoMetadata          `json:"metadata"`
	Frames         []Frame                `json:"frames,omitempty"`
	Audio          *AudioAnalysis         `json:"audio,omitempty"`
	Scenes         []Scene                `json:"scenes,omitempty"`
	Classification *ContentClassification `json:"classification,omitempty"`
	Summary        string                 `json:"summary,omitempty"`
	ElapsedSeconds float64                `json:"elapsedSeconds"`
	ModelUsage     []ModelUsage           `json:"modelUsage,omitempty"`
	CompletedAt    time.Time              `json:"completedAt"`
}
