package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/videoagent/internal/bus"
	"github.com/ManuGH/videoagent/internal/cache"
	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/log"
	"github.com/ManuGH/videoagent/internal/media"
	"github.com/ManuGH/videoagent/internal/model"
	"github.com/ManuGH/videoagent/internal/queue"
	"github.com/ManuGH/videoagent/internal/store"
	"github.com/ManuGH/videoagent/internal/telemetry"
)

var tracer = otel.Tracer("videoagent/pipeline")

// framePrompt asks for the structured answer ParseVision understands.
// Richer than the realtime prompt: archive frames pay for objects and text.
const framePrompt = `Describe this video frame as JSON: {"description", "features", "objects": [{"label", "confidence", "box"}], "text_regions", "confidence"}.`

// maxSummarySources bounds how many frame descriptions feed the synthesis
// call; they are sampled uniformly across the video.
const maxSummarySources = 5

// jobRun accumulates one job's artifacts across stages. Nothing is written
// to the store or the index before the persist stage, so discarding a
// cancelled job means dropping this struct and its scratch directory.
type jobRun struct {
	job     *queue.JobStatus
	opts    domain.ProcessingOptions
	logger  zerolog.Logger
	workDir string
	started time.Time

	path        string // local video file after prepare
	meta        domain.VideoMetadata
	frames      []domain.Frame
	audio       *domain.AudioAnalysis
	scenes      []domain.Scene
	class       *domain.ContentClassification
	summary     string
	contentHash string
	result      *domain.ProcessingResult
}

type stageDef struct {
	name   string
	anchor int // progress percentage after the stage
	opt    func(domain.ProcessingOptions) bool
	run    func(context.Context, *jobRun) error
}

func (o *Orchestrator) stageGraph() []stageDef {
	return []stageDef{
		{"prepare", 10, nil, o.stagePrepare},
		{"validate", 15, nil, o.stageValidate},
		{"metadata", 25, nil, o.stageMetadata},
		{"frames", 60, func(p domain.ProcessingOptions) bool { return p.ExtractFrames }, o.stageFrames},
		{"audio", 75, func(p domain.ProcessingOptions) bool { return p.ExtractAudio }, o.stageAudio},
		{"scenes", 85, func(p domain.ProcessingOptions) bool { return p.DetectScenes }, o.stageScenes},
		{"classify", 90, func(p domain.ProcessingOptions) bool { return p.ClassifyContent }, o.stageClassify},
		{"summarize", 95, func(p domain.ProcessingOptions) bool { return p.GenerateSummary }, o.stageSummarize},
		{"persist", 100, nil, o.stagePersist},
	}
}

// process drives the stage graph in strict order. Disabled stages still
// advance the progress anchor. The first fatal stage error aborts the run.
func (o *Orchestrator) process(ctx context.Context, st *queue.JobStatus, logger zerolog.Logger) (*jobRun, error) {
	opts := st.Data.Options
	opts.Normalize()

	jr := &jobRun{
		job:     st,
		opts:    opts,
		logger:  logger,
		workDir: filepath.Join(o.cfg.DataDir, "jobs", st.ID),
		started: o.nowFn(),
	}
	if err := os.MkdirAll(jr.workDir, 0o750); err != nil {
		return jr, domain.NewTransientFailure("workdir_create", "cannot create job scratch directory", err)
	}
	// Scratch is removed whatever the outcome; persisted artifacts never
	// reference it.
	defer func() {
		if err := os.RemoveAll(jr.workDir); err != nil {
			logger.Warn().Err(err).Msg("scratch cleanup failed")
		}
	}()

	o.progress(ctx, st.ID, 0, "start", "job accepted")

	for _, s := range o.stageGraph() {
		if err := o.checkCancelled(ctx, st.ID); err != nil {
			return jr, err
		}
		if s.opt != nil && !s.opt(opts) {
			o.progress(ctx, st.ID, s.anchor, s.name, "skipped")
			continue
		}

		stageCtx, span := tracer.Start(ctx, "pipeline."+s.name)
		span.SetAttributes(telemetry.StageAttributes(st.ID, s.name)...)
		start := time.Now()
		err := s.run(stageCtx, jr)
		observeStage(s.name, start, err)
		if err != nil {
			span.RecordError(err)
			span.End()
			return jr, fmt.Errorf("stage %s: %w", s.name, err)
		}
		span.End()
		o.progress(ctx, st.ID, s.anchor, s.name, "")
	}
	return jr, nil
}

// checkCancelled is the between-stage cancellation probe. The per-job
// context covers the pub/sub path; the queue flag covers missed messages.
func (o *Orchestrator) checkCancelled(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	flagged, err := o.deps.Queue.CancelRequested(ctx, id)
	if err != nil {
		// Polling is the fallback path; a probe error must not kill the job.
		o.logger.Warn().Err(err).Str(log.FieldJobID, id).Msg("cancel probe failed")
		return nil
	}
	if flagged {
		return fmt.Errorf("job %s: %w", id, context.Canceled)
	}
	return nil
}

func (o *Orchestrator) progress(ctx context.Context, id string, pct int, stage, msg string) {
	if err := o.deps.Queue.UpdateProgress(ctx, id, pct, stage, msg); err != nil && ctx.Err() == nil {
		o.logger.Warn().Err(err).Str(log.FieldJobID, id).Msg("progress update failed")
	}
}

// stagePrepare resolves the job reference into a readable local file.
func (o *Orchestrator) stagePrepare(ctx context.Context, jr *jobRun) error {
	data := jr.job.Data
	switch data.Origin {
	case domain.OriginUpload:
		// The ingress staged the upload under an allowed root; re-check
		// here so a corrupted reference never reaches the decoder.
		if err := domain.ValidateLocalPath(data.Reference); err != nil {
			return err
		}
		jr.path = data.Reference

	case domain.OriginURL:
		u, err := url.Parse(data.Reference)
		if err != nil {
			return domain.NewValidationFailure("bad_url", fmt.Sprintf("reference is not a URL: %v", err))
		}
		if u.Scheme == "file" {
			if err := domain.ValidateLocalPath(u.Path); err != nil {
				return err
			}
			jr.path = u.Path
			break
		}
		if o.deps.Downloads == nil {
			return domain.NewPermanentFailure("downloader_unconfigured", "remote URLs are not enabled on this node", nil)
		}
		dest := filepath.Join(jr.workDir, "source"+safeExt(u.Path))
		if _, err := o.deps.Downloads.Fetch(ctx, data.Reference, dest); err != nil {
			return err
		}
		jr.path = dest

	case domain.OriginDrive:
		if o.deps.Downloads == nil {
			return domain.NewPermanentFailure("downloader_unconfigured", "drive origins are not enabled on this node", nil)
		}
		dest := filepath.Join(jr.workDir, "source.mp4")
		if err := o.deps.Downloads.Drive(ctx, data.Reference, dest); err != nil {
			return err
		}
		jr.path = dest

	case domain.OriginLiveStream:
		return domain.NewValidationFailure("live_stream_job",
			"live streams are consumed by the stream worker, not the job pipeline")

	default:
		return domain.NewValidationFailure("bad_origin", fmt.Sprintf("unknown origin %q", data.Origin))
	}

	if _, err := os.Stat(jr.path); err != nil {
		return domain.NewValidationFailure("source_missing", fmt.Sprintf("video file %q is not readable", jr.path))
	}
	return nil
}

// safeExt keeps a plausible container extension for scratch files and
// drops anything that could smuggle path syntax.
func safeExt(p string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(p)))
	switch ext {
	case ".mp4", ".mov", ".mkv", ".webm", ".avi", ".m4v", ".ts":
		return ext
	default:
		return ".mp4"
	}
}

func (o *Orchestrator) stageValidate(ctx context.Context, jr *jobRun) error {
	return o.deps.Decoder.Validate(ctx, jr.path)
}

func (o *Orchestrator) stageMetadata(ctx context.Context, jr *jobRun) error {
	meta, err := o.deps.Decoder.ExtractMetadata(ctx, jr.path)
	if err != nil {
		return err
	}
	jr.meta = meta
	return nil
}

// stageFrames extracts frames and runs vision plus embedding over each,
// FrameConcurrency at a time. Scene-based sampling materialises keyframes
// here; the scenes stage trims them to representatives afterwards.
func (o *Orchestrator) stageFrames(ctx context.Context, jr *jobRun) error {
	frames, err := o.deps.Decoder.ExtractFrames(ctx, jr.path, media.FrameRequest{
		Mode:       jr.opts.FrameSamplingMode,
		SampleRate: jr.opts.FrameSampleRate,
		MaxFrames:  jr.opts.MaxFrames,
		WorkDir:    filepath.Join(jr.workDir, "frames"),
	})
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return domain.NewPermanentFailure("no_frames", "decoder produced no frames", nil)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.FrameConcurrency)
	for i := range frames {
		frame := &frames[i]
		g.Go(func() error {
			return o.analyzeFrame(gctx, jr, frame)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	jr.frames = frames
	return nil
}

// analyzeFrame runs one vision call and derives the frame embedding from
// the description. Only 1024-dim vectors are accepted.
func (o *Orchestrator) analyzeFrame(ctx context.Context, jr *jobRun, frame *domain.Frame) error {
	analysis, err := o.deps.Models.AnalyzeFrame(ctx, frame.Data, framePrompt)
	if err != nil {
		return fmt.Errorf("frame %d vision: %w", frame.Number, err)
	}
	frame.JobID = jr.job.ID
	frame.Analysis = analysis
	recordFrame()

	vec, err := o.embedDescription(ctx, analysis.Description)
	if err != nil {
		return fmt.Errorf("frame %d embedding: %w", frame.Number, err)
	}
	frame.Embedding = vec

	o.publish(ctx, bus.TopicFrames(jr.job.ID), domain.NewFrameEnvelope(domain.FrameEvent{
		JobID:       jr.job.ID,
		FrameNumber: frame.Number,
		PTS:         frame.PTS,
		Description: analysis.Description,
		ObjectCount: len(analysis.Objects),
		Timestamp:   o.nowFn(),
	}))
	return nil
}

// embedDescription memoizes document embeddings by description hash.
// Identical descriptions across frames and jobs hit the cache.
func (o *Orchestrator) embedDescription(ctx context.Context, description string) ([]float32, error) {
	key := cache.EmbeddingKey(description)
	vec, _, err := cache.GetOrCompute(ctx, o.deps.Cache, key, cache.EmbeddingTTL,
		func(ctx context.Context) ([]float32, error) {
			v, err := o.deps.Models.EmbedText(ctx, description, model.EmbedDocument)
			if err != nil {
				return nil, err
			}
			if err := domain.ValidateVector(v); err != nil {
				return nil, domain.NewInternalFailure("bad_embedding_dim", "model returned a wrong-size embedding", err)
			}
			return v, nil
		})
	return vec, err
}

// stageAudio extracts and optionally transcribes the audio track. Failures
// are non-fatal: the job continues without audio.
func (o *Orchestrator) stageAudio(ctx context.Context, jr *jobRun) error {
	audioPath, err := o.deps.Decoder.ExtractAudio(ctx, jr.path, jr.workDir)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		jr.logger.Warn().Err(err).Msg("audio extraction failed, continuing without audio")
		recordNonFatal("audio")
		return nil
	}
	if !jr.opts.TranscribeAudio {
		return nil
	}

	analysis, err := o.deps.Models.Transcribe(ctx, model.TranscribeRequest{
		AudioPath: audioPath,
		Diarize:   true,
		Languages: jr.opts.TargetLanguages,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		jr.logger.Warn().Err(err).Msg("transcription failed, continuing without audio")
		recordNonFatal("audio")
		return nil
	}
	jr.audio = &analysis
	return nil
}

// stageScenes segments the embedded frame sequence into scenes and shots.
func (o *Orchestrator) stageScenes(ctx context.Context, jr *jobRun) error {
	if len(jr.frames) == 0 {
		return domain.NewValidationFailure("scenes_without_frames", "scene detection requires extracted frames")
	}

	vectors := make([][]float32, len(jr.frames))
	for i, f := range jr.frames {
		vectors[i] = f.Embedding
	}
	bounds := Boundaries(vectors, DefaultSceneParams())

	scenes := make([]domain.Scene, 0, len(bounds))
	for i, start := range bounds {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := len(jr.frames)
		if i+1 < len(bounds) {
			end = bounds[i+1]
		}

		segVecs, segWeights := frameWeights(jr.frames[start:end])
		emb, err := Aggregate(segVecs, segWeights, o.cfg.Aggregation)
		if err != nil {
			return domain.NewInternalFailure("scene_aggregate", fmt.Sprintf("scene %d has no usable embeddings", i), err)
		}

		scene := domain.Scene{
			JobID:           jr.job.ID,
			Index:           i,
			StartFrame:      jr.frames[start].Number,
			EndFrame:        jr.frames[end-1].Number + 1,
			DurationSeconds: sceneDuration(jr.frames[start:end], jr.meta),
			Embedding:       emb,
			Visual:          distinctFeatures(jr.frames[start:end], 5),
			Shots:           shotsWithin(vectors, start, end, DefaultShotParams()),
		}
		scenes = append(scenes, scene)

		o.publish(ctx, bus.TopicScenes(jr.job.ID), domain.NewSceneEnvelope(domain.SceneEvent{
			JobID:           jr.job.ID,
			Index:           scene.Index,
			StartFrame:      scene.StartFrame,
			EndFrame:        scene.EndFrame,
			DurationSeconds: scene.DurationSeconds,
			ShotCount:       len(scene.Shots),
			Timestamp:       o.nowFn(),
		}))
	}
	jr.scenes = scenes

	// Scene-based sampling keeps one representative frame per scene: the
	// scene opener. Scene ranges keep the original frame numbering.
	if jr.opts.FrameSamplingMode == domain.SamplingSceneBased {
		kept := make([]domain.Frame, 0, len(bounds))
		for _, start := range bounds {
			kept = append(kept, jr.frames[start])
		}
		jr.frames = kept
	}
	return nil
}

// sceneDuration prefers presentation timestamps and falls back to the
// container frame rate for single-frame scenes.
func sceneDuration(frames []domain.Frame, meta domain.VideoMetadata) float64 {
	if len(frames) == 0 {
		return 0
	}
	d := frames[len(frames)-1].PTS - frames[0].PTS
	if d <= 0 && meta.FPS > 0 {
		d = float64(len(frames)) / meta.FPS
	}
	return d
}

// distinctFeatures collects up to limit distinct feature labels in frame order.
func distinctFeatures(frames []domain.Frame, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range frames {
		for _, feat := range f.Analysis.Features {
			if feat == "" || seen[feat] {
				continue
			}
			seen[feat] = true
			out = append(out, feat)
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// stageClassify labels the whole video from descriptions plus transcript.
// Non-fatal: classification is enrichment, not a gate.
func (o *Orchestrator) stageClassify(ctx context.Context, jr *jobRun) error {
	text := classificationInput(jr)
	if text == "" {
		jr.logger.Debug().Msg("nothing to classify")
		return nil
	}
	class, err := o.deps.Models.Classify(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		jr.logger.Warn().Err(err).Msg("classification failed, continuing without labels")
		recordNonFatal("classify")
		return nil
	}
	jr.class = &class
	return nil
}

func classificationInput(jr *jobRun) string {
	var b strings.Builder
	for _, f := range jr.frames {
		if f.Analysis.Description == "" {
			continue
		}
		b.WriteString(f.Analysis.Description)
		b.WriteString("\n")
	}
	if jr.audio != nil && jr.audio.Transcript != "" {
		b.WriteString("\nTranscript:\n")
		b.WriteString(jr.audio.Transcript)
	}
	return strings.TrimSpace(b.String())
}

// stageSummarize synthesises a prose summary from uniformly sampled frame
// descriptions, a metadata blurb and the transcript. Non-fatal.
func (o *Orchestrator) stageSummarize(ctx context.Context, jr *jobRun) error {
	parts := summarySources(jr)
	if len(parts) == 0 {
		jr.logger.Debug().Msg("nothing to summarize")
		return nil
	}
	summary, err := o.deps.Models.Summarize(ctx, parts)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		jr.logger.Warn().Err(err).Msg("summary failed, continuing without one")
		recordNonFatal("summarize")
		return nil
	}
	jr.summary = summary
	return nil
}

func summarySources(jr *jobRun) []string {
	var descriptions []string
	for _, f := range jr.frames {
		if f.Analysis.Description != "" {
			descriptions = append(descriptions, f.Analysis.Description)
		}
	}
	parts := sampleUniform(descriptions, maxSummarySources)
	if blurb := metadataBlurb(jr.meta); blurb != "" {
		parts = append(parts, blurb)
	}
	if jr.audio != nil && jr.audio.Transcript != "" {
		parts = append(parts, "Transcript: "+jr.audio.Transcript)
	}
	return parts
}

// sampleUniform picks up to k items spread evenly across the slice,
// always keeping the first and last when k > 1.
func sampleUniform(items []string, k int) []string {
	if len(items) <= k {
		return items
	}
	out := make([]string, 0, k)
	for i := 0; i < k; i++ {
		idx := i * (len(items) - 1) / (k - 1)
		out = append(out, items[idx])
	}
	return out
}

func metadataBlurb(meta domain.VideoMetadata) string {
	if meta.Width == 0 && meta.DurationSeconds == 0 {
		return ""
	}
	return fmt.Sprintf("Video: %dx%d %s, %.1fs at %.3g fps",
		meta.Width, meta.Height, meta.Codec, meta.DurationSeconds, meta.FPS)
}

// stagePersist writes every artifact: job record and artifacts to the
// store, aggregated embeddings to the index, the bundle as the result.
// All errors here are retriable; a later attempt re-persists idempotently.
func (o *Orchestrator) stagePersist(ctx context.Context, jr *jobRun) error {
	now := o.nowFn()

	var videoEmb *domain.VideoEmbedding
	vectors, weights := frameWeights(jr.frames)
	if len(vectors) > 0 {
		agg, err := Aggregate(vectors, weights, o.cfg.Aggregation)
		if err != nil {
			return domain.NewInternalFailure("video_aggregate", "cannot aggregate frame embeddings", err)
		}
		jr.contentHash = ContentHash(agg)
		videoEmb = &domain.VideoEmbedding{
			ID:     jr.job.ID,
			Vector: agg,
			Payload: map[string]any{
				"user_id":          jr.job.Data.UserID,
				"duration_seconds": jr.meta.DurationSeconds,
				"quality":          jr.meta.QualityBucket,
				"frame_count":      len(jr.frames),
				"scene_count":      len(jr.scenes),
				"created_at":       now.Unix(),
				"content_hash":     jr.contentHash,
			},
		}
		if jr.class != nil {
			videoEmb.Payload["category"] = jr.class.Category
			videoEmb.Payload["tags"] = jr.class.Tags
		}
		if jr.audio != nil && jr.audio.Language != "" {
			videoEmb.Payload["language"] = jr.audio.Language
		}
	}

	rec := store.JobRecord{
		ID:          jr.job.ID,
		UserID:      jr.job.Data.UserID,
		SessionID:   jr.job.Data.SessionID,
		Origin:      jr.job.Data.Origin,
		Reference:   jr.job.Data.Reference,
		State:       domain.JobStateCompleted,
		ContentHash: jr.contentHash,
		CreatedAt:   jr.job.EnqueuedAt,
		UpdatedAt:   now,
	}
	if err := o.deps.Store.UpsertJob(ctx, rec); err != nil {
		return domain.NewTransientFailure("persist_job", "job record write failed", err)
	}
	if len(jr.frames) > 0 {
		if err := o.deps.Store.PutFrames(ctx, jr.job.ID, jr.frames); err != nil {
			return domain.NewTransientFailure("persist_frames", "frame write failed", err)
		}
	}
	if len(jr.scenes) > 0 {
		if err := o.deps.Store.PutScenes(ctx, jr.job.ID, jr.scenes); err != nil {
			return domain.NewTransientFailure("persist_scenes", "scene write failed", err)
		}
	}
	if jr.audio != nil {
		if err := o.deps.Store.PutAudio(ctx, jr.job.ID, jr.audio); err != nil {
			return domain.NewTransientFailure("persist_audio", "audio write failed", err)
		}
	}

	jr.result = &domain.ProcessingResult{
		JobID:          jr.job.ID,
		Metadata:       jr.meta,
		Frames:         jr.frames,
		Audio:          jr.audio,
		Scenes:         jr.scenes,
		Classification: jr.class,
		Summary:        jr.summary,
		ElapsedSeconds: now.Sub(jr.started).Seconds(),
		CompletedAt:    now,
	}
	if err := o.deps.Store.PutResult(ctx, jr.result); err != nil {
		return domain.NewTransientFailure("persist_result", "result write failed", err)
	}

	if videoEmb != nil {
		if err := o.deps.Index.UpsertVideo(ctx, *videoEmb); err != nil {
			return domain.NewTransientFailure("index_video", "video embedding upsert failed", err)
		}
	}
	if len(jr.scenes) > 0 {
		embs := make([]domain.SceneEmbedding, 0, len(jr.scenes))
		for _, sc := range jr.scenes {
			if len(sc.Embedding) == 0 {
				continue
			}
			embs = append(embs, domain.SceneEmbedding{
				ID:     scenePointID(jr.job.ID, sc.Index),
				Vector: sc.Embedding,
				Payload: map[string]any{
					"video_id":         jr.job.ID,
					"scene_index":      sc.Index,
					"start_frame":      sc.StartFrame,
					"end_frame":        sc.EndFrame,
					"duration_seconds": sc.DurationSeconds,
					"visual":           sc.Visual,
				},
			})
		}
		if err := o.deps.Index.UpsertScenesBatch(ctx, embs); err != nil {
			return domain.NewTransientFailure("index_scenes", "scene embedding upsert failed", err)
		}
	}

	// Cached search responses are stale the moment the index changes.
	// Failure here is tolerable: entries expire on their own TTL.
	if videoEmb != nil || len(jr.scenes) > 0 {
		if err := o.deps.Cache.DeletePrefix(ctx, cache.SearchPrefix); err != nil {
			o.logger.Warn().Err(err).Msg("search cache invalidation failed")
		}
	}
	return nil
}

// scenePointID derives a stable UUID for a scene point, so re-persisting a
// job overwrites its own scene points instead of duplicating them.
func scenePointID(videoID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL,
		[]byte(fmt.Sprintf("videoagent:%s:%d", videoID, index))).String()
}

func (o *Orchestrator) publish(ctx context.Context, topic string, env domain.Envelope) {
	if err := o.deps.Bus.Publish(ctx, topic, env); err != nil && ctx.Err() == nil {
		o.logger.Warn().Err(err).Str(log.FieldTopic, topic).Msg("event publish failed")
	}
}
