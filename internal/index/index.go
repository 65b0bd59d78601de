// SPDX-License-Identifier: MIT

// Package index stores and searches embedding vectors in Qdrant. Two
// collections exist: whole-video vectors and per-scene vectors. Scene points
// carry the owning video id in their payload so a video delete can cascade.
package index

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/rs/zerolog"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/log"
)

// Collection names.
const (
	VideoCollection = "video_embeddings"
	SceneCollection = "scene_embeddings"
)

const (
	// DefaultScoreThreshold cuts off weak matches unless the filter overrides it.
	DefaultScoreThreshold float32 = 0.7

	defaultSearchLimit = 10
	upsertChunkSize    = 100
	searchTimeout      = 10 * time.Second
	retrieveTimeout    = 5 * time.Second

	hnswM                 = 16
	hnswEfConstruct       = 100
	hnswFullScanThreshold = 10000
)

// Config locates the Qdrant instance.
type Config struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	APIKey string `yaml:"apiKey" json:"-"`
	UseTLS bool   `yaml:"useTLS" json:"useTLS"`
}

// pointsAPI is the slice of the Qdrant client the index needs. Tests swap in
// a fake; production wires *qdrant.Client.
type pointsAPI interface {
	CollectionExists(ctx context.Context, collection string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Get(ctx context.Context, req *qdrant.GetPoints) ([]*qdrant.RetrievedPoint, error)
	Delete(ctx context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	Close() error
}

// Hit is one search result, payload decoded to plain Go values.
type Hit struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Index wraps the Qdrant collections behind the operations the pipeline and
// the search API use.
type Index struct {
	client pointsAPI
	logger zerolog.Logger
}

// New connects to Qdrant over gRPC.
func New(cfg Config) (*Index, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("index: connect qdrant: %w", err)
	}
	return newWithClient(client), nil
}

func newWithClient(client pointsAPI) *Index {
	return &Index{
		client: client,
		logger: log.WithComponent("index"),
	}
}

// EnsureCollections creates the two collections if they do not exist yet.
// Both are 1024-dimensional cosine spaces with payloads kept on disk.
func (x *Index) EnsureCollections(ctx context.Context) error {
	for _, name := range []string{VideoCollection, SceneCollection} {
		exists, err := x.client.CollectionExists(ctx, name)
		if err != nil {
			return fmt.Errorf("index: check collection %s: %w", name, err)
		}
		if exists {
			continue
		}
		err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     domain.VectorDim,
				Distance: qdrant.Distance_Cosine,
			}),
			HnswConfig: &qdrant.HnswConfigDiff{
				M:                 qdrant.PtrOf(uint64(hnswM)),
				EfConstruct:       qdrant.PtrOf(uint64(hnswEfConstruct)),
				FullScanThreshold: qdrant.PtrOf(uint64(hnswFullScanThreshold)),
			},
			OnDiskPayload: qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("index: create collection %s: %w", name, err)
		}
		x.logger.Info().Str(log.FieldCollection, name).Msg("collection created")
	}
	return nil
}

// UpsertVideo writes one whole-video embedding.
func (x *Index) UpsertVideo(ctx context.Context, emb domain.VideoEmbedding) error {
	return x.upsert(ctx, VideoCollection, []pointSource{videoPoint(emb)})
}

// UpsertScene writes one scene embedding.
func (x *Index) UpsertScene(ctx context.Context, emb domain.SceneEmbedding) error {
	return x.upsert(ctx, SceneCollection, []pointSource{scenePoint(emb)})
}

// UpsertScenesBatch writes scene embeddings in chunks of 100. Each chunk is a
// separate waited upsert so a mid-batch failure leaves earlier chunks indexed.
func (x *Index) UpsertScenesBatch(ctx context.Context, embs []domain.SceneEmbedding) error {
	for start := 0; start < len(embs); start += upsertChunkSize {
		end := start + upsertChunkSize
		if end > len(embs) {
			end = len(embs)
		}
		chunk := make([]pointSource, 0, end-start)
		for _, emb := range embs[start:end] {
			chunk = append(chunk, scenePoint(emb))
		}
		if err := x.upsert(ctx, SceneCollection, chunk); err != nil {
			return err
		}
	}
	return nil
}

// pointSource is an embedding flattened to what a Qdrant point needs.
type pointSource struct {
	id      string
	vector  []float32
	payload map[string]any
}

func videoPoint(e domain.VideoEmbedding) pointSource {
	return pointSource{id: e.ID, vector: e.Vector, payload: e.Payload}
}

func scenePoint(e domain.SceneEmbedding) pointSource {
	return pointSource{id: e.ID, vector: e.Vector, payload: e.Payload}
}

func (x *Index) upsert(ctx context.Context, collection string, pts []pointSource) (err error) {
	start := time.Now()
	defer func() { observeOp("upsert", collection, start, err) }()

	points := make([]*qdrant.PointStruct, 0, len(pts))
	for _, p := range pts {
		if err := domain.ValidateVector(p.vector); err != nil {
			return fmt.Errorf("index: point %s: %w", p.id, err)
		}
		if _, err := uuid.Parse(p.id); err != nil {
			return fmt.Errorf("index: point id %q is not a UUID: %w", p.id, err)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.id),
			Vectors: qdrant.NewVectors(p.vector...),
			Payload: qdrant.NewValueMap(p.payload),
		})
	}

	_, err = x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("index: upsert %d points into %s: %w", len(points), collection, err)
	}
	recordPointsUpserted(collection, len(points))
	x.logger.Debug().
		Str(log.FieldCollection, collection).
		Int(log.FieldBatchSize, len(points)).
		Msg("points upserted")
	return nil
}

// SearchVideos runs a filtered cosine search over whole-video vectors.
func (x *Index) SearchVideos(ctx context.Context, vector []float32, limit uint64, f *Filter) ([]Hit, error) {
	return x.search(ctx, VideoCollection, vector, limit, f)
}

// SearchScenes runs a filtered cosine search over scene vectors.
func (x *Index) SearchScenes(ctx context.Context, vector []float32, limit uint64, f *Filter) ([]Hit, error) {
	return x.search(ctx, SceneCollection, vector, limit, f)
}

func (x *Index) search(ctx context.Context, collection string, vector []float32, limit uint64, f *Filter) (hits []Hit, err error) {
	start := time.Now()
	defer func() { observeOp("search", collection, start, err) }()

	if err := domain.ValidateVector(vector); err != nil {
		return nil, fmt.Errorf("index: search %s: %w", collection, err)
	}
	if limit == 0 {
		limit = defaultSearchLimit
	}
	threshold := DefaultScoreThreshold
	if f != nil && f.ScoreThreshold != nil {
		threshold = *f.ScoreThreshold
	}

	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	points, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(limit),
		ScoreThreshold: qdrant.PtrOf(threshold),
		Filter:         f.conditions(),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("index: search %s: %w", collection, err)
	}

	// Qdrant returns points ordered by score descending already.
	hits = make([]Hit, 0, len(points))
	for _, pt := range points {
		hits = append(hits, Hit{
			ID:      pt.GetId().GetUuid(),
			Score:   pt.GetScore(),
			Payload: payloadToMap(pt.GetPayload()),
		})
	}
	return hits, nil
}

// RetrieveVideo fetches one video embedding with vector and payload. Returns
// (nil, nil) when the point does not exist.
func (x *Index) RetrieveVideo(ctx context.Context, id string) (emb *domain.VideoEmbedding, err error) {
	start := time.Now()
	defer func() { observeOp("retrieve", VideoCollection, start, err) }()

	ctx, cancel := context.WithTimeout(ctx, retrieveTimeout)
	defer cancel()

	points, err := x.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: VideoCollection,
		Ids:            []*qdrant.PointId{qdrant.NewID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("index: retrieve %s: %w", id, err)
	}
	if len(points) == 0 {
		return nil, nil
	}

	pt := points[0]
	return &domain.VideoEmbedding{
		ID:      pt.GetId().GetUuid(),
		Vector:  pt.GetVectors().GetVector().GetData(),
		Payload: payloadToMap(pt.GetPayload()),
	}, nil
}

// DeleteVideo removes the video point and every scene point whose payload
// references it. Both deletes are waited so a subsequent search cannot see
// half a cascade.
func (x *Index) DeleteVideo(ctx context.Context, videoID string) (err error) {
	start := time.Now()
	defer func() { observeOp("delete", VideoCollection, start, err) }()

	_, err = x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: VideoCollection,
		Points:         qdrant.NewPointsSelector(qdrant.NewID(videoID)),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("index: delete video %s: %w", videoID, err)
	}

	_, err = x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: SceneCollection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("video_id", videoID)},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("index: delete scenes of %s: %w", videoID, err)
	}

	x.logger.Info().Str(log.FieldJobID, videoID).Msg("video removed from index")
	return nil
}

// HealthCheck verifies the Qdrant connection.
func (x *Index) HealthCheck(ctx context.Context) error {
	if _, err := x.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("index: health check: %w", err)
	}
	return nil
}

// Close releases the gRPC connection.
func (x *Index) Close() error {
	return x.client.Close()
}

// payloadToMap decodes a Qdrant payload into plain Go values.
func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]any, len(payload))
	for key, val := range payload {
		out[key] = valueToAny(val)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	case *qdrant.Value_ListValue:
		vals := k.ListValue.GetValues()
		list := make([]any, 0, len(vals))
		for _, item := range vals {
			list = append(list, valueToAny(item))
		}
		return list
	case *qdrant.Value_StructValue:
		return payloadToMap(k.StructValue.GetFields())
	default:
		return nil
	}
}
