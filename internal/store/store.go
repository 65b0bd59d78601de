// SPDX-License-Identifier: MIT

// Package store persists analysed jobs and their artifacts. Live job state
// lives in Redis with a bounded retention window (internal/queue); this store
// is the durable archive the persist stage writes and the API reads back once
// Redis has trimmed a job.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuGH/videoagent/internal/domain"
)

// JobRecord is the archived row for one analysed video.
type JobRecord struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	SessionID   string          `json:"sessionId,omitempty"`
	Origin      domain.Origin   `json:"origin"`
	Reference   string          `json:"reference"`
	State       domain.JobState `json:"state"`
	ContentHash string          `json:"contentHash,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Store is CRUD persistence for jobs and the artifacts the pipeline produces
// for them.
//
// Getters return (nil, nil) when the row does not exist. Artifact writes
// require the owning job row to be present. Raw frame bytes and embedding
// vectors are never stored here: blobs stay on disk behind BlobRef, vectors
// live in the similarity index.
type Store interface {
	UpsertJob(ctx context.Context, rec JobRecord) error
	GetJob(ctx context.Context, id string) (*JobRecord, error)
	// ListJobs pages a user's jobs newest-first. limit <= 0 defaults to 50.
	ListJobs(ctx context.Context, userID string, limit, offset int) ([]JobRecord, int, error)
	// DeleteJob removes the job row and cascades to all of its artifacts.
	DeleteJob(ctx context.Context, id string) error

	// PutFrames replaces the job's frame set wholesale.
	PutFrames(ctx context.Context, jobID string, frames []domain.Frame) error
	GetFrames(ctx context.Context, jobID string) ([]domain.Frame, error)

	// PutScenes replaces the job's scene set wholesale.
	PutScenes(ctx context.Context, jobID string, scenes []domain.Scene) error
	GetScenes(ctx context.Context, jobID string) ([]domain.Scene, error)

	PutAudio(ctx context.Context, jobID string, audio *domain.AudioAnalysis) error
	GetAudio(ctx context.Context, jobID string) (*domain.AudioAnalysis, error)

	PutResult(ctx context.Context, res *domain.ProcessingResult) error
	GetResult(ctx context.Context, jobID string) (*domain.ProcessingResult, error)

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*SqliteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// New creates a job store for the given backend. An empty backend defaults to
// sqlite; an empty path falls back to the in-memory store so tests and
// ephemeral runs need no data directory.
func New(backend, path string) (Store, error) {
	switch backend {
	case "", "sqlite":
		if path == "" {
			return NewMemoryStore(), nil
		}
		return NewSqliteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown job store backend: %q (supported: sqlite, memory)", backend)
	}
}
