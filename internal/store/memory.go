package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ManuGH/videoagent/internal/domain"
)

// MemoryStore keeps everything in process memory. It backs unit tests and
// runs without a data directory. Semantics mirror the SQLite store, including
// the job-row requirement for artifact writes.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]JobRecord
	frames  map[string][]domain.Frame
	scenes  map[string][]domain.Scene
	audio   map[string]domain.AudioAnalysis
	results map[string]domain.ProcessingResult
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]JobRecord),
		frames:  make(map[string][]domain.Frame),
		scenes:  make(map[string][]domain.Scene),
		audio:   make(map[string]domain.AudioAnalysis),
		results: make(map[string]domain.ProcessingResult),
	}
}

func (s *MemoryStore) UpsertJob(ctx context.Context, rec JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	// Upserts never move the creation timestamp.
	if prev, ok := s.jobs[rec.ID]; ok {
		rec.CreatedAt = prev.CreatedAt
	}
	s.jobs[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	clone := rec
	return &clone, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, userID string, limit, offset int) ([]JobRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []JobRecord
	for _, rec := range s.jobs {
		if rec.UserID == userID {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]JobRecord, len(matched))
	copy(out, matched)
	return out, total, nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, id)
	delete(s.frames, id)
	delete(s.scenes, id)
	delete(s.audio, id)
	delete(s.results, id)
	return nil
}

func (s *MemoryStore) PutFrames(ctx context.Context, jobID string, frames []domain.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The SQLite schema only rejects orphan writes when rows are inserted.
	if len(frames) > 0 {
		if err := s.requireJob(jobID); err != nil {
			return err
		}
	}
	stored := make([]domain.Frame, len(frames))
	for i, f := range frames {
		f.JobID = jobID
		f.Data = nil
		f.Embedding = nil
		stored[i] = f
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Number < stored[j].Number })
	s.frames[jobID] = stored
	return nil
}

func (s *MemoryStore) GetFrames(ctx context.Context, jobID string) ([]domain.Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.frames[jobID]
	if !ok {
		return nil, nil
	}
	out := make([]domain.Frame, len(stored))
	copy(out, stored)
	return out, nil
}

func (s *MemoryStore) PutScenes(ctx context.Context, jobID string, scenes []domain.Scene) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(scenes) > 0 {
		if err := s.requireJob(jobID); err != nil {
			return err
		}
	}
	stored := make([]domain.Scene, len(scenes))
	for i, sc := range scenes {
		sc.JobID = jobID
		sc.Embedding = nil
		stored[i] = sc
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Index < stored[j].Index })
	s.scenes[jobID] = stored
	return nil
}

func (s *MemoryStore) GetScenes(ctx context.Context, jobID string) ([]domain.Scene, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.scenes[jobID]
	if !ok {
		return nil, nil
	}
	out := make([]domain.Scene, len(stored))
	copy(out, stored)
	return out, nil
}

func (s *MemoryStore) PutAudio(ctx context.Context, jobID string, audio *domain.AudioAnalysis) error {
	if audio == nil {
		return errors.New("nil audio analysis")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireJob(jobID); err != nil {
		return err
	}
	s.audio[jobID] = *audio
	return nil
}

func (s *MemoryStore) GetAudio(ctx context.Context, jobID string) (*domain.AudioAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	audio, ok := s.audio[jobID]
	if !ok {
		return nil, nil
	}
	clone := audio
	return &clone, nil
}

func (s *MemoryStore) PutResult(ctx context.Context, res *domain.ProcessingResult) error {
	if res == nil {
		return errors.New("nil processing result")
	}
	if res.JobID == "" {
		return errors.New("processing result without job id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireJob(res.JobID); err != nil {
		return err
	}
	clone := *res
	if clone.CompletedAt.IsZero() {
		clone.CompletedAt = time.Now().UTC()
	}
	// Match what SQLite's JSON roundtrip drops.
	if len(clone.Frames) > 0 {
		frames := make([]domain.Frame, len(clone.Frames))
		for i, f := range clone.Frames {
			f.Data = nil
			f.Embedding = nil
			frames[i] = f
		}
		clone.Frames = frames
	}
	if len(clone.Scenes) > 0 {
		scenes := make([]domain.Scene, len(clone.Scenes))
		for i, sc := range clone.Scenes {
			sc.Embedding = nil
			scenes[i] = sc
		}
		clone.Scenes = scenes
	}
	s.results[res.JobID] = clone
	return nil
}

func (s *MemoryStore) GetResult(ctx context.Context, jobID string) (*domain.ProcessingResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.results[jobID]
	if !ok {
		return nil, nil
	}
	clone := res
	return &clone, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.jobs = nil
	s.frames = nil
	s.scenes = nil
	s.audio = nil
	s.results = nil
	s.mu.Unlock()
	return nil
}

// requireJob enforces the same referential rule the SQLite schema enforces
// with foreign keys. Callers must hold the write lock.
func (s *MemoryStore) requireJob(jobID string) error {
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("job %s: no job row", jobID)
	}
	return nil
}
