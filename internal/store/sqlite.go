package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/persistence/sqlite"
)

const (
	schemaVersion    = 1
	defaultListLimit = 50
)

// SqliteStore is the durable Store backed by a single SQLite file.
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore opens (or creates) the database at path and migrates it.
func NewSqliteStore(path string) (*SqliteStore, error) {
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("job store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL,
		reference TEXT NOT NULL,
		state TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs(user_id, created_at);

	CREATE TABLE IF NOT EXISTS frames (
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		number INTEGER NOT NULL,
		pts REAL NOT NULL,
		blob_ref TEXT NOT NULL DEFAULT '',
		analysis TEXT NOT NULL,
		PRIMARY KEY (job_id, number)
	);

	CREATE TABLE IF NOT EXISTS scenes (
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		start_frame INTEGER NOT NULL,
		end_frame INTEGER NOT NULL,
		duration_seconds REAL NOT NULL,
		detail TEXT NOT NULL,
		PRIMARY KEY (job_id, idx)
	);

	CREATE TABLE IF NOT EXISTS audio_analyses (
		job_id TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
		analysis TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS results (
		job_id TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
		payload TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) UpsertJob(ctx context.Context, rec JobRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	query := `
	INSERT INTO jobs (id, user_id, session_id, origin, reference, state, content_hash, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		session_id = excluded.session_id,
		origin = excluded.origin,
		reference = excluded.reference,
		state = excluded.state,
		content_hash = excluded.content_hash,
		updated_at = excluded.updated_at
	`
	// RFC3339 in UTC sorts lexicographically, which ORDER BY created_at
	// relies on. RFC3339Nano does not (trailing zeros are trimmed).
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.SessionID, rec.Origin.String(), rec.Reference,
		rec.State.String(), rec.ContentHash,
		rec.CreatedAt.UTC().Format(time.RFC3339), rec.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *SqliteStore) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	query := `
	SELECT id, user_id, session_id, origin, reference, state, content_hash, created_at, updated_at
	FROM jobs
	WHERE id = ?
	`
	rec, err := scanJobRecord(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SqliteStore) ListJobs(ctx context.Context, userID string, limit, offset int) ([]JobRecord, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM jobs WHERE user_id = ?`
	if err := s.db.QueryRowContext(ctx, countQuery, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
	SELECT id, user_id, session_id, origin, reference, state, content_hash, created_at, updated_at
	FROM jobs
	WHERE user_id = ?
	ORDER BY created_at DESC, id
	LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var records []JobRecord
	for rows.Next() {
		rec, err := scanJobRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, *rec)
	}
	return records, total, rows.Err()
}

func (s *SqliteStore) DeleteJob(ctx context.Context, id string) error {
	// Artifact rows go with the job via ON DELETE CASCADE.
	_, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	return err
}

func (s *SqliteStore) PutFrames(ctx context.Context, jobID string, frames []domain.Frame) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM frames WHERE job_id = ?", jobID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO frames (job_id, number, pts, blob_ref, analysis) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, f := range frames {
		analysis, err := json.Marshal(f.Analysis)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, jobID, f.Number, f.PTS, f.BlobRef, string(analysis)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SqliteStore) GetFrames(ctx context.Context, jobID string) ([]domain.Frame, error) {
	query := `
	SELECT number, pts, blob_ref, analysis
	FROM frames
	WHERE job_id = ?
	ORDER BY number
	`
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var frames []domain.Frame
	for rows.Next() {
		f := domain.Frame{JobID: jobID}
		var analysis string
		if err := rows.Scan(&f.Number, &f.PTS, &f.BlobRef, &analysis); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(analysis), &f.Analysis); err != nil {
			return nil, fmt.Errorf("frame %d: decode analysis: %w", f.Number, err)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// sceneDetail is the JSON blob for the parts of a scene that do not need
// their own columns.
type sceneDetail struct {
	Visual []string      `json:"visual,omitempty"`
	Audio  []string      `json:"audio,omitempty"`
	Motion []string      `json:"motion,omitempty"`
	Shots  []domain.Shot `json:"shots,omitempty"`
}

func (s *SqliteStore) PutScenes(ctx context.Context, jobID string, scenes []domain.Scene) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM scenes WHERE job_id = ?", jobID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO scenes (job_id, idx, start_frame, end_frame, duration_seconds, detail) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, sc := range scenes {
		detail, err := json.Marshal(sceneDetail{
			Visual: sc.Visual,
			Audio:  sc.Audio,
			Motion: sc.Motion,
			Shots:  sc.Shots,
		})
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, jobID, sc.Index, sc.StartFrame, sc.EndFrame, sc.DurationSeconds, string(detail)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SqliteStore) GetScenes(ctx context.Context, jobID string) ([]domain.Scene, error) {
	query := `
	SELECT idx, start_frame, end_frame, duration_seconds, detail
	FROM scenes
	WHERE job_id = ?
	ORDER BY idx
	`
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var scenes []domain.Scene
	for rows.Next() {
		sc := domain.Scene{JobID: jobID}
		var detailJSON string
		if err := rows.Scan(&sc.Index, &sc.StartFrame, &sc.EndFrame, &sc.DurationSeconds, &detailJSON); err != nil {
			return nil, err
		}
		var detail sceneDetail
		if err := json.Unmarshal([]byte(detailJSON), &detail); err != nil {
			return nil, fmt.Errorf("scene %d: decode detail: %w", sc.Index, err)
		}
		sc.Visual = detail.Visual
		sc.Audio = detail.Audio
		sc.Motion = detail.Motion
		sc.Shots = detail.Shots
		scenes = append(scenes, sc)
	}
	return scenes, rows.Err()
}

func (s *SqliteStore) PutAudio(ctx context.Context, jobID string, audio *domain.AudioAnalysis) error {
	if audio == nil {
		return errors.New("nil audio analysis")
	}
	payload, err := json.Marshal(audio)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO audio_analyses (job_id, analysis)
	VALUES (?, ?)
	ON CONFLICT(job_id) DO UPDATE SET analysis = excluded.analysis
	`
	_, err = s.db.ExecContext(ctx, query, jobID, string(payload))
	return err
}

func (s *SqliteStore) GetAudio(ctx context.Context, jobID string) (*domain.AudioAnalysis, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT analysis FROM audio_analyses WHERE job_id = ?", jobID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var audio domain.AudioAnalysis
	if err := json.Unmarshal([]byte(payload), &audio); err != nil {
		return nil, fmt.Errorf("decode audio analysis: %w", err)
	}
	return &audio, nil
}

func (s *SqliteStore) PutResult(ctx context.Context, res *domain.ProcessingResult) error {
	if res == nil {
		return errors.New("nil processing result")
	}
	if res.JobID == "" {
		return errors.New("processing result without job id")
	}
	clone := *res
	if clone.CompletedAt.IsZero() {
		clone.CompletedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(&clone)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO results (job_id, payload, completed_at)
	VALUES (?, ?, ?)
	ON CONFLICT(job_id) DO UPDATE SET
		payload = excluded.payload,
		completed_at = excluded.completed_at
	`
	_, err = s.db.ExecContext(ctx, query, clone.JobID, string(payload), clone.CompletedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *SqliteStore) GetResult(ctx context.Context, jobID string) (*domain.ProcessingResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM results WHERE job_id = ?", jobID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var res domain.ProcessingResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return nil, fmt.Errorf("decode processing result: %w", err)
	}
	return &res, nil
}

func (s *SqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// rowScanner lets scanJobRecord serve both QueryRow and Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRecord(row rowScanner) (*JobRecord, error) {
	var rec JobRecord
	var origin, state, createdAt, updatedAt string
	if err := row.Scan(
		&rec.ID, &rec.UserID, &rec.SessionID, &origin, &rec.Reference,
		&state, &rec.ContentHash, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	rec.Origin = domain.Origin(origin)
	rec.State = domain.JobState(state)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}
