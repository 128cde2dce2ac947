package store

import (
	"context"
	"time"

	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a run or frame does not exist.
var ErrNotFound = errors.New("not found")

// StateRunning marks a run that has been created but not finished.
const StateRunning = "Running"

// Store persists runs and their accepted frames in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errors.Wrap(err, "open pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to initialize database schema")
	}

	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS media_runs (
			id UUID PRIMARY KEY,
			media_id TEXT NOT NULL,
			path TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			strategy TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			sampled INT NOT NULL DEFAULT 0,
			faults INT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS accepted_frames (
			run_id UUID NOT NULL REFERENCES media_runs(id) ON DELETE CASCADE,
			seq INT NOT NULL,
			frame_index INT NOT NULL,
			timestamp_s DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			box DOUBLE PRECISION[] NOT NULL,
			label TEXT NOT NULL,
			content_type TEXT NOT NULL,
			object_key TEXT NOT NULL DEFAULT '',
			placeholder BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (run_id, seq)
		);
		CREATE INDEX IF NOT EXISTS media_runs_media_id_idx ON media_runs (media_id);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// Run is one row of media_runs.
type Run struct {
	ID         uuid.UUID
	MediaID    string
	Path       string
	MIMEType   string
	Strategy   string
	State      string
	Reason     string
	Sampled    int
	Faults     int
	Frames     int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Frame is one row of accepted_frames. Seq is the position in the run's result list.
type Frame struct {
	RunID       uuid.UUID
	Seq         int
	Index       int
	Timestamp   float64
	Confidence  float64
	Box         types.Box
	Label       string
	ContentType string
	ObjectKey   string
	Placeholder bool
}

// FrameFromAccepted builds the row for the seq-th accepted frame of a run.
func FrameFromAccepted(runID uuid.UUID, seq int, f types.AcceptedFrame, objectKey string) Frame {
	return Frame{
		RunID:       runID,
		Seq:         seq,
		Index:       f.Index,
		Timestamp:   f.Timestamp,
		Confidence:  f.Confidence,
		Box:         f.Box,
		Label:       f.Label,
		ContentType: f.ContentType,
		ObjectKey:   objectKey,
		Placeholder: f.Placeholder,
	}
}

// CreateRun registers a run before any work starts.
func (s *Store) CreateRun(ctx context.Context, id uuid.UUID, mediaID string, in types.MediaInput, strategy string, startedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO media_runs (id, media_id, path, mime_type, strategy, state, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, mediaID, in.Path, in.MIMEType, strategy, StateRunning, startedAt)
	if err != nil {
		return errors.Wrap(err, "insert run")
	}
	return nil
}

// FinishRun records the terminal state of res. The run must exist.
func (s *Store) FinishRun(ctx context.Context, res types.RunResult) error {
	reason := ""
	if res.State.Reason != nil {
		reason = res.State.Reason.Error()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE media_runs SET state = $2, reason = $3, sampled = $4, faults = $5, finished_at = $6
		WHERE id = $1
	`, res.RunID, res.State.Kind.String(), reason, res.Sampled, res.Faults, res.FinishedAt)
	if err != nil {
		return errors.Wrap(err, "update run")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotFound, "run %s", res.RunID)
	}
	return nil
}

// InsertFrames replaces the stored frames of runID with frames.
func (s *Store) InsertFrames(ctx context.Context, runID uuid.UUID, frames []Frame) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Clean up old rows so re-inserting is idempotent
	if _, err := tx.Exec(ctx, "DELETE FROM accepted_frames WHERE run_id = $1", runID); err != nil {
		return errors.Wrap(err, "clear frames")
	}

	rows := make([][]any, len(frames))
	for i, f := range frames {
		rows[i] = []any{runID, f.Seq, f.Index, f.Timestamp, f.Confidence, f.Box.Slice(), f.Label, f.ContentType, f.ObjectKey, f.Placeholder}
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"accepted_frames"},
		[]string{"run_id", "seq", "frame_index", "timestamp_s", "confidence", "box", "label", "content_type", "object_key", "placeholder"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return errors.Wrap(err, "copy frames")
	}
	return tx.Commit(ctx)
}

const runColumns = `
	r.id, r.media_id, r.path, r.mime_type, r.strategy, r.state, r.reason,
	r.sampled, r.faults, (SELECT COUNT(*) FROM accepted_frames f WHERE f.run_id = r.id),
	r.started_at, r.finished_at`

func scanRun(row pgx.Row) (Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.MediaID, &r.Path, &r.MIMEType, &r.Strategy, &r.State, &r.Reason,
		&r.Sampled, &r.Faults, &r.Frames, &r.StartedAt, &r.FinishedAt)
	return r, err
}

// ListRuns returns the newest runs first. limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM media_runs r ORDER BY r.started_at DESC, r.id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM media_runs r WHERE r.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	return r, err
}

const frameColumns = `run_id, seq, frame_index, timestamp_s, confidence, box, label, content_type, object_key, placeholder`

func scanFrame(row pgx.Row) (Frame, error) {
	var f Frame
	var box []float64
	err := row.Scan(&f.RunID, &f.Seq, &f.Index, &f.Timestamp, &f.Confidence, &box, &f.Label, &f.ContentType, &f.ObjectKey, &f.Placeholder)
	f.Box = types.BoxFromSlice(box)
	return f, err
}

// RunFrames lists a run's frames in result order.
func (s *Store) RunFrames(ctx context.Context, runID uuid.UUID) ([]Frame, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+frameColumns+` FROM accepted_frames WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// GetFrame fetches the seq-th accepted frame of a run.
func (s *Store) GetFrame(ctx context.Context, runID uuid.UUID, seq int) (Frame, error) {
	f, err := scanFrame(s.pool.QueryRow(ctx, `SELECT `+frameColumns+` FROM accepted_frames WHERE run_id = $1 AND seq = $2`, runID, seq))
	if errors.Is(err, pgx.ErrNoRows) {
		return Frame{}, errors.Wrapf(ErrNotFound, "frame %d of run %s", seq, runID)
	}
	return f, err
}

// Reset drops all application tables to clear the database state.
// The schema is recreated by the next New.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS accepted_frames CASCADE;
		DROP TABLE IF EXISTS media_runs CASCADE;
	`)
	return err
}
