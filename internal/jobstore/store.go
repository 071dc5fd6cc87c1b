package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a job id is unknown.
var ErrNotFound = errors.New("job not found")

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is one generation request and its outcome.
type Job struct {
	ID         string
	Origin     string
	Text       string
	Audio      string
	Gender     int
	Interval   float64
	Status     Status
	VideoID    string
	Error      string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Event is a stage transition recorded for a job.
type Event struct {
	ID        int64
	JobID     string
	Stage     string
	Detail    string
	CreatedAt time.Time
}

// Store keeps job history in SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.JobStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the job store according to config.
func Open(ctx context.Context, cfg config.JobStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("job store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("job store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    origin TEXT,
    text TEXT NOT NULL,
    audio TEXT,
    gender INTEGER NOT NULL,
    char_interval REAL NOT NULL,
    status TEXT NOT NULL,
    video_id TEXT,
    error TEXT,
    created_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS job_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    detail TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) enabled() bool {
	return s != nil && s.db != nil && s.cfg.RetentionMode != "ephemeral"
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartJob records a new job. Re-submitting an id resets its row.
func (s *Store) StartJob(ctx context.Context, job Job) error {
	if !s.enabled() {
		return nil
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.clock()
	}
	if job.Status == "" {
		job.Status = StatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, origin, text, audio, gender, char_interval, status, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET status=excluded.status, created_at=excluded.created_at,
		   video_id=NULL, error=NULL, finished_at=NULL`,
		job.ID, job.Origin, job.Text, job.Audio, job.Gender, job.Interval, string(job.Status), job.CreatedAt.UnixMilli())
	return err
}

// AppendEvent writes a stage event for a job.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events(job_id, stage, detail, created_at) VALUES(?, ?, ?, ?)`,
		evt.JobID, evt.Stage, evt.Detail, evt.CreatedAt.UnixMilli())
	return err
}

// FinishJob stores the final status of a job.
func (s *Store) FinishJob(ctx context.Context, jobID string, status Status, videoID, errMsg string) error {
	if !s.enabled() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, video_id = ?, error = ?, finished_at = ? WHERE job_id = ?`,
		string(status), nullable(videoID), nullable(errMsg), s.clock().UnixMilli(), jobID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}

// GetJob loads a single job.
func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	if !s.enabled() {
		return Job{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, selectJob+` WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return job, err
}

// RecentJobs lists up to limit jobs, newest first.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]Job, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectJob+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListJobEvents retrieves up to limit events for a job in the order they happened.
func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, stage, COALESCE(detail, ''), created_at
		 FROM job_events WHERE job_id = ? ORDER BY id ASC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.JobID, &e.Stage, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and on a schedule).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() || s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

const selectJob = `SELECT job_id, COALESCE(origin, ''), text, COALESCE(audio, ''), gender, char_interval,
	status, COALESCE(video_id, ''), COALESCE(error, ''), created_at, COALESCE(finished_at, 0) FROM jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var j Job
	var status string
	var created, finished int64
	if err := row.Scan(&j.ID, &j.Origin, &j.Text, &j.Audio, &j.Gender, &j.Interval,
		&status, &j.VideoID, &j.Error, &created, &finished); err != nil {
		return Job{}, err
	}
	j.Status = Status(status)
	j.CreatedAt = time.UnixMilli(created).UTC()
	if finished > 0 {
		j.FinishedAt = time.UnixMilli(finished).UTC()
	}
	return j, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
