package jobstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.JobStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "jobs.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	s := openStore(t, config.JobStoreConfig{RetentionMode: "ephemeral", Path: "unused"})
	ctx := context.Background()
	if err := s.StartJob(ctx, Job{ID: "j1", Text: "hi"}); err != nil {
		t.Fatalf("start job: %v", err)
	}
	if _, err := s.GetJob(ctx, "j1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ephemeral store should not keep jobs, got %v", err)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := openStore(t, config.JobStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := s.StartJob(ctx, Job{ID: "j1", Origin: "http", Text: "你好", Audio: "voice.mp3", Gender: 1, Interval: 0.5}); err != nil {
		t.Fatalf("start job: %v", err)
	}
	for _, stage := range []string{"assets", "audio", "render", "mux"} {
		if err := s.AppendEvent(ctx, Event{JobID: "j1", Stage: stage, Detail: "ok"}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := s.FinishJob(ctx, "j1", StatusSucceeded, "abc123", ""); err != nil {
		t.Fatalf("finish job: %v", err)
	}

	job, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != StatusSucceeded || job.VideoID != "abc123" || job.Text != "你好" || job.Gender != 1 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.FinishedAt.IsZero() {
		t.Fatalf("finished_at should be set")
	}

	events, err := s.ListJobEvents(ctx, "j1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 4 || events[0].Stage != "assets" || events[3].Stage != "mux" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestFinishUnknownJob(t *testing.T) {
	s := openStore(t, config.JobStoreConfig{RetentionMode: "session"})
	err := s.FinishJob(context.Background(), "missing", StatusFailed, "", "boom")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecentJobsNewestFirst(t *testing.T) {
	s := openStore(t, config.JobStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		at := base.Add(time.Duration(i) * time.Minute)
		s.clock = func() time.Time { return at }
		if err := s.StartJob(ctx, Job{ID: id, Text: id}); err != nil {
			t.Fatalf("start job: %v", err)
		}
	}
	jobs, err := s.RecentJobs(ctx, 2)
	if err != nil {
		t.Fatalf("recent jobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "c" || jobs[1].ID != "b" {
		t.Fatalf("unexpected order %+v", jobs)
	}
}

func TestPruneByDaysAndMaxJobs(t *testing.T) {
	s := openStore(t, config.JobStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxJobs: 1})
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.StartJob(ctx, Job{ID: "old", Text: "x"}); err != nil {
		t.Fatalf("start job: %v", err)
	}
	if err := s.AppendEvent(ctx, Event{JobID: "old", Stage: "render"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"mid", "new"} {
		if err := s.StartJob(ctx, Job{ID: id, Text: "x"}); err != nil {
			t.Fatalf("start job: %v", err)
		}
		s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 1, 0, 0, time.UTC) }
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := s.GetJob(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old job pruned by age, got %v", err)
	}
	if _, err := s.GetJob(ctx, "mid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected mid job pruned by count, got %v", err)
	}
	if _, err := s.GetJob(ctx, "new"); err != nil {
		t.Fatalf("newest job should survive: %v", err)
	}
	events, err := s.ListJobEvents(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events of pruned job should cascade")
	}
}
