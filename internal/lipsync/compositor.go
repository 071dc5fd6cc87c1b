package lipsync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/media"
	"github.com/loqalabs/loqa-lipsync/internal/timeline"
	"github.com/loqalabs/loqa-lipsync/internal/viseme"
	"golang.org/x/sync/errgroup"
)

// Backend is the encoding backend command protocol.
type Backend interface {
	EncodeSegment(ctx context.Context, job media.SegmentJob) error
	Concat(ctx context.Context, inputs []string, manifest, output string) error
	ProbeDuration(ctx context.Context, path string) (media.Probe, error)
	Mux(ctx context.Context, video, audio, output string) error
}

// Compositor renders planned segments into clips, up to concurrency at a
// time. Output order always follows the plan.
type Compositor struct {
	backend     Backend
	concurrency int
	log         *slog.Logger
}

func NewCompositor(backend Backend, concurrency int, log *slog.Logger) *Compositor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Compositor{backend: backend, concurrency: concurrency, log: log}
}

// Render encodes one clip per segment into workDir and returns their paths
// in segment order.
func (c *Compositor) Render(ctx context.Context, segments []timeline.Segment, images map[viseme.ID]string, workDir string) ([]string, error) {
	jobs := make([]media.SegmentJob, len(segments))
	for i, seg := range segments {
		job, err := segmentJob(seg, images, filepath.Join(workDir, fmt.Sprintf("seg_%05d.mp4", i)))
		if err != nil {
			return nil, err
		}
		jobs[i] = job
	}

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := range jobs {
		job := jobs[i]
		g.Go(func() error {
			if err := c.backend.EncodeSegment(gctx, job); err != nil {
				return fmt.Errorf("segment %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stageError(ctx, KindBackendFailure, StageRender, err)
	}

	c.log.Debug("segments rendered",
		slog.Int("segments", len(jobs)),
		slog.Int("concurrency", c.concurrency),
		slog.Duration("elapsed", time.Since(started)))

	clips := make([]string, len(jobs))
	for i, job := range jobs {
		clips[i] = job.Output
	}
	return clips, nil
}

func segmentJob(seg timeline.Segment, images map[viseme.ID]string, output string) (media.SegmentJob, error) {
	to, ok := images[seg.To]
	if !ok {
		return media.SegmentJob{}, &Error{Kind: KindAssetMissing, Stage: StageRender,
			Err: fmt.Errorf("no image for viseme %s", seg.To)}
	}
	job := media.SegmentJob{
		To:          to,
		FPS:         seg.FPS,
		BlendFrames: seg.BlendFrames,
		StillFrames: seg.StillFrames,
		Output:      output,
	}
	if seg.BlendFrames > 0 {
		from, ok := images[seg.From]
		if !ok {
			return media.SegmentJob{}, &Error{Kind: KindAssetMissing, Stage: StageRender,
				Err: fmt.Errorf("no image for viseme %s", seg.From)}
		}
		job.From = from
	}
	return job, nil
}
