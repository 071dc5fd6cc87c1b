// Package lipsync turns text and an audio track into a lip-synchronized
// talking-head video.
package lipsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-lipsync/internal/assets"
	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/loqalabs/loqa-lipsync/internal/fetch"
	"github.com/loqalabs/loqa-lipsync/internal/jobstore"
	"github.com/loqalabs/loqa-lipsync/internal/timeline"
	"github.com/loqalabs/loqa-lipsync/internal/viseme"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-lipsync/lipsync"

// Request is one generation. FPS and BlendFrames fall back to configuration
// when unset. Output overrides the generated destination path.
type Request struct {
	Text         string
	AudioSource  string
	Gender       assets.Gender
	CharInterval float64
	FPS          int
	BlendFrames  *int
	Output       string
	JobID        string
	Origin       string
}

type Result struct {
	JobID           string   `json:"job_id"`
	VideoID         string   `json:"video_id"`
	Path            string   `json:"path"`
	RelativePath    string   `json:"relative_path"`
	Visemes         []string `json:"visemes"`
	VideoSeconds    float64  `json:"video_seconds"`
	AudioSeconds    float64  `json:"audio_seconds"`
	ExtendedSeconds float64  `json:"extended_seconds"`
	Cached          bool     `json:"cached,omitempty"`
}

// AudioResolver turns an audio source into a local file inside workDir.
type AudioResolver interface {
	Resolve(ctx context.Context, source, workDir string) (fetch.Source, error)
}

// Ledger records job history.
type Ledger interface {
	StartJob(ctx context.Context, job jobstore.Job) error
	AppendEvent(ctx context.Context, evt jobstore.Event) error
	FinishJob(ctx context.Context, jobID string, status jobstore.Status, videoID, errMsg string) error
}

// ResultCache remembers finished generations by request fingerprint.
type ResultCache interface {
	Lookup(ctx context.Context, key string) (Result, bool, error)
	Store(ctx context.Context, key string, res Result) error
}

// Publisher copies a finished video somewhere beyond local storage.
type Publisher interface {
	PublishVideo(ctx context.Context, name, path string) error
}

type Option func(*Generator)

func WithLedger(l Ledger) Option { return func(g *Generator) { g.ledger = l } }
func WithCache(c ResultCache) Option { return func(g *Generator) { g.cache = c } }
func WithPublisher(p Publisher) Option { return func(g *Generator) { g.publisher = p } }

// WithIDSource replaces the random video id generator.
func WithIDSource(next func() string) Option { return func(g *Generator) { g.newID = next } }

// Generator runs the full pipeline. Requests share only read-only state, so
// one Generator serves any number of concurrent calls.
type Generator struct {
	cfg       config.LipSyncConfig
	storage   config.StorageConfig
	extractor *viseme.Extractor
	library   *assets.Library
	backend   Backend
	audio     AudioResolver
	ledger    Ledger
	cache     ResultCache
	publisher Publisher
	log       *slog.Logger
	tracer    trace.Tracer
	metrics   instruments
	newID     func() string
}

type instruments struct {
	generated metric.Int64Counter
	failed    metric.Int64Counter
	duration  metric.Float64Histogram
}

func NewGenerator(cfg config.Config, extractor *viseme.Extractor, library *assets.Library, backend Backend, audio AudioResolver, log *slog.Logger, opts ...Option) *Generator {
	g := &Generator{
		cfg:       cfg.LipSync,
		storage:   cfg.Storage,
		extractor: extractor,
		library:   library,
		backend:   backend,
		audio:     audio,
		log:       log.With(slog.String("component", "lipsync")),
		tracer:    otel.Tracer(instrumentationName),
		newID:     func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.initMetrics(); err != nil {
		g.log.Warn("failed to initialize metrics", slogError(err))
	}
	return g
}

func (g *Generator) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if g.metrics.generated, err = meter.Int64Counter("lipsync.videos.generated",
		metric.WithDescription("Videos generated successfully")); err != nil {
		return err
	}
	if g.metrics.failed, err = meter.Int64Counter("lipsync.videos.failed",
		metric.WithDescription("Generations that failed, by kind")); err != nil {
		return err
	}
	g.metrics.duration, err = meter.Float64Histogram("lipsync.generate.duration",
		metric.WithDescription("End to end generation time"), metric.WithUnit("s"))
	return err
}

// Visemes maps text to its viseme sequence without rendering anything.
func (g *Generator) Visemes(text string) viseme.Sequence {
	return g.extractor.Sequence(text)
}

// Generate renders req into a video file.
func (g *Generator) Generate(ctx context.Context, req Request) (res Result, err error) {
	started := time.Now()
	res.JobID = req.JobID
	if res.JobID == "" {
		res.JobID = uuid.NewString()
	}
	log := g.log.With(slog.String("job_id", res.JobID))

	ctx, span := g.tracer.Start(ctx, "lipsync.generate", trace.WithAttributes(
		attribute.String("lipsync.job_id", res.JobID),
		attribute.Int("lipsync.gender", int(req.Gender)),
		attribute.Float64("lipsync.char_interval", req.CharInterval),
	))
	defer span.End()

	g.startJob(ctx, log, req, res.JobID)
	defer func() {
		g.finish(ctx, log, req, &res, err, time.Since(started))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	fps, blend := g.frameSettings(req)
	seq, err := g.validate(req, fps, blend)
	if err != nil {
		return res, err
	}
	res.Visemes = seq.Strings()
	span.SetAttributes(attribute.Int("lipsync.visemes", len(seq)))

	images, err := stage(g, ctx, res.JobID, StageAssets, func(ctx context.Context) (map[viseme.ID]string, error) {
		paths, err := g.library.Resolve(req.Gender, seq.Distinct())
		if err != nil {
			kind := KindAssetMissing
			if !errors.Is(err, assets.ErrMissing) {
				kind = KindStorage
			}
			return nil, &Error{Kind: kind, Stage: StageAssets, Err: err}
		}
		return paths, nil
	})
	if err != nil {
		return res, err
	}

	planner := timeline.Planner{FPS: fps, BlendFrames: blend}
	segments, err := planner.Plan(seq, req.CharInterval)
	if err != nil {
		return res, invalid("%v", err)
	}

	workDir, err := os.MkdirTemp(g.cfg.WorkDir, "lipsync-")
	if err != nil {
		return res, &Error{Kind: KindStorage, Stage: StageWorkDir, Err: err}
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			log.Warn("failed to remove work dir", slog.String("path", workDir), slogError(rmErr))
		}
	}()

	audio, err := stage(g, ctx, res.JobID, StageAudio, func(ctx context.Context) (fetch.Source, error) {
		src, err := g.audio.Resolve(ctx, req.AudioSource, workDir)
		if err != nil {
			return src, stageError(ctx, KindAudioUnavailable, StageAudio, err)
		}
		return src, nil
	})
	if err != nil {
		return res, err
	}

	cacheKey := ""
	if g.cache != nil && req.Output == "" {
		if digest, derr := AudioDigest(audio.Path); derr != nil {
			log.Warn("failed to hash audio, skipping result cache", slogError(derr))
		} else {
			cacheKey = Fingerprint(req, fps, blend, digest)
			if hit, ok := g.lookupCache(ctx, log, cacheKey); ok {
				hit.JobID = res.JobID
				return hit, nil
			}
		}
	}

	dest, err := g.destination(req, &res)
	if err != nil {
		return res, err
	}

	clips, err := stage(g, ctx, res.JobID, StageRender, func(ctx context.Context) ([]string, error) {
		return NewCompositor(g.backend, g.cfg.Concurrency, log).Render(ctx, segments, images, workDir)
	})
	if err != nil {
		return res, err
	}

	asm, err := stage(g, ctx, res.JobID, StageMux, func(ctx context.Context) (Assembly, error) {
		return NewAssembler(g.backend, planner, g.cfg.ToleranceSeconds, log).Assemble(ctx, AssembleInput{
			Clips:     clips,
			Segments:  segments,
			LastImage: images[seq[len(seq)-1]],
			Audio:     audio.Path,
			WorkDir:   workDir,
			Dest:      dest,
		})
	})
	if err != nil {
		return res, err
	}
	res.VideoSeconds = asm.VideoSeconds
	res.AudioSeconds = asm.AudioSeconds
	res.ExtendedSeconds = asm.ExtendedSeconds

	if g.publisher != nil {
		_, err = stage(g, ctx, res.JobID, StagePublish, func(ctx context.Context) (struct{}, error) {
			if err := g.publisher.PublishVideo(ctx, filepath.Base(dest), dest); err != nil {
				return struct{}{}, stageError(ctx, KindStorage, StagePublish, err)
			}
			return struct{}{}, nil
		})
		if err != nil {
			removeIfExists(dest, log)
			return res, err
		}
	}

	if cacheKey != "" {
		if cerr := g.cache.Store(ctx, cacheKey, res); cerr != nil {
			log.Warn("failed to cache result", slogError(cerr))
		}
	}
	return res, nil
}

func (g *Generator) frameSettings(req Request) (fps, blend int) {
	fps = req.FPS
	if fps == 0 {
		fps = g.cfg.FPS
	}
	blend = g.cfg.BlendFrames
	if req.BlendFrames != nil {
		blend = *req.BlendFrames
	}
	return fps, blend
}

// validate rejects bad input before any file is touched.
func (g *Generator) validate(req Request, fps, blend int) (viseme.Sequence, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, invalid("text must not be empty")
	}
	if !req.Gender.Valid() {
		return nil, invalid("gender must be 0 (female) or 1 (male), got %d", int(req.Gender))
	}
	if err := timeline.ValidateInterval(req.CharInterval); err != nil {
		return nil, invalid("%v", err)
	}
	if fps <= 0 {
		return nil, invalid("fps must be positive, got %d", fps)
	}
	if blend < 0 {
		return nil, invalid("blend frame count must be >= 0, got %d", blend)
	}
	if req.AudioSource == "" {
		return nil, invalid("audio source must not be empty")
	}
	seq := g.extractor.Sequence(req.Text)
	if len(seq) == 0 {
		return nil, invalid("text contains no Chinese or Latin letters")
	}
	return seq, nil
}

func (g *Generator) destination(req Request, res *Result) (string, error) {
	var dest string
	if req.Output != "" {
		dest = req.Output
		res.VideoID = strings.TrimSuffix(filepath.Base(dest), filepath.Ext(dest))
		res.RelativePath = filepath.ToSlash(dest)
	} else {
		res.VideoID = g.newID()
		name := res.VideoID + ".mp4"
		dest = filepath.Join(g.storage.Root, filepath.FromSlash(g.storage.VideoDir), name)
		res.RelativePath = path.Join(path.Base(filepath.ToSlash(filepath.Clean(g.storage.Root))), g.storage.VideoDir, name)
	}
	res.Path = dest
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", &Error{Kind: KindStorage, Stage: StageOutput, Err: err}
	}
	return dest, nil
}

func (g *Generator) lookupCache(ctx context.Context, log *slog.Logger, key string) (Result, bool) {
	hit, ok, err := g.cache.Lookup(ctx, key)
	if err != nil {
		log.Warn("result cache lookup failed", slogError(err))
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	if _, err := os.Stat(hit.Path); err != nil {
		log.Debug("cached video no longer on disk", slog.String("path", hit.Path))
		return Result{}, false
	}
	hit.Cached = true
	return hit, true
}

// stage runs fn inside a span and records its outcome in the ledger.
func stage[T any](g *Generator, ctx context.Context, jobID, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := g.tracer.Start(ctx, "lipsync."+name)
	defer span.End()
	started := time.Now()
	out, err := fn(ctx)
	detail := fmt.Sprintf("ok in %s", time.Since(started).Round(time.Millisecond))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		detail = err.Error()
	}
	g.appendEvent(ctx, jobID, name, detail)
	return out, err
}

func (g *Generator) startJob(ctx context.Context, log *slog.Logger, req Request, jobID string) {
	if g.ledger == nil {
		return
	}
	job := jobstore.Job{
		ID:       jobID,
		Text:     req.Text,
		Gender:   int(req.Gender),
		Interval: req.CharInterval,
		Audio:    req.AudioSource,
		Origin:   req.Origin,
		Status:   jobstore.StatusRunning,
	}
	if err := g.ledger.StartJob(ctx, job); err != nil {
		log.Warn("failed to record job start", slogError(err))
	}
}

func (g *Generator) appendEvent(ctx context.Context, jobID, stageName, detail string) {
	if g.ledger == nil {
		return
	}
	if err := g.ledger.AppendEvent(context.WithoutCancel(ctx), jobstore.Event{JobID: jobID, Stage: stageName, Detail: detail}); err != nil {
		g.log.Warn("failed to record job event", slog.String("job_id", jobID), slogError(err))
	}
}

func (g *Generator) finish(ctx context.Context, log *slog.Logger, req Request, res *Result, err error, elapsed time.Duration) {
	ctx = context.WithoutCancel(ctx)
	status := jobstore.StatusSucceeded
	errMsg := ""
	attrs := []attribute.KeyValue{attribute.String("origin", req.Origin)}
	if err != nil {
		status = jobstore.StatusFailed
		errMsg = err.Error()
		kind := KindOf(err)
		attrs = append(attrs, attribute.String("kind", kind.String()), attribute.String("stage", StageOf(err)))
		if g.metrics.failed != nil {
			g.metrics.failed.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		log.Warn("video generation failed",
			slog.String("stage", StageOf(err)),
			slog.String("kind", kind.String()),
			slog.Duration("elapsed", elapsed),
			slogError(err))
	} else {
		if g.metrics.generated != nil {
			g.metrics.generated.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		log.Info("video generated",
			slog.String("video_id", res.VideoID),
			slog.Int("visemes", len(res.Visemes)),
			slog.Float64("video_seconds", res.VideoSeconds),
			slog.Float64("audio_seconds", res.AudioSeconds),
			slog.Bool("cached", res.Cached),
			slog.Duration("elapsed", elapsed))
	}
	if g.metrics.duration != nil {
		g.metrics.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
	}
	if g.ledger != nil {
		if lerr := g.ledger.FinishJob(ctx, res.JobID, status, res.VideoID, errMsg); lerr != nil {
			log.Warn("failed to record job result", slogError(lerr))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
