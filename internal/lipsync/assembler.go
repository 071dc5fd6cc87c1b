package lipsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-lipsync/internal/media"
	"github.com/loqalabs/loqa-lipsync/internal/timeline"
	"github.com/loqalabs/loqa-lipsync/internal/viseme"
)

// Assembly reports what the assembler did.
type Assembly struct {
	VideoSeconds    float64
	AudioSeconds    float64
	ExtendedSeconds float64
	ProbeSource     media.ProbeSource
}

// Assembler concatenates clips, pads video to the audio length and muxes.
type Assembler struct {
	backend   Backend
	planner   timeline.Planner
	tolerance float64
	log       *slog.Logger
}

func NewAssembler(backend Backend, planner timeline.Planner, tolerance float64, log *slog.Logger) *Assembler {
	return &Assembler{backend: backend, planner: planner, tolerance: tolerance, log: log}
}

// AssembleInput carries one request's artifacts. LastImage is the image of
// the final viseme, used for the hold segment.
type AssembleInput struct {
	Clips     []string
	Segments  []timeline.Segment
	LastImage string
	Audio     string
	WorkDir   string
	Dest      string
}

// Assemble writes the final video to in.Dest. Muxing targets a hidden partial
// file beside the destination which is renamed into place only on success, so
// a failed run never leaves anything at in.Dest.
func (a *Assembler) Assemble(ctx context.Context, in AssembleInput) (out Assembly, err error) {
	partial := filepath.Join(filepath.Dir(in.Dest), "."+filepath.Base(in.Dest)+".partial")
	defer func() {
		if err != nil {
			removeIfExists(partial, a.log)
		}
	}()

	base := filepath.Join(in.WorkDir, "base.mp4")
	if err := a.backend.Concat(ctx, in.Clips, filepath.Join(in.WorkDir, "concat.txt"), base); err != nil {
		return out, stageError(ctx, KindBackendFailure, StageConcat, err)
	}

	probe, err := a.backend.ProbeDuration(ctx, in.Audio)
	if err != nil {
		return out, stageError(ctx, KindAudioUnavailable, StageProbe, err)
	}
	out.AudioSeconds = probe.Seconds
	out.ProbeSource = probe.Source

	fps := a.planner.FPS
	frames := timeline.TotalFrames(in.Segments)
	out.VideoSeconds = float64(frames) / float64(fps)

	video := base
	if deficit := out.AudioSeconds - out.VideoSeconds; deficit > a.tolerance {
		hold := a.planner.Hold(len(in.Segments), lastID(in.Segments), deficit)
		holdClip := filepath.Join(in.WorkDir, "hold.mp4")
		job := media.SegmentJob{To: in.LastImage, FPS: fps, StillFrames: hold.StillFrames, Output: holdClip}
		if err := a.backend.EncodeSegment(ctx, job); err != nil {
			return out, stageError(ctx, KindBackendFailure, StageExtend, err)
		}
		extended := filepath.Join(in.WorkDir, "extended.mp4")
		if err := a.backend.Concat(ctx, []string{base, holdClip}, filepath.Join(in.WorkDir, "extend.txt"), extended); err != nil {
			return out, stageError(ctx, KindBackendFailure, StageExtend, err)
		}
		video = extended
		out.ExtendedSeconds = float64(hold.TotalFrames) / float64(fps)
		out.VideoSeconds += out.ExtendedSeconds
		a.log.Debug("video extended to audio length",
			slog.Float64("deficit_seconds", deficit),
			slog.Int("hold_frames", hold.TotalFrames))
	}

	if err := a.backend.Mux(ctx, video, in.Audio, partial); err != nil {
		return out, stageError(ctx, KindBackendFailure, StageMux, err)
	}
	if err := os.Rename(partial, in.Dest); err != nil {
		return out, stageError(ctx, KindStorage, StageMux, fmt.Errorf("move output into place: %w", err))
	}
	return out, nil
}

func lastID(segments []timeline.Segment) viseme.ID {
	if len(segments) == 0 {
		return ""
	}
	return segments[len(segments)-1].To
}

func removeIfExists(path string, log *slog.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("failed to remove partial output", slog.String("path", path), slog.String("error", err.Error()))
	}
}
