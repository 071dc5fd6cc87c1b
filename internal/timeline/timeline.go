// Package timeline assigns display durations to visemes and derives the
// frame layout of every transition segment.
package timeline

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/viseme"
)

// MaxInterval is the longest per-character interval accepted, in seconds.
const MaxInterval = 2.0

var (
	ErrIntervalOutOfRange = errors.New("char_interval must be within (0, 2] seconds")
	ErrEmptySequence      = errors.New("viseme sequence is empty")
)

// ValidateInterval rejects intervals outside (0, MaxInterval].
func ValidateInterval(seconds float64) error {
	if math.IsNaN(seconds) || seconds <= 0 || seconds > MaxInterval {
		return fmt.Errorf("%w: got %v", ErrIntervalOutOfRange, seconds)
	}
	return nil
}

// Segment is the frame layout for one clip. From is empty for the first
// segment, which is a still of To.
type Segment struct {
	Index       int
	From        viseme.ID
	To          viseme.ID
	Duration    float64
	FPS         int
	TotalFrames int
	BlendFrames int
	StillFrames int
}

// Weights returns the opacity of To for each blended frame. Frame i of n
// uses i/(n+1), so neither endpoint is ever emitted inside the blend run.
func (s Segment) Weights() []float64 {
	if s.BlendFrames <= 0 {
		return nil
	}
	w := make([]float64, s.BlendFrames)
	for i := 1; i <= s.BlendFrames; i++ {
		w[i-1] = float64(i) / float64(s.BlendFrames+1)
	}
	return w
}

// Still reports whether the segment holds a single image with no blend.
func (s Segment) Still() bool {
	return s.BlendFrames == 0
}

// Length is the rendered duration of the segment.
func (s Segment) Length() time.Duration {
	return FramesDuration(s.TotalFrames, s.FPS)
}

// Layout computes the frame counts for a transition of the given duration.
// At least one frame is always produced and the last frame is always pure To.
func Layout(duration float64, fps, blend int) (total, blended, still int) {
	total = int(math.Round(duration * float64(fps)))
	if total < 1 {
		total = 1
	}
	blended = blend
	if blended > total-1 {
		blended = total - 1
	}
	if blended < 0 {
		blended = 0
	}
	return total, blended, total - blended
}

// Planner assigns every viseme the same interval.
type Planner struct {
	FPS         int
	BlendFrames int
}

// Plan builds one segment per viseme. The first segment is a still of the
// first viseme; each later one transitions from its predecessor.
func (p Planner) Plan(seq viseme.Sequence, interval float64) ([]Segment, error) {
	if len(seq) == 0 {
		return nil, ErrEmptySequence
	}
	if err := ValidateInterval(interval); err != nil {
		return nil, err
	}
	if p.FPS <= 0 {
		return nil, fmt.Errorf("fps must be positive, got %d", p.FPS)
	}
	if p.BlendFrames < 0 {
		return nil, fmt.Errorf("blend frames must be >= 0, got %d", p.BlendFrames)
	}

	segments := make([]Segment, 0, len(seq))
	for i, id := range seq {
		seg := Segment{Index: i, To: id, Duration: interval, FPS: p.FPS}
		if i == 0 {
			seg.TotalFrames, _, _ = Layout(interval, p.FPS, 0)
			seg.StillFrames = seg.TotalFrames
		} else {
			seg.From = seq[i-1]
			seg.TotalFrames, seg.BlendFrames, seg.StillFrames = Layout(interval, p.FPS, p.BlendFrames)
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// Hold builds a still segment of id lasting the given seconds, used to pad
// video up to the audio length.
func (p Planner) Hold(index int, id viseme.ID, seconds float64) Segment {
	total, _, _ := Layout(seconds, p.FPS, 0)
	return Segment{Index: index, To: id, Duration: seconds, FPS: p.FPS, TotalFrames: total, StillFrames: total}
}

// TotalFrames sums the frames of all segments.
func TotalFrames(segments []Segment) int {
	n := 0
	for _, s := range segments {
		n += s.TotalFrames
	}
	return n
}

// FramesDuration converts a frame count to wall time at fps.
func FramesDuration(frames, fps int) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(frames) / float64(fps) * float64(time.Second))
}
