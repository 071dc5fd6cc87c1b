package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ProbeSource names the strategy that produced a duration.
type ProbeSource string

const (
	SourceFormat      ProbeSource = "format"
	SourceDiagnostics ProbeSource = "diagnostics"
)

// ErrNoDuration means neither probe strategy produced a usable duration.
var ErrNoDuration = errors.New("media duration unavailable")

type Probe struct {
	Seconds float64
	Source  ProbeSource
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

var durationPattern = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// ProbeDuration resolves the duration of path. ffprobe's structured format
// duration is preferred; the Duration line in ffmpeg's own diagnostics is the
// fallback.
func (b *Backend) ProbeDuration(ctx context.Context, path string) (Probe, error) {
	primary, perr := b.probeFormat(ctx, path)
	if perr == nil {
		return Probe{Seconds: primary, Source: SourceFormat}, nil
	}
	if ctx.Err() != nil {
		return Probe{}, ctx.Err()
	}
	b.log.Debug("structured probe failed, parsing diagnostics", slogError(perr))

	fallback, ferr := b.probeDiagnostics(ctx, path)
	if ferr == nil {
		return Probe{Seconds: fallback, Source: SourceDiagnostics}, nil
	}
	if ctx.Err() != nil {
		return Probe{}, ctx.Err()
	}
	return Probe{}, fmt.Errorf("%w: %s: probe: %v; diagnostics: %v", ErrNoDuration, path, perr, ferr)
}

func (b *Backend) probeFormat(ctx context.Context, path string) (float64, error) {
	res, err := b.run(ctx, "probe", b.ffprobe, b.probeTimeout,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)
	if err != nil {
		return 0, err
	}
	return ParseProbeJSON(res.stdout)
}

func (b *Backend) probeDiagnostics(ctx context.Context, path string) (float64, error) {
	// ffmpeg exits non-zero without an output file; only its banner matters.
	res, err := b.run(ctx, "probe diagnostics", b.ffmpeg, b.probeTimeout, "-hide_banner", "-nostdin", "-i", path)
	seconds, perr := ParseDiagnosticDuration(res.stderr)
	if perr == nil {
		return seconds, nil
	}
	if err != nil && (ctx.Err() != nil || errors.Is(err, ErrTimeout)) {
		return 0, err
	}
	return 0, perr
}

// ParseProbeJSON extracts format.duration from ffprobe JSON output.
func ParseProbeJSON(data []byte) (float64, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("decode probe output: %w", err)
	}
	raw := strings.TrimSpace(out.Format.Duration)
	if raw == "" || raw == "N/A" {
		return 0, errors.New("probe output has no duration")
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	return usable(seconds)
}

// ParseDiagnosticDuration finds "Duration: HH:MM:SS.xx" in ffmpeg log text.
func ParseDiagnosticDuration(text []byte) (float64, error) {
	m := durationPattern.FindSubmatch(text)
	if m == nil {
		return 0, errors.New("no Duration line in diagnostics")
	}
	hours, _ := strconv.Atoi(string(m[1]))
	minutes, _ := strconv.Atoi(string(m[2]))
	seconds, err := strconv.ParseFloat(string(m[3]), 64)
	if err != nil {
		return 0, fmt.Errorf("parse seconds %q: %w", m[3], err)
	}
	return usable(float64(hours*3600+minutes*60) + seconds)
}

func usable(seconds float64) (float64, error) {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		return 0, fmt.Errorf("unusable duration %v", seconds)
	}
	return seconds, nil
}
