package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newBackend(t *testing.T, mutate func(*config.MediaConfig)) *Backend {
	t.Helper()
	cfg := config.Default().Media
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := New(cfg, newLogger())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	return b
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestNewRejectsEmptyCommand(t *testing.T) {
	cfg := config.Default().Media
	cfg.FFmpegCommand = "   "
	if _, err := New(cfg, newLogger()); err == nil {
		t.Fatalf("expected empty command error")
	}
}

func TestParseProbeJSON(t *testing.T) {
	got, err := ParseProbeJSON([]byte(`{"format": {"duration": "3.000000"}}`))
	if err != nil || got != 3 {
		t.Fatalf("got %v, %v", got, err)
	}
	for _, bad := range []string{`{"format": {"duration": "N/A"}}`, `{"format": {}}`, `not json`, `{"format": {"duration": "0"}}`} {
		if _, err := ParseProbeJSON([]byte(bad)); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
	}
}

func TestParseDiagnosticDuration(t *testing.T) {
	log := `Input #0, mp3, from 'voice.mp3':
  Metadata:
    encoder         : Lavf58.29.100
  Duration: 00:01:02.50, start: 0.025057, bitrate: 128 kb/s
At least one output file must be specified`
	got, err := ParseDiagnosticDuration([]byte(log))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if math.Abs(got-62.5) > 1e-9 {
		t.Fatalf("expected 62.5, got %v", got)
	}
	if _, err := ParseDiagnosticDuration([]byte("  Duration: N/A, bitrate: N/A")); err == nil {
		t.Fatalf("expected error for N/A duration")
	}
}

func TestSegmentFilter(t *testing.T) {
	still := SegmentFilter(0, 15, "yuv420p")
	if strings.Contains(still, "blend") || !strings.Contains(still, "trim=end_frame=15") {
		t.Fatalf("unexpected still filter %s", still)
	}
	blend := SegmentFilter(5, 25, "yuv420p")
	for _, want := range []string{
		"[0:v]", "[1:v]",
		"trim=end_frame=5",
		"all_expr='A*(1-(N+1)/6)+B*(N+1)/6'",
		"trim=end_frame=25",
		"concat=n=2:v=1:a=0,format=yuv420p[v]",
	} {
		if !strings.Contains(blend, want) {
			t.Fatalf("blend filter missing %q: %s", want, blend)
		}
	}
}

func TestSegmentArgs(t *testing.T) {
	b := newBackend(t, nil)
	args := b.segmentArgs(SegmentJob{From: "a.png", To: "b.png", FPS: 30, BlendFrames: 5, StillFrames: 25, Output: "out.mp4"})
	joined := strings.Join(args, " ")
	for _, want := range []string{"-i a.png", "-i b.png", "-frames:v 30", "-r 30", "-c:v libx264", "-preset medium", "-b:v 2000k", "-pix_fmt yuv420p"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != "out.mp4" {
		t.Fatalf("output must be last, got %v", args)
	}

	stillArgs := strings.Join(b.segmentArgs(SegmentJob{From: "a.png", To: "b.png", FPS: 30, StillFrames: 15, Output: "s.mp4"}), " ")
	if strings.Contains(stillArgs, "a.png") {
		t.Fatalf("still segment should not read the source image: %s", stillArgs)
	}
}

func TestConcatArgs(t *testing.T) {
	b := newBackend(t, nil)
	args := b.concatArgs("list.txt", "joined.mp4")
	joined := strings.Join(args, " ")
	for _, want := range []string{"-f concat", "-safe 0", "-i list.txt", "-c copy", "-map_metadata -1", "-fflags +bitexact"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != "joined.mp4" {
		t.Fatalf("output must be last, got %v", args)
	}
}

func TestMuxArgs(t *testing.T) {
	cases := []struct {
		name    string
		bitrate string
		want    []string
		absent  string
	}{
		{"with bitrate", "128k", []string{"-i video.mp4 -i voice.mp3", "-map 0:v:0 -map 1:a:0", "-c:v copy", "-c:a aac", "-b:a 128k", "-shortest", "-movflags +faststart"}, ""},
		{"codec default bitrate", "", []string{"-c:v copy", "-c:a aac", "-shortest"}, "-b:a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBackend(t, func(cfg *config.MediaConfig) { cfg.AudioBitrate = tc.bitrate })
			args := b.muxArgs("video.mp4", "voice.mp3", "final.mp4")
			joined := strings.Join(args, " ")
			for _, want := range tc.want {
				if !strings.Contains(joined, want) {
					t.Fatalf("args missing %q: %s", want, joined)
				}
			}
			if tc.absent != "" && strings.Contains(joined, tc.absent) {
				t.Fatalf("args should not contain %q: %s", tc.absent, joined)
			}
			if args[len(args)-1] != "final.mp4" {
				t.Fatalf("output must be last, got %v", args)
			}
		})
	}
}

func TestSegmentJobValidate(t *testing.T) {
	cases := []SegmentJob{
		{To: "", Output: "o", FPS: 30, StillFrames: 1},
		{To: "b", Output: "", FPS: 30, StillFrames: 1},
		{To: "b", Output: "o", FPS: 0, StillFrames: 1},
		{To: "b", Output: "o", FPS: 30},
		{To: "b", Output: "o", FPS: 30, BlendFrames: 2, StillFrames: 1},
	}
	for i, job := range cases {
		if err := job.validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestWriteConcatManifest(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "list.txt")
	inputs := []string{filepath.Join(dir, "seg_0000.mp4"), filepath.Join(dir, "it's.mp4")}
	if err := WriteConcatManifest(manifest, inputs); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	data, err := os.ReadFile(manifest)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", data)
	}
	if !strings.HasPrefix(lines[0], "file '") || !strings.Contains(lines[1], `it'\''s.mp4`) {
		t.Fatalf("unexpected manifest %q", data)
	}
}

func TestRunCapturesDiagnostics(t *testing.T) {
	requireShell(t)
	b := newBackend(t, func(c *config.MediaConfig) {
		c.FFmpegCommand = `sh -c 'echo boom >&2; exit 3' ffmpeg`
	})
	err := b.Mux(context.Background(), "v.mp4", "a.mp3", filepath.Join(t.TempDir(), "out.mp4"))
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cerr.Op != "mux" || cerr.Stderr != "boom" {
		t.Fatalf("unexpected error %+v", cerr)
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 3 {
		t.Fatalf("expected exit status 3, got %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	requireShell(t)
	b := newBackend(t, func(c *config.MediaConfig) {
		c.FFmpegCommand = `sh -c 'sleep 5' ffmpeg`
		c.EncodeTimeoutMS = 100
	})
	started := time.Now()
	err := b.Concat(context.Background(), []string{"a.mp4"}, filepath.Join(t.TempDir(), "list.txt"), "out.mp4")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(started) > 4*time.Second {
		t.Fatalf("timeout did not stop the process promptly")
	}
}

func TestRunCancelled(t *testing.T) {
	requireShell(t)
	b := newBackend(t, func(c *config.MediaConfig) {
		c.FFmpegCommand = `sh -c 'sleep 5' ffmpeg`
	})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	err := b.EncodeSegment(ctx, SegmentJob{To: "b.png", FPS: 30, StillFrames: 1, Output: "o.mp4"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("cancellation must not be reported as timeout")
	}
}

func TestProbePrefersStructuredOutput(t *testing.T) {
	requireShell(t)
	b := newBackend(t, func(c *config.MediaConfig) {
		c.FFprobeCommand = `sh -c 'echo {\"format\":{\"duration\":\"2.25\"}}' ffprobe`
		c.FFmpegCommand = `sh -c 'exit 1' ffmpeg`
	})
	p, err := b.ProbeDuration(context.Background(), "voice.mp3")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if p.Seconds != 2.25 || p.Source != SourceFormat {
		t.Fatalf("unexpected probe %+v", p)
	}
}

func TestProbeFallsBackToDiagnostics(t *testing.T) {
	requireShell(t)
	b := newBackend(t, func(c *config.MediaConfig) {
		c.FFprobeCommand = `sh -c 'exit 1' ffprobe`
		c.FFmpegCommand = `sh -c 'echo "  Duration: 00:00:03.50, start: 0.000000, bitrate: 128 kb/s" >&2; exit 1' ffmpeg`
	})
	p, err := b.ProbeDuration(context.Background(), "voice.mp3")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if p.Seconds != 3.5 || p.Source != SourceDiagnostics {
		t.Fatalf("unexpected probe %+v", p)
	}
}

func TestProbeFailsWhenBothStrategiesFail(t *testing.T) {
	requireShell(t)
	b := newBackend(t, func(c *config.MediaConfig) {
		c.FFprobeCommand = `sh -c 'exit 1' ffprobe`
		c.FFmpegCommand = `sh -c 'echo no such file >&2; exit 1' ffmpeg`
	})
	if _, err := b.ProbeDuration(context.Background(), "missing.mp3"); !errors.Is(err, ErrNoDuration) {
		t.Fatalf("expected ErrNoDuration, got %v", err)
	}
}

func TestWriteSilence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silence.wav")
	if err := WriteSilence(path, 1.5, 16000, 1); err != nil {
		t.Fatalf("write silence: %v", err)
	}
	got, err := WAVDuration(path)
	if err != nil {
		t.Fatalf("wav duration: %v", err)
	}
	if math.Abs(got-1.5) > 0.01 {
		t.Fatalf("expected 1.5s, got %v", got)
	}
	if err := WriteSilence(path, 0, 16000, 1); err == nil {
		t.Fatalf("expected error for zero length")
	}
}

func writeSolidPNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestBackendEndToEnd(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}
	dir := t.TempDir()
	a := filepath.Join(dir, "00.png")
	bImg := filepath.Join(dir, "04.png")
	writeSolidPNG(t, a, color.RGBA{R: 255, A: 255})
	writeSolidPNG(t, bImg, color.RGBA{B: 255, A: 255})

	b := newBackend(t, nil)
	ctx := context.Background()
	first := filepath.Join(dir, "seg0.mp4")
	second := filepath.Join(dir, "seg1.mp4")
	if err := b.EncodeSegment(ctx, SegmentJob{To: a, FPS: 30, StillFrames: 15, Output: first}); err != nil {
		t.Fatalf("encode still: %v", err)
	}
	if err := b.EncodeSegment(ctx, SegmentJob{From: a, To: bImg, FPS: 30, BlendFrames: 5, StillFrames: 10, Output: second}); err != nil {
		t.Fatalf("encode blend: %v", err)
	}
	joined := filepath.Join(dir, "joined.mp4")
	if err := b.Concat(ctx, []string{first, second}, filepath.Join(dir, "list.txt"), joined); err != nil {
		t.Fatalf("concat: %v", err)
	}
	p, err := b.ProbeDuration(ctx, joined)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if math.Abs(p.Seconds-1.0) > 0.1 {
		t.Fatalf("expected ~1s video, got %v", p.Seconds)
	}

	audio := filepath.Join(dir, "voice.wav")
	if err := WriteSilence(audio, 1.0, 16000, 1); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "final.mp4")
	if err := b.Mux(ctx, joined, audio, out); err != nil {
		t.Fatalf("mux: %v", err)
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		t.Fatalf("expected muxed output, got %v", err)
	}
}

func TestBackendOutputIsReproducible(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	dir := t.TempDir()
	a := filepath.Join(dir, "00.png")
	bImg := filepath.Join(dir, "04.png")
	writeSolidPNG(t, a, color.RGBA{R: 255, A: 255})
	writeSolidPNG(t, bImg, color.RGBA{B: 255, A: 255})
	audio := filepath.Join(dir, "voice.wav")
	if err := WriteSilence(audio, 1.0, 16000, 1); err != nil {
		t.Fatal(err)
	}

	b := newBackend(t, nil)
	ctx := context.Background()
	render := func(run string) (segment, joined, final []byte) {
		t.Helper()
		seg := filepath.Join(dir, run+"-seg.mp4")
		if err := b.EncodeSegment(ctx, SegmentJob{From: a, To: bImg, FPS: 30, BlendFrames: 5, StillFrames: 10, Output: seg}); err != nil {
			t.Fatalf("encode: %v", err)
		}
		cat := filepath.Join(dir, run+"-joined.mp4")
		if err := b.Concat(ctx, []string{seg, seg}, filepath.Join(dir, run+"-list.txt"), cat); err != nil {
			t.Fatalf("concat: %v", err)
		}
		out := filepath.Join(dir, run+"-final.mp4")
		if err := b.Mux(ctx, cat, audio, out); err != nil {
			t.Fatalf("mux: %v", err)
		}
		return readFile(t, seg), readFile(t, cat), readFile(t, out)
	}

	seg1, cat1, out1 := render("first")
	seg2, cat2, out2 := render("second")
	if !bytes.Equal(seg1, seg2) {
		t.Fatalf("segment encodes differ")
	}
	if !bytes.Equal(cat1, cat2) {
		t.Fatalf("concat outputs differ")
	}
	if !bytes.Equal(out1, out2) {
		t.Fatalf("muxed outputs differ")
	}
}

func readFile(t *testing.T, p string) []byte {
	t.Helper()
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
