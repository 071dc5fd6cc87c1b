package media

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SegmentJob describes one clip: BlendFrames frames fading From into To,
// then StillFrames frames of To. From is ignored when BlendFrames is zero.
type SegmentJob struct {
	From        string
	To          string
	FPS         int
	BlendFrames int
	StillFrames int
	Output      string
}

func (j SegmentJob) total() int { return j.BlendFrames + j.StillFrames }

func (j SegmentJob) validate() error {
	switch {
	case j.To == "":
		return errors.New("segment target image is required")
	case j.Output == "":
		return errors.New("segment output path is required")
	case j.FPS <= 0:
		return fmt.Errorf("segment fps must be positive, got %d", j.FPS)
	case j.BlendFrames < 0 || j.StillFrames < 0 || j.total() == 0:
		return fmt.Errorf("segment needs at least one frame, got blend=%d still=%d", j.BlendFrames, j.StillFrames)
	case j.BlendFrames > 0 && j.From == "":
		return errors.New("blend segment needs a source image")
	}
	return nil
}

// EncodeSegment renders job into an mp4 clip.
func (b *Backend) EncodeSegment(ctx context.Context, job SegmentJob) error {
	if err := job.validate(); err != nil {
		return err
	}
	args := b.segmentArgs(job)
	_, err := b.run(ctx, "encode segment", b.ffmpeg, b.encodeTimeout, args...)
	return err
}

func (b *Backend) segmentArgs(job SegmentJob) []string {
	fps := strconv.Itoa(job.FPS)
	var inputs []string
	if job.BlendFrames > 0 {
		inputs = append(inputs, "-loop", "1", "-framerate", fps, "-i", job.From)
	}
	inputs = append(inputs, "-loop", "1", "-framerate", fps, "-i", job.To)

	args := b.ffmpegArgs(inputs...)
	args = append(args, "-filter_complex", SegmentFilter(job.BlendFrames, job.StillFrames, b.enc.PixelFormat), "-map", "[v]")
	args = append(args, b.videoOutputArgs(job.FPS, job.total())...)
	return append(args, job.Output)
}

// SegmentFilter builds the filtergraph for a clip. Blended frame i of n
// (1-indexed) mixes To at weight i/(n+1); the still run follows.
func SegmentFilter(blend, still int, pixFmt string) string {
	const prep = "scale=trunc(iw/2)*2:trunc(ih/2)*2,setsar=1,format=gbrp"
	if blend <= 0 {
		return fmt.Sprintf("[0:v]%s,trim=end_frame=%d,setpts=PTS-STARTPTS,format=%s[v]", prep, still, pixFmt)
	}
	k := blend + 1
	parts := []string{
		fmt.Sprintf("[0:v]%s,trim=end_frame=%d,setpts=PTS-STARTPTS[a]", prep, blend),
		fmt.Sprintf("[1:v]%s,split=2[b0][b1]", prep),
		fmt.Sprintf("[b0]trim=end_frame=%d,setpts=PTS-STARTPTS[bn]", blend),
		fmt.Sprintf("[a][bn]blend=all_expr='A*(1-(N+1)/%d)+B*(N+1)/%d'[x]", k, k),
		fmt.Sprintf("[b1]trim=end_frame=%d,setpts=PTS-STARTPTS[s]", still),
		fmt.Sprintf("[x][s]concat=n=2:v=1:a=0,format=%s[v]", pixFmt),
	}
	return strings.Join(parts, ";")
}

func (b *Backend) videoOutputArgs(fps, frames int) []string {
	args := []string{
		"-r", strconv.Itoa(fps),
		"-frames:v", strconv.Itoa(frames),
		"-c:v", b.enc.VideoCodec,
	}
	if b.enc.Preset != "" {
		args = append(args, "-preset", b.enc.Preset)
	}
	if b.enc.VideoBitrate != "" {
		args = append(args, "-b:v", b.enc.VideoBitrate)
	}
	return append(args,
		"-pix_fmt", b.enc.PixelFormat,
		"-an",
		"-map_metadata", "-1",
		"-fflags", "+bitexact",
		"-flags:v", "+bitexact",
		"-video_track_timescale", strconv.Itoa(fps*1000),
		"-f", "mp4",
	)
}
