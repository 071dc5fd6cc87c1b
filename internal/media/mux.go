package media

import "context"

// Mux combines the silent video with the audio track. Video is copied as is,
// audio is encoded, and the output stops at the shorter stream.
func (b *Backend) Mux(ctx context.Context, video, audio, output string) error {
	_, err := b.run(ctx, "mux", b.ffmpeg, b.encodeTimeout, b.muxArgs(video, audio, output)...)
	return err
}

func (b *Backend) muxArgs(video, audio, output string) []string {
	args := b.ffmpegArgs(
		"-i", video,
		"-i", audio,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", b.enc.AudioCodec,
	)
	if b.enc.AudioBitrate != "" {
		args = append(args, "-b:a", b.enc.AudioBitrate)
	}
	return append(args,
		"-shortest",
		"-map_metadata", "-1",
		"-fflags", "+bitexact",
		"-movflags", "+faststart",
		"-f", "mp4",
		output,
	)
}
