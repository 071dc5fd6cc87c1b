package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteConcatManifest writes an ffmpeg concat demuxer list for inputs.
func WriteConcatManifest(path string, inputs []string) error {
	var sb strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", in, err)
		}
		sb.WriteString("file '")
		sb.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		sb.WriteString("'\n")
	}
	return os.WriteFile(path, []byte(sb.String()), 0o600)
}

// Concat joins inputs in order with stream copy. All inputs must share codec,
// pixel format and frame rate.
func (b *Backend) Concat(ctx context.Context, inputs []string, manifest, output string) error {
	if len(inputs) == 0 {
		return errors.New("concat needs at least one input")
	}
	if err := WriteConcatManifest(manifest, inputs); err != nil {
		return fmt.Errorf("write concat manifest: %w", err)
	}
	_, err := b.run(ctx, "concat", b.ffmpeg, b.encodeTimeout, b.concatArgs(manifest, output)...)
	return err
}

func (b *Backend) concatArgs(manifest, output string) []string {
	return b.ffmpegArgs(
		"-f", "concat",
		"-safe", "0",
		"-i", manifest,
		"-c", "copy",
		"-map_metadata", "-1",
		"-fflags", "+bitexact",
		"-f", "mp4",
		output,
	)
}
