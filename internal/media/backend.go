// Package media drives ffmpeg and ffprobe as the encoding backend: segment
// encoding, probing, stream concatenation and muxing.
package media

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/config"
)

// Backend issues backend commands. It holds no per-request state and is safe
// for concurrent use.
type Backend struct {
	ffmpeg        []string
	ffprobe       []string
	probeTimeout  time.Duration
	encodeTimeout time.Duration
	enc           Encoding
	log           *slog.Logger
}

// Encoding parameters are held constant across every segment of a request so
// stream-copy concatenation stays valid.
type Encoding struct {
	VideoCodec   string
	Preset       string
	VideoBitrate string
	PixelFormat  string
	AudioCodec   string
	AudioBitrate string
}

func New(cfg config.MediaConfig, log *slog.Logger) (*Backend, error) {
	ffmpeg, err := parseCommand("ffmpeg", cfg.FFmpegCommand)
	if err != nil {
		return nil, err
	}
	ffprobe, err := parseCommand("ffprobe", cfg.FFprobeCommand)
	if err != nil {
		return nil, err
	}
	return &Backend{
		ffmpeg:        ffmpeg,
		ffprobe:       ffprobe,
		probeTimeout:  time.Duration(cfg.ProbeTimeoutMS) * time.Millisecond,
		encodeTimeout: time.Duration(cfg.EncodeTimeoutMS) * time.Millisecond,
		enc: Encoding{
			VideoCodec:   orDefault(cfg.VideoCodec, "libx264"),
			Preset:       cfg.Preset,
			VideoBitrate: cfg.VideoBitrate,
			PixelFormat:  orDefault(cfg.PixelFormat, "yuv420p"),
			AudioCodec:   orDefault(cfg.AudioCodec, "aac"),
			AudioBitrate: cfg.AudioBitrate,
		},
		log: log.With(slog.String("component", "media-backend")),
	}, nil
}

func (b *Backend) Encoding() Encoding { return b.enc }

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (b *Backend) ffmpegArgs(args ...string) []string {
	return append([]string{"-hide_banner", "-nostdin", "-y", "-loglevel", "error"}, args...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
