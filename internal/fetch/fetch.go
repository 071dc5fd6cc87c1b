// Package fetch resolves audio sources to local files.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/config"
)

var (
	// ErrConnection wraps network and HTTP status failures of remote sources.
	ErrConnection = errors.New("audio download failed")
	// ErrTooLarge means a remote source exceeded the configured size limit.
	ErrTooLarge = errors.New("audio download exceeds size limit")
)

// Source is a resolved local audio file. Remote marks a transient copy owned
// by the caller's work directory.
type Source struct {
	Path   string
	Remote bool
	Bytes  int64
}

type Fetcher struct {
	client    *http.Client
	chunkSize int
	maxBytes  int64
	log       *slog.Logger
}

func New(cfg config.FetchConfig, log *slog.Logger) *Fetcher {
	return &Fetcher{
		client:    &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		chunkSize: cfg.ChunkSize,
		maxBytes:  cfg.MaxBytes,
		log:       log.With(slog.String("component", "audio-fetch")),
	}
}

// WithClient swaps the HTTP client, mainly for tests.
func (f *Fetcher) WithClient(c *http.Client) *Fetcher {
	f.client = c
	return f
}

// IsRemote reports whether source is an http(s) URL.
func IsRemote(source string) bool {
	lower := strings.ToLower(source)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Resolve returns a local file for source. Local paths must exist; URLs are
// downloaded into workDir.
func (f *Fetcher) Resolve(ctx context.Context, source, workDir string) (Source, error) {
	if source == "" {
		return Source{}, errors.New("audio source is empty")
	}
	if IsRemote(source) {
		return f.download(ctx, source, workDir)
	}
	info, err := os.Stat(source)
	if err != nil {
		return Source{}, fmt.Errorf("audio file %s: %w", source, err)
	}
	if info.IsDir() {
		return Source{}, fmt.Errorf("audio file %s is a directory", source)
	}
	return Source{Path: source, Bytes: info.Size()}, nil
}

func (f *Fetcher) download(ctx context.Context, source, workDir string) (Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Source{}, ctx.Err()
		}
		return Source{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Source{}, fmt.Errorf("%w: %s returned %s", ErrConnection, redact(source), resp.Status)
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return Source{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	file, err := os.CreateTemp(workDir, "audio-*"+Suffix(source))
	if err != nil {
		return Source{}, fmt.Errorf("create audio file: %w", err)
	}
	written, copyErr := f.copyChunked(file, resp.Body)
	closeErr := file.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(file.Name())
		if ctx.Err() != nil {
			return Source{}, ctx.Err()
		}
		if errors.Is(copyErr, ErrTooLarge) {
			return Source{}, copyErr
		}
		return Source{}, fmt.Errorf("%w: %v", ErrConnection, copyErr)
	}

	f.log.Info("audio downloaded", slog.String("url", redact(source)), slog.Int64("bytes", written))
	return Source{Path: file.Name(), Remote: true, Bytes: written}, nil
}

func (f *Fetcher) copyChunked(dst io.Writer, src io.Reader) (int64, error) {
	size := f.chunkSize
	if size <= 0 {
		size = 32 * 1024
	}
	buf := make([]byte, size)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if f.maxBytes > 0 && total > f.maxBytes {
				return total, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes)
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// Suffix picks the file extension for a downloaded source, defaulting to .mp3.
func Suffix(source string) string {
	u, err := url.Parse(source)
	if err != nil {
		return ".mp3"
	}
	ext := path.Ext(u.Path)
	if ext == "" || len(ext) > 6 || strings.ContainsAny(ext, `/\`) {
		return ".mp3"
	}
	return filepath.Clean(ext)
}

func redact(source string) string {
	u, err := url.Parse(source)
	if err != nil {
		return "invalid-url"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
