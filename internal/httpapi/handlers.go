package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/lipsync"
)

type generateRequest struct {
	Text         string   `json:"text"`
	AudioFile    string   `json:"audio_file"`
	Gender       *int     `json:"gender"`
	CharInterval *float64 `json:"char_interval"`
}

type generateResponse struct {
	Success  bool   `json:"success"`
	VideoID  string `json:"video_id,omitempty"`
	VideoURL string `json:"video_url,omitempty"`
	Message  string `json:"message"`
	Detail   string `json:"detail,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Message: "lip-sync video service is running"})
}

func (a *API) handleGenerate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.HTTP.MaxBodyBytes)
	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req := lipsync.RequestFromDefaults(a.cfg.LipSync, body.Text, body.AudioFile, body.Gender, body.CharInterval)
	req.Origin = "http"

	ctx := r.Context()
	if a.cfg.HTTP.RequestTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(a.cfg.HTTP.RequestTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	res, err := a.renderer.Generate(ctx, req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			a.log.Error("video generation failed", slog.String("error", err.Error()))
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Success:  true,
		VideoID:  res.VideoID,
		VideoURL: a.videoURL(r, res.RelativePath),
		Message:  "video generated",
	})
}

// statusFor maps pipeline failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lipsync.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, lipsync.ErrAssetMissing), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) videoURL(r *http.Request, relative string) string {
	base := strings.TrimRight(a.cfg.HTTP.PublicBaseURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}
	prefix := "/" + strings.Trim(a.cfg.Storage.PublicPrefix, "/") + "/"
	return base + prefix + strings.TrimLeft(relative, "/")
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, generateResponse{Success: false, Message: message, Detail: message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
