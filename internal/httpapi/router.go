// Package httpapi exposes video generation over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/loqalabs/loqa-lipsync/internal/lipsync"
)

type API struct {
	cfg      config.Config
	renderer lipsync.Renderer
	log      *slog.Logger
}

func New(cfg config.Config, renderer lipsync.Renderer, log *slog.Logger) *API {
	return &API{cfg: cfg, renderer: renderer, log: log.With(slog.String("component", "http"))}
}

// Router returns the chi router with the public routes mounted. Callers may
// add more routes to it.
func (a *API) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(a.logging)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api/v1/virtual", func(r chi.Router) {
		r.Post("/generate-video", a.handleGenerate)
		r.Get("/health", a.handleHealth)
	})

	prefix := a.filesPrefix()
	r.Handle(prefix+"*", http.StripPrefix(prefix, noListing(http.FileServer(http.Dir(a.cfg.Storage.Root)))))
	return r
}

// filesPrefix is the URL prefix under which storage.root is served.
func (a *API) filesPrefix() string {
	prefix := "/" + strings.Trim(a.cfg.Storage.PublicPrefix, "/") + "/"
	return prefix + filepath.Base(filepath.Clean(a.cfg.Storage.Root)) + "/"
}

func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", chimiddleware.GetReqID(r.Context())))
	})
}
