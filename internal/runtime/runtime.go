package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/assets"
	"github.com/loqalabs/loqa-lipsync/internal/bus"
	"github.com/loqalabs/loqa-lipsync/internal/cache"
	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/loqalabs/loqa-lipsync/internal/fetch"
	"github.com/loqalabs/loqa-lipsync/internal/httpapi"
	"github.com/loqalabs/loqa-lipsync/internal/jobstore"
	"github.com/loqalabs/loqa-lipsync/internal/lipsync"
	"github.com/loqalabs/loqa-lipsync/internal/media"
	"github.com/loqalabs/loqa-lipsync/internal/natsserver"
	"github.com/loqalabs/loqa-lipsync/internal/viseme"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	embedded    *natsserver.EmbeddedServer
	bus         *bus.Client
	jobs        *jobstore.Store
	cache       *cache.Cache
	service     *lipsync.Service
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up and blocks until ctx is cancelled, then
// shuts them down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	defer r.shutdown()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	generator, err := r.buildGenerator(ctx)
	if err != nil {
		return err
	}

	if r.cfg.Queue.Enabled {
		r.service = lipsync.NewService(ctx, r.cfg.Queue, r.cfg.LipSync, r.bus, generator, r.logger)
		if err := r.service.Start(); err != nil {
			return fmt.Errorf("start queue service: %w", err)
		}
	}

	router := httpapi.New(r.cfg, generator, r.logger).Router()
	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if r.jobs != nil {
		r.wg.Add(1)
		go r.pruneLoop(ctx)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		r.logger.Error("http server failed", slog.String("error", err.Error()))
		cancel()
		return err
	}
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) buildGenerator(ctx context.Context) (*lipsync.Generator, error) {
	library, err := assets.Open(r.cfg.Assets)
	if err != nil {
		return nil, fmt.Errorf("open asset library: %w", err)
	}
	for _, p := range library.Check() {
		r.logger.Warn("asset problem", slog.String("problem", p.String()))
	}

	backend, err := media.New(r.cfg.Media, r.logger)
	if err != nil {
		return nil, fmt.Errorf("configure media backend: %w", err)
	}

	r.jobs, err = jobstore.Open(ctx, r.cfg.JobStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	opts := []lipsync.Option{lipsync.WithLedger(r.jobs)}

	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return nil, err
		}
	}
	if r.cfg.Publish.Enabled {
		bucket, err := r.bus.OpenVideoBucket(r.cfg.Publish.Bucket)
		if err != nil {
			return nil, err
		}
		opts = append(opts, lipsync.WithPublisher(bucket))
	}
	if r.cfg.Cache.Enabled {
		r.cache = cache.New(r.cfg.Cache)
		if err := r.cache.Ping(ctx); err != nil {
			r.logger.Warn("redis unavailable, lookups will miss until it recovers", slog.String("error", err.Error()))
		}
		opts = append(opts, lipsync.WithCache(r.cache))
	}

	audio := fetch.New(r.cfg.Fetch, r.logger)
	return lipsync.NewGenerator(r.cfg, viseme.NewExtractor(nil), library, backend, audio, r.logger, opts...), nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.embedded = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.jobs.Prune(ctx); err != nil {
				r.logger.Warn("job store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.service != nil {
		r.service.Close()
	}
	r.wg.Wait()

	if r.cache != nil {
		_ = r.cache.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.jobs != nil {
		if err := r.jobs.Close(); err != nil {
			r.logger.Error("job store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.componentsHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) componentsHealthy() bool {
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	if r.service != nil && !r.service.Healthy() {
		return false
	}
	return true
}
