package lipsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-lipsync/internal/assets"
	"github.com/loqalabs/loqa-lipsync/internal/bus"
	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/loqalabs/loqa-lipsync/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Renderer is the part of Generator the transports depend on.
type Renderer interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// Service serves generation requests arriving over NATS. Workers sharing a
// queue group split the load.
type Service struct {
	cfg      config.QueueConfig
	defaults config.LipSyncConfig
	bus      *bus.Client
	renderer Renderer
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func NewService(parent context.Context, cfg config.QueueConfig, defaults config.LipSyncConfig, busClient *bus.Client, renderer Renderer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		defaults: defaults,
		bus:      busClient,
		renderer: renderer,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "lipsync-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.QueueSubscribe(s.cfg.Subject, s.cfg.QueueGroup, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for generation requests",
		slog.String("subject", s.cfg.Subject),
		slog.String("queue_group", s.cfg.QueueGroup))
	return nil
}

// Close stops taking requests, cancels running ones and waits for them.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

// track registers a request goroutine unless the service is closing.
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var wire protocol.GenerateRequest
	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		s.logger.Warn("failed to decode generate request", slogError(err))
		s.reply(msg, protocol.GenerateReply{Kind: KindInvalidInput.String(), Error: "malformed request: " + err.Error()})
		return
	}
	req := RequestFromDefaults(s.defaults, wire.Text, wire.AudioSource, wire.Gender, wire.CharInterval)
	req.JobID = wire.JobID
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	req.FPS = wire.FPS
	req.BlendFrames = wire.BlendFrames
	req.Origin = "nats"

	if !s.track() {
		s.logger.Warn("service closing, dropping generate request", slog.String("job_id", req.JobID))
		s.reply(msg, protocol.GenerateReply{JobID: req.JobID, Kind: KindCancelled.String(), Error: "service is shutting down"})
		return
	}
	go func() {
		defer s.wg.Done()

		timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()

		s.publishStatus(protocol.JobStatus{JobID: req.JobID, State: protocol.JobStateStarted})
		res, err := s.renderer.Generate(ctx, req)
		out := protocol.GenerateReply{JobID: req.JobID}
		status := protocol.JobStatus{JobID: req.JobID}
		if err != nil {
			out.Kind = KindOf(err).String()
			out.Error = err.Error()
			status.State = protocol.JobStateFailed
			status.Error = err.Error()
		} else {
			out.Success = true
			out.VideoID = res.VideoID
			out.RelativePath = res.RelativePath
			out.Visemes = res.Visemes
			out.Seconds = res.VideoSeconds
			out.Cached = res.Cached
			status.State = protocol.JobStateSucceeded
			status.VideoID = res.VideoID
		}
		s.reply(msg, out)
		s.publishStatus(status)
	}()
}

func (s *Service) reply(msg *nats.Msg, out protocol.GenerateReply) {
	if err := bus.RespondJSON(msg, out); err != nil {
		s.logger.Warn("failed to send generate reply", slog.String("job_id", out.JobID), slogError(err))
	}
}

func (s *Service) publishStatus(status protocol.JobStatus) {
	status.Timestamp = time.Now().UTC()
	if err := s.bus.PublishJSON(protocol.SubjectJobStatus, status); err != nil {
		s.logger.Warn("failed to publish job status", slog.String("job_id", status.JobID), slogError(err))
	}
}

// RequestFromDefaults builds a Request, filling fields the caller left out
// from the configured defaults. An explicit zero is kept so it can be rejected.
func RequestFromDefaults(defaults config.LipSyncConfig, text, audio string, gender *int, interval *float64) Request {
	req := Request{
		Text:         text,
		AudioSource:  audio,
		Gender:       assets.Gender(defaults.DefaultGender),
		CharInterval: defaults.DefaultCharInterval,
	}
	if req.AudioSource == "" {
		req.AudioSource = defaults.DefaultAudio
	}
	if gender != nil {
		req.Gender = assets.Gender(*gender)
	}
	if interval != nil {
		req.CharInterval = *interval
	}
	return req
}
