// Package server is the composition root of the GoalGuardian service. It
// builds every component from configuration and exposes the HTTP handler
// together with the background parts main has to run and stop.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	srv.Scheduler.Start(ctx)
//	http.ListenAndServe(":8000", srv.Handler)
//	srv.Close(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/IvaBojic/GoalGuardian/internal/agent"
	"github.com/IvaBojic/GoalGuardian/internal/api"
	"github.com/IvaBojic/GoalGuardian/internal/api/handlers"
	"github.com/IvaBojic/GoalGuardian/internal/config"
	"github.com/IvaBojic/GoalGuardian/internal/dispatch"
	"github.com/IvaBojic/GoalGuardian/internal/gateway"
	"github.com/IvaBojic/GoalGuardian/internal/ingest"
	"github.com/IvaBojic/GoalGuardian/internal/llm"
	"github.com/IvaBojic/GoalGuardian/internal/metrics"
	"github.com/IvaBojic/GoalGuardian/internal/notify"
	"github.com/IvaBojic/GoalGuardian/internal/patientctx"
	"github.com/IvaBojic/GoalGuardian/internal/scheduler"
	"github.com/IvaBojic/GoalGuardian/internal/store"
	"github.com/IvaBojic/GoalGuardian/internal/telemetry"
	"github.com/IvaBojic/GoalGuardian/internal/workflow"
	"github.com/IvaBojic/GoalGuardian/pkg/models"
)

// Server holds the initialized GoalGuardian service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Store     store.Backend
	Config    *config.Config
	Gateway   *gateway.Gateway
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics
	Pool      *dispatch.Pool

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// Options replace components built from configuration, for tests.
type Options struct {
	Generator llm.Generator
	Context   patientctx.Source
}

// New loads configuration from the environment and builds the service.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg, Options{})
}

// NewWithConfig builds the service from an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	backend, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := backend.Ping(ctx); err != nil {
		backend.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	log.Info().Str("driver", cfg.Store.Driver).Msg("Store initialized")

	m := metrics.New()

	gen := opts.Generator
	if gen == nil {
		gen = llm.New(cfg.LLM, m)
	}
	src := opts.Context
	if src == nil {
		src = patientctx.New(cfg.Collaborators)
	}

	pool := dispatch.NewPool(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, cfg.Dispatch.Timeout, m)

	bounds := workflow.BoundariesFrom(cfg.Workflow)
	plans := workflow.Build(bounds, workflow.Timing{
		Interval: cfg.Workflow.ReviewInterval,
		Hour:     cfg.Workflow.ReviewHour,
		Location: cfg.Workflow.Location(),
	})

	gw := gateway.New(backend.Records(store.DomainTranscript), gateway.Options{
		Pool:           pool,
		Hub:            gateway.NewHub(cfg.Dispatch.RelayBuffer, m),
		Notifier:       notify.NewService(cfg.Notify),
		Metrics:        m,
		Bounds:         bounds,
		HandoffTimeout: cfg.LLM.Timeout,
	})

	var agents []*agent.Agent
	for _, stage := range []struct {
		plan   *workflow.Plan
		domain string
		fetch  agent.ContextKind
	}{
		{plans.Opener, store.DomainOpener, agent.ContextNotes},
		{plans.GoalReview, store.DomainGoalReview, agent.ContextGoals},
		{plans.Closer, store.DomainCloser, agent.ContextNone},
	} {
		a := agent.New(agent.Deps{
			Plan:        stage.plan,
			Records:     backend.Records(stage.domain),
			Context:     src,
			Fetch:       stage.fetch,
			Generator:   gen,
			Dispatcher:  gw,
			Metrics:     m,
			Temperature: cfg.LLM.Temperature,
		})
		gw.Register(a.Name(), starter(a), a)
		agents = append(agents, a)
	}

	sum := agent.NewSummarizer(backend.Summaries(), gen, cfg.LLM.Temperature, m)
	gw.Register(sum.Name(), func(ctx context.Context, req models.BeginRequest) error {
		_, err := sum.Begin(ctx, req)
		return err
	}, nil)

	var ingester scheduler.Ingester
	if cfg.Collaborators.ExtractURL != "" {
		client := ingest.NewClient(cfg.Collaborators.ExtractURL, cfg.Collaborators.SessionFeedPath, cfg.Collaborators.IngestTimeout)
		if cached, ok := src.(*patientctx.Cached); ok {
			client.OnSuccess(cached.Invalidate)
		}
		ingester = client
	} else {
		log.Info().Msg("No extraction endpoint configured, batch ingestion disabled")
	}

	sched, err := scheduler.New(backend.Schedule(), gw, ingester, cfg.Workflow, m)
	if err != nil {
		pool.Close(ctx)
		backend.Close()
		return nil, err
	}
	sched.IngestInBackground(pool, cfg.Collaborators.IngestTimeout)

	h := handlers.New(agents, sum, gw, sched)
	h.Ping = backend.Ping
	router := api.NewRouter(cfg, h, m.Handler())

	return &Server{
		Handler:      router,
		Store:        backend,
		Config:       cfg,
		Gateway:      gw,
		Scheduler:    sched,
		Metrics:      m,
		Pool:         pool,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// Close drains background work, then releases the store and flushes telemetry.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if err := s.Pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain dispatch pool: %w", err))
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if s.ShutdownFunc != nil {
		if err := s.ShutdownFunc(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

func starter(a *agent.Agent) gateway.Starter {
	return func(ctx context.Context, req models.BeginRequest) error {
		_, err := a.Begin(ctx, req)
		return err
	}
}
