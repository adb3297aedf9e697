package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/artpar/promoter/internal/core/domain"
	"github.com/artpar/promoter/internal/shell/api"
	"github.com/artpar/promoter/internal/shell/approval"
	"github.com/artpar/promoter/internal/shell/promoter"
	"github.com/artpar/promoter/internal/shell/store"
	"github.com/artpar/promoter/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitSwarmError      = 3
	ExitHTTPServerError = 4
	ExitKubernetesError = 5
	ExitDeployFailed    = 6
	ExitRolloutTimeout  = 7
)

// =============================================================================
// Server
// =============================================================================

// Server is the long-running promoter: it records pipeline runs reported
// over HTTP and deploys tested runs in the background.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	clients    *targetClients
	dispatcher *workers.Dispatcher
	prober     *workers.Prober
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	reporter, err := newReporter(cfg, "", logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	broker := approval.NewBroker(logger)
	p, clients, err := newPromoter(cfg, broker, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	runner := promoter.NewRunner(p, s, reporter, logger)

	dispatcher := workers.NewDispatcher(s, approvalScope{runner: runner, broker: broker}, workers.DispatcherConfig{
		Interval:      cfg.Dispatcher.Interval,
		MaxConcurrent: cfg.Dispatcher.MaxConcurrent,
		RunTimeout:    cfg.Dispatcher.RunTimeout,
	}, logger)

	probes := map[string]workers.ProbeFunc{"database": s.Ping}
	if clients.swarm != nil {
		probes["swarm"] = clients.swarm.Ping
	}
	if clients.kube != nil {
		probes["kubernetes"] = clients.kube.Ping
	}
	prober := workers.NewProber(probes, workers.ProberConfig{Interval: cfg.Dispatcher.ProbeInterval}, logger)

	handler := api.NewHandler(api.Config{
		Store:      s,
		Dispatcher: dispatcher,
		Approver:   broker,
		Readiness:  prober,
		Token:      cfg.Server.Token,
		Logger:     logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("targets configured",
		"swarm", clients.swarm != nil,
		"kubernetes", clients.kube != nil,
		"release_branch", cfg.Release.Branch,
	)

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		clients:    clients,
		dispatcher: dispatcher,
		prober:     prober,
		logger:     logger,
	}, nil
}

// Start starts the server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.prober.Start()
	s.dispatcher.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server. Deploying runs are cancelled
// and record their outcome before the store closes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.dispatcher.Stop()
	s.prober.Stop()

	if err := s.clients.Close(); err != nil {
		s.logger.Error("swarm client close error", "error", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// approvalScope drops a run's approvals once its deploy is over.
type approvalScope struct {
	runner *promoter.Runner
	broker *approval.Broker
}

func (a approvalScope) Execute(ctx context.Context, run *domain.PipelineRun) (map[domain.Target]domain.DeployOutcome, error) {
	defer a.broker.Forget(run.ID)
	return a.runner.Execute(ctx, run)
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error that ends the process with ExitCode.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
