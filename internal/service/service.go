// Package service wires the subsystems of a ghoststream node together and
// owns their startup and shutdown order.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ghoststream/ghoststream/internal/config"
	"github.com/ghoststream/ghoststream/internal/daemon"
	"github.com/ghoststream/ghoststream/internal/engine"
	"github.com/ghoststream/ghoststream/internal/ffmpeg"
	ghttp "github.com/ghoststream/ghoststream/internal/http"
	"github.com/ghoststream/ghoststream/internal/http/handlers"
	"github.com/ghoststream/ghoststream/internal/jobs"
	"github.com/ghoststream/ghoststream/internal/observability"
	"github.com/ghoststream/ghoststream/internal/storage"
)

const detectTimeout = 30 * time.Second

// Service is the assembled node.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	binaries     *ffmpeg.BinaryInfo
	caps         *ffmpeg.Capabilities
	history      *storage.History
	manager      *jobs.Manager
	cleaner      *jobs.Cleaner
	registration *daemon.RegistrationClient
	server       *ghttp.Server
}

// New detects the encoder binary, probes capabilities, and wires every
// subsystem. Nothing is started yet; call Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	log := observability.WithComponent(logger, "service")

	detectCtx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	binaries, err := ffmpeg.NewBinaryDetector(cfg.Transcoding.FFmpegPath, cfg.Transcoding.FFprobePath).Detect(detectCtx)
	if err != nil {
		return nil, fmt.Errorf("detecting encoder binary: %w", err)
	}
	log.Info("encoder binary detected",
		slog.String("path", binaries.FFmpegPath),
		slog.String("version", binaries.Version))

	caps := daemon.BuildCapabilities(detectCtx, logger, binaries, cfg)
	eng := engine.New(logger, binaries, caps, cfg)
	broadcaster := jobs.NewBroadcaster(logger)

	var history *storage.History
	var recorder jobs.Recorder
	if cfg.History.Enabled {
		history, err = storage.Open(cfg.History.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening history store: %w", err)
		}
		recorder = history
	}

	manager := jobs.NewManager(logger, cfg, eng, broadcaster, recorder)
	cleaner := jobs.NewCleaner(logger, manager, cfg.Transcoding.CleanupAfterHours)
	stats := daemon.NewStatsCollector(manager.WorkRoot())
	registration := daemon.NewRegistrationClient(logger, cfg.GhostHub, caps, advertisedURL(cfg))

	server := ghttp.NewServer(cfg, logger)
	handlers.NewJobsHandler(manager).Register(server.API())
	handlers.NewSystemHandler(caps, manager, stats).Register(server.API())
	handlers.NewCleanupHandler(cleaner).Register(server.API())
	if history != nil {
		handlers.NewHistoryHandler(history).Register(server.API())
	}
	handlers.NewStreamHandler(logger, manager).Register(server.Router())
	handlers.NewProgressHandler(logger, broadcaster).Register(server.Router())

	return &Service{
		cfg:          cfg,
		logger:       log,
		binaries:     binaries,
		caps:         caps,
		history:      history,
		manager:      manager,
		cleaner:      cleaner,
		registration: registration,
		server:       server,
	}, nil
}

// Capabilities returns the startup capability snapshot.
func (s *Service) Capabilities() *ffmpeg.Capabilities { return s.caps }

// Run starts every subsystem and blocks until the context is cancelled or
// the HTTP server fails.
func (s *Service) Run(ctx context.Context) error {
	if err := s.manager.Start(); err != nil {
		return err
	}
	if err := s.cleaner.Start(); err != nil {
		return err
	}
	s.registration.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- s.server.Start()
	}()

	select {
	case err := <-serverErr:
		s.shutdown(context.Background())
		return err
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
		s.shutdown(context.Background())
		return nil
	}
}

// shutdown stops subsystems in reverse dependency order: stop taking new
// work, drain workers, then release storage.
func (s *Service) shutdown(ctx context.Context) {
	s.registration.Stop()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("server shutdown", observability.WithError(err))
	}

	stopCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.manager.Stop(stopCtx); err != nil {
		s.logger.Warn("worker pool drain timed out", observability.WithError(err))
	}

	s.cleaner.Stop()

	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.Warn("closing history store", observability.WithError(err))
		}
	}
	s.logger.Info("service stopped")
}

// advertisedURL derives the base URL published to the coordinator. A
// wildcard bind address falls back to the hostname.
func advertisedURL(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		if hostname, err := os.Hostname(); err == nil {
			host = hostname
		} else {
			host = "localhost"
		}
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}
