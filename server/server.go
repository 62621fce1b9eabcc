// Package server runs deltaetl as a long-lived service: an HTTP API, the
// queue consumers, and the cron schedules of the configured pipelines.
//
// # Endpoints
//
//   - GET /health - Liveness and build version
//   - GET /status - Build info, running count and next scheduled runs
//   - GET /config - Current configuration as YAML, credentials redacted
//   - POST /reload - Reloads pipelines and schedules from disk
//   - POST /executions - Starts a configured pipeline
//   - GET /executions - Live and finished executions
//   - GET /executions/{name} - One execution with its execution log rows
//   - GET /executions/{name}/logs - Logs captured while it ran
//   - GET /pipelines/{id}/runs - Main execution log rows of a pipeline
//   - POST /callbacks/{token} - Resolves a callback token
//   - GET /metrics - Prometheus metrics
//
// # Lifecycle
//
// Executions left Running by a previous process are resumed when Run
// starts. On shutdown, live executions are interrupted and keep their
// checkpoints so the next process resumes them.
//
// # Example
//
//	srv, err := server.New(ctx, "/etc/deltaetl/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nomis52/deltaetl/app"
	"github.com/nomis52/deltaetl/buildinfo"
	"github.com/nomis52/deltaetl/config"
	"github.com/nomis52/deltaetl/logging"
	"github.com/nomis52/deltaetl/metrics"
	"github.com/nomis52/deltaetl/server/cron"
	"github.com/nomis52/deltaetl/server/handlers"
	"github.com/nomis52/deltaetl/server/runner"
	"github.com/nomis52/deltaetl/server/types"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// Server is the deltaetl HTTP service.
type Server struct {
	configPath string
	addr       string
	logger     *slog.Logger
	logLevel   *slog.LevelVar
	collector  *logging.Collector
	registry   *metrics.ScrapeRegistry
	app        *app.App
	runner     *runner.Runner
	properties types.ServerProperties
	certs      *certLoader

	mu         sync.Mutex
	schedules  *cron.Manager
	cronCtx    context.Context
	cronCancel context.CancelFunc
}

// Option configures a Server.
type Option func(*Server) error

// WithListenAddr overrides server.listen from the config file.
func WithListenAddr(addr string) Option {
	return func(s *Server) error {
		s.addr = addr
		return nil
	}
}

// WithLogger replaces the logger built from the config file.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// New loads the config at configPath and opens every component it names.
func New(ctx context.Context, configPath string, opts ...Option) (*Server, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, level, err := logging.NewLeveled(cfg.Logging)
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()

	s := &Server{
		configPath: configPath,
		addr:       cfg.Server.Listen,
		logger:     logger,
		logLevel:   level,
		collector:  logging.NewCollector(logging.DefaultCaptureLimit),
		properties: types.ServerProperties{
			Build:     buildinfo.Get(),
			StartedAt: time.Now().UTC(),
			Hostname:  hostname,
		},
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.registry, err = metrics.NewScrapeRegistry(cfg.Monitoring.MetricsPrefix); err != nil {
		return nil, err
	}
	etl, err := metrics.NewETL(s.registry)
	if err != nil {
		return nil, err
	}

	if cfg.Server.TLS() {
		if s.certs, err = newCertLoader(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile, s.logger); err != nil {
			return nil, err
		}
	}

	s.app, err = app.Open(ctx, cfg,
		app.WithLogger(s.logger),
		app.WithLoggerFactory(func(execution string) *slog.Logger {
			return s.collector.Logger(s.logger, execution)
		}),
		app.WithMetrics(etl),
	)
	if err != nil {
		return nil, err
	}

	store, err := historyStore(cfg.Server, s.logger)
	if err != nil {
		s.app.Close(ctx)
		return nil, err
	}
	s.runner = runner.New(s.logger, s.app,
		runner.WithStore(store),
		runner.WithCollector(s.collector),
		runner.WithMetrics(etl),
	)

	if s.schedules, err = cron.NewManager(cfg.Pipelines, s.runner, s.logger); err != nil {
		s.app.Close(ctx)
		return nil, err
	}
	return s, nil
}

func historyStore(cfg config.ServerConfig, logger *slog.Logger) (runner.Store, error) {
	if cfg.HistoryDir == "" {
		return runner.NewMemoryStore(cfg.HistorySize), nil
	}
	return runner.NewDiskStore(cfg.HistoryDir, cfg.HistorySize, logger)
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// SetLogLevel changes the server's log level at runtime.
func (s *Server) SetLogLevel(level slog.Level) {
	s.logLevel.Set(level)
}

// Config returns the current configuration.
func (s *Server) Config() config.Config {
	return s.app.Config()
}

// Properties returns metadata about this server process.
func (s *Server) Properties() types.ServerProperties {
	return s.properties
}

// NextRuns returns the next scheduled time of each scheduled pipeline.
func (s *Server) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedules.NextRuns()
}

// Reload re-reads the config file. Pipelines, catalog defaults, schedules
// and the log level take effect immediately; stores and queues keep the
// values the server started with.
func (s *Server) Reload() (handlers.ReloadResponse, error) {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return handlers.ReloadResponse{}, err
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return handlers.ReloadResponse{}, err
	}
	schedules, err := cron.NewManager(cfg.Pipelines, s.runner, s.logger)
	if err != nil {
		return handlers.ReloadResponse{}, err
	}

	s.app.Reload(cfg)
	s.logLevel.Set(level)

	s.mu.Lock()
	s.schedules = schedules
	running := s.cronCtx != nil
	s.mu.Unlock()
	if running {
		s.startSchedules()
	}

	s.logger.Info("configuration loaded", "config_path", s.configPath, "pipelines", len(cfg.Pipelines))
	return handlers.ReloadResponse{Pipelines: len(cfg.Pipelines), Scheduled: schedules.Len()}, nil
}

// startSchedules replaces the running triggers with the current Manager.
func (s *Server) startSchedules() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cronCancel != nil {
		s.cronCancel()
	}
	ctx, cancel := context.WithCancel(s.cronCtx)
	s.cronCancel = cancel
	s.schedules.Start(ctx)
}

// Run serves HTTP, consumes the task queues and fires schedules until ctx
// is cancelled, then shuts everything down and closes the app.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	httpServer := &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}
	if s.certs != nil {
		httpServer.TLSConfig = s.certs.tlsConfig()
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.app.Close(ctx)
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.app.RunWorkers(gctx); err != nil {
			return fmt.Errorf("queue workers: %w", err)
		}
		return nil
	})

	s.mu.Lock()
	s.cronCtx = gctx
	s.mu.Unlock()
	s.startSchedules()

	if n, err := s.runner.ResumeRunning(gctx); err != nil {
		s.logger.Error("resuming executions", "error", err)
	} else if n > 0 {
		s.logger.Info("resumed executions", "count", n)
	}

	g.Go(func() error {
		s.logger.Info("starting server",
			"addr", ln.Addr().String(),
			"tls", s.certs != nil,
			"config_path", s.configPath,
			"version", s.properties.Build.Version,
		)
		var err error
		if s.certs != nil {
			err = httpServer.ServeTLS(ln, "", "")
		} else {
			err = httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.app.Config().Timeouts.Shutdown)
		defer cancel()
		return errors.Join(httpServer.Shutdown(shutdownCtx), s.runner.Shutdown(shutdownCtx))
	})

	err = g.Wait()
	if closeErr := s.app.Close(context.Background()); closeErr != nil {
		s.logger.Error("closing components", "error", closeErr)
	}
	return err
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("GET /health", handlers.NewHealthHandler(s.properties.Build.Version))
	mux.Handle("GET /status", handlers.NewStatusHandler(s, s.runner))
	mux.Handle("GET /config", handlers.NewConfigHandler(s))
	mux.Handle("POST /reload", handlers.NewReloadHandler(s.logger, s))

	mux.Handle("POST /executions", handlers.NewStartHandler(s.logger, s.runner))
	mux.Handle("GET /executions", handlers.NewListHandler(s.runner))
	mux.Handle("GET /executions/{name}", handlers.NewExecutionHandler(s.runner, s.app.Logs))
	mux.Handle("GET /executions/{name}/logs", handlers.NewLogsHandler(s.runner))
	mux.Handle("GET /pipelines/{id}/runs", handlers.NewRunsHandler(s, s.app.Logs))
	mux.Handle("POST /callbacks/{token}", handlers.NewCallbackHandler(s.logger, s.app.Tokens))

	mux.Handle("GET /metrics", s.registry.Handler())
}
