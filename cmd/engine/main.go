package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flowforge/etlengine/internal/cache"
	"github.com/flowforge/etlengine/internal/condition"
	"github.com/flowforge/etlengine/internal/config"
	"github.com/flowforge/etlengine/internal/engine"
	"github.com/flowforge/etlengine/internal/eventbus"
	"github.com/flowforge/etlengine/internal/httpapi"
	"github.com/flowforge/etlengine/internal/models"
	"github.com/flowforge/etlengine/internal/monitor"
	"github.com/flowforge/etlengine/internal/notifier"
	"github.com/flowforge/etlengine/internal/observability"
	"github.com/flowforge/etlengine/internal/processor"
	"github.com/flowforge/etlengine/internal/processor/builtin"
	"github.com/flowforge/etlengine/internal/repo"
	"github.com/flowforge/etlengine/internal/repo/postgres"
	"github.com/flowforge/etlengine/internal/seed"
)

const serviceName = "etlengine"

func main() {
	root := &cobra.Command{
		Use:   "engine",
		Short: "ETL workflow engine",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newSeedCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine's HTTP gateway and scheduling loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert the sample workflow definition and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed()
		},
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	return observability.NewLogger(cfg.App.Environment, cfg.App.LogLevel)
}

func runSeed() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	repository, err := postgres.New(cfg.Database.URL, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	seed.Run(context.Background(), repository, logger)
	return nil
}

// server holds everything runServe wires together, so Start can drive the
// graceful-shutdown sequence the teacher's cmd/engine/main.go used for its
// gRPC+HTTP pair, generalized here to HTTP + the engine's own in-flight
// executions.
type server struct {
	logger     *zap.Logger
	cfg        *config.Config
	eng        *engine.Engine
	repository repo.Repository
	httpServer *http.Server
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting etlengine", zap.String("service", serviceName), zap.String("version", cfg.App.Version))

	shutdownTracing, err := observability.InitTracing(serviceName, cfg.App.Version, cfg.Observability.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer shutdownTracing()

	metrics := observability.NewMetrics()

	repository, err := postgres.New(cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("failed to initialize repository", zap.Error(err))
	}
	defer repository.Close()

	execCache := buildCache(cfg, logger)
	defer execCache.Close()

	bus := buildEventBus(cfg, logger)
	defer bus.Close()

	mon := monitor.New(bus, metrics, logger)
	notif := buildNotifier(cfg, logger)

	registry := processor.NewRegistry(map[models.StepType]processor.Processor{
		models.StepExtract:   builtin.Passthrough,
		models.StepTransform: builtin.Passthrough,
		models.StepLoad:      builtin.Passthrough,
		models.StepEnrich:    builtin.NewHTTPProcessor(),
		models.StepValidate:  builtin.NewValidateProcessor(),
		models.StepBranch:    builtin.Passthrough,
		models.StepJoin:      builtin.Passthrough,
		models.StepCustom:    builtin.WaitProcessor,
	})

	evaluator := condition.New()
	evaluator.LegacyExpressionSemantics = cfg.Execution.LegacyExpressionSemantics

	engineCfg := engine.Config{
		MaxConcurrentExecutions:  int64(cfg.Execution.MaxConcurrency),
		DefaultWorkflowTimeout:   cfg.Execution.DefaultWorkflowTimeout,
		DefaultRetryInterval:     cfg.Execution.DefaultRetryInterval,
		ExponentialBackoff:       cfg.Execution.ExponentialBackoff,
		MaxRetryBackoff:          cfg.Execution.MaxRetryBackoff,
		LegacyExpressionSemantics: cfg.Execution.LegacyExpressionSemantics,
	}
	eng := engine.New(engineCfg, repository, execCache, mon, notif, registry, evaluator, logger)

	seed.Run(context.Background(), repository, logger)

	s := &server{logger: logger, cfg: cfg, eng: eng, repository: repository}
	return s.start()
}

func buildCache(cfg *config.Config, logger *zap.Logger) cache.ExecutionCache {
	if cfg.Redis.URL == "" {
		return cache.NopCache{}
	}
	c, err := cache.New(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL, logger)
	if err != nil {
		logger.Warn("redis cache unavailable, falling back to no-op cache", zap.Error(err))
		return cache.NopCache{}
	}
	return c
}

func buildEventBus(cfg *config.Config, logger *zap.Logger) eventbus.Bus {
	if cfg.EventBus.URL == "" {
		return eventbus.NopBus{}
	}
	b, err := eventbus.Connect(cfg.EventBus.URL, cfg.EventBus.Exchange, logger)
	if err != nil {
		logger.Warn("event bus unavailable, falling back to no-op bus", zap.Error(err))
		return eventbus.NopBus{}
	}
	return b
}

func buildNotifier(cfg *config.Config, logger *zap.Logger) notifier.Notifier {
	if cfg.Notifier.URL == "" {
		return notifier.NopNotifier{}
	}
	return notifier.New(cfg.Notifier.URL, cfg.Notifier.RequestsPerSecond, cfg.Notifier.BurstSize, logger)
}

// start mirrors the teacher's Server.Start: run the long-lived components
// in goroutines, wait for an interrupt, then drain within a 30s budget.
func (s *server) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.startHTTPServer(ctx); err != nil {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	s.logger.Info("shutdown signal received, gracefully stopping")

	cancel()
	if err := s.eng.Close(); err != nil {
		s.logger.Warn("engine shutdown reported an error", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("server shutdown complete")
	case <-time.After(30 * time.Second):
		s.logger.Warn("shutdown timeout exceeded, forcing exit")
	}
	return nil
}

func (s *server) startHTTPServer(ctx context.Context) error {
	addr := s.cfg.HTTP.Address
	s.logger.Info("starting http server", zap.String("address", addr))

	api := httpapi.NewServer(s.eng, s.repository, s.cfg.HTTP.AuthToken, s.cfg.App.Version, s.logger)

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("http server error: %w", err)
	}
}
