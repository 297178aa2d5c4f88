// Package main implements poold, the orepool coordination service.
// It accepts miner and validator connections and serves the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/bardlex/orepool/internal/api"
	"github.com/bardlex/orepool/internal/config"
	"github.com/bardlex/orepool/internal/coordinator"
	"github.com/bardlex/orepool/internal/database"
	"github.com/bardlex/orepool/internal/database/redis"
	"github.com/bardlex/orepool/internal/hashes"
	"github.com/bardlex/orepool/internal/lifecycle"
	"github.com/bardlex/orepool/internal/messaging"
	"github.com/bardlex/orepool/internal/metrics"
	"github.com/bardlex/orepool/internal/registry"
	"github.com/bardlex/orepool/internal/validation"
	"github.com/bardlex/orepool/pkg/log"
)

// submitRateWindow is the window SUBMIT_RATE_LIMIT applies to
const submitRateWindow = time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.WithError(err).Warn("failed to set GOMAXPROCS")
	}
	logger.Info("starting poold",
		"version", cfg.Version,
		"listen_addr", cfg.ListenAddress(),
		"api_addr", cfg.APIAddress(),
		"transport", cfg.Transport,
		"storage", cfg.StorageDriver,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := NewPool(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize pool")
		os.Exit(1)
	}

	// The coordination listener binds before anything is served
	if err := pool.server.EnsureStarted(ctx); err != nil {
		logger.WithError(err).Error("failed to start coordination server")
		pool.closeBackends()
		os.Exit(1)
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Run(ctx)
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("pool failed")
		}
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("poold stopped")
}

// Pool wires the coordination server, its storage and its side channels
type Pool struct {
	cfg    *config.Config
	logger *log.Logger

	store    hashes.Store
	db       *database.Manager // nil with the memory store
	kafka    *messaging.KafkaClient
	events   *messaging.EventPublisher
	eventsWG sync.WaitGroup
	registry *registry.Registry
	metrics  *prometheus.Registry

	server  *coordinator.Server
	httpSrv *http.Server
}

// NewPool connects the configured backends and builds every component
func NewPool(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Pool, error) {
	p := &Pool{
		cfg:      cfg,
		logger:   logger.WithComponent("poold"),
		registry: registry.New(cfg.ValidatorAddress),
		metrics:  prometheus.NewRegistry(),
	}
	p.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	switch cfg.StorageDriver {
	case config.StorageMemory:
		p.store = hashes.NewMemoryStore()
	default:
		db, err := database.NewManager(ctx, database.ConfigFrom(cfg), logger)
		if err != nil {
			return nil, err
		}
		p.db = db
		p.store = db
	}

	prom := metrics.New(p.metrics)
	observers := []lifecycle.Observer{prom}
	if p.db != nil {
		observers = append(observers, p.db)
	}
	if len(cfg.KafkaBrokers) > 0 {
		p.kafka = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		p.events = messaging.NewEventPublisher(p.kafka, 1024, logger)
		observers = append(observers, p.events)
	}

	lc := lifecycle.NewManager(p.store, p.registry, validation.NewSubmissionValidator(cfg.MaxDifficulty), logger, observers...)

	var opts []coordinator.HandlerOption
	if limiter := p.rateLimiter(); limiter != nil {
		opts = append(opts, coordinator.WithRateLimiter(limiter))
	}
	handler := coordinator.NewHandler(p.registry, lc, logger, opts...)
	p.server = coordinator.NewServer(coordinator.ServerConfigFrom(cfg), handler, logger)

	metrics.RegisterConnectionGauges(p.metrics, p.server.SessionCount, p.validatorConnected)

	apiOpts := api.Options{Gatherer: p.metrics}
	if p.db != nil {
		apiOpts.Health = p.db.Health
		apiOpts.Stats = func(ctx context.Context) (any, error) {
			return p.db.GetStats(ctx)
		}
	}
	p.httpSrv = &http.Server{
		Addr:              cfg.APIAddress(),
		Handler:           api.NewRouter(p.store, p.server, logger, apiOpts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return p, nil
}

// rateLimiter is nil unless a limit is set and Redis is available
func (p *Pool) rateLimiter() coordinator.RateLimiter {
	if p.cfg.SubmitRateLimit <= 0 {
		return nil
	}
	if p.db == nil || p.db.Redis == nil {
		p.logger.Warn("SUBMIT_RATE_LIMIT ignored without Redis")
		return nil
	}
	return redis.NewRateLimiter(p.db.Redis, int64(p.cfg.SubmitRateLimit), submitRateWindow)
}

func (p *Pool) validatorConnected() bool {
	_, ok := p.registry.FindValidator()
	return ok
}

// Run serves the HTTP API and background tasks until ctx ends
func (p *Pool) Run(ctx context.Context) error {
	if p.events != nil {
		p.eventsWG.Add(1)
		go func() {
			defer p.eventsWG.Done()
			p.events.Run(ctx)
		}()
	}
	if p.db != nil {
		p.db.StartPeriodicTasks(ctx, func() (int64, bool) {
			return int64(p.server.SessionCount()), p.validatorConnected()
		})
	}

	p.logger.Info("api listening", "address", p.httpSrv.Addr)
	if err := p.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops the API, the coordination server and the backends
func (p *Pool) Shutdown(ctx context.Context) error {
	var errs []error

	if err := p.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api shutdown: %w", err))
	}
	if err := p.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("coordination server shutdown: %w", err))
	}
	// Queued events drain before Kafka closes
	p.eventsWG.Wait()
	p.closeBackends()

	return errors.Join(errs...)
}

func (p *Pool) closeBackends() {
	// Close Kafka client
	if p.kafka != nil {
		if err := p.kafka.Close(); err != nil {
			p.logger.WithError(err).Error("failed to close Kafka client")
		}
	}

	// Close database manager
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			p.logger.WithError(err).Error("failed to close database manager")
		}
	}
}
