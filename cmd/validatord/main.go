// Package main implements validatord, the orepool validator service.
// It connects to the pool as the validator, submits forwarded hashes on chain
// and runs the periodic batch submission cycle.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/orepool/internal/chain"
	"github.com/bardlex/orepool/internal/config"
	"github.com/bardlex/orepool/internal/database"
	"github.com/bardlex/orepool/internal/hashes"
	"github.com/bardlex/orepool/internal/messaging"
	"github.com/bardlex/orepool/internal/metrics"
	"github.com/bardlex/orepool/internal/submission"
	"github.com/bardlex/orepool/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err == nil {
		err = cfg.ValidateChain()
	}
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
	logger.Info("starting validatord",
		"version", cfg.Version,
		"validator_address", cfg.ValidatorAddress,
		"pool_url", cfg.PoolURL,
		"rpc_url", cfg.RPCURL,
		"batch_interval", cfg.BatchInterval.String(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signer, err := chain.LoadKeypair(cfg.KeypairPath)
	if err != nil {
		logger.WithError(err).Error("failed to load validator keypair")
		os.Exit(1)
	}

	rpcClient, err := chain.NewRPCClient(ctx, chain.RPCConfig{
		URL:            cfg.RPCURL,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create chain client")
		os.Exit(1)
	}

	v, err := NewValidator(ctx, cfg, rpcClient, signer, logger)
	if err != nil {
		rpcClient.Close()
		logger.WithError(err).Error("failed to initialize validator")
		os.Exit(1)
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- v.Run(ctx)
	}()

	var runErr error
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
		cancel()

		// A running cycle is allowed to finish
		select {
		case runErr = <-errCh:
		case <-time.After(30 * time.Second):
			logger.Warn("shutdown timeout exceeded")
		}
	case runErr = <-errCh:
	}
	cancel()

	v.Close()
	if runErr != nil {
		logger.WithError(runErr).Error("validator failed")
		os.Exit(1)
	}

	logger.Info("validatord stopped")
}

// Validator wires the submission pipeline, its scheduler and the pool agent
type Validator struct {
	cfg    *config.Config
	logger *log.Logger

	chain    chain.Client
	store    hashes.Store
	db       *database.Manager // nil with the memory store
	kafka    *messaging.KafkaClient
	events   *messaging.EventPublisher
	eventsWG sync.WaitGroup
	registry *prometheus.Registry

	pipeline  *submission.Pipeline
	scheduler *submission.Scheduler
	agent     *Agent

	metricsSrv *http.Server // nil when METRICS_PORT is 0
}

// NewValidator connects the configured backends and builds every component.
// The chain client is owned by the Validator from here on.
func NewValidator(ctx context.Context, cfg *config.Config, client chain.Client, signer *chain.Keypair, logger *log.Logger) (*Validator, error) {
	programID, err := chain.ParsePublicKey(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("invalid ORE_PROGRAM_ID: %w", err)
	}

	v := &Validator{
		cfg:      cfg,
		logger:   logger.WithComponent("validatord"),
		chain:    client,
		registry: prometheus.NewRegistry(),
	}
	v.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	switch cfg.StorageDriver {
	case config.StorageMemory:
		v.logger.Warn("memory storage: batch cycles only see hashes stored by this process")
		v.store = hashes.NewMemoryStore()
	default:
		db, err := database.NewManager(ctx, database.ConfigFrom(cfg), logger)
		if err != nil {
			return nil, err
		}
		v.db = db
		v.store = db
	}

	observers := []submission.Observer{metrics.New(v.registry)}
	if v.db != nil {
		observers = append(observers, v.db)
	}
	if len(cfg.KafkaBrokers) > 0 {
		v.kafka = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		v.events = messaging.NewEventPublisher(v.kafka, 1024, logger)
		observers = append(observers, v.events)
	}

	v.pipeline = submission.NewPipeline(v.store, client, signer, submission.Config{
		MinDifficulty: cfg.MinDifficulty,
		MaxBatchSize:  cfg.MaxBatchSize,
		ProgramID:     programID,
		BusAddresses:  cfg.BusAddresses,
	}, logger, observers...)

	var opts []submission.SchedulerOption
	if v.db != nil && v.db.Redis != nil {
		opts = append(opts, submission.WithLocker(v.db.Redis, submission.DefaultLockKey,
			submission.CycleLockTTL(cfg.MaxBatchSize, cfg.ConfirmTimeout)))
	}
	if cfg.ZMQAddr != "" {
		trigger, err := submission.NewZMQTrigger(cfg.ZMQAddr, cfg.ZMQTopic, logger)
		if err != nil {
			v.closeBackends()
			return nil, err
		}
		opts = append(opts, submission.WithTrigger(trigger))
	}
	v.scheduler = submission.NewScheduler(v.pipeline, cfg.BatchInterval, logger, opts...)

	v.agent = NewAgent(cfg.ValidatorAddress, cfg.PoolURL, v.pipeline, logger)

	metrics.RegisterConnectionGauges(v.registry, v.poolConnections, v.agent.Connected)
	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(v.registry, promhttp.HandlerOpts{}))
		v.metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddress(),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return v, nil
}

func (v *Validator) poolConnections() int {
	if v.agent.Connected() {
		return 1
	}
	return 0
}

// Run starts the pool agent, the scheduler and the side channels, and
// returns once all of them have stopped
func (v *Validator) Run(ctx context.Context) error {
	if v.events != nil {
		v.eventsWG.Add(1)
		go func() {
			defer v.eventsWG.Done()
			v.events.Run(ctx)
		}()
	}
	if v.db != nil {
		v.db.StartPeriodicTasks(ctx, func() (int64, bool) {
			return int64(v.poolConnections()), v.agent.Connected()
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return v.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return v.agent.Run(gctx)
	})

	if v.metricsSrv != nil {
		g.Go(func() error {
			v.logger.Info("metrics listening", "address", v.metricsSrv.Addr)
			if err := v.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return v.metricsSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Close releases the chain client and the backends. Call it after Run has
// returned.
func (v *Validator) Close() {
	// Queued events drain before Kafka closes
	v.eventsWG.Wait()
	v.closeBackends()
	v.chain.Close()
}

func (v *Validator) closeBackends() {
	// Close Kafka client
	if v.kafka != nil {
		if err := v.kafka.Close(); err != nil {
			v.logger.WithError(err).Error("failed to close Kafka client")
		}
	}

	// Close database manager
	if v.db != nil {
		if err := v.db.Close(); err != nil {
			v.logger.WithError(err).Error("failed to close database manager")
		}
	}
}
