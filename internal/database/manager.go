// Package database provides unified storage management for the orepool
// coordinator. It persists hash records in PostgreSQL and, when configured,
// keeps counters in Redis and time series in InfluxDB.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/orepool/internal/config"
	"github.com/bardlex/orepool/internal/database/influx"
	"github.com/bardlex/orepool/internal/database/postgres"
	"github.com/bardlex/orepool/internal/database/redis"
	"github.com/bardlex/orepool/internal/hashes"
	"github.com/bardlex/orepool/internal/submission"
	"github.com/bardlex/orepool/pkg/circuit"
	"github.com/bardlex/orepool/pkg/errors"
	"github.com/bardlex/orepool/pkg/log"
	"github.com/bardlex/orepool/pkg/retry"
)

// Manager coordinates storage across PostgreSQL, Redis and InfluxDB. It
// implements hashes.Store and observes the hash lifecycle.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client  // nil when not configured
	Influx   *influx.Client // nil when not configured

	Hashes *postgres.HashRepository

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config

	logger   *log.Logger
	counters chan string
}

// Config holds configuration for all database systems. Nil Redis or Influx
// disables that system.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

var _ hashes.Store = (*Manager)(nil)

// ConfigFrom maps the process configuration onto the storage configuration.
// Redis and InfluxDB are enabled by their URLs.
func ConfigFrom(cfg *config.Config) *Config {
	dbConfig := &Config{
		Postgres: postgres.DefaultConfig(cfg.PostgresURL),
	}
	if cfg.RedisURL != "" {
		dbConfig.Redis = redis.DefaultConfig(cfg.RedisURL)
	}
	if cfg.InfluxURL != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dbConfig
}

// NewManager connects every configured database and applies migrations
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	logger = logger.WithComponent("database")

	pgClient, err := postgres.NewClient(ctx, cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}
	if err := pgClient.Migrate(); err != nil {
		_ = pgClient.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migration",
			"failed to migrate PostgreSQL database")
	}

	m := &Manager{
		Postgres: pgClient,
		Hashes:   postgres.NewHashRepository(pgClient.DB()),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "postgres",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
			IsFailure:       isStoreFailure,
			OnStateChange: func(name string, from, to circuit.State) {
				logger.Warn("circuit breaker state changed",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		retryConfig: retry.DatabaseConfig(),
		logger:      logger,
		counters:    make(chan string, 256),
	}

	if cfg.Redis != nil {
		m.Redis, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			m.closeQuietly()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
		}
	}

	if cfg.Influx != nil {
		m.Influx, err = influx.NewClient(ctx, cfg.Influx)
		if err != nil {
			m.closeQuietly()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database")
		}
	}

	logger.Info("database connections established",
		"redis", m.Redis != nil, "influx", m.Influx != nil)
	return m, nil
}

func (m *Manager) closeQuietly() {
	if err := m.Close(); err != nil {
		m.logger.WithError(err).Warn("failed to close databases during cleanup")
	}
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	return errors.Join(errs...)
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// hashes.Store

// Create stores a new PENDING record
func (m *Manager) Create(ctx context.Context, sub hashes.NewSubmission) (*hashes.Record, error) {
	rec, err := store(ctx, m, func() (*hashes.Record, error) {
		return m.Hashes.Create(ctx, sub)
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "create_hash",
			"failed to store hash").
			WithContext("miner_address", sub.MinerAddress).
			WithContext("difficulty", sub.Difficulty)
	}
	return rec, nil
}

// Update applies u if the record is still PENDING. ErrNotFound, ErrFinalized
// and ErrInvalidTransition are returned unchanged.
func (m *Manager) Update(ctx context.Context, id string, u hashes.Update) (*hashes.Record, error) {
	rec, err := store(ctx, m, func() (*hashes.Record, error) {
		return m.Hashes.Update(ctx, id, u)
	})
	if err != nil {
		if !isStoreFailure(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "update_hash",
			"failed to update hash").
			WithContext("hash_id", id).
			WithContext("status", string(u.Status))
	}
	return rec, nil
}

// FindByID retrieves a record by id
func (m *Manager) FindByID(ctx context.Context, id string) (*hashes.Record, error) {
	return store(ctx, m, func() (*hashes.Record, error) {
		return m.Hashes.FindByID(ctx, id)
	})
}

// FindPending returns the next records to submit
func (m *Manager) FindPending(ctx context.Context, minDifficulty int64, limit int) ([]*hashes.Record, error) {
	return store(ctx, m, func() ([]*hashes.Record, error) {
		return m.Hashes.FindPending(ctx, minDifficulty, limit)
	})
}

// List returns records ordered by difficulty descending
func (m *Manager) List(ctx context.Context, filter hashes.ListFilter) ([]*hashes.Record, error) {
	return store(ctx, m, func() ([]*hashes.Record, error) {
		return m.Hashes.List(ctx, filter)
	})
}

// store runs fn behind the breaker with retries
func store[T any](ctx context.Context, m *Manager, fn func() (T, error)) (T, error) {
	return circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() (T, error) {
		return retry.DoWithResult(ctx, m.retryConfig, fn)
	})
}

// isStoreFailure reports whether err means the database misbehaved, as
// opposed to a record-level outcome
func isStoreFailure(err error) bool {
	return !errors.Is(err, hashes.ErrNotFound) &&
		!errors.Is(err, hashes.ErrFinalized) &&
		!errors.Is(err, hashes.ErrInvalidTransition)
}

// Lifecycle observation. Influx writes are asynchronous and counters are
// handed to the background worker, so none of these block.

// HashSubmitted records an accepted hash
func (m *Manager) HashSubmitted(_ context.Context, rec *hashes.Record, forwarded bool) {
	if m.Influx != nil {
		m.Influx.WriteHashSubmission(rec.MinerAddress, rec.Difficulty, forwarded)
	}
	m.count(counterKey("submitted", time.Now()))
}

// HashResolved records a final hash status
func (m *Manager) HashResolved(_ context.Context, rec *hashes.Record) {
	if m.Influx != nil {
		m.Influx.WriteHashOutcome(rec.MinerAddress, string(rec.Status), rec.Difficulty,
			rec.UpdatedAt.Sub(rec.CreatedAt))
	}
	m.count(counterKey(string(rec.Status), time.Now()))
}

// CycleCompleted records a batch cycle
func (m *Manager) CycleCompleted(_ context.Context, report submission.CycleReport) {
	if m.Influx != nil {
		m.Influx.WriteCycle(report.Selected, report.Confirmed, report.Rejected, report.Skipped, report.Duration)
	}
}

func (m *Manager) count(key string) {
	if m.Redis == nil {
		return
	}
	select {
	case m.counters <- key:
	default:
		m.logger.Debug("counter queue full, dropping increment", "key", key)
	}
}

// counterKey names the daily counter for event
func counterKey(event string, at time.Time) string {
	return fmt.Sprintf("stats:hashes:%s:%s", event, at.UTC().Format("2006-01-02"))
}

// Stats summarizes today's hash activity
type Stats struct {
	Submitted int64                `json:"submitted"`
	Confirmed int64                `json:"confirmed"`
	Rejected  int64                `json:"rejected"`
	Outcomes  *influx.OutcomeStats `json:"outcomes24h,omitempty"`
}

// GetStats reads today's counters from Redis and the last day of outcomes
// from InfluxDB, skipping whichever is not configured
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	now := time.Now()

	if m.Redis != nil {
		counters := []struct {
			event string
			dest  *int64
		}{
			{"submitted", &stats.Submitted},
			{string(hashes.StatusConfirmed), &stats.Confirmed},
			{string(hashes.StatusRejected), &stats.Rejected},
		}
		for _, c := range counters {
			n, err := m.Redis.GetCounter(ctx, counterKey(c.event, now))
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "get_stats",
					"failed to read counters")
			}
			*c.dest = n
		}
	}

	if m.Influx != nil {
		outcomes, err := m.Influx.GetOutcomeStats(ctx, 24*time.Hour)
		if err != nil {
			m.logger.WithError(err).Warn("failed to query outcome stats")
		} else {
			stats.Outcomes = outcomes
		}
	}

	return stats, nil
}

// StartPeriodicTasks starts background maintenance until ctx ends:
// counter increments, InfluxDB flushing and connection sampling.
func (m *Manager) StartPeriodicTasks(ctx context.Context, connections func() (active int64, validatorConnected bool)) {
	if m.Redis != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case key := <-m.counters:
					if _, err := m.Redis.IncrementCounter(ctx, key, 48*time.Hour); err != nil {
						m.logger.WithError(err).Warn("failed to increment counter", "key", key)
					}
				}
			}
		}()
	}

	if m.Influx == nil {
		return
	}

	go func() {
		errs := m.Influx.Errors()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				m.logger.WithError(err).Warn("InfluxDB write failed")
			}
		}
	}()

	// Flush InfluxDB writes every 10 seconds
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()

	if connections == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				active, validator := connections()
				m.Influx.WriteConnectionMetric(active, validator)
			}
		}
	}()
}
