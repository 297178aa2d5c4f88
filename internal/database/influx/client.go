// Package influx provides the InfluxDB client that records hash lifecycle
// and batch cycle time series.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names
const (
	MeasurementSubmissions = "hash_submissions"
	MeasurementOutcomes    = "hash_outcomes"
	MeasurementCycles      = "batch_cycles"
	MeasurementConnections = "connections"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
	now      func() time.Time
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(healthCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return newClient(client, cfg), nil
}

func newClient(client influxdb2.Client, cfg *Config) *Client {
	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
		now:      time.Now,
	}
}

// Errors exposes asynchronous write failures
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Hash metrics

// SubmissionPoint describes an accepted hash
func SubmissionPoint(minerAddress string, difficulty int64, forwarded bool, at time.Time) *write.Point {
	tags := map[string]string{
		"miner":     minerAddress,
		"forwarded": fmt.Sprintf("%t", forwarded),
	}

	fields := map[string]interface{}{
		"difficulty": difficulty,
		"count":      1,
	}

	return write.NewPoint(MeasurementSubmissions, tags, fields, at)
}

// OutcomePoint describes a hash leaving PENDING
func OutcomePoint(minerAddress, status string, difficulty int64, latency time.Duration, at time.Time) *write.Point {
	tags := map[string]string{
		"miner":  minerAddress,
		"status": status,
	}

	fields := map[string]interface{}{
		"difficulty": difficulty,
		"latency_ms": latency.Milliseconds(),
		"count":      1,
	}

	return write.NewPoint(MeasurementOutcomes, tags, fields, at)
}

// CyclePoint describes one finished batch cycle
func CyclePoint(selected, confirmed, rejected, skipped int, d time.Duration, at time.Time) *write.Point {
	fields := map[string]interface{}{
		"selected":    selected,
		"confirmed":   confirmed,
		"rejected":    rejected,
		"skipped":     skipped,
		"duration_ms": d.Milliseconds(),
	}

	return write.NewPoint(MeasurementCycles, map[string]string{}, fields, at)
}

// ConnectionPoint describes the connection count at a moment
func ConnectionPoint(activeConnections int64, validatorConnected bool, at time.Time) *write.Point {
	fields := map[string]interface{}{
		"active_connections":  activeConnections,
		"validator_connected": validatorConnected,
	}

	return write.NewPoint(MeasurementConnections, map[string]string{}, fields, at)
}

// WriteHashSubmission records an accepted hash
func (c *Client) WriteHashSubmission(minerAddress string, difficulty int64, forwarded bool) {
	c.writeAPI.WritePoint(SubmissionPoint(minerAddress, difficulty, forwarded, c.now()))
}

// WriteHashOutcome records a final hash status
func (c *Client) WriteHashOutcome(minerAddress, status string, difficulty int64, latency time.Duration) {
	c.writeAPI.WritePoint(OutcomePoint(minerAddress, status, difficulty, latency, c.now()))
}

// WriteCycle records a batch cycle
func (c *Client) WriteCycle(selected, confirmed, rejected, skipped int, d time.Duration) {
	c.writeAPI.WritePoint(CyclePoint(selected, confirmed, rejected, skipped, d, c.now()))
}

// WriteConnectionMetric records connection statistics
func (c *Client) WriteConnectionMetric(activeConnections int64, validatorConnected bool) {
	c.writeAPI.WritePoint(ConnectionPoint(activeConnections, validatorConnected, c.now()))
}

// Query methods

// GetOutcomeStats sums outcomes by status over duration
func (c *Client) GetOutcomeStats(ctx context.Context, duration time.Duration) (*OutcomeStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["status"])
		|> sum()
	`, c.bucket, duration.String(), MeasurementOutcomes)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome stats: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	stats := &OutcomeStats{}
	for result.Next() {
		record := result.Record()
		count, ok := record.Value().(int64)
		if !ok {
			continue
		}
		switch record.ValueByKey("status") {
		case "CONFIRMED":
			stats.Confirmed = count
		case "REJECTED":
			stats.Rejected = count
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	if total := stats.Confirmed + stats.Rejected; total > 0 {
		stats.ConfirmedPercent = float64(stats.Confirmed) / float64(total) * 100
	}

	return stats, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// OutcomeStats aggregates final hash statuses
type OutcomeStats struct {
	Confirmed        int64   `json:"confirmed"`
	Rejected         int64   `json:"rejected"`
	ConfirmedPercent float64 `json:"confirmed_percent"`
}
