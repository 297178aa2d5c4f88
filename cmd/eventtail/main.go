// Package main implements eventtail, which follows the pool's hash lifecycle
// events on Kafka and keeps per-miner outcome tallies.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/orepool/internal/config"
	"github.com/bardlex/orepool/internal/hashes"
	"github.com/bardlex/orepool/internal/messaging"
	"github.com/bardlex/orepool/pkg/errors"
	"github.com/bardlex/orepool/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.KafkaBrokers) == 0 {
		fmt.Fprintln(os.Stderr, "KAFKA_BROKERS is required")
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting eventtail",
		"brokers", cfg.KafkaBrokers,
		"group_id", cfg.KafkaGroupID,
	)

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	tally := NewTally(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	err = Follow(ctx, kafkaClient, cfg.KafkaGroupID, tally, time.Minute)
	if closeErr := kafkaClient.Close(); closeErr != nil {
		logger.WithError(closeErr).Error("failed to close Kafka client")
	}
	if err != nil {
		logger.WithError(err).Error("eventtail failed")
		os.Exit(1)
	}

	tally.LogSummary()
	logger.Info("eventtail stopped")
}

// Consumer runs a consumer loop for one topic
type Consumer interface {
	StartConsumer(ctx context.Context, topic, groupID string, msgFactory func() proto.Message, handler messaging.MessageHandler) error
}

// Follow consumes the submitted and resolved topics into tally until ctx
// ends, logging a summary every interval
func Follow(ctx context.Context, consumer Consumer, groupID string, tally *Tally, interval time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, topic := range []string{messaging.TopicHashSubmitted, messaging.TopicHashResolved} {
		g.Go(func() error {
			err := consumer.StartConsumer(gctx, topic, groupID, func() proto.Message {
				return &structpb.Struct{}
			}, tally)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				tally.LogSummary()
			}
		}
	})

	return g.Wait()
}

// MinerTally counts one miner's hashes
type MinerTally struct {
	Submitted int
	Confirmed int
	Rejected  int
}

// Tally aggregates hash events per miner. It implements
// messaging.MessageHandler.
type Tally struct {
	logger *log.Logger

	mu     sync.Mutex
	miners map[string]*MinerTally
}

// NewTally creates an empty tally
func NewTally(logger *log.Logger) *Tally {
	return &Tally{
		logger: logger.WithComponent("tally"),
		miners: make(map[string]*MinerTally),
	}
}

// HandleMessage records one hash event
func (t *Tally) HandleMessage(_ context.Context, key string, msg proto.Message) error {
	s, ok := msg.(*structpb.Struct)
	if !ok {
		return fmt.Errorf("unexpected message type %T", msg)
	}
	event, err := messaging.DecodeHashEvent(s)
	if err != nil {
		return fmt.Errorf("failed to decode event %s: %w", key, err)
	}

	t.mu.Lock()
	miner, ok := t.miners[event.MinerAddress]
	if !ok {
		miner = &MinerTally{}
		t.miners[event.MinerAddress] = miner
	}
	switch {
	case event.Event == messaging.EventHashSubmitted:
		miner.Submitted++
	case event.Status == string(hashes.StatusConfirmed):
		miner.Confirmed++
	case event.Status == string(hashes.StatusRejected):
		miner.Rejected++
	}
	t.mu.Unlock()

	if event.Event == messaging.EventHashResolved {
		t.logger.WithMiner(event.MinerAddress).LogHashOutcome(event.HashID, event.Status, event.Signature, event.Error)
	}
	return nil
}

// Snapshot returns a copy of the per-miner counts
func (t *Tally) Snapshot() map[string]MinerTally {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]MinerTally, len(t.miners))
	for addr, m := range t.miners {
		out[addr] = *m
	}
	return out
}

// LogSummary logs one line per miner, in address order
func (t *Tally) LogSummary() {
	snapshot := t.Snapshot()
	addrs := make([]string, 0, len(snapshot))
	for addr := range snapshot {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		m := snapshot[addr]
		t.logger.WithMiner(addr).Info("miner summary",
			"submitted", m.Submitted,
			"confirmed", m.Confirmed,
			"rejected", m.Rejected,
		)
	}
}
