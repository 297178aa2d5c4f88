package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/orepool/internal/hashes"
	"github.com/bardlex/orepool/internal/protocol"
	"github.com/bardlex/orepool/internal/submission"
	"github.com/bardlex/orepool/pkg/errors"
	"github.com/bardlex/orepool/pkg/log"
	"github.com/bardlex/orepool/pkg/poolclient"
	"github.com/bardlex/orepool/pkg/retry"
)

// Submitter sends one forwarded hash on chain
type Submitter interface {
	Submit(ctx context.Context, rec *hashes.Record) (submission.Outcome, error)
}

// reporter returns verdicts to the pool
type reporter interface {
	SubmitValidationResult(hashID string, success bool, signature, errMsg *string) error
}

// Agent is the validator's side of the pool connection. It registers under
// the validator address, submits every forwarded hash and reports the verdict.
type Agent struct {
	address   string
	poolURL   string
	submitter Submitter
	logger    *log.Logger

	queueSize      int
	reconnectDelay time.Duration
	connected      atomic.Bool
}

// NewAgent creates an agent for the pool at poolURL
func NewAgent(address, poolURL string, submitter Submitter, logger *log.Logger) *Agent {
	return &Agent{
		address:        address,
		poolURL:        poolURL,
		submitter:      submitter,
		logger:         logger.WithComponent("agent"),
		queueSize:      256,
		reconnectDelay: 5 * time.Second,
	}
}

// Connected reports whether the pool accepted the validator registration
func (a *Agent) Connected() bool {
	return a.connected.Load()
}

// Run keeps a pool connection open until ctx ends, reconnecting after
// failures
func (a *Agent) Run(ctx context.Context) error {
	for {
		err := a.session(ctx)
		a.connected.Store(false)
		if ctx.Err() != nil {
			return nil
		}

		a.logger.WithError(err).Warn("pool connection lost, reconnecting",
			"delay", a.reconnectDelay.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.reconnectDelay):
		}
	}
}

func (a *Agent) session(ctx context.Context) error {
	jobs := make(chan *protocol.ValidateHash, a.queueSize)

	client, err := retry.DoWithResult(ctx, retry.NetworkConfig(), func() (*poolclient.Client, error) {
		return poolclient.Dial(ctx, a.poolURL, poolclient.Handlers{
			OnRegistered:   a.onRegistered,
			OnValidateHash: func(msg *protocol.ValidateHash) { a.enqueue(jobs, msg) },
			OnError: func(message string) {
				a.logger.Warn("pool reported an error", "message", message)
			},
		}, a.logger)
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.work(ctx, client, client.Done(), jobs)
	}()

	if err := client.Register(a.address); err != nil {
		_ = client.Close()
		close(jobs)
		wg.Wait()
		return err
	}
	a.logger.Info("connected to pool", "pool_url", a.poolURL, "address", a.address)

	runErr := client.Run(ctx)

	// Handlers have stopped; hashes still queued stay PENDING for the batch
	_ = client.Close()
	close(jobs)
	wg.Wait()

	if runErr == nil {
		runErr = errors.New(errors.ErrorTypeNetwork, "pool_session", "pool closed the connection")
	}
	return runErr
}

func (a *Agent) onRegistered(isValidator bool) {
	if !isValidator {
		a.logger.Error("pool did not grant the validator role", "address", a.address)
		return
	}
	a.connected.Store(true)
	a.logger.Info("registered as validator", "address", a.address)
}

// enqueue never blocks the read loop. A dropped hash stays PENDING.
func (a *Agent) enqueue(jobs chan<- *protocol.ValidateHash, msg *protocol.ValidateHash) {
	select {
	case jobs <- msg:
	default:
		a.logger.WithHash(msg.HashID, msg.Difficulty).Warn("validation queue full, leaving hash to the batch cycle")
	}
}

// work validates queued hashes one at a time until jobs is closed. Jobs
// received after done is closed are skipped.
func (a *Agent) work(ctx context.Context, r reporter, done <-chan struct{}, jobs <-chan *protocol.ValidateHash) {
	for msg := range jobs {
		select {
		case <-done:
			continue
		default:
		}
		a.validate(ctx, r, msg)
	}
}

// validate submits one forwarded hash and reports the verdict. A submission
// in progress is never cut short by ctx.
func (a *Agent) validate(ctx context.Context, r reporter, msg *protocol.ValidateHash) {
	rec := &hashes.Record{
		ID:           msg.HashID,
		Hash:         msg.Hash,
		Difficulty:   msg.Difficulty,
		MinerAddress: msg.MinerAddress,
		Nonce:        msg.Nonce,
		Status:       hashes.StatusPending,
	}
	logger := a.logger.WithHash(rec.ID, rec.Difficulty).WithMiner(rec.MinerAddress)

	outcome, err := a.submitter.Submit(context.WithoutCancel(ctx), rec)
	switch {
	case errors.Is(err, submission.ErrInFlight):
		logger.Info("hash already being submitted by a batch cycle")
		return
	case errors.Is(err, submission.ErrBelowMinDifficulty):
		logger.Info("hash below submission difficulty, leaving it pending")
		return
	}

	var signature, reason *string
	if outcome.Signature != "" {
		signature = &outcome.Signature
	}
	status := hashes.StatusConfirmed
	if !outcome.Confirmed {
		status = hashes.StatusRejected
		reason = &outcome.Reason
	}
	logger.LogHashOutcome(rec.ID, string(status), outcome.Signature, outcome.Reason)

	if err := r.SubmitValidationResult(rec.ID, outcome.Confirmed, signature, reason); err != nil {
		logger.WithError(err).Warn("failed to report validation result")
	}
}
