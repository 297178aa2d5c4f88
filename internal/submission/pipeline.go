package submission

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/orepool/internal/chain"
	"github.com/bardlex/orepool/internal/hashes"
	"github.com/bardlex/orepool/internal/validation"
	"github.com/bardlex/orepool/pkg/errors"
	"github.com/bardlex/orepool/pkg/log"
)

var (
	// ErrInFlight is returned by Submit when the record is already being submitted.
	ErrInFlight = stderrors.New("hash submission already in progress")
	// ErrBelowMinDifficulty is returned by Submit for records a batch cycle
	// would not select either. They stay PENDING.
	ErrBelowMinDifficulty = stderrors.New("hash difficulty below submission minimum")
)

// Config selects and targets the hashes a cycle submits
type Config struct {
	MinDifficulty int64
	MaxBatchSize  int
	ProgramID     chain.PublicKey
	BusAddresses  []string
}

// Observer is told about every record a cycle resolves and every finished
// cycle. Implementations must not block.
type Observer interface {
	HashResolved(ctx context.Context, rec *hashes.Record)
	CycleCompleted(ctx context.Context, report CycleReport)
}

// Outcome is the result of submitting one hash
type Outcome struct {
	Confirmed bool
	// Signature is set once a transaction was sent.
	Signature string
	Reason    string
}

// Update converts the outcome into a store update
func (o Outcome) Update() hashes.Update {
	if o.Confirmed {
		return hashes.Confirmed(o.Signature)
	}
	return hashes.Rejected(o.Reason, o.Signature)
}

// CycleReport summarizes one batch cycle
type CycleReport struct {
	Selected  int
	Confirmed int
	Rejected  int
	// Skipped counts records resolved elsewhere while the cycle ran.
	Skipped  int
	Duration time.Duration
}

// Processed is the number of records the cycle finalized
func (r CycleReport) Processed() int {
	return r.Confirmed + r.Rejected
}

// Pipeline submits pending hashes on chain
type Pipeline struct {
	store     hashes.Store
	client    chain.Client
	buses     *BusSelector
	signer    *chain.Keypair
	cfg       Config
	observers []Observer
	logger    *log.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	// sent holds outcomes of submissions whose result is not in the store
	// yet, so a later cycle records them instead of sending again.
	sent map[string]Outcome
}

// NewPipeline wires a Pipeline. signer pays for and signs every transaction.
func NewPipeline(store hashes.Store, client chain.Client, signer *chain.Keypair, cfg Config, logger *log.Logger, observers ...Observer) *Pipeline {
	return &Pipeline{
		store:     store,
		client:    client,
		buses:     NewBusSelector(client, logger),
		signer:    signer,
		cfg:       cfg,
		observers: observers,
		logger:    logger.WithComponent("pipeline"),
		inFlight:  make(map[string]struct{}),
		sent:      make(map[string]Outcome),
	}
}

// RunCycle submits up to MaxBatchSize PENDING hashes at or above
// MinDifficulty, highest difficulty first, one at a time. A failing record is
// rejected and the cycle moves on.
func (p *Pipeline) RunCycle(ctx context.Context) (CycleReport, error) {
	start := time.Now()
	var report CycleReport

	p.forgetResolved(ctx)

	pending, err := p.store.FindPending(ctx, p.cfg.MinDifficulty, p.cfg.MaxBatchSize)
	if err != nil {
		return report, errors.Wrap(err, errors.ErrorTypeDatabase, "run_cycle",
			"failed to load pending hashes")
	}
	report.Selected = len(pending)
	if len(pending) == 0 {
		p.logger.Debug("no pending hashes to submit")
		return report, nil
	}

	for _, rec := range pending {
		if !p.claim(rec.ID) {
			report.Skipped++
			continue
		}
		updated, resolved := p.resolve(ctx, rec)
		p.release(rec.ID)
		if !resolved {
			report.Skipped++
			continue
		}

		if updated.Status == hashes.StatusConfirmed {
			report.Confirmed++
		} else {
			report.Rejected++
		}
		p.logger.LogHashOutcome(updated.ID, string(updated.Status), updated.SignatureValue(), updated.ErrorValue())
		for _, o := range p.observers {
			o.HashResolved(ctx, updated)
		}
	}

	report.Duration = time.Since(start)
	p.logger.LogCycle(report.Processed(), report.Confirmed, report.Rejected, report.Duration)
	for _, o := range p.observers {
		o.CycleCompleted(ctx, report)
	}
	return report, nil
}

// resolve submits a claimed record unless it left PENDING since the cycle
// selected it, then stores the outcome. An outcome from an earlier
// submission is stored without sending again. It reports false when nothing
// was recorded.
func (p *Pipeline) resolve(ctx context.Context, rec *hashes.Record) (*hashes.Record, bool) {
	logger := p.logger.WithHash(rec.ID, rec.Difficulty)

	current, err := p.store.FindByID(ctx, rec.ID)
	if err != nil {
		logger.WithError(err).Error("failed to re-read pending hash")
		return nil, false
	}
	if current.Status != hashes.StatusPending {
		p.forget(rec.ID)
		logger.Debug("hash resolved elsewhere", "status", current.Status)
		return nil, false
	}

	outcome, ok := p.sentOutcome(rec.ID)
	if ok {
		logger.Info("recording earlier submission", "signature", outcome.Signature)
	} else {
		outcome = p.submit(ctx, current)
	}

	updated, err := p.store.Update(ctx, rec.ID, outcome.Update())
	switch {
	case errors.Is(err, hashes.ErrFinalized):
		p.forget(rec.ID)
		logger.Warn("hash finalized during submission", "signature", outcome.Signature)
		return nil, false
	case err != nil:
		p.remember(rec.ID, outcome)
		logger.WithError(err).Error("failed to record outcome",
			"signature", outcome.Signature, "confirmed", outcome.Confirmed)
		return nil, false
	}
	p.forget(rec.ID)
	return updated, true
}

// Submit sends the transaction for one record without touching the store.
// It returns ErrInFlight if a cycle is already submitting the same record and
// ErrBelowMinDifficulty for records under the configured minimum. A record
// submitted before returns its earlier outcome without sending again.
func (p *Pipeline) Submit(ctx context.Context, rec *hashes.Record) (Outcome, error) {
	if rec.Difficulty < p.cfg.MinDifficulty {
		return Outcome{}, ErrBelowMinDifficulty
	}
	if !p.claim(rec.ID) {
		return Outcome{}, ErrInFlight
	}
	defer p.release(rec.ID)

	if outcome, ok := p.sentOutcome(rec.ID); ok {
		return outcome, nil
	}
	outcome := p.submit(ctx, rec)
	p.remember(rec.ID, outcome)
	return outcome, nil
}

func (p *Pipeline) submit(ctx context.Context, rec *hashes.Record) Outcome {
	logger := p.logger.WithHash(rec.ID, rec.Difficulty).WithMiner(rec.MinerAddress)
	start := time.Now()
	defer func() { logger.LogDuration("submit_hash", time.Since(start)) }()

	tx, err := p.build(ctx, rec)
	if err != nil {
		logger.WithError(err).Warn("hash rejected before sending")
		return Outcome{Reason: reason(err)}
	}

	signature, err := p.client.SendTransaction(ctx, tx)
	if err != nil {
		logger.WithError(err).Warn("failed to send transaction")
		return Outcome{Reason: reason(err)}
	}

	confirmation, err := p.client.ConfirmTransaction(ctx, signature)
	if err != nil {
		logger.WithError(err).Warn("transaction not confirmed", "signature", signature)
		return Outcome{Signature: signature, Reason: reason(err)}
	}
	if confirmation.Failed() {
		return Outcome{Signature: signature, Reason: string(confirmation.Err)}
	}
	return Outcome{Confirmed: true, Signature: signature}
}

func (p *Pipeline) build(ctx context.Context, rec *hashes.Record) (*chain.Transaction, error) {
	busAddr, err := p.buses.SelectAvailable(ctx, p.cfg.BusAddresses)
	if err != nil {
		return nil, err
	}
	bus, err := chain.ParsePublicKey(busAddr)
	if err != nil {
		return nil, err
	}

	payload, err := validation.DecodePayload(rec.Hash, rec.Nonce)
	if err != nil {
		return nil, err
	}

	miner, err := chain.ParsePublicKey(rec.MinerAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid miner address: %w", err)
	}

	blockhash, err := p.client.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	return chain.BuildMineTransaction(p.cfg.ProgramID, p.signer, miner, bus, payload.Bytes(), blockhash)
}

func (p *Pipeline) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[id]; busy {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}

func (p *Pipeline) remember(id string, o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent[id] = o
}

func (p *Pipeline) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sent, id)
}

func (p *Pipeline) sentOutcome(id string) (Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.sent[id]
	return o, ok
}

// forgetResolved drops remembered outcomes whose record is no longer
// PENDING or is unknown to the store.
func (p *Pipeline) forgetResolved(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.sent))
	for id := range p.sent {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		rec, err := p.store.FindByID(ctx, id)
		switch {
		case errors.Is(err, hashes.ErrNotFound):
			p.forget(id)
		case err != nil:
			p.logger.WithError(err).Warn("failed to check remembered submission", "hash_id", id)
		case rec.Status != hashes.StatusPending:
			p.forget(id)
		}
	}
}

// Remembered is the number of submissions whose outcome is not stored yet
func (p *Pipeline) Remembered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

// reason renders err for the record's error field. Service errors are
// reduced to the innermost message and its root cause.
func reason(err error) string {
	se, ok := err.(*errors.ServiceError)
	if !ok {
		return err.Error()
	}
	for {
		var inner *errors.ServiceError
		if se.Cause == nil || !errors.As(se.Cause, &inner) {
			break
		}
		se = inner
	}
	if se.Cause != nil {
		return fmt.Sprintf("%s: %v", se.Message, se.Cause)
	}
	return se.Message
}
