// Package lifecycle owns the life of a hash submission inside the coordinator:
// persisting it, forwarding it to the validator and propagating the verdict
// back to the miner.
package lifecycle

import (
	"context"

	"github.com/bardlex/orepool/internal/hashes"
	"github.com/bardlex/orepool/internal/protocol"
	"github.com/bardlex/orepool/internal/registry"
	"github.com/bardlex/orepool/internal/validation"
	"github.com/bardlex/orepool/pkg/errors"
	"github.com/bardlex/orepool/pkg/log"
)

// DefaultRejectReason is recorded when a validator rejects without a reason.
const DefaultRejectReason = "Rejected by validator"

// Observer is told about every stored submission and every verdict.
// Implementations must not block.
type Observer interface {
	HashSubmitted(ctx context.Context, rec *hashes.Record, forwarded bool)
	HashResolved(ctx context.Context, rec *hashes.Record)
}

// Verdict is a validator's report on one hash
type Verdict struct {
	HashID    string
	Success   bool
	Signature *string
	Error     *string
}

// Manager implements submission and verdict handling
type Manager struct {
	store     hashes.Store
	registry  *registry.Registry
	dispatch  *Dispatcher
	validator *validation.SubmissionValidator
	observers []Observer
	logger    *log.Logger
}

// NewManager wires a Manager
func NewManager(store hashes.Store, reg *registry.Registry, validator *validation.SubmissionValidator, logger *log.Logger, observers ...Observer) *Manager {
	return &Manager{
		store:     store,
		registry:  reg,
		dispatch:  NewDispatcher(reg, logger),
		validator: validator,
		observers: observers,
		logger:    logger.WithComponent("lifecycle"),
	}
}

// SubmitHash stores a new PENDING record and forwards it to the validator.
// Without a validator the record stays PENDING, annotated with
// hashes.NoValidatorNote, for the batch pipeline to pick up.
func (m *Manager) SubmitHash(ctx context.Context, sub validation.Submission) (*hashes.Record, error) {
	if err := m.validator.Validate(&sub); err != nil {
		return nil, err
	}

	rec, err := m.store.Create(ctx, hashes.NewSubmission{
		Hash:         sub.Hash,
		Difficulty:   sub.Difficulty,
		MinerAddress: sub.MinerAddress,
		Nonce:        sub.Nonce,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "submit_hash", "failed to store hash").
			WithContext("miner_address", sub.MinerAddress)
	}

	forwarded := m.dispatch.Forward(ctx, rec)
	if !forwarded {
		annotated, err := m.store.Update(ctx, rec.ID, hashes.Annotate(hashes.NoValidatorNote))
		switch {
		case err == nil:
			rec = annotated
		case errors.Is(err, hashes.ErrFinalized):
			// resolved by a batch cycle in the meantime
		default:
			m.logger.WithHash(rec.ID, rec.Difficulty).WithError(err).
				Warn("failed to annotate hash without validator")
		}
	}

	m.logger.LogHashSubmission(rec.ID, rec.MinerAddress, rec.Difficulty, forwarded)
	for _, o := range m.observers {
		o.HashSubmitted(ctx, rec, forwarded)
	}
	return rec, nil
}

// RecordValidationResult finalizes a record and notifies its miner if the
// miner is still connected. Notification is best effort.
func (m *Manager) RecordValidationResult(ctx context.Context, v Verdict) (*hashes.Record, error) {
	update := hashes.Update{Status: hashes.StatusConfirmed, Signature: v.Signature, Error: v.Error}
	if !v.Success {
		update.Status = hashes.StatusRejected
		if v.Error == nil || *v.Error == "" {
			reason := DefaultRejectReason
			update.Error = &reason
		}
	}

	rec, err := m.store.Update(ctx, v.HashID, update)
	switch {
	case errors.Is(err, hashes.ErrNotFound):
		return nil, errors.New(errors.ErrorTypeValidation, "validation_result", "Unknown hash").
			WithContext("hash_id", v.HashID)
	case errors.Is(err, hashes.ErrFinalized):
		return nil, errors.New(errors.ErrorTypeValidation, "validation_result", "Hash already finalized").
			WithContext("hash_id", v.HashID)
	case err != nil:
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "validation_result", "failed to update hash").
			WithContext("hash_id", v.HashID)
	}

	m.logger.LogHashOutcome(rec.ID, string(rec.Status), rec.SignatureValue(), rec.ErrorValue())
	m.notifyMiner(rec)
	for _, o := range m.observers {
		o.HashResolved(ctx, rec)
	}
	return rec, nil
}

func (m *Manager) notifyMiner(rec *hashes.Record) {
	miner, ok := m.registry.Lookup(rec.MinerAddress)
	if !ok {
		return
	}
	msg := protocol.NewHashOutcome(rec.Status == hashes.StatusConfirmed, rec.ID, rec.Signature, rec.Error)
	if err := miner.Conn.Send(msg); err != nil {
		m.logger.WithMiner(rec.MinerAddress).WithError(err).Debug("miner notification dropped")
	}
}
