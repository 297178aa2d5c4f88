package lifecycle

import (
	"context"

	"github.com/bardlex/orepool/internal/hashes"
	"github.com/bardlex/orepool/internal/protocol"
	"github.com/bardlex/orepool/internal/registry"
	"github.com/bardlex/orepool/pkg/log"
)

// Dispatcher forwards stored submissions to the connected validator
type Dispatcher struct {
	registry *registry.Registry
	logger   *log.Logger
}

// NewDispatcher creates a dispatcher over reg
func NewDispatcher(reg *registry.Registry, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		logger:   logger.WithComponent("dispatch"),
	}
}

// Forward sends rec to the validator. It returns false when no validator is
// connected or its queue refused the message; nothing is retried here.
func (d *Dispatcher) Forward(_ context.Context, rec *hashes.Record) bool {
	validator, ok := d.registry.FindValidator()
	if !ok {
		return false
	}

	msg := &protocol.ValidateHash{
		HashID:       rec.ID,
		Hash:         rec.Hash,
		Difficulty:   rec.Difficulty,
		MinerAddress: rec.MinerAddress,
		Nonce:        rec.Nonce,
	}
	if err := validator.Conn.Send(msg); err != nil {
		d.logger.WithHash(rec.ID, rec.Difficulty).WithError(err).
			Warn("failed to forward hash to validator", "validator", validator.Address)
		return false
	}
	return true
}
