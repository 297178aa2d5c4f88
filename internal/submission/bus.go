// Package submission turns pending hashes into on-chain mining transactions:
// it picks a bus account, builds and sends the transaction, and records the
// outcome.
package submission

import (
	"context"
	stderrors "errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/orepool/internal/chain"
	"github.com/bardlex/orepool/pkg/errors"
	"github.com/bardlex/orepool/pkg/log"
)

// ErrNoAvailableBus is returned when none of the candidate bus accounts exists
var ErrNoAvailableBus = stderrors.New("no available bus found")

// BusSelector looks up bus accounts on chain
type BusSelector struct {
	client chain.Client
	logger *log.Logger
}

// NewBusSelector creates a selector
func NewBusSelector(client chain.Client, logger *log.Logger) *BusSelector {
	return &BusSelector{
		client: client,
		logger: logger.WithComponent("bus_selector"),
	}
}

// SelectAvailable looks up every candidate concurrently and returns the first
// existing one in input order. A failed lookup counts as unavailable; when
// nothing is available the lookup errors are joined to ErrNoAvailableBus.
func (b *BusSelector) SelectAvailable(ctx context.Context, candidates []string) (string, error) {
	exists := make([]bool, len(candidates))
	lookupErrs := make([]error, len(candidates))

	var g errgroup.Group
	for i, addr := range candidates {
		g.Go(func() error {
			ok, err := b.client.AccountExists(ctx, addr)
			if err != nil {
				lookupErrs[i] = fmt.Errorf("lookup %s: %w", addr, err)
				return nil
			}
			exists[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	for i, addr := range candidates {
		if exists[i] {
			return addr, nil
		}
	}

	if joined := errors.Join(lookupErrs...); joined != nil {
		b.logger.WithError(joined).Warn("bus lookups failed", "candidates", len(candidates))
		return "", fmt.Errorf("%w: %w", ErrNoAvailableBus, joined)
	}
	return "", ErrNoAvailableBus
}
