package pipeline

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/warp/cashback-engine/ledger"
)

// Guard is the advisory duplicate check run before enrichment. Two workers
// can both pass it for the same hash; the writer's insert decides the winner.
type Guard struct {
	reader ledger.Reader
}

func NewGuard(reader ledger.Reader) *Guard {
	return &Guard{reader: reader}
}

// AlreadyProcessed reports whether hash is already in the ledger.
func (g *Guard) AlreadyProcessed(ctx context.Context, hash common.Hash) (bool, error) {
	exists, err := g.reader.TransactionExists(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ledger.ErrUpstreamUnavailable, err)
	}
	return exists, nil
}

// Check returns ErrDuplicateEvent for a known hash.
func (g *Guard) Check(ctx context.Context, hash common.Hash) error {
	exists, err := g.AlreadyProcessed(ctx, hash)
	if err != nil {
		return err
	}
	if exists {
		return ledger.ErrDuplicateEvent
	}
	return nil
}
