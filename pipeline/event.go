/*
Package pipeline turns card spend and refund events into ledger state.

PURPOSE:
  One raw event flows through three stages, sequentially:

    Guard     rejects hashes that are already in the ledger
    Enricher  resolves token, block, safe, owners, balances and prices
    Writer    applies the transaction and its three aggregates atomically

  The Processor ties them together and is the only entry point used by the
  HTTP API and the Dispatcher. Independent events run concurrently through
  the Dispatcher; the steps of one event never do.

ALL-OR-NOTHING:
  Nothing is written until the Writer's WithTx scope commits. A failure in
  any stage, or a cancelled context, leaves the ledger unchanged.

SEE ALSO:
  - ledger/store.go: the atomic scope the writer relies on
  - rewards/calculator.go: reward estimate recomputed on every write
*/
package pipeline

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/warp/cashback-engine/ledger"
)

// ErrInvalidEvent is returned for events missing required fields.
var ErrInvalidEvent = errors.New("invalid event")

// Event is one already-fetched chain log.
type Event struct {
	Kind        ledger.Kind
	BlockNumber uint64
	TxHash      common.Hash
	Token       common.Address
	Amount      *big.Int

	// Module is the roles module that executed a spend. When set, the safe is
	// resolved from it at BlockNumber.
	Module common.Address

	// Safe is the receiving safe of a refund, used when Module is unset.
	Safe common.Address

	// Counterparty is the other side of the transfer (card settlement
	// address). Informational only.
	Counterparty common.Address
}

func (e Event) validate() error {
	switch {
	case !e.Kind.Valid():
		return fmt.Errorf("%w: kind %q", ErrInvalidEvent, e.Kind)
	case e.TxHash == (common.Hash{}):
		return fmt.Errorf("%w: missing tx hash", ErrInvalidEvent)
	case e.BlockNumber == 0:
		return fmt.Errorf("%w: missing block number", ErrInvalidEvent)
	case e.Amount == nil || e.Amount.Sign() <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidEvent)
	case e.Module == (common.Address{}) && e.Safe == (common.Address{}):
		return fmt.Errorf("%w: neither module nor safe set", ErrInvalidEvent)
	}
	return nil
}
