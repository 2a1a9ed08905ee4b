/*
errors.go - Error taxonomy for the cashback pipeline

PURPOSE:
  Every way an event can fail, in one place. The pipeline wraps each failure
  in an EventError carrying the tx hash and stage so the event can be replayed
  once the condition clears (for example a delayed oracle round).

ERROR CATEGORIES:
  1. Benign       ErrDuplicateEvent (expected under retries, never escalated)
  2. Data         ErrUnknownToken, ErrBlockNotFound, ErrOwnersNotFound
  3. Transient    ErrPriceUnavailable, ErrUpstreamUnavailable
  4. Store        ErrNotFound

  Calculator failures (rewards.ErrInvalidPrice,
  rewards.ErrUnsupportedSettlementToken) pass through unchanged inside the
  EventError.

USAGE:
  if ledger.IsDuplicate(err) {
      // already processed, nothing to do
  }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateEvent is returned when the transaction hash is already in
	// the ledger. Expected under concurrent or repeated delivery.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrUnknownToken is returned when the event's token is not spendable.
	ErrUnknownToken = errors.New("unknown token")

	// ErrBlockNotFound is returned when the event's block cannot be fetched.
	ErrBlockNotFound = errors.New("block not found")

	// ErrOwnersNotFound is returned when the safe or its owner set cannot be
	// resolved at the event's block.
	ErrOwnersNotFound = errors.New("safe owners not found")

	// ErrPriceUnavailable is returned when no oracle price exists for a token
	// at the event's block.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrUpstreamUnavailable covers RPC, oracle and store transport failures.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrNotFound is returned by store lookups for a missing record.
	ErrNotFound = errors.New("record not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Stage names the pipeline step that failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageGuard    Stage = "guard"
	StageToken    Stage = "token"
	StageBlock    Stage = "block"
	StageSafe     Stage = "safe"
	StageOwners   Stage = "owners"
	StageBalance  Stage = "balance"
	StagePrice    Stage = "price"
	StageWrite    Stage = "write"
)

// EventError tags a failure with the transaction and stage it belongs to.
type EventError struct {
	TxHash common.Hash
	Stage  Stage
	Err    error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("event %s failed at %s: %v", HashKey(e.TxHash), e.Stage, e.Err)
}

func (e *EventError) Unwrap() error {
	return e.Err
}

// NewEventError wraps err unless it already is an EventError.
func NewEventError(hash common.Hash, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var ee *EventError
	if errors.As(err, &ee) {
		return err
	}
	return &EventError{TxHash: hash, Stage: stage, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsDuplicate reports whether err is a benign duplicate delivery.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateEvent)
}

// IsRetryable returns true if the event might succeed on replay.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrPriceUnavailable) ||
		errors.Is(err, ErrBlockNotFound)
}

// StageOf returns the failing stage, or "" when err is not an EventError.
func StageOf(err error) Stage {
	var ee *EventError
	if errors.As(err, &ee) {
		return ee.Stage
	}
	return ""
}
