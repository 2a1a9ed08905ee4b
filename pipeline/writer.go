package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/ledger"
	"github.com/warp/cashback-engine/rewards"
	"github.com/warp/cashback-engine/tokens"
)

// Result is what a successful write returns: the stored transaction with its
// token resolved, and the three aggregates as they were committed.
type Result struct {
	Transaction ledger.Transaction
	Token       tokens.Token
	Safe        ledger.Safe
	WeekReward  ledger.WeekReward
	WeekMetrics ledger.WeekMetrics
}

// Writer applies one enriched event as a single atomic unit of work.
type Writer struct {
	store ledger.TxStore
	calc  *rewards.Calculator
}

func NewWriter(store ledger.TxStore, calc *rewards.Calculator) *Writer {
	return &Writer{store: store, calc: calc}
}

// Write inserts the transaction and updates the week reward, safe and week
// metrics records in one WithTx scope. Any error rolls all of it back.
func (w *Writer) Write(ctx context.Context, in Enriched) (Result, error) {
	var result Result

	err := w.store.WithTx(ctx, func(s ledger.Store) error {
		tx := in.Tx

		// the guard ran outside this scope; decide again inside it
		exists, err := s.TransactionExists(ctx, tx.Hash)
		if err != nil {
			return err
		}
		if exists {
			return ledger.ErrDuplicateEvent
		}
		if err := s.InsertTransaction(ctx, tx); err != nil {
			return err
		}

		weekReward, err := w.applyWeekReward(ctx, s, tx, in.Safe)
		if err != nil {
			return err
		}

		safe, err := w.applySafe(ctx, s, tx, in.Safe)
		if err != nil {
			return err
		}

		metrics, err := s.GetOrCreateWeekMetrics(ctx, tx.Week)
		if err != nil {
			return err
		}
		metrics.Transactions = append(metrics.Transactions, tx.Hash)
		if err := s.PutWeekMetrics(ctx, metrics); err != nil {
			return err
		}

		result = Result{
			Transaction: tx,
			Token:       in.Token,
			Safe:        safe,
			WeekReward:  weekReward,
			WeekMetrics: metrics,
		}
		return nil
	})
	if err != nil {
		return Result{}, classifyWrite(err)
	}
	return result, nil
}

// classifyWrite keeps duplicates, calculator and context errors as they are
// and tags everything else as a store failure.
func classifyWrite(err error) error {
	switch {
	case ledger.IsDuplicate(err),
		errors.Is(err, rewards.ErrInvalidPrice),
		errors.Is(err, rewards.ErrUnsupportedSettlementToken),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ledger.ErrUpstreamUnavailable, err)
	}
}

// applyWeekReward updates the (week, safe) record. The first transaction of
// a week starts from the previous week's volume when that was negative, and
// from zero otherwise.
func (w *Writer) applyWeekReward(ctx context.Context, s ledger.Store, tx ledger.Transaction, safe SafeContext) (ledger.WeekReward, error) {
	r, err := s.GetOrCreateWeekReward(ctx, tx.Week, tx.Safe)
	if err != nil {
		return ledger.WeekReward{}, err
	}

	signed := tx.SignedAmountUSD()
	if r.IsFirstOfWeek() {
		carry, err := w.carryOver(ctx, s, tx)
		if err != nil {
			return ledger.WeekReward{}, err
		}
		r.NetUSDVolume = carry.Add(signed)
		r.MaxGnoBalance = safe.GnoBalance
		r.MinGnoBalance = safe.GnoBalance
	} else {
		r.NetUSDVolume = r.NetUSDVolume.Add(signed)
		if safe.GnoBalance.GreaterThan(r.MaxGnoBalance) {
			r.MaxGnoBalance = safe.GnoBalance
		}
		if safe.GnoBalance.LessThan(r.MinGnoBalance) {
			r.MinGnoBalance = safe.GnoBalance
		}
	}

	reward, err := w.calc.Calculate(rewards.Input{
		GnoUSDPrice:   tx.GnoUSDPrice,
		IsOGHolder:    safe.IsOG,
		WeekUSDVolume: r.NetUSDVolume,
		GnoBalance:    safe.GnoBalance,
	})
	if err != nil {
		return ledger.WeekReward{}, err
	}
	r.EstimatedReward = reward

	r.Transactions = append(r.Transactions, tx.Hash)
	r.BalanceSnapshots = append(r.BalanceSnapshots, ledger.BalanceSnapshotRef(tx.BlockNumber, safe.GnoBalance))
	if err := s.PutWeekReward(ctx, r); err != nil {
		return ledger.WeekReward{}, err
	}
	return r, nil
}

func (w *Writer) carryOver(ctx context.Context, s ledger.Store, tx ledger.Transaction) (decimal.Decimal, error) {
	prev, err := s.GetWeekReward(ctx, tx.Week.Previous(), tx.Safe)
	if errors.Is(err, ledger.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load previous week: %w", err)
	}
	if prev.NetUSDVolume.IsNegative() {
		return prev.NetUSDVolume, nil
	}
	return decimal.Zero, nil
}

// applySafe recomputes the safe's lifetime volume from every one of its
// transactions. This is a full scan per write.
func (w *Writer) applySafe(ctx context.Context, s ledger.Store, tx ledger.Transaction, observed SafeContext) (ledger.Safe, error) {
	safe, err := s.GetOrCreateSafe(ctx, tx.Safe)
	if err != nil {
		return ledger.Safe{}, err
	}

	txs, err := s.SafeTransactions(ctx, tx.Safe)
	if err != nil {
		return ledger.Safe{}, err
	}

	safe.NetUSDVolume = ledger.NetUSDVolume(txs)
	safe.GnoBalance = observed.GnoBalance
	safe.Owners = append(safe.Owners[:0], observed.Owners...)
	safe.IsOG = observed.IsOG
	safe.Transactions = append(safe.Transactions, tx.Hash)

	if err := s.PutSafe(ctx, safe); err != nil {
		return ledger.Safe{}, err
	}
	return safe, nil
}
