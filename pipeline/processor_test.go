/*
processor_test.go - End-to-end pipeline tests over the in-memory store

Tests for:
- Idempotency under repeated and concurrent delivery
- Safe net volume and week carry-over rules
- The reward estimate written on each event
- All-or-nothing writes
- Failure classification per stage
*/
package pipeline

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cashback-engine/chain"
	"github.com/warp/cashback-engine/ledger"
	"github.com/warp/cashback-engine/rewards"
	"github.com/warp/cashback-engine/tokens"
)

var (
	week1 = ledger.WeekOf(week1Start)
	week2 = ledger.WeekOf(week2Start)
)

func TestProcess_SpendScenario(t *testing.T) {
	// GIVEN: A safe holding 0.5 GNO, GNO at $100, no eligibility NFT
	h := newHarness(t)
	ctx := context.Background()

	// WHEN: A $500 USDC spend is processed
	res, err := h.proc.ProcessSpendEvent(ctx, spend(1, blockWeek1, "500"))
	require.NoError(t, err)

	// THEN: Every record reflects the spend and the 1.444% reward band
	assert.Equal(t, safe, res.Transaction.Safe)
	assert.Equal(t, week1, res.Transaction.Week)
	assert.True(t, res.Transaction.AmountUSD.Equal(decimal.NewFromInt(500)))
	assert.True(t, res.Transaction.GnoBalance.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, res.Transaction.GnoUSDPrice.Equal(decimal.NewFromInt(100)))

	reward, _ := res.WeekReward.EstimatedReward.Float64()
	assert.InDelta(t, (1+0.4/0.9)/100*500/100, reward, 1e-12)

	stored, err := h.store.GetWeekReward(ctx, week1, safe)
	require.NoError(t, err)
	assert.True(t, stored.NetUSDVolume.Equal(decimal.NewFromInt(500)))
	assert.True(t, stored.MaxGnoBalance.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, stored.MinGnoBalance.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, []common.Hash{res.Transaction.Hash}, stored.Transactions)
	assert.Equal(t, []string{"100:0.5"}, stored.BalanceSnapshots)
	assert.False(t, stored.EarnedReward.Valid)

	s, err := h.store.GetSafe(ctx, safe)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{owner}, s.Owners)
	assert.False(t, s.IsOG)
	assert.True(t, s.NetUSDVolume.Equal(decimal.NewFromInt(500)))

	m, err := h.store.GetWeekMetrics(ctx, week1)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{res.Transaction.Hash}, m.Transactions)
}

func TestProcess_OGHolderGetsBonus(t *testing.T) {
	// GIVEN: The safe's only owner holds the eligibility NFT
	h := newHarness(t)
	h.chain.og[owner] = true

	// WHEN
	res, err := h.proc.Process(context.Background(), spend(1, blockWeek1, "500"))
	require.NoError(t, err)

	// THEN: The OG point is added on top of the band
	assert.True(t, res.Safe.IsOG)
	reward, _ := res.WeekReward.EstimatedReward.Float64()
	assert.InDelta(t, (2+0.4/0.9)/100*500/100, reward, 1e-12)
}

func TestProcess_ReplayIsDuplicateAndChangesNothing(t *testing.T) {
	// GIVEN: A processed spend
	h := newHarness(t)
	ctx := context.Background()
	ev := spend(1, blockWeek1, "120")
	_, err := h.proc.Process(ctx, ev)
	require.NoError(t, err)

	before, err := h.store.GetWeekReward(ctx, week1, safe)
	require.NoError(t, err)
	enrichCalls := h.chain.callCount("BlockByNumber")

	// WHEN: The same event is delivered again
	_, err = h.proc.Process(ctx, ev)

	// THEN: It is reported as a duplicate, rejected before enrichment
	require.Error(t, err)
	assert.True(t, ledger.IsDuplicate(err))
	assert.Equal(t, ledger.StageGuard, ledger.StageOf(err))
	assert.Equal(t, enrichCalls, h.chain.callCount("BlockByNumber"))

	after, err := h.store.GetWeekReward(ctx, week1, safe)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestProcess_ConcurrentDeliveryWritesOnce(t *testing.T) {
	// GIVEN: Twenty workers receiving the same event
	h := newHarness(t)
	ctx := context.Background()
	ev := spend(7, blockWeek1, "42")

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		ok, dupes  int
		unexpected []error
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.proc.Process(ctx, ev)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case ledger.IsDuplicate(err):
				dupes++
			default:
				unexpected = append(unexpected, err)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly one write; all aggregates count the transaction once
	assert.Empty(t, unexpected)
	assert.Equal(t, 1, ok)
	assert.Equal(t, 19, dupes)

	s, err := h.store.GetSafe(ctx, safe)
	require.NoError(t, err)
	assert.Len(t, s.Transactions, 1)
	assert.True(t, s.NetUSDVolume.Equal(decimal.NewFromInt(42)))

	r, err := h.store.GetWeekReward(ctx, week1, safe)
	require.NoError(t, err)
	assert.Len(t, r.Transactions, 1)

	m, err := h.store.GetWeekMetrics(ctx, week1)
	require.NoError(t, err)
	assert.Len(t, m.Transactions, 1)
}

func TestProcess_SafeVolumeIsSignedSum(t *testing.T) {
	// GIVEN: Spends and refunds across two weeks
	h := newHarness(t)
	ctx := context.Background()
	events := []Event{
		spend(1, blockWeek1, "100"),
		refund(2, blockWeek1b, "30.5"),
		spend(3, blockWeek2, "12.25"),
		refund(4, blockWeek2b, "200"),
	}

	// WHEN
	for _, ev := range events {
		_, err := h.proc.Process(ctx, ev)
		require.NoError(t, err)
	}

	// THEN: The safe's volume is the signed sum of all four
	s, err := h.store.GetSafe(ctx, safe)
	require.NoError(t, err)
	assert.Equal(t, "-118.25", s.NetUSDVolume.String())
	assert.Len(t, s.Transactions, 4)

	txs, err := h.store.SafeTransactions(ctx, safe)
	require.NoError(t, err)
	assert.True(t, ledger.NetUSDVolume(txs).Equal(s.NetUSDVolume))
}

func TestProcess_NegativeWeekCarriesIntoNextWeek(t *testing.T) {
	// GIVEN: Week 1 closes at -$300 after a refund
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.proc.Process(ctx, refund(1, blockWeek1, "300"))
	require.NoError(t, err)

	// WHEN: The first spend of week 2 is $100
	res, err := h.proc.Process(ctx, spend(2, blockWeek2, "100"))
	require.NoError(t, err)

	// THEN: Week 2 starts from the -$300 carry
	assert.Equal(t, week2, res.WeekReward.Week)
	assert.Equal(t, "-200", res.WeekReward.NetUSDVolume.String())
	assert.True(t, res.WeekReward.EstimatedReward.IsNegative(), "negative volumes are not clamped")

	// WHEN: A second spend lands in the same week
	res, err = h.proc.Process(ctx, spend(3, blockWeek2b, "50"))
	require.NoError(t, err)

	// THEN: The carry is not applied again
	assert.Equal(t, "-150", res.WeekReward.NetUSDVolume.String())

	prev, err := h.store.GetWeekReward(ctx, week1, safe)
	require.NoError(t, err)
	assert.Equal(t, "-300", prev.NetUSDVolume.String(), "previous week is untouched")
}

func TestProcess_PositiveWeekDoesNotCarry(t *testing.T) {
	// GIVEN: Week 1 closes at +$300
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.proc.Process(ctx, spend(1, blockWeek1, "300"))
	require.NoError(t, err)

	// WHEN
	res, err := h.proc.Process(ctx, spend(2, blockWeek2, "100"))
	require.NoError(t, err)

	// THEN: Week 2 starts from zero
	assert.Equal(t, "100", res.WeekReward.NetUSDVolume.String())
}

func TestProcess_MinMaxBalanceTracksObservations(t *testing.T) {
	// GIVEN: Three spends in one week at different GNO balances
	h := newHarness(t)
	ctx := context.Background()

	steps := []struct {
		block   uint64
		balance string
	}{
		{blockWeek1, "2"},
		{blockWeek1b, "5"},
		{blockWeek1, "0.3"},
	}
	for i, step := range steps {
		h.chain.balances[safe] = gno(step.balance)
		_, err := h.proc.Process(ctx, spend(byte(i+1), step.block, "10"))
		require.NoError(t, err)
	}

	// THEN: Max and min cover every observed balance, the first one included
	r, err := h.store.GetWeekReward(ctx, week1, safe)
	require.NoError(t, err)
	assert.Equal(t, "5", r.MaxGnoBalance.String())
	assert.Equal(t, "0.3", r.MinGnoBalance.String())
	assert.Len(t, r.BalanceSnapshots, 3)

	s, err := h.store.GetSafe(ctx, safe)
	require.NoError(t, err)
	assert.Equal(t, "0.3", s.GnoBalance.String(), "safe keeps the latest observation")
}

func TestProcess_EURePricedThroughOracle(t *testing.T) {
	// GIVEN: EURe at $1.10
	h := newHarness(t)
	ev := spend(1, blockWeek1, "0")
	ev.Token = tokens.EURe.Address
	ev.Amount = units("100", 18)

	// WHEN
	res, err := h.proc.Process(context.Background(), ev)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, "100", res.Transaction.Amount.String())
	assert.Equal(t, "110", res.Transaction.AmountUSD.String())
}

func TestProcess_RollsBackWhenAnyWriteFails(t *testing.T) {
	// GIVEN: A store whose week metrics write fails
	h := newHarness(t)
	boom := errors.New("disk full")
	proc := h.processor(t, failingStore{Memory: h.store, err: boom}, nil)
	ctx := context.Background()

	// WHEN
	_, err := proc.Process(ctx, spend(1, blockWeek1, "500"))

	// THEN: The failure is a retryable write error and nothing was kept
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ledger.ErrUpstreamUnavailable)
	assert.Equal(t, ledger.StageWrite, ledger.StageOf(err))
	assert.True(t, ledger.IsRetryable(err))

	exists, err := h.store.TransactionExists(ctx, spend(1, blockWeek1, "500").TxHash)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = h.store.GetSafe(ctx, safe)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = h.store.GetWeekReward(ctx, week1, safe)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	// AND: The same event succeeds once the store recovers
	_, err = h.proc.Process(ctx, spend(1, blockWeek1, "500"))
	assert.NoError(t, err)
}

func TestProcess_FailureClassification(t *testing.T) {
	upstream := errors.New("connection reset")

	tests := []struct {
		name      string
		setup     func(f *fakeChain)
		event     func() Event
		wantErr   error
		wantStage ledger.Stage
		retryable bool
	}{
		{
			name:      "unknown token",
			event:     func() Event { ev := spend(1, blockWeek1, "1"); ev.Token = common.HexToAddress("0x1234"); return ev },
			wantErr:   ledger.ErrUnknownToken,
			wantStage: ledger.StageToken,
		},
		{
			name:      "GNO is not spendable",
			event:     func() Event { ev := spend(1, blockWeek1, "1"); ev.Token = tokens.GNO.Address; return ev },
			wantErr:   ledger.ErrUnknownToken,
			wantStage: ledger.StageToken,
		},
		{
			name:      "block not found",
			event:     func() Event { return spend(1, 999, "1") },
			wantErr:   ledger.ErrBlockNotFound,
			wantStage: ledger.StageBlock,
			retryable: true,
		},
		{
			name:      "module without avatar",
			event:     func() Event { ev := spend(1, blockWeek1, "1"); ev.Module = common.HexToAddress("0xdead"); return ev },
			wantErr:   ledger.ErrOwnersNotFound,
			wantStage: ledger.StageSafe,
		},
		{
			name:      "safe without owners",
			setup:     func(f *fakeChain) { delete(f.owners, safe) },
			event:     func() Event { return spend(1, blockWeek1, "1") },
			wantErr:   ledger.ErrOwnersNotFound,
			wantStage: ledger.StageOwners,
		},
		{
			name: "token without oracle",
			event: func() Event {
				ev := spend(1, blockWeek1, "1")
				ev.Token = tokens.GBPe.Address
				ev.Amount = units("1", 18)
				return ev
			},
			wantErr:   ledger.ErrPriceUnavailable,
			wantStage: ledger.StagePrice,
			retryable: true,
		},
		{
			name:      "GNO oracle has no round",
			setup:     func(f *fakeChain) { delete(f.prices, tokens.GNO.Oracle) },
			event:     func() Event { return spend(1, blockWeek1, "1") },
			wantErr:   ledger.ErrPriceUnavailable,
			wantStage: ledger.StagePrice,
			retryable: true,
		},
		{
			name:      "rpc down during block fetch",
			setup:     func(f *fakeChain) { f.fail("BlockByNumber", upstream) },
			event:     func() Event { return spend(1, blockWeek1, "1") },
			wantErr:   ledger.ErrUpstreamUnavailable,
			wantStage: ledger.StageBlock,
			retryable: true,
		},
		{
			name:      "rpc down during balance fetch",
			setup:     func(f *fakeChain) { f.fail("TokenBalance", upstream) },
			event:     func() Event { return spend(1, blockWeek1, "1") },
			wantErr:   ledger.ErrUpstreamUnavailable,
			wantStage: ledger.StageBalance,
			retryable: true,
		},
		{
			name:      "nft lookup fails",
			setup:     func(f *fakeChain) { f.fail("HasEligibilityNFT", upstream) },
			event:     func() Event { return spend(1, blockWeek1, "1") },
			wantErr:   ledger.ErrUpstreamUnavailable,
			wantStage: ledger.StageOwners,
			retryable: true,
		},
		{
			name:      "zero GNO price",
			setup:     func(f *fakeChain) { f.prices[tokens.GNO.Oracle] = decimal.Zero },
			event:     func() Event { return spend(1, blockWeek1, "1") },
			wantErr:   rewards.ErrInvalidPrice,
			wantStage: ledger.StageWrite,
		},
		{
			name:      "zero amount",
			event:     func() Event { ev := spend(1, blockWeek1, "1"); ev.Amount = big.NewInt(0); return ev },
			wantErr:   ErrInvalidEvent,
			wantStage: ledger.StageValidate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h.chain)
			}
			ctx := context.Background()
			ev := tt.event()

			_, err := h.proc.Process(ctx, ev)

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantStage, ledger.StageOf(err))
			assert.Equal(t, tt.retryable, ledger.IsRetryable(err))

			var evErr *ledger.EventError
			require.ErrorAs(t, err, &evErr)
			assert.Equal(t, ev.TxHash, evErr.TxHash)

			exists, err := h.store.TransactionExists(ctx, ev.TxHash)
			require.NoError(t, err)
			assert.False(t, exists, "failed events leave no trace")
		})
	}
}

func TestProcess_ChainNotFoundKeepsCause(t *testing.T) {
	h := newHarness(t)

	_, err := h.proc.Process(context.Background(), spend(1, 999, "1"))

	assert.ErrorIs(t, err, chain.ErrNotFound)
	assert.ErrorIs(t, err, ledger.ErrBlockNotFound)
}

func TestProcessRefundEvent_RejectsSpend(t *testing.T) {
	h := newHarness(t)

	_, err := h.proc.ProcessRefundEvent(context.Background(), spend(1, blockWeek1, "1"))

	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.Equal(t, ledger.StageValidate, ledger.StageOf(err))
}

func TestProcessRefundEvent_DefaultsKind(t *testing.T) {
	h := newHarness(t)
	ev := refund(1, blockWeek1, "25")
	ev.Kind = ""

	res, err := h.proc.ProcessRefundEvent(context.Background(), ev)

	require.NoError(t, err)
	assert.Equal(t, ledger.KindRefund, res.Transaction.Kind)
	assert.Equal(t, "-25", res.Safe.NetUSDVolume.String())
}

func TestProcess_CancelledContextWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.proc.Process(ctx, spend(1, blockWeek1, "1"))

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ledger.IsRetryable(err))
	safes, err := h.store.ListSafes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, safes)
}

func TestNewProcessor_RequiresCollaborators(t *testing.T) {
	_, err := NewProcessor(Config{})
	assert.Error(t, err)

	_, err = NewProcessor(Config{Store: newHarness(t).store})
	assert.Error(t, err)
}

func TestProcess_NotifierSeesCommittedResult(t *testing.T) {
	// GIVEN: A notifier that records results and then fails
	h := newHarness(t)
	var seen []Result
	p, err := NewProcessor(Config{
		Store:      h.store,
		Chain:      h.chain,
		Registry:   tokens.DefaultRegistry(),
		Calculator: rewards.DefaultCalculator(),
		Notifier: NotifierFunc(func(_ context.Context, r Result) error {
			seen = append(seen, r)
			return errors.New("push channel closed")
		}),
	})
	require.NoError(t, err)

	// WHEN
	_, err = p.Process(context.Background(), spend(1, blockWeek1, "10"))

	// THEN: The event still succeeds and the notifier saw it once
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, "10", seen[0].WeekReward.NetUSDVolume.String())
}
