package pipeline

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/cashback-engine/chain"
	"github.com/warp/cashback-engine/ledger"
	"github.com/warp/cashback-engine/ledger/store"
	"github.com/warp/cashback-engine/rewards"
	"github.com/warp/cashback-engine/tokens"
)

// 2024-01-07 is a Sunday.
const (
	week1Start int64 = 1704585600
	week2Start       = week1Start + 7*24*3600

	blockWeek1  uint64 = 100
	blockWeek1b uint64 = 101
	blockWeek2  uint64 = 200
	blockWeek2b uint64 = 201
)

var (
	module = common.HexToAddress("0x000000000000000000000000000000000000aa01")
	safe   = common.HexToAddress("0x000000000000000000000000000000000000bb01")
	owner  = common.HexToAddress("0x000000000000000000000000000000000000cc01")
)

// fakeChain serves canned chain state. Every method can be made to fail.
type fakeChain struct {
	mu sync.Mutex

	blocks   map[uint64]int64
	modules  map[common.Address]common.Address
	owners   map[common.Address][]common.Address
	og       map[common.Address]bool
	balances map[common.Address]*big.Int
	prices   map[common.Address]decimal.Decimal

	errs  map[string]error
	calls map[string]int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		blocks: map[uint64]int64{
			blockWeek1:  week1Start + 3600,
			blockWeek1b: week1Start + 7200,
			blockWeek2:  week2Start + 3600,
			blockWeek2b: week2Start + 7200,
		},
		modules:  map[common.Address]common.Address{module: safe},
		owners:   map[common.Address][]common.Address{safe: {owner}},
		og:       map[common.Address]bool{},
		balances: map[common.Address]*big.Int{safe: gno("0.5")},
		prices: map[common.Address]decimal.Decimal{
			tokens.GNO.Oracle:  decimal.NewFromInt(100),
			tokens.EURe.Oracle: decimal.RequireFromString("1.1"),
		},
		errs:  map[string]error{},
		calls: map[string]int{},
	}
}

func (f *fakeChain) enter(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	return f.errs[method]
}

func (f *fakeChain) fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = err
}

func (f *fakeChain) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeChain) BlockByNumber(_ context.Context, number uint64) (chain.Block, error) {
	if err := f.enter("BlockByNumber"); err != nil {
		return chain.Block{}, err
	}
	ts, ok := f.blocks[number]
	if !ok {
		return chain.Block{}, chain.ErrNotFound
	}
	return chain.Block{Number: number, Timestamp: ts}, nil
}

func (f *fakeChain) SafeFromModule(_ context.Context, m common.Address, _ uint64) (common.Address, error) {
	if err := f.enter("SafeFromModule"); err != nil {
		return common.Address{}, err
	}
	s, ok := f.modules[m]
	if !ok {
		return common.Address{}, chain.ErrNotFound
	}
	return s, nil
}

func (f *fakeChain) SafeOwners(_ context.Context, s common.Address, _ uint64) ([]common.Address, error) {
	if err := f.enter("SafeOwners"); err != nil {
		return nil, err
	}
	owners, ok := f.owners[s]
	if !ok {
		return nil, chain.ErrNotFound
	}
	return append([]common.Address{}, owners...), nil
}

func (f *fakeChain) HasEligibilityNFT(_ context.Context, owners []common.Address, _ uint64) ([]bool, error) {
	if err := f.enter("HasEligibilityNFT"); err != nil {
		return nil, err
	}
	out := make([]bool, len(owners))
	for i, o := range owners {
		out[i] = f.og[o]
	}
	return out, nil
}

func (f *fakeChain) TokenBalance(_ context.Context, _, holder common.Address, _ uint64) (*big.Int, error) {
	if err := f.enter("TokenBalance"); err != nil {
		return nil, err
	}
	if b, ok := f.balances[holder]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) OraclePrice(_ context.Context, oracle common.Address, _ uint64) (decimal.Decimal, error) {
	if err := f.enter("OraclePrice"); err != nil {
		return decimal.Zero, err
	}
	p, ok := f.prices[oracle]
	if !ok {
		return decimal.Zero, chain.ErrNoPrice
	}
	return p, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// units scales a decimal string to raw token units.
func units(amount string, decimals int32) *big.Int {
	return decimal.RequireFromString(amount).Shift(decimals).BigInt()
}

func gno(amount string) *big.Int { return units(amount, 18) }

func usdc(amount string) *big.Int { return units(amount, 6) }

func spend(n byte, block uint64, usd string) Event {
	return Event{
		Kind:        ledger.KindSpend,
		BlockNumber: block,
		TxHash:      common.Hash{0xee, n},
		Token:       tokens.USDC.Address,
		Amount:      usdc(usd),
		Module:      module,
	}
}

func refund(n byte, block uint64, usd string) Event {
	return Event{
		Kind:        ledger.KindRefund,
		BlockNumber: block,
		TxHash:      common.Hash{0xff, n},
		Token:       tokens.USDC.Address,
		Amount:      usdc(usd),
		Safe:        safe,
	}
}

type harness struct {
	proc  *Processor
	chain *fakeChain
	store *store.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{chain: newFakeChain(), store: store.NewMemory()}
	h.proc = h.processor(t, h.store, nil)
	return h
}

func (h *harness) processor(t *testing.T, s ledger.TxStore, metrics *Metrics) *Processor {
	t.Helper()
	p, err := NewProcessor(Config{
		Store:      s,
		Chain:      h.chain,
		Registry:   tokens.DefaultRegistry(),
		Calculator: rewards.DefaultCalculator(),
		Metrics:    metrics,
	})
	require.NoError(t, err)
	return p
}

// failingStore wraps a memory store and fails PutWeekMetrics, the last
// write of every unit of work.
type failingStore struct {
	*store.Memory
	err error
}

func (f failingStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.Memory.WithTx(ctx, func(s ledger.Store) error {
		return fn(failingView{Store: s, err: f.err})
	})
}

type failingView struct {
	ledger.Store
	err error
}

func (v failingView) PutWeekMetrics(context.Context, ledger.WeekMetrics) error {
	return v.err
}
