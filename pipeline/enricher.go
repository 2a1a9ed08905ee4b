package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/chain"
	"github.com/warp/cashback-engine/ledger"
	"github.com/warp/cashback-engine/tokens"
)

// =============================================================================
// CHAIN - collaborators consumed by the enricher
// =============================================================================

// Chain is satisfied by *chain.Gateway. Every lookup is pinned to a block.
type Chain interface {
	BlockByNumber(ctx context.Context, number uint64) (chain.Block, error)
	SafeFromModule(ctx context.Context, module common.Address, block uint64) (common.Address, error)
	SafeOwners(ctx context.Context, safe common.Address, block uint64) ([]common.Address, error)
	HasEligibilityNFT(ctx context.Context, owners []common.Address, block uint64) ([]bool, error)
	TokenBalance(ctx context.Context, token, holder common.Address, block uint64) (*big.Int, error)
	OraclePrice(ctx context.Context, oracle common.Address, block uint64) (decimal.Decimal, error)
}

// SafeContext is the safe state observed at the event's block.
type SafeContext struct {
	Address       common.Address
	Owners        []common.Address
	IsOG          bool
	GnoBalance    decimal.Decimal
	GnoBalanceRaw *big.Int
}

// Enriched is a fully populated, not yet persisted transaction.
type Enriched struct {
	Tx    ledger.Transaction
	Token tokens.Token
	Safe  SafeContext
}

// =============================================================================
// ENRICHER
// =============================================================================

// Enricher resolves everything needed to post an event. It never writes.
type Enricher struct {
	chain    Chain
	registry *tokens.Registry
}

func NewEnricher(c Chain, registry *tokens.Registry) *Enricher {
	return &Enricher{chain: c, registry: registry}
}

// Enrich runs the resolution steps in order; each depends on the previous.
// Failures are returned as *ledger.EventError tagged with the failing stage.
func (e *Enricher) Enrich(ctx context.Context, ev Event) (Enriched, error) {
	fail := func(stage ledger.Stage, err error) (Enriched, error) {
		return Enriched{}, ledger.NewEventError(ev.TxHash, stage, err)
	}

	token, ok := e.registry.Lookup(ev.Token)
	if !ok {
		return fail(ledger.StageToken, fmt.Errorf("%w: %s", ledger.ErrUnknownToken, ev.Token.Hex()))
	}

	block, err := e.chain.BlockByNumber(ctx, ev.BlockNumber)
	if err != nil {
		return fail(ledger.StageBlock, classify(err, ledger.ErrBlockNotFound))
	}

	safe := ev.Safe
	if ev.Module != (common.Address{}) {
		safe, err = e.chain.SafeFromModule(ctx, ev.Module, ev.BlockNumber)
		if err != nil {
			return fail(ledger.StageSafe, classify(err, ledger.ErrOwnersNotFound))
		}
	}

	owners, err := e.chain.SafeOwners(ctx, safe, ev.BlockNumber)
	if err != nil {
		return fail(ledger.StageOwners, classify(err, ledger.ErrOwnersNotFound))
	}

	holdings, err := e.chain.HasEligibilityNFT(ctx, owners, ev.BlockNumber)
	if err != nil {
		return fail(ledger.StageOwners, classify(err, ledger.ErrUpstreamUnavailable))
	}
	isOG := false
	for _, held := range holdings {
		isOG = isOG || held
	}

	gno := e.registry.GNO()
	gnoRaw, err := e.chain.TokenBalance(ctx, gno.Address, safe, ev.BlockNumber)
	if err != nil {
		return fail(ledger.StageBalance, classify(err, ledger.ErrUpstreamUnavailable))
	}

	tokenPrice, err := e.usdPrice(ctx, token, ev.BlockNumber)
	if err != nil {
		return fail(ledger.StagePrice, err)
	}
	gnoPrice, err := e.usdPrice(ctx, gno, ev.BlockNumber)
	if err != nil {
		return fail(ledger.StagePrice, err)
	}

	amount := scale(ev.Amount, token.Decimals)
	gnoBalance := scale(gnoRaw, gno.Decimals)

	tx := ledger.Transaction{
		Hash:           ev.TxHash,
		Kind:           ev.Kind,
		BlockNumber:    ev.BlockNumber,
		BlockTimestamp: block.Timestamp,
		Week:           ledger.WeekOf(block.Timestamp),
		Token:          token.Address,
		AmountRaw:      new(big.Int).Set(ev.Amount),
		Amount:         amount,
		AmountUSD:      amount.Mul(tokenPrice),
		Safe:           safe,
		GnoBalanceRaw:  gnoRaw,
		GnoBalance:     gnoBalance,
		GnoUSDPrice:    gnoPrice,
	}

	return Enriched{
		Tx:    tx,
		Token: token,
		Safe: SafeContext{
			Address:       safe,
			Owners:        owners,
			IsOG:          isOG,
			GnoBalance:    gnoBalance,
			GnoBalanceRaw: gnoRaw,
		},
	}, nil
}

// usdPrice returns 1 for USD-pegged tokens without an oracle call.
func (e *Enricher) usdPrice(ctx context.Context, token tokens.Token, block uint64) (decimal.Decimal, error) {
	if token.USDPegged {
		return decimal.NewFromInt(1), nil
	}
	if !token.HasOracle() {
		return decimal.Zero, fmt.Errorf("%w: no oracle configured for %s", ledger.ErrPriceUnavailable, token.Symbol)
	}
	price, err := e.chain.OraclePrice(ctx, token.Oracle, block)
	if err != nil {
		if errors.Is(err, chain.ErrNoPrice) {
			return decimal.Zero, fmt.Errorf("%w: %s at block %d: %w", ledger.ErrPriceUnavailable, token.Symbol, block, err)
		}
		return decimal.Zero, classify(err, ledger.ErrPriceUnavailable)
	}
	return price, nil
}

// classify maps a chain error onto the pipeline taxonomy. Missing data maps
// to notFound; context errors pass through; everything else is upstream.
func classify(err error, notFound error) error {
	switch {
	case errors.Is(err, chain.ErrNotFound):
		return fmt.Errorf("%w: %w", notFound, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ledger.ErrUpstreamUnavailable, err)
	}
}

func scale(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}
