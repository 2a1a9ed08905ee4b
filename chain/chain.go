/*
Package chain reads the on-chain context of a card event over JSON-RPC.

PURPOSE:
  Boundary adapters only. Every lookup is pinned to the event's block so a
  replayed event resolves the same safe, owners, balances and prices.

LOOKUPS:
  BlockByNumber      header timestamp
  SafeFromModule     roles module avatar() -> safe address
  SafeOwners         Safe getOwners()
  HasEligibilityNFT  ERC-721 balanceOf(owner) > 0, per owner
  TokenBalance       ERC-20 balanceOf(holder)
  OraclePrice        Chainlink latestRoundData() scaled by decimals()

ERRORS:
  ErrNotFound  missing block, no contract, or a reverted view call
  ErrNoPrice   oracle has no usable round at the block
  Anything else is a transport failure and is returned wrapped.
*/
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("not found on chain")
	ErrNoPrice  = errors.New("no oracle price")
)

// Client defines the subset of the Ethereum RPC used by the gateway.
// *ethclient.Client satisfies it.
type Client interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial initialises an RPC client for the provided endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// Block is the part of a header the pipeline needs.
type Block struct {
	Number    uint64
	Hash      common.Hash
	Timestamp int64
}

// Gateway implements the chain lookups against a Client.
type Gateway struct {
	client Client
	ogNFT  common.Address

	// CallTimeout bounds each RPC round trip. Zero means no bound beyond ctx.
	CallTimeout time.Duration
}

// NewGateway constructs a gateway. ogNFT is the eligibility NFT contract.
func NewGateway(client Client, ogNFT common.Address) *Gateway {
	return &Gateway{client: client, ogNFT: ogNFT}
}

func (g *Gateway) BlockByNumber(ctx context.Context, number uint64) (Block, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	header, err := g.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Block{}, fmt.Errorf("block %d: %w", number, ErrNotFound)
		}
		return Block{}, fmt.Errorf("fetch block %d: %w", number, err)
	}
	if header == nil {
		return Block{}, fmt.Errorf("block %d: %w", number, ErrNotFound)
	}
	return Block{Number: number, Hash: header.Hash(), Timestamp: int64(header.Time)}, nil
}

// SafeFromModule resolves the safe a roles module is attached to.
func (g *Gateway) SafeFromModule(ctx context.Context, module common.Address, block uint64) (common.Address, error) {
	out, err := g.call(ctx, module, block, "avatar")
	if err != nil {
		return common.Address{}, err
	}
	safe, ok := out[0].(common.Address)
	if !ok || safe == (common.Address{}) {
		return common.Address{}, fmt.Errorf("module %s has no avatar: %w", module.Hex(), ErrNotFound)
	}
	return safe, nil
}

func (g *Gateway) SafeOwners(ctx context.Context, safe common.Address, block uint64) ([]common.Address, error) {
	out, err := g.call(ctx, safe, block, "getOwners")
	if err != nil {
		return nil, err
	}
	owners, ok := out[0].([]common.Address)
	if !ok || len(owners) == 0 {
		return nil, fmt.Errorf("safe %s has no owners: %w", safe.Hex(), ErrNotFound)
	}
	return owners, nil
}

// HasEligibilityNFT reports, per owner, whether it holds the OG NFT.
func (g *Gateway) HasEligibilityNFT(ctx context.Context, owners []common.Address, block uint64) ([]bool, error) {
	result := make([]bool, len(owners))
	for i, owner := range owners {
		balance, err := g.balanceOf(ctx, g.ogNFT, owner, block)
		if err != nil {
			return nil, err
		}
		result[i] = balance.Sign() > 0
	}
	return result, nil
}

func (g *Gateway) TokenBalance(ctx context.Context, token, holder common.Address, block uint64) (*big.Int, error) {
	return g.balanceOf(ctx, token, holder, block)
}

// OraclePrice returns the aggregator answer scaled by its decimals.
func (g *Gateway) OraclePrice(ctx context.Context, oracle common.Address, block uint64) (decimal.Decimal, error) {
	round, err := g.call(ctx, oracle, block, "latestRoundData")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return decimal.Zero, fmt.Errorf("oracle %s: %w", oracle.Hex(), ErrNoPrice)
		}
		return decimal.Zero, err
	}
	answer, _ := round[1].(*big.Int)
	updatedAt, _ := round[3].(*big.Int)
	if answer == nil || answer.Sign() <= 0 || updatedAt == nil || updatedAt.Sign() == 0 {
		return decimal.Zero, fmt.Errorf("oracle %s at block %d: %w", oracle.Hex(), block, ErrNoPrice)
	}

	dec, err := g.call(ctx, oracle, block, "decimals")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return decimal.Zero, fmt.Errorf("oracle %s decimals: %w", oracle.Hex(), ErrNoPrice)
		}
		return decimal.Zero, err
	}
	places, _ := dec[0].(uint8)
	return decimal.NewFromBigInt(answer, -int32(places)), nil
}

func (g *Gateway) balanceOf(ctx context.Context, contract, holder common.Address, block uint64) (*big.Int, error) {
	out, err := g.call(ctx, contract, block, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf %s: unexpected output %T", contract.Hex(), out[0])
	}
	return balance, nil
}

// call packs, executes and unpacks a view call at block.
func (g *Gateway) call(ctx context.Context, to common.Address, block uint64, method string, args ...any) ([]any, error) {
	data, err := contracts.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	raw, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, new(big.Int).SetUint64(block))
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%s on %s reverted: %w", method, to.Hex(), ErrNotFound)
		}
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	if len(raw) == 0 {
		// no code at the address
		return nil, fmt.Errorf("%s on %s: empty result: %w", method, to.Hex(), ErrNotFound)
	}

	out, err := contracts.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s from %s: %w", method, to.Hex(), ErrNotFound)
	}
	return out, nil
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.CallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.CallTimeout)
}

func isRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}
