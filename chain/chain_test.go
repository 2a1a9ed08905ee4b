package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// FAKE RPC
// =============================================================================

type callKey struct {
	to     common.Address
	method string
	arg    common.Address
}

type fakeClient struct {
	headers map[uint64]*gethtypes.Header
	outputs map[callKey][]any
	errs    map[callKey]error
	blocks  []uint64
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		headers: make(map[uint64]*gethtypes.Header),
		outputs: make(map[callKey][]any),
		errs:    make(map[callKey]error),
	}
}

func (f *fakeClient) HeaderByNumber(_ context.Context, number *big.Int) (*gethtypes.Header, error) {
	h, ok := f.headers[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return h, nil
}

func (f *fakeClient) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.blocks = append(f.blocks, block.Uint64())

	for name, m := range contracts.Methods {
		if !bytes.Equal(m.ID, msg.Data[:4]) {
			continue
		}
		key := callKey{to: *msg.To, method: name}
		if len(m.Inputs) > 0 {
			args, err := m.Inputs.Unpack(msg.Data[4:])
			if err != nil {
				return nil, err
			}
			key.arg = args[0].(common.Address)
		}
		if err, ok := f.errs[key]; ok {
			return nil, err
		}
		out, ok := f.outputs[key]
		if !ok {
			return nil, nil // no code
		}
		return m.Outputs.Pack(out...)
	}
	return nil, errors.New("unknown selector")
}

type revertError struct{}

func (revertError) Error() string          { return "execution reverted" }
func (revertError) ErrorData() interface{} { return "0x" }

var (
	module = common.HexToAddress("0x1000000000000000000000000000000000000001")
	safe   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	owner1 = common.HexToAddress("0x3000000000000000000000000000000000000003")
	owner2 = common.HexToAddress("0x4000000000000000000000000000000000000004")
	nft    = common.HexToAddress("0x88997988a6A5aAF29BA973d298D276FE75fb69ab")
	token  = common.HexToAddress("0x9C58BAcC331c9aa871AFD802DB6379a98e80CEdb")
	oracle = common.HexToAddress("0x22441d81416430A54336aB28765abd31a792Ad37")
)

// =============================================================================
// BLOCKS
// =============================================================================

func TestBlockByNumber(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.headers[100] = &gethtypes.Header{Number: big.NewInt(100), Difficulty: big.NewInt(0), Time: 1_704_672_000}
	g := NewGateway(client, nft)

	b, err := g.BlockByNumber(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1_704_672_000), b.Timestamp)
	assert.Equal(t, uint64(100), b.Number)

	_, err = g.BlockByNumber(ctx, 101)
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// SAFE RESOLUTION
// =============================================================================

func TestSafeFromModule(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.outputs[callKey{to: module, method: "avatar"}] = []any{safe}
	g := NewGateway(client, nft)

	got, err := g.SafeFromModule(ctx, module, 55)
	require.NoError(t, err)
	assert.Equal(t, safe, got)
	assert.Equal(t, []uint64{55}, client.blocks, "call is pinned to the event block")
}

func TestSafeFromModule_NotFoundCases(t *testing.T) {
	ctx := context.Background()

	t.Run("zero avatar", func(t *testing.T) {
		client := newFakeClient()
		client.outputs[callKey{to: module, method: "avatar"}] = []any{common.Address{}}
		_, err := NewGateway(client, nft).SafeFromModule(ctx, module, 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("no contract", func(t *testing.T) {
		_, err := NewGateway(newFakeClient(), nft).SafeFromModule(ctx, module, 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("reverted", func(t *testing.T) {
		client := newFakeClient()
		client.errs[callKey{to: module, method: "avatar"}] = revertError{}
		_, err := NewGateway(client, nft).SafeFromModule(ctx, module, 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSafeOwners(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.outputs[callKey{to: safe, method: "getOwners"}] = []any{[]common.Address{owner1, owner2}}
	g := NewGateway(client, nft)

	owners, err := g.SafeOwners(ctx, safe, 9)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{owner1, owner2}, owners)

	client.outputs[callKey{to: safe, method: "getOwners"}] = []any{[]common.Address{}}
	_, err = g.SafeOwners(ctx, safe, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHasEligibilityNFT_PerOwner(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.outputs[callKey{to: nft, method: "balanceOf", arg: owner1}] = []any{big.NewInt(0)}
	client.outputs[callKey{to: nft, method: "balanceOf", arg: owner2}] = []any{big.NewInt(2)}
	g := NewGateway(client, nft)

	got, err := g.HasEligibilityNFT(ctx, []common.Address{owner1, owner2}, 9)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, got)
}

// =============================================================================
// BALANCES & PRICES
// =============================================================================

func TestTokenBalance_TransportErrorIsNotNotFound(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.outputs[callKey{to: token, method: "balanceOf", arg: safe}] = []any{big.NewInt(5e17)}
	g := NewGateway(client, nft)

	bal, err := g.TokenBalance(ctx, token, safe, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(5e17), bal.Int64())

	dial := errors.New("dial tcp: connection refused")
	client.errs[callKey{to: token, method: "balanceOf", arg: safe}] = dial
	_, err = g.TokenBalance(ctx, token, safe, 9)
	assert.ErrorIs(t, err, dial)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func roundData(answer int64, updatedAt int64) []any {
	return []any{big.NewInt(1), big.NewInt(answer), big.NewInt(updatedAt), big.NewInt(updatedAt), big.NewInt(1)}
}

func TestOraclePrice(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.outputs[callKey{to: oracle, method: "latestRoundData"}] = roundData(31_712_000_000, 1_704_672_000)
	client.outputs[callKey{to: oracle, method: "decimals"}] = []any{uint8(8)}
	g := NewGateway(client, nft)

	price, err := g.OraclePrice(ctx, oracle, 9)
	require.NoError(t, err)
	assert.Equal(t, "317.12", price.String())
}

func TestOraclePrice_Unavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("zero answer", func(t *testing.T) {
		client := newFakeClient()
		client.outputs[callKey{to: oracle, method: "latestRoundData"}] = roundData(0, 1_704_672_000)
		client.outputs[callKey{to: oracle, method: "decimals"}] = []any{uint8(8)}
		_, err := NewGateway(client, nft).OraclePrice(ctx, oracle, 9)
		assert.ErrorIs(t, err, ErrNoPrice)
	})

	t.Run("round never updated", func(t *testing.T) {
		client := newFakeClient()
		client.outputs[callKey{to: oracle, method: "latestRoundData"}] = roundData(100, 0)
		_, err := NewGateway(client, nft).OraclePrice(ctx, oracle, 9)
		assert.ErrorIs(t, err, ErrNoPrice)
	})

	t.Run("oracle not deployed at block", func(t *testing.T) {
		_, err := NewGateway(newFakeClient(), nft).OraclePrice(ctx, oracle, 9)
		assert.ErrorIs(t, err, ErrNoPrice)
	})
}

type slowClient struct{ fakeClient }

func (s *slowClient) HeaderByNumber(ctx context.Context, _ *big.Int) (*gethtypes.Header, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestBlockByNumber_CallTimeout(t *testing.T) {
	// GIVEN: An RPC that never answers and a short per-call bound
	g := NewGateway(&slowClient{}, common.Address{})
	g.CallTimeout = 10 * time.Millisecond

	// WHEN
	_, err := g.BlockByNumber(context.Background(), 1)

	// THEN: The call gives up and the failure is not mistaken for a missing block
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrNotFound)
}
