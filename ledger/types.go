/*
Package ledger defines the cashback ledger records and the persistence contract.

PURPOSE:
  Four record kinds make up the ledger. A Transaction is the immutable fact;
  the other three are aggregates that the writer keeps in step with it inside
  one atomic scope.

RECORDS:
  Transaction   one per tx hash, never updated
  Safe          lifetime aggregate for a safe (net volume, owners, OG flag)
  WeekReward    per (week, safe) running volume and reward estimate
  WeekMetrics   per week, global list of transactions

KEYS:
  Addresses and hashes are persisted lowercase. WeekReward is keyed by
  "<week>/<safe>".

SEE ALSO:
  - week.go: WeekID derivation
  - store.go: Store / TxStore / Reader interfaces
  - pipeline/writer.go: the only code path that mutates aggregates
*/
package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSACTION - immutable ledger fact
// =============================================================================

// Kind distinguishes card spends from refunds.
type Kind string

const (
	KindSpend  Kind = "spend"
	KindRefund Kind = "refund"
)

func (k Kind) Valid() bool {
	return k == KindSpend || k == KindRefund
}

// ParseKind accepts the lowercase wire names.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown event kind %q", s)
	}
	return k, nil
}

// Transaction records one spend or refund together with the context observed
// at its block: the safe's GNO balance and the GNO price.
type Transaction struct {
	Hash           common.Hash
	Kind           Kind
	BlockNumber    uint64
	BlockTimestamp int64
	Week           WeekID

	Token     common.Address
	AmountRaw *big.Int
	Amount    decimal.Decimal
	AmountUSD decimal.Decimal

	Safe          common.Address
	GnoBalanceRaw *big.Int
	GnoBalance    decimal.Decimal
	GnoUSDPrice   decimal.Decimal
}

// SignedAmountUSD is +AmountUSD for spends and -AmountUSD for refunds.
func (t Transaction) SignedAmountUSD() decimal.Decimal {
	if t.Kind == KindRefund {
		return t.AmountUSD.Neg()
	}
	return t.AmountUSD
}

// Clone returns a copy that shares no big.Int with t.
func (t Transaction) Clone() Transaction {
	t.AmountRaw = cloneBig(t.AmountRaw)
	t.GnoBalanceRaw = cloneBig(t.GnoBalanceRaw)
	return t
}

// NetUSDVolume is the signed sum over txs. Aggregates are always recomputed
// from the full list rather than adjusted incrementally.
func NetUSDVolume(txs []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.SignedAmountUSD())
	}
	return total
}

// =============================================================================
// SAFE - lifetime aggregate
// =============================================================================

type Safe struct {
	Address      common.Address
	GnoBalance   decimal.Decimal
	NetUSDVolume decimal.Decimal
	Owners       []common.Address
	IsOG         bool
	Transactions []common.Hash
}

// NewSafe is the default record inserted by get-or-create.
func NewSafe(addr common.Address) Safe {
	return Safe{
		Address:      addr,
		GnoBalance:   decimal.Zero,
		NetUSDVolume: decimal.Zero,
		Owners:       []common.Address{},
		Transactions: []common.Hash{},
	}
}

func (s Safe) Clone() Safe {
	s.Owners = append([]common.Address{}, s.Owners...)
	s.Transactions = append([]common.Hash{}, s.Transactions...)
	return s
}

// =============================================================================
// WEEK REWARD - per (week, safe)
// =============================================================================

type WeekReward struct {
	Week            WeekID
	Safe            common.Address
	NetUSDVolume    decimal.Decimal
	MaxGnoBalance   decimal.Decimal
	MinGnoBalance   decimal.Decimal
	EstimatedReward decimal.Decimal

	// EarnedReward is settled out of band and never written by the pipeline.
	EarnedReward decimal.NullDecimal

	Transactions     []common.Hash
	BalanceSnapshots []string
}

// NewWeekReward is the default record inserted by get-or-create.
func NewWeekReward(week WeekID, safe common.Address) WeekReward {
	return WeekReward{
		Week:             week,
		Safe:             safe,
		NetUSDVolume:     decimal.Zero,
		MaxGnoBalance:    decimal.Zero,
		MinGnoBalance:    decimal.Zero,
		EstimatedReward:  decimal.Zero,
		Transactions:     []common.Hash{},
		BalanceSnapshots: []string{},
	}
}

// ID is the record key, "<week>/<safe>" with the address lowercased.
func (r WeekReward) ID() string {
	return WeekRewardID(r.Week, r.Safe)
}

func WeekRewardID(week WeekID, safe common.Address) string {
	return string(week) + "/" + AddressKey(safe)
}

// IsFirstOfWeek reports whether no transaction has been applied yet.
func (r WeekReward) IsFirstOfWeek() bool {
	return len(r.Transactions) == 0
}

func (r WeekReward) Clone() WeekReward {
	r.Transactions = append([]common.Hash{}, r.Transactions...)
	r.BalanceSnapshots = append([]string{}, r.BalanceSnapshots...)
	return r
}

// BalanceSnapshotRef identifies the balance observed at a block.
func BalanceSnapshotRef(block uint64, balance decimal.Decimal) string {
	return fmt.Sprintf("%d:%s", block, balance.String())
}

// =============================================================================
// WEEK METRICS - global per week
// =============================================================================

type WeekMetrics struct {
	Week         WeekID
	Transactions []common.Hash
}

func NewWeekMetrics(week WeekID) WeekMetrics {
	return WeekMetrics{Week: week, Transactions: []common.Hash{}}
}

func (m WeekMetrics) Clone() WeekMetrics {
	m.Transactions = append([]common.Hash{}, m.Transactions...)
	return m
}

// =============================================================================
// KEYS
// =============================================================================

// AddressKey is the persisted form of an address.
func AddressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// HashKey is the persisted form of a transaction hash.
func HashKey(h common.Hash) string {
	return strings.ToLower(h.Hex())
}

func cloneBig(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}
