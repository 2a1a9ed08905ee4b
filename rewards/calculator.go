/*
Package rewards computes the weekly cashback estimate for a safe.

PURPOSE:
  Pure arithmetic, no I/O. Given what a safe spent this week, its GNO holdings
  and the GNO price, return how much GNO the safe is expected to earn.

ALGORITHM:
  1. Resolve the monthly USD cap for the settlement token.
  2. netVolume = cap - fourWeekVolume + weekVolume. If netVolume >= cap the
     monthly allowance is exhausted and the reward is 0.
  3. Reward percentage from the GNO balance tier table (linear inside a band).
  4. OG NFT holders with at least the lowest tier balance get +1%.
  5. reward = percentage/100 * weekVolume / gnoUsdPrice.

  Negative week volumes are not clamped: the weekly carry-over rule is what
  suppresses them, so the calculator passes them straight through.

TIERS (GNO balance -> %):
  < 0.1        0        (not eligible)
  [0.1, 1)     1 -> 2
  [1, 10)      2 -> 3
  [10, 100)    3 -> 4
  >= 100       4

SEE ALSO:
  - thresholds.go: monthly caps per settlement token
  - pipeline/writer.go: calls Calculate on every posted transaction
*/
package rewards

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/tokens"
)

var (
	// ErrInvalidPrice is returned when the GNO price is zero or negative.
	ErrInvalidPrice = errors.New("gno usd price must be greater than 0")

	// ErrUnsupportedSettlementToken is returned when no monthly cap exists for
	// the requested settlement token.
	ErrUnsupportedSettlementToken = errors.New("unsupported settlement token")
)

var (
	hundred    = decimal.NewFromInt(100)
	ogBonus    = decimal.NewFromInt(1)
	topTier    = decimal.NewFromInt(100)
	topPct     = decimal.NewFromInt(4)
	minimumGNO = decimal.RequireFromString("0.1")
)

type band struct {
	floor   decimal.Decimal
	ceiling decimal.Decimal
	basePct decimal.Decimal
}

// Ordered highest first so the first match wins.
var bands = []band{
	{floor: decimal.NewFromInt(10), ceiling: decimal.NewFromInt(100), basePct: decimal.NewFromInt(3)},
	{floor: decimal.NewFromInt(1), ceiling: decimal.NewFromInt(10), basePct: decimal.NewFromInt(2)},
	{floor: minimumGNO, ceiling: decimal.NewFromInt(1), basePct: decimal.NewFromInt(1)},
}

// Input carries everything one reward estimate depends on.
type Input struct {
	GnoUSDPrice   decimal.Decimal
	IsOGHolder    bool
	WeekUSDVolume decimal.Decimal

	// FourWeekUSDVolume is the trailing four-week volume. When not Valid the
	// monthly allowance check is skipped.
	FourWeekUSDVolume decimal.NullDecimal

	GnoBalance decimal.Decimal

	// SettlementToken selects the monthly cap; nil means the calculator default.
	SettlementToken *common.Address
}

// Calculator holds the validated threshold table.
type Calculator struct {
	thresholds        Thresholds
	defaultSettlement common.Address
}

// NewCalculator validates the table against reg and returns a calculator
// whose default settlement token is defaultSettlement.
func NewCalculator(reg *tokens.Registry, thresholds Thresholds, defaultSettlement common.Address) (*Calculator, error) {
	if err := thresholds.Validate(reg); err != nil {
		return nil, err
	}
	if _, ok := thresholds[defaultSettlement]; !ok {
		return nil, fmt.Errorf("%w: default settlement token %s has no cap", ErrInvalidThresholds, defaultSettlement.Hex())
	}
	copied := make(Thresholds, len(thresholds))
	for k, v := range thresholds {
		copied[k] = v
	}
	return &Calculator{thresholds: copied, defaultSettlement: defaultSettlement}, nil
}

// DefaultCalculator uses the production registry, caps and Circle USDC as the
// default settlement currency.
func DefaultCalculator() *Calculator {
	c, err := NewCalculator(tokens.DefaultRegistry(), DefaultThresholds(), tokens.USDC.Address)
	if err != nil {
		panic(err)
	}
	return c
}

// Threshold returns the monthly cap for token, or the default token when nil.
func (c *Calculator) Threshold(token *common.Address) (decimal.Decimal, error) {
	addr := c.defaultSettlement
	if token != nil {
		addr = *token
	}
	limit, ok := c.thresholds[addr]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedSettlementToken, addr.Hex())
	}
	return limit, nil
}

// Calculate returns the estimated reward in GNO.
func (c *Calculator) Calculate(in Input) (decimal.Decimal, error) {
	if !in.GnoUSDPrice.IsPositive() {
		return decimal.Zero, ErrInvalidPrice
	}

	threshold, err := c.Threshold(in.SettlementToken)
	if err != nil {
		return decimal.Zero, err
	}

	if in.FourWeekUSDVolume.Valid {
		netVolume := threshold.Sub(in.FourWeekUSDVolume.Decimal).Add(in.WeekUSDVolume)
		if netVolume.GreaterThanOrEqual(threshold) {
			return decimal.Zero, nil
		}
	}

	pct := Percentage(in.GnoBalance, in.IsOGHolder)
	return pct.Div(hundred).Mul(in.WeekUSDVolume).Div(in.GnoUSDPrice), nil
}

// Percentage returns the reward percentage (0-5) for a GNO balance.
// It is monotonically non-decreasing in balance.
func Percentage(balance decimal.Decimal, isOG bool) decimal.Decimal {
	pct := basePercentage(balance)
	if isOG && balance.GreaterThanOrEqual(minimumGNO) {
		pct = pct.Add(ogBonus)
	}
	return pct
}

func basePercentage(balance decimal.Decimal) decimal.Decimal {
	if balance.GreaterThanOrEqual(topTier) {
		return topPct
	}
	for _, b := range bands {
		if balance.GreaterThanOrEqual(b.floor) {
			position := balance.Sub(b.floor).Div(b.ceiling.Sub(b.floor))
			return b.basePct.Add(position)
		}
	}
	return decimal.Zero
}
