package rewards

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/tokens"
)

// Thresholds maps a settlement token to the month-to-date USD volume that is
// eligible for rewards. A maximum of EUR 20,000, USD 22,000 or GBP 18,000
// accrues rewards per month.
type Thresholds map[common.Address]decimal.Decimal

var ErrInvalidThresholds = errors.New("invalid threshold table")

// DefaultThresholds returns the production caps. Both USDC deployments share
// the USD cap.
func DefaultThresholds() Thresholds {
	return Thresholds{
		tokens.USDC.Address:  decimal.NewFromInt(22_000),
		tokens.USDCe.Address: decimal.NewFromInt(22_000),
		tokens.GBPe.Address:  decimal.NewFromInt(18_000),
		tokens.EURe.Address:  decimal.NewFromInt(20_000),
	}
}

// Validate checks that every key is a spendable token of reg and every cap is
// positive.
func (t Thresholds) Validate(reg *tokens.Registry) error {
	if len(t) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidThresholds)
	}
	for addr, limit := range t {
		if _, ok := reg.Lookup(addr); !ok {
			return fmt.Errorf("%w: %s is not a registered token", ErrInvalidThresholds, addr.Hex())
		}
		if !limit.IsPositive() {
			return fmt.Errorf("%w: cap for %s must be positive", ErrInvalidThresholds, addr.Hex())
		}
	}
	return nil
}
