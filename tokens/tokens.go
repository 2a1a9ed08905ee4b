/*
Package tokens holds the closed registry of tokens the cashback engine understands.

PURPOSE:
  Spend and refund events move one of a small set of card-settlement tokens
  (USD, EUR and GBP stablecoins). Anything else is rejected upstream of the
  ledger. GNO is tracked separately: it is never spent, only held, and its
  balance drives the reward tier.

PRICING:
  USDPegged tokens are priced at exactly 1 USD without an oracle call.
  All other tokens need an Oracle aggregator address; a token with no oracle
  configured simply has no price.

VALIDATION:
  Registries are built once at startup and validated; lookups afterwards are
  plain map reads keyed by address, so case differences in hex input do not
  matter.

SEE ALSO:
  - rewards/thresholds.go: monthly volume caps keyed by settlement token
  - pipeline/enricher.go: token resolution and pricing
*/
package tokens

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Token describes one ERC-20 known to the engine.
type Token struct {
	Symbol    string         `json:"symbol" yaml:"symbol"`
	Name      string         `json:"name" yaml:"name"`
	Address   common.Address `json:"address" yaml:"address"`
	Decimals  int32          `json:"decimals" yaml:"decimals"`
	USDPegged bool           `json:"usdPegged" yaml:"usd_pegged"`
	Oracle    common.Address `json:"oracle,omitempty" yaml:"oracle"`
}

// HasOracle reports whether a price aggregator is configured for the token.
func (t Token) HasOracle() bool {
	return t.Oracle != (common.Address{})
}

// Registry is the set of spendable tokens plus the GNO reference token.
type Registry struct {
	spendable map[common.Address]Token
	gno       Token
}

var (
	ErrEmptyRegistry    = errors.New("token registry has no spendable tokens")
	ErrDuplicateToken   = errors.New("duplicate token in registry")
	ErrInvalidToken     = errors.New("invalid token definition")
	ErrGNOMisconfigured = errors.New("gno token misconfigured")
)

// NewRegistry builds and validates a registry.
func NewRegistry(gno Token, spendable ...Token) (*Registry, error) {
	r := &Registry{
		spendable: make(map[common.Address]Token, len(spendable)),
		gno:       gno,
	}
	for _, t := range spendable {
		if _, exists := r.spendable[t.Address]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateToken, t.Address.Hex())
		}
		r.spendable[t.Address] = t
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks every entry. Called by NewRegistry and again after overrides.
func (r *Registry) Validate() error {
	if len(r.spendable) == 0 {
		return ErrEmptyRegistry
	}
	symbols := make(map[string]bool, len(r.spendable))
	for _, t := range r.spendable {
		if err := validateToken(t); err != nil {
			return err
		}
		sym := strings.ToUpper(t.Symbol)
		if symbols[sym] {
			return fmt.Errorf("%w: symbol %s", ErrDuplicateToken, t.Symbol)
		}
		symbols[sym] = true
	}
	if err := validateToken(r.gno); err != nil {
		return fmt.Errorf("%w: %v", ErrGNOMisconfigured, err)
	}
	if r.gno.USDPegged {
		return fmt.Errorf("%w: gno cannot be usd pegged", ErrGNOMisconfigured)
	}
	if !r.gno.HasOracle() {
		return fmt.Errorf("%w: gno needs a price oracle", ErrGNOMisconfigured)
	}
	if _, clash := r.spendable[r.gno.Address]; clash {
		return fmt.Errorf("%w: gno registered as spendable", ErrGNOMisconfigured)
	}
	return nil
}

func validateToken(t Token) error {
	if t.Address == (common.Address{}) {
		return fmt.Errorf("%w: %s has zero address", ErrInvalidToken, t.Symbol)
	}
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("%w: %s has no symbol", ErrInvalidToken, t.Address.Hex())
	}
	if t.Decimals < 0 || t.Decimals > 36 {
		return fmt.Errorf("%w: %s decimals %d out of range", ErrInvalidToken, t.Symbol, t.Decimals)
	}
	return nil
}

// Lookup returns the spendable token at addr.
func (r *Registry) Lookup(addr common.Address) (Token, bool) {
	t, ok := r.spendable[addr]
	return t, ok
}

// PriceToken resolves any priceable token, including GNO.
func (r *Registry) PriceToken(addr common.Address) (Token, bool) {
	if addr == r.gno.Address {
		return r.gno, true
	}
	return r.Lookup(addr)
}

// GNO returns the reference token whose balance sets the reward tier.
func (r *Registry) GNO() Token { return r.gno }

// Spendable returns the spendable tokens ordered by symbol.
func (r *Registry) Spendable() []Token {
	out := make([]Token, 0, len(r.spendable))
	for _, t := range r.spendable {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// WithOracles returns a copy of the registry with oracle addresses replaced
// by symbol. Unknown symbols are an error so typos in config surface early.
func (r *Registry) WithOracles(oracles map[string]common.Address) (*Registry, error) {
	next := &Registry{
		spendable: make(map[common.Address]Token, len(r.spendable)),
		gno:       r.gno,
	}
	for addr, t := range r.spendable {
		next.spendable[addr] = t
	}
	for symbol, oracle := range oracles {
		if strings.EqualFold(symbol, next.gno.Symbol) {
			next.gno.Oracle = oracle
			continue
		}
		found := false
		for addr, t := range next.spendable {
			if strings.EqualFold(t.Symbol, symbol) {
				t.Oracle = oracle
				next.spendable[addr] = t
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: oracle override for unknown symbol %q", ErrInvalidToken, symbol)
		}
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}
