package tokens

import "github.com/ethereum/go-ethereum/common"

// Gnosis Chain deployments of the card-settlement tokens.
var (
	EURe = Token{
		Symbol:   "EURe",
		Name:     "Monerium EUR emoney",
		Address:  common.HexToAddress("0xcB444e90D8198415266c6a2724b7900fb12FC56E"),
		Decimals: 18,
		Oracle:   common.HexToAddress("0xab70BCB260073d036d1660201e9d5405F5829b7a"),
	}
	GBPe = Token{
		Symbol:   "GBPe",
		Name:     "Monerium GBP emoney",
		Address:  common.HexToAddress("0x5Cb9073902F2035222B9749F8fB0c9BFe5527108"),
		Decimals: 18,
	}
	USDCe = Token{
		Symbol:    "USDC.e",
		Name:      "Bridged USD Coin",
		Address:   common.HexToAddress("0xDDAfbb505ad214D7b80b1f830fcCc89B60fb7A83"),
		Decimals:  6,
		USDPegged: true,
	}
	USDC = Token{
		Symbol:    "USDC",
		Name:      "USD Coin",
		Address:   common.HexToAddress("0x2a22f9c3b484c3629090FeED35F17Ff8F88f76F0"),
		Decimals:  6,
		USDPegged: true,
	}
	GNO = Token{
		Symbol:   "GNO",
		Name:     "Gnosis",
		Address:  common.HexToAddress("0x9C58BAcC331c9aa871AFD802DB6379a98e80CEdb"),
		Decimals: 18,
		Oracle:   common.HexToAddress("0x22441d81416430A54336aB28765abd31a792Ad37"),
	}
)

// DefaultRegistry returns the production token set. It panics only if the
// hard-coded table above is itself invalid.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(GNO, EURe, GBPe, USDCe, USDC)
	if err != nil {
		panic(err)
	}
	return r
}
