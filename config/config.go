/*
Package config loads the server configuration.

FILE FORMAT (YAML):

	listen: ":8080"
	database: "cashback.db"
	rpc:
	  endpoint: "https://rpc.gnosischain.com"
	  timeout: 10s
	og_nft: "0x88997988a6A5aAF29BA973d298D276FE75fb69ab"
	oracles:           # symbol -> Chainlink aggregator
	  GBPe: "0x..."
	thresholds:        # symbol -> monthly USD cap
	  EURe: "20000"
	settlement_token: USDC
	workers: 8
	reconcile:
	  enabled: true
	  interval: 1h
	log:
	  level: info
	  format: json
	cors_origins: ["https://dashboard.example"]

Every field is optional. Defaults are applied after decoding and the result
is validated against the token registry before the server starts.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/rewards"
	"github.com/warp/cashback-engine/tokens"
	"gopkg.in/yaml.v3"
)

// DefaultOGNFT is the eligibility NFT contract on Gnosis Chain.
const DefaultOGNFT = "0x88997988a6A5aAF29BA973d298D276FE75fb69ab"

var ErrInvalidConfig = errors.New("invalid config")

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration of the server.
type Config struct {
	ListenAddress   string            `yaml:"listen"`
	DatabasePath    string            `yaml:"database"`
	RPC             RPCConfig         `yaml:"rpc"`
	OGNFT           string            `yaml:"og_nft"`
	Oracles         map[string]string `yaml:"oracles"`
	Thresholds      map[string]string `yaml:"thresholds"`
	SettlementToken string            `yaml:"settlement_token"`
	Workers         int               `yaml:"workers"`
	Reconcile       ReconcileConfig   `yaml:"reconcile"`
	Log             LogConfig         `yaml:"log"`
	CORSOrigins     []string          `yaml:"cors_origins"`
}

// RPCConfig points at the Gnosis Chain JSON-RPC endpoint.
type RPCConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
}

// ReconcileConfig drives the background safe reconciler.
type ReconcileConfig struct {
	Enabled  *bool    `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
}

// IsEnabled defaults to true when unset.
func (r ReconcileConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// LogConfig selects level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "cashback.db"
	}
	if cfg.RPC.Endpoint == "" {
		cfg.RPC.Endpoint = "https://rpc.gnosischain.com"
	}
	if cfg.RPC.Timeout.Duration == 0 {
		cfg.RPC.Timeout.Duration = 10 * time.Second
	}
	if cfg.OGNFT == "" {
		cfg.OGNFT = DefaultOGNFT
	}
	if cfg.SettlementToken == "" {
		cfg.SettlementToken = tokens.USDC.Symbol
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Reconcile.Interval.Duration == 0 {
		cfg.Reconcile.Interval.Duration = time.Hour
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate checks everything that can be checked without the network.
func (c Config) Validate() error {
	if !common.IsHexAddress(c.OGNFT) {
		return fmt.Errorf("%w: og_nft %q is not an address", ErrInvalidConfig, c.OGNFT)
	}
	if c.RPC.Timeout.Duration < 0 {
		return fmt.Errorf("%w: rpc.timeout must be positive", ErrInvalidConfig)
	}
	if c.Reconcile.Interval.Duration < 0 {
		return fmt.Errorf("%w: reconcile.interval must be positive", ErrInvalidConfig)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("%w: log.format must be json or text, got %q", ErrInvalidConfig, c.Log.Format)
	}
	registry, err := c.Registry()
	if err != nil {
		return err
	}
	if _, err := c.Calculator(registry); err != nil {
		return err
	}
	return nil
}

// OGNFTAddress is the parsed eligibility NFT address.
func (c Config) OGNFTAddress() common.Address {
	return common.HexToAddress(c.OGNFT)
}

// Registry returns the default token registry with configured oracle
// overrides applied.
func (c Config) Registry() (*tokens.Registry, error) {
	base := tokens.DefaultRegistry()
	if len(c.Oracles) == 0 {
		return base, nil
	}
	overrides := make(map[string]common.Address, len(c.Oracles))
	for symbol, addr := range c.Oracles {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("%w: oracle for %s %q is not an address", ErrInvalidConfig, symbol, addr)
		}
		overrides[symbol] = common.HexToAddress(addr)
	}
	reg, err := base.WithOracles(overrides)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return reg, nil
}

// Calculator builds the reward calculator from the default caps, overridden
// per symbol by the thresholds section.
func (c Config) Calculator(registry *tokens.Registry) (*rewards.Calculator, error) {
	thresholds := rewards.DefaultThresholds()
	for symbol, raw := range c.Thresholds {
		token, ok := spendableBySymbol(registry, symbol)
		if !ok {
			return nil, fmt.Errorf("%w: threshold for unknown token %q", ErrInvalidConfig, symbol)
		}
		limit, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: threshold for %s: %w", ErrInvalidConfig, symbol, err)
		}
		thresholds[token.Address] = limit
	}

	settlement, ok := spendableBySymbol(registry, c.SettlementToken)
	if !ok {
		return nil, fmt.Errorf("%w: settlement token %q is not spendable", ErrInvalidConfig, c.SettlementToken)
	}

	calc, err := rewards.NewCalculator(registry, thresholds, settlement.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return calc, nil
}

func spendableBySymbol(registry *tokens.Registry, symbol string) (tokens.Token, bool) {
	for _, t := range registry.Spendable() {
		if t.Symbol == symbol {
			return t, true
		}
	}
	return tokens.Token{}, false
}
