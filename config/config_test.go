package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cashback-engine/rewards"
	"github.com/warp/cashback-engine/tokens"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	// GIVEN: An empty file
	path := writeConfig(t, "{}\n")

	// WHEN
	cfg, err := LoadConfig(path)

	// THEN: Every default is filled in
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddress)
	assert.Equal(t, "cashback.db", cfg.DatabasePath)
	assert.Equal(t, 10*time.Second, cfg.RPC.Timeout.Duration)
	assert.Equal(t, common.HexToAddress(DefaultOGNFT), cfg.OGNFTAddress())
	assert.Equal(t, "USDC", cfg.SettlementToken)
	assert.Positive(t, cfg.Workers)
	assert.True(t, cfg.Reconcile.IsEnabled())
	assert.Equal(t, time.Hour, cfg.Reconcile.Interval.Duration)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_Overrides(t *testing.T) {
	// GIVEN: A file overriding oracles, caps and the reconciler
	path := writeConfig(t, `
listen: ":9090"
database: ":memory:"
rpc:
  endpoint: "http://localhost:8545"
  timeout: 3s
oracles:
  GBPe: "0x0000000000000000000000000000000000000123"
thresholds:
  EURe: "15000"
settlement_token: EURe
workers: 3
reconcile:
  enabled: false
  interval: 15m
log:
  level: debug
  format: text
`)

	// WHEN
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, 3*time.Second, cfg.RPC.Timeout.Duration)
	assert.Equal(t, 3, cfg.Workers)
	assert.False(t, cfg.Reconcile.IsEnabled())
	assert.Equal(t, 15*time.Minute, cfg.Reconcile.Interval.Duration)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	gbp, ok := reg.Lookup(tokens.GBPe.Address)
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0x123"), gbp.Oracle)

	calc, err := cfg.Calculator(reg)
	require.NoError(t, err)
	limit, err := calc.Threshold(nil)
	require.NoError(t, err)
	assert.True(t, limit.Equal(decimal.NewFromInt(15000)), "EURe is the default settlement token")
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", "listne: \":80\"\n"},
		{"bad duration", "rpc:\n  timeout: soon\n"},
		{"bad og nft", "og_nft: \"nft\"\n"},
		{"oracle for unknown symbol", "oracles:\n  DOGE: \"0x0000000000000000000000000000000000000001\"\n"},
		{"oracle not an address", "oracles:\n  GBPe: \"x\"\n"},
		{"threshold for GNO", "thresholds:\n  GNO: \"10\"\n"},
		{"threshold not a number", "thresholds:\n  EURe: \"lots\"\n"},
		{"negative threshold", "thresholds:\n  EURe: \"-1\"\n"},
		{"settlement token GNO", "settlement_token: GNO\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"bad log format", "log:\n  format: xml\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	reg, err := cfg.Registry()
	require.NoError(t, err)
	calc, err := cfg.Calculator(reg)
	require.NoError(t, err)

	limit, err := calc.Threshold(nil)
	require.NoError(t, err)
	assert.True(t, limit.Equal(rewards.DefaultThresholds()[tokens.USDC.Address]))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Info("dropped")
	log.WithField("safe", "0xabc").Warn("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "0xabc", entry["safe"])
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())

	_, err = newLogger(LogConfig{Level: "nope"}, &buf)
	assert.Error(t, err)
}
