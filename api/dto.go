/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

ENCODING:
  Monetary and balance values are decimal strings so no precision is lost.
  Addresses and hashes are lowercase hex. Raw token amounts are base-10
  integer strings.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: The records these mirror
*/
package api

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/warp/cashback-engine/ledger"
	"github.com/warp/cashback-engine/pipeline"
	"github.com/warp/cashback-engine/tokens"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// EventRequest is one raw Spend or Refund log as posted by the log reader.
type EventRequest struct {
	Kind         string `json:"kind"`
	BlockNumber  uint64 `json:"block_number"`
	TxHash       string `json:"tx_hash"`
	Token        string `json:"token"`
	Amount       string `json:"amount"`
	Module       string `json:"module,omitempty"`
	Safe         string `json:"safe,omitempty"`
	Counterparty string `json:"counterparty,omitempty"`
}

// BatchRequest carries independent events for concurrent processing.
type BatchRequest struct {
	Events []EventRequest `json:"events"`
}

var errBadRequest = errors.New("bad request")

// toEvent parses the hex and integer fields. Semantic checks are left to the
// pipeline.
func (r EventRequest) toEvent() (pipeline.Event, error) {
	kind, err := ledger.ParseKind(r.Kind)
	if err != nil {
		return pipeline.Event{}, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	hash, err := parseHash(r.TxHash)
	if err != nil {
		return pipeline.Event{}, err
	}
	token, err := parseAddress("token", r.Token, true)
	if err != nil {
		return pipeline.Event{}, err
	}
	module, err := parseAddress("module", r.Module, false)
	if err != nil {
		return pipeline.Event{}, err
	}
	safe, err := parseAddress("safe", r.Safe, false)
	if err != nil {
		return pipeline.Event{}, err
	}
	counterparty, err := parseAddress("counterparty", r.Counterparty, false)
	if err != nil {
		return pipeline.Event{}, err
	}
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return pipeline.Event{}, fmt.Errorf("%w: amount %q is not a base-10 integer", errBadRequest, r.Amount)
	}

	return pipeline.Event{
		Kind:         kind,
		BlockNumber:  r.BlockNumber,
		TxHash:       hash,
		Token:        token,
		Amount:       amount,
		Module:       module,
		Safe:         safe,
		Counterparty: counterparty,
	}, nil
}

func parseAddress(field, s string, required bool) (common.Address, error) {
	if s == "" && !required {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", errBadRequest, field, s)
	}
	return common.HexToAddress(s), nil
}

func parseHash(s string) (common.Hash, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) != 2*common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: tx_hash %q is not a 32-byte hex string", errBadRequest, s)
	}
	for _, c := range raw {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return common.Hash{}, fmt.Errorf("%w: tx_hash %q is not hex", errBadRequest, s)
		}
	}
	return common.HexToHash(s), nil
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// TokenDTO is the resolved token of a transaction.
type TokenDTO struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol,omitempty"`
	Decimals int32  `json:"decimals,omitempty"`
}

// TransactionDTO represents a ledger transaction.
type TransactionDTO struct {
	Hash           string   `json:"hash"`
	Kind           string   `json:"kind"`
	BlockNumber    uint64   `json:"block_number"`
	BlockTimestamp int64    `json:"block_timestamp"`
	Week           string   `json:"week"`
	Token          TokenDTO `json:"token"`
	AmountRaw      string   `json:"amount_raw"`
	Amount         string   `json:"amount"`
	AmountUSD      string   `json:"amount_usd"`
	Safe           string   `json:"safe"`
	GnoBalance     string   `json:"gno_balance"`
	GnoUSDPrice    string   `json:"gno_usd_price"`
}

// SafeDTO represents the lifetime aggregate of a safe.
type SafeDTO struct {
	Address      string   `json:"address"`
	GnoBalance   string   `json:"gno_balance"`
	NetUSDVolume string   `json:"net_usd_volume"`
	Owners       []string `json:"owners"`
	IsOG         bool     `json:"is_og"`
	Transactions []string `json:"transactions"`
}

// WeekRewardDTO represents the (week, safe) reward record.
type WeekRewardDTO struct {
	ID               string   `json:"id"`
	Week             string   `json:"week"`
	Safe             string   `json:"safe"`
	NetUSDVolume     string   `json:"net_usd_volume"`
	MaxGnoBalance    string   `json:"max_gno_balance"`
	MinGnoBalance    string   `json:"min_gno_balance"`
	EstimatedReward  string   `json:"estimated_reward"`
	EarnedReward     *string  `json:"earned_reward"`
	Transactions     []string `json:"transactions"`
	BalanceSnapshots []string `json:"balance_snapshots"`
}

// WeekMetricsDTO is the global snapshot of a week.
type WeekMetricsDTO struct {
	Week             string   `json:"week"`
	Start            string   `json:"start"`
	TransactionCount int      `json:"transaction_count"`
	Transactions     []string `json:"transactions"`
}

// EventResponse is returned for a committed event.
type EventResponse struct {
	Transaction TransactionDTO `json:"transaction"`
	Safe        SafeDTO        `json:"safe"`
	WeekReward  WeekRewardDTO  `json:"week_reward"`
	WeekMetrics WeekMetricsDTO `json:"week_metrics"`
}

// DuplicateResponse is returned when the event was already processed.
type DuplicateResponse struct {
	Duplicate bool   `json:"duplicate"`
	TxHash    string `json:"tx_hash"`
}

// BatchItemDTO is the outcome of one event of a batch, in request order.
type BatchItemDTO struct {
	TxHash    string         `json:"tx_hash"`
	Status    string         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Code      string         `json:"code,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Result    *EventResponse `json:"result,omitempty"`
}

// BatchSummary counts batch items per status.
type BatchSummary struct {
	Processed  int `json:"processed"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

func (s *BatchSummary) count(status string) {
	switch status {
	case pipeline.OutcomeProcessed:
		s.Processed++
	case pipeline.OutcomeDuplicate:
		s.Duplicates++
	default:
		s.Failed++
	}
}

// BatchResponse is returned by the batch ingest endpoint.
type BatchResponse struct {
	Summary BatchSummary   `json:"summary"`
	Items   []BatchItemDTO `json:"items"`
}

// ReconcileResponse reports a manually triggered reconcile pass.
type ReconcileResponse struct {
	Checked   int `json:"checked"`
	Corrected int `json:"corrected"`
	Failed    int `json:"failed"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toTokenDTO(addr common.Address, token tokens.Token, ok bool) TokenDTO {
	dto := TokenDTO{Address: ledger.AddressKey(addr)}
	if ok {
		dto.Symbol = token.Symbol
		dto.Decimals = token.Decimals
	}
	return dto
}

func toTransactionDTO(tx ledger.Transaction, token TokenDTO) TransactionDTO {
	raw := "0"
	if tx.AmountRaw != nil {
		raw = tx.AmountRaw.String()
	}
	return TransactionDTO{
		Hash:           ledger.HashKey(tx.Hash),
		Kind:           string(tx.Kind),
		BlockNumber:    tx.BlockNumber,
		BlockTimestamp: tx.BlockTimestamp,
		Week:           tx.Week.String(),
		Token:          token,
		AmountRaw:      raw,
		Amount:         tx.Amount.String(),
		AmountUSD:      tx.AmountUSD.String(),
		Safe:           ledger.AddressKey(tx.Safe),
		GnoBalance:     tx.GnoBalance.String(),
		GnoUSDPrice:    tx.GnoUSDPrice.String(),
	}
}

func toSafeDTO(s ledger.Safe) SafeDTO {
	return SafeDTO{
		Address:      ledger.AddressKey(s.Address),
		GnoBalance:   s.GnoBalance.String(),
		NetUSDVolume: s.NetUSDVolume.String(),
		Owners:       addressKeys(s.Owners),
		IsOG:         s.IsOG,
		Transactions: hashKeys(s.Transactions),
	}
}

func toWeekRewardDTO(r ledger.WeekReward) WeekRewardDTO {
	dto := WeekRewardDTO{
		ID:               r.ID(),
		Week:             r.Week.String(),
		Safe:             ledger.AddressKey(r.Safe),
		NetUSDVolume:     r.NetUSDVolume.String(),
		MaxGnoBalance:    r.MaxGnoBalance.String(),
		MinGnoBalance:    r.MinGnoBalance.String(),
		EstimatedReward:  r.EstimatedReward.String(),
		Transactions:     hashKeys(r.Transactions),
		BalanceSnapshots: append([]string{}, r.BalanceSnapshots...),
	}
	if r.EarnedReward.Valid {
		earned := r.EarnedReward.Decimal.String()
		dto.EarnedReward = &earned
	}
	return dto
}

func toWeekMetricsDTO(m ledger.WeekMetrics) WeekMetricsDTO {
	return WeekMetricsDTO{
		Week:             m.Week.String(),
		Start:            m.Week.Start().Format(time.RFC3339),
		TransactionCount: len(m.Transactions),
		Transactions:     hashKeys(m.Transactions),
	}
}

func addressKeys(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = ledger.AddressKey(a)
	}
	return out
}

func hashKeys(hashes []common.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = ledger.HashKey(h)
	}
	return out
}
