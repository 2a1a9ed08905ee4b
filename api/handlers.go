/*
handlers.go - HTTP API handlers for the cashback ledger

PURPOSE:
  Exposes event ingest and the ledger read path via REST API. Handles HTTP
  request/response and JSON serialization, and delegates to the pipeline
  and the ledger reader.

ENDPOINTS:
  Events:
    POST   /api/events                       Ingest one spend or refund
    POST   /api/events/batch                 Ingest many events concurrently

  Weeks:
    GET    /api/weeks/current                Current week metrics snapshot
    GET    /api/weeks/{week}                 Week metrics snapshot
    GET    /api/weeks/{week}/rewards         All safe rewards of a week
    GET    /api/weeks/{week}/rewards/{safe}  One safe's week reward

  Safes:
    GET    /api/safes/{address}              Safe lifetime aggregate

  Transactions:
    GET    /api/transactions/recent?limit=N  Newest transactions first
    GET    /api/transactions/{hash}          One transaction

  Admin:
    POST   /api/admin/reconcile              Run a safe reconcile pass now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, hex or week identifier
  - 404: Record not found
  - 422: Event rejected for good (unknown token, unresolvable safe, bad price)
  - 503: Event may succeed on replay (upstream down, price not yet published)
  - 500: Internal errors
  Duplicates are not errors: 200 with {"duplicate": true}.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/warp/cashback-engine/ledger"
	"github.com/warp/cashback-engine/pipeline"
	"github.com/warp/cashback-engine/rewards"
	"github.com/warp/cashback-engine/tokens"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 200
	maxEventBodyBytes  = 1 << 16
	maxBatchBodyBytes  = 1 << 22
	maxBatchEvents     = 1000
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// EventProcessor is satisfied by *pipeline.Processor.
type EventProcessor interface {
	ProcessSpendEvent(ctx context.Context, ev pipeline.Event) (pipeline.Result, error)
	ProcessRefundEvent(ctx context.Context, ev pipeline.Event) (pipeline.Result, error)
}

// Reconciler is satisfied by *pipeline.Reconciler.
type Reconciler interface {
	RunOnce(ctx context.Context) pipeline.ReconcileReport
}

// BatchProcessor is satisfied by *pipeline.Dispatcher.
type BatchProcessor interface {
	ProcessAll(ctx context.Context, events []pipeline.Event) ([]pipeline.Outcome, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Processor  EventProcessor
	Store      ledger.Reader
	Registry   *tokens.Registry
	Reconciler Reconciler
	Batch      BatchProcessor

	// Now is the clock used for the current week; tests pin it.
	Now func() time.Time
}

// NewHandler creates a handler. Reconciler may be set afterwards.
func NewHandler(proc EventProcessor, store ledger.Reader, registry *tokens.Registry) *Handler {
	return &Handler{
		Processor: proc,
		Store:     store,
		Registry:  registry,
		Now:       time.Now,
	}
}

// =============================================================================
// EVENT ENDPOINTS
// =============================================================================

// IngestEvent runs one event through the pipeline.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ev, err := req.toEvent()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event", err)
		return
	}

	var result pipeline.Result
	switch ev.Kind {
	case ledger.KindRefund:
		result, err = h.Processor.ProcessRefundEvent(r.Context(), ev)
	default:
		result, err = h.Processor.ProcessSpendEvent(r.Context(), ev)
	}
	if err != nil {
		if ledger.IsDuplicate(err) {
			writeJSON(w, http.StatusOK, DuplicateResponse{Duplicate: true, TxHash: ledger.HashKey(ev.TxHash)})
			return
		}
		writeEventError(w, err)
		return
	}

	tx := result.Transaction
	writeJSON(w, http.StatusCreated, EventResponse{
		Transaction: toTransactionDTO(tx, toTokenDTO(tx.Token, result.Token, true)),
		Safe:        toSafeDTO(result.Safe),
		WeekReward:  toWeekRewardDTO(result.WeekReward),
		WeekMetrics: toWeekMetricsDTO(result.WeekMetrics),
	})
}

// IngestBatch runs independent events through the dispatcher. Per-event
// failures are reported per item; the request itself still succeeds.
func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	if h.Batch == nil {
		writeError(w, http.StatusNotImplemented, "Batch ingest not configured", nil)
		return
	}

	var req BatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Events) == 0 || len(req.Events) > maxBatchEvents {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch must hold 1 to %d events", maxBatchEvents), nil)
		return
	}

	events := make([]pipeline.Event, len(req.Events))
	for i, er := range req.Events {
		ev, err := er.toEvent()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid event at index %d", i), err)
			return
		}
		events[i] = ev
	}

	outcomes, err := h.Batch.ProcessAll(r.Context(), events)
	if err != nil && len(outcomes) == 0 {
		writeError(w, http.StatusServiceUnavailable, "Batch aborted", err)
		return
	}

	resp := BatchResponse{Items: make([]BatchItemDTO, len(outcomes))}
	for i, o := range outcomes {
		resp.Items[i] = toBatchItem(events[i], o)
		resp.Summary.count(resp.Items[i].Status)
	}
	writeJSON(w, http.StatusOK, resp)
}

func toBatchItem(ev pipeline.Event, o pipeline.Outcome) BatchItemDTO {
	item := BatchItemDTO{TxHash: ledger.HashKey(ev.TxHash)}
	switch {
	case o.Err == nil:
		item.Status = pipeline.OutcomeProcessed
		tx := o.Result.Transaction
		item.Result = &EventResponse{
			Transaction: toTransactionDTO(tx, toTokenDTO(tx.Token, o.Result.Token, true)),
			Safe:        toSafeDTO(o.Result.Safe),
			WeekReward:  toWeekRewardDTO(o.Result.WeekReward),
			WeekMetrics: toWeekMetricsDTO(o.Result.WeekMetrics),
		}
	case ledger.IsDuplicate(o.Err):
		item.Status = pipeline.OutcomeDuplicate
	default:
		item.Status = pipeline.OutcomeFailed
		item.Error = o.Err.Error()
		item.Code = eventErrorCode(o.Err)
		item.Stage = string(ledger.StageOf(o.Err))
		item.Retryable = ledger.IsRetryable(o.Err) ||
			errors.Is(o.Err, context.Canceled) || errors.Is(o.Err, context.DeadlineExceeded)
	}
	return item
}

// writeEventError maps the pipeline's error taxonomy onto HTTP status codes.
func writeEventError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{
		Error:     "Event not processed",
		Code:      eventErrorCode(err),
		Stage:     string(ledger.StageOf(err)),
		Retryable: ledger.IsRetryable(err),
		Details:   err.Error(),
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrInvalidEvent):
		status = http.StatusBadRequest
	case resp.Retryable:
		status = http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrUnknownToken),
		errors.Is(err, ledger.ErrOwnersNotFound),
		errors.Is(err, rewards.ErrInvalidPrice),
		errors.Is(err, rewards.ErrUnsupportedSettlementToken):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func eventErrorCode(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrInvalidEvent):
		return "invalid_event"
	case errors.Is(err, ledger.ErrUnknownToken):
		return "unknown_token"
	case errors.Is(err, ledger.ErrBlockNotFound):
		return "block_not_found"
	case errors.Is(err, ledger.ErrOwnersNotFound):
		return "owners_not_found"
	case errors.Is(err, ledger.ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ledger.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, rewards.ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, rewards.ErrUnsupportedSettlementToken):
		return "unsupported_settlement_token"
	}
	return ""
}

// =============================================================================
// WEEK ENDPOINTS
// =============================================================================

// GetCurrentWeek returns the snapshot of the week containing now. A week with
// no transactions yet is returned empty rather than 404.
func (h *Handler) GetCurrentWeek(w http.ResponseWriter, r *http.Request) {
	h.writeWeekMetrics(w, r, ledger.CurrentWeek(h.Now()), true)
}

// GetWeek returns the snapshot of a past or current week.
func (h *Handler) GetWeek(w http.ResponseWriter, r *http.Request) {
	week, ok := parseWeekParam(w, r)
	if !ok {
		return
	}
	h.writeWeekMetrics(w, r, week, false)
}

func (h *Handler) writeWeekMetrics(w http.ResponseWriter, r *http.Request, week ledger.WeekID, emptyIfMissing bool) {
	m, err := h.Store.GetWeekMetrics(r.Context(), week)
	switch {
	case errors.Is(err, ledger.ErrNotFound) && emptyIfMissing:
		m = ledger.NewWeekMetrics(week)
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "Week not found", nil)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to get week metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, toWeekMetricsDTO(m))
}

// ListWeekRewards returns every safe's reward record for a week.
func (h *Handler) ListWeekRewards(w http.ResponseWriter, r *http.Request) {
	week, ok := parseWeekParam(w, r)
	if !ok {
		return
	}

	records, err := h.Store.WeekRewards(r.Context(), week)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list week rewards", err)
		return
	}

	dtos := make([]WeekRewardDTO, len(records))
	for i, rec := range records {
		dtos[i] = toWeekRewardDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetWeekReward returns one (week, safe) record.
func (h *Handler) GetWeekReward(w http.ResponseWriter, r *http.Request) {
	week, ok := parseWeekParam(w, r)
	if !ok {
		return
	}
	safe, ok := parseAddressParam(w, r, "safe")
	if !ok {
		return
	}

	rec, err := h.Store.GetWeekReward(r.Context(), week, safe)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Week reward not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get week reward", err)
		return
	}
	writeJSON(w, http.StatusOK, toWeekRewardDTO(rec))
}

// =============================================================================
// SAFE ENDPOINTS
// =============================================================================

// GetSafe returns a safe's lifetime aggregate.
func (h *Handler) GetSafe(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddressParam(w, r, "address")
	if !ok {
		return
	}

	safe, err := h.Store.GetSafe(r.Context(), addr)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Safe not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get safe", err)
		return
	}
	writeJSON(w, http.StatusOK, toSafeDTO(safe))
}

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

// ListRecentTransactions returns the newest transactions, highest block first.
func (h *Handler) ListRecentTransactions(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = min(n, maxRecentLimit)
	}

	txs, err := h.Store.RecentTransactions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = h.transactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTransaction returns one transaction by hash.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction hash", err)
		return
	}

	tx, err := h.Store.GetTransaction(r.Context(), hash)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, h.transactionDTO(tx))
}

func (h *Handler) transactionDTO(tx ledger.Transaction) TransactionDTO {
	token, ok := h.Registry.PriceToken(tx.Token)
	return toTransactionDTO(tx, toTokenDTO(tx.Token, token, ok))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// TriggerReconcile runs one reconcile pass synchronously.
func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	if h.Reconciler == nil {
		writeError(w, http.StatusNotImplemented, "Reconciler not configured", nil)
		return
	}
	report := h.Reconciler.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, ReconcileResponse{
		Checked:   report.Checked,
		Corrected: report.Corrected,
		Failed:    report.Failed,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func parseWeekParam(w http.ResponseWriter, r *http.Request) (ledger.WeekID, bool) {
	week, err := ledger.ParseWeekID(chi.URLParam(r, "week"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid week", err)
		return "", false
	}
	return week, true
}

func parseAddressParam(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	addr, err := parseAddress(name, chi.URLParam(r, name), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid address", err)
		return common.Address{}, false
	}
	return addr, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
