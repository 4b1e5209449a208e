package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"tiger-webhook/internal/bridgeerr"
	"tiger-webhook/internal/dispatch"
	"tiger-webhook/internal/metrics"
	"tiger-webhook/internal/polling"
	"tiger-webhook/internal/query"
	"tiger-webhook/pkg/types"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	version    string
	mockMode   bool
	accounts   []string
	dispatcher *dispatch.Dispatcher
	polling    *polling.Manager
	query      *query.Service
	logger     *slog.Logger
}

func newHandlers(version string, mockMode bool, accounts []string, dispatcher *dispatch.Dispatcher, pollingMgr *polling.Manager, querySvc *query.Service, logger *slog.Logger) *Handlers {
	return &Handlers{
		version:    version,
		mockMode:   mockMode,
		accounts:   accounts,
		dispatcher: dispatcher,
		polling:    pollingMgr,
		query:      querySvc,
		logger:     logger.With("component", "api-handlers"),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a bridgeerr.Kind onto an HTTP status and the
// errorResponse shape from spec.md §6: 400 for validation, 404 for
// not-found, 500 with retryable for everything else.
func writeError(w http.ResponseWriter, err error) {
	kind := bridgeerr.KindOf(err)
	resp := errorResponse{ErrorKind: string(kind), Message: err.Error()}

	switch kind {
	case bridgeerr.Validation:
		writeJSON(w, http.StatusBadRequest, resp)
	case bridgeerr.NotFound:
		writeJSON(w, http.StatusNotFound, resp)
	default:
		resp.Retryable = kind.Retryable()
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

// handleWebhook is the single inbound signal endpoint, spec.md §6.
func (h *Handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req dispatch.WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{ErrorKind: string(bridgeerr.Malformed), Message: "invalid JSON body"})
		return
	}

	signal, err := dispatch.BuildSignal(req, time.Now())
	if err != nil {
		metrics.SignalsReceived.WithLabelValues(req.AccountName, "rejected").Inc()
		writeError(w, err)
		return
	}

	outcome, err := h.dispatcher.Dispatch(r.Context(), signal)
	if err != nil {
		metrics.SignalsReceived.WithLabelValues(signal.AccountID, "rejected").Inc()
		writeError(w, err)
		return
	}

	if !outcome.Accepted {
		metrics.SignalsReceived.WithLabelValues(signal.AccountID, "rejected").Inc()
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			ErrorKind: outcome.ErrorKind,
			Message:   outcome.Message,
			Retryable: bridgeerr.Kind(outcome.ErrorKind).Retryable(),
		})
		return
	}

	metrics.SignalsReceived.WithLabelValues(signal.AccountID, "accepted").Inc()
	writeJSON(w, http.StatusOK, webhookResponse{
		Accepted:      true,
		CorrelationID: outcome.CorrelationID,
		InstrumentID:  outcome.InstrumentID,
	})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"api": "ok"}
	status := "ok"
	if pos, ord := h.query.PollingStatus(); !pos.Enabled || !ord.Enabled {
		status = "degraded"
		if !pos.Enabled {
			checks["positions_loop"] = "disabled"
		}
		if !ord.Enabled {
			checks["orders_loop"] = "disabled"
		}
	}

	probeCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if h.query.GatewayReachable(probeCtx) {
		checks["gateway"] = "ok"
	} else {
		status = "degraded"
		checks["gateway"] = "unreachable"
	}

	writeJSON(w, http.StatusOK, healthResponse{Status: status, Checks: checks})
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	positions, orders := h.query.PollingStatus()
	writeJSON(w, http.StatusOK, statusResponse{
		Version:  h.version,
		MockMode: h.mockMode,
		Accounts: h.accounts,
		Polling:  statusPollingLoops{Positions: positions, Orders: orders},
	})
}

func (h *Handlers) handlePositions(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	if account == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{ErrorKind: string(bridgeerr.Validation), Message: "account is required"})
		return
	}

	summary, err := h.query.Positions(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, positionsResponse{
		AccountID:    summary.AccountID,
		Positions:    summary.Positions,
		NetDelta:     summary.NetDelta.String(),
		NetGamma:     summary.NetGamma.String(),
		NetTheta:     summary.NetTheta.String(),
		NetVega:      summary.NetVega.String(),
		UnrealizedPL: summary.UnrealizedPL.String(),
		RealizedPL:   summary.RealizedPL.String(),
		AsOf:         summary.AsOf,
	})
}

func (h *Handlers) handleDeltaRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	account := q.Get("account")
	if account == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{ErrorKind: string(bridgeerr.Validation), Message: "account is required"})
		return
	}

	from, err := parseOptionalTime(q.Get("from"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{ErrorKind: string(bridgeerr.Validation), Message: "from must be RFC3339"})
		return
	}
	to, err := parseOptionalTime(q.Get("to"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{ErrorKind: string(bridgeerr.Validation), Message: "to must be RFC3339"})
		return
	}

	records, err := h.query.DeltaRecords(r.Context(), query.DeltaRecordFilter{
		AccountID: account,
		From:      from,
		To:        to,
		Action:    types.DeltaAction(q.Get("action")),
		Limit:     parseOptionalInt(q.Get("limit"), 100),
		Offset:    parseOptionalInt(q.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, deltaRecordsResponse{Records: records, Count: len(records)})
}

func (h *Handlers) handleDeltaSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	account := q.Get("account")
	if account == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{ErrorKind: string(bridgeerr.Validation), Message: "account is required"})
		return
	}

	from, to := periodWindow(q.Get("period"))
	summary, err := h.query.DeltaSummary(r.Context(), account, from, to)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, deltaSummaryResponse{
		CountByAction:    summary.CountByAction,
		NetObservedDelta: summary.NetObservedDelta.String(),
		LastUpdated:      summary.LastUpdated,
	})
}

func (h *Handlers) handleChain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	underlying := q.Get("underlying")
	if underlying == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{ErrorKind: string(bridgeerr.Validation), Message: "underlying is required"})
		return
	}

	expiry, err := parseOptionalTime(q.Get("expiry"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{ErrorKind: string(bridgeerr.Validation), Message: "expiry must be RFC3339"})
		return
	}

	chain, err := h.query.Chain(r.Context(), underlying, expiry)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chainResponse{
		Underlying: chain.Underlying,
		Contracts:  chain.Contracts,
		FetchedAt:  chain.FetchedAt,
	})
}

// handlePollingControl implements the operator control/manual-trigger
// routes: POST /polling/{positions|orders}/{start|stop|tick}.
func (h *Handlers) handlePollingControl(w http.ResponseWriter, r *http.Request) {
	loop := r.PathValue("loop")
	action := r.PathValue("action")

	var err error
	switch action {
	case "start":
		err = h.polling.EnableLoop(loop)
	case "stop":
		err = h.polling.DisableLoop(loop)
	case "tick":
		err = h.polling.TriggerTick(r.Context(), loop)
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{ErrorKind: string(bridgeerr.Validation), Message: "unknown action " + action})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pollingControlResponse{Loop: loop, Action: action, Status: "ok"})
}

func parseOptionalTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseOptionalInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// periodWindow maps a coarse period name ("today", "7d", "30d") onto a
// [from, to) window ending now; an unrecognized or empty period defaults
// to the last 24 hours.
func periodWindow(period string) (time.Time, time.Time) {
	now := time.Now()
	switch period {
	case "today":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()), now
	case "7d":
		return now.Add(-7 * 24 * time.Hour), now
	case "30d":
		return now.Add(-30 * 24 * time.Hour), now
	default:
		return now.Add(-24 * time.Hour), now
	}
}
