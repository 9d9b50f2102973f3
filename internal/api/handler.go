// Package api exposes the round-up operations over HTTP. Handlers decode
// the request, call one service operation and map its error kind to a
// status code; they hold no business logic of their own.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/atmx/roundup-engine/internal/apperr"
	"github.com/atmx/roundup-engine/internal/cashback"
	"github.com/atmx/roundup-engine/internal/deposit"
	"github.com/atmx/roundup-engine/internal/filter"
	"github.com/atmx/roundup-engine/internal/invest"
	"github.com/atmx/roundup-engine/internal/model"
	"github.com/atmx/roundup-engine/internal/store"
	"github.com/atmx/roundup-engine/internal/valuation"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	store     store.Store
	cashback  *cashback.Service
	deposits  *deposit.Service
	invest    *invest.Service
	valuation *valuation.Engine
	log       zerolog.Logger
}

// Services bundles the operations the handler calls.
type Services struct {
	Store     store.Store
	Cashback  *cashback.Service
	Deposits  *deposit.Service
	Invest    *invest.Service
	Valuation *valuation.Engine
}

// NewHandler creates a handler.
func NewHandler(svc Services, log zerolog.Logger) *Handler {
	return &Handler{
		store:     svc.Store,
		cashback:  svc.Cashback,
		deposits:  svc.Deposits,
		invest:    svc.Invest,
		valuation: svc.Valuation,
		log:       log.With().Str("component", "api").Logger(),
	}
}

// --- Request types ---

// CashbackRequest is the body of POST /cashback. A bare JSON array of
// transactions is accepted too.
type CashbackRequest struct {
	Transactions []filter.Record `json:"transactions"`
}

// DepositRequest is the body of POST /deposits.
type DepositRequest struct {
	CashbackIDs []string `json:"cashback_ids"`
	deposit.Options
}

// InvestRequest is the body of POST /investments.
type InvestRequest struct {
	DepositID string `json:"deposit_id"`
	invest.Options
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Code   string `json:"code,omitempty"`
	Detail any    `json:"detail,omitempty"`
}

// --- Cashback ---

// RecordCashback handles POST /users/{userID}/cashback
func (h *Handler) RecordCashback(w http.ResponseWriter, r *http.Request) {
	records, err := decodeRecords(r.Body)
	if err != nil {
		h.writeError(w, r, apperr.New(apperr.KindInvalidInput, "decode", err))
		return
	}
	sum, err := h.cashback.Record(r.Context(), chi.URLParam(r, "userID"), records)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// SyncCashback handles POST /users/{userID}/cashback/sync
func (h *Handler) SyncCashback(w http.ResponseWriter, r *http.Request) {
	sum, err := h.cashback.Sync(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// --- Deposits ---

// InitiateDeposit handles POST /users/{userID}/deposits
func (h *Handler) InitiateDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperr.New(apperr.KindInvalidInput, "decode", err))
		return
	}
	dep, err := h.deposits.Initiate(r.Context(), chi.URLParam(r, "userID"), req.CashbackIDs, req.Options)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

// RefreshDeposit handles POST /users/{userID}/deposits/{transferID}/refresh.
// The body is optional.
func (h *Handler) RefreshDeposit(w http.ResponseWriter, r *http.Request) {
	var opts deposit.RefreshOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, apperr.New(apperr.KindInvalidInput, "decode", err))
		return
	}
	dep, err := h.deposits.Refresh(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "transferID"), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// ListDeposits handles GET /users/{userID}/deposits
func (h *Handler) ListDeposits(w http.ResponseWriter, r *http.Request) {
	deps, err := h.store.ListDeposits(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, apperr.New(apperr.KindTransient, "list_deposits", err))
		return
	}
	if deps == nil {
		deps = []model.Deposit{}
	}
	writeJSON(w, http.StatusOK, deps)
}

// ListUndeposited handles GET /users/{userID}/cashback/undeposited
func (h *Handler) ListUndeposited(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListUndepositedCashback(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, apperr.New(apperr.KindTransient, "list_undeposited", err))
		return
	}
	if rows == nil {
		rows = []model.CashbackTransaction{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- Investments ---

// Invest handles POST /users/{userID}/investments
func (h *Handler) Invest(w http.ResponseWriter, r *http.Request) {
	var req InvestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperr.New(apperr.KindInvalidInput, "decode", err))
		return
	}
	if req.DepositID == "" {
		h.writeError(w, r, apperr.New(apperr.KindInvalidInput, "invest", errors.New("deposit_id is required")))
		return
	}
	inv, err := h.invest.Invest(r.Context(), chi.URLParam(r, "userID"), req.DepositID, req.Options)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// RefreshInvestment handles POST /users/{userID}/investments/{investmentID}/refresh
func (h *Handler) RefreshInvestment(w http.ResponseWriter, r *http.Request) {
	inv, err := h.invest.RefreshOrder(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "investmentID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// ListInvestments handles GET /users/{userID}/investments
func (h *Handler) ListInvestments(w http.ResponseWriter, r *http.Request) {
	invs, err := h.store.ListInvestments(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, apperr.New(apperr.KindTransient, "list_investments", err))
		return
	}
	if invs == nil {
		invs = []model.Investment{}
	}
	writeJSON(w, http.StatusOK, invs)
}

// --- Valuation ---

// RecomputeValuation handles POST /users/{userID}/valuation/recompute
func (h *Handler) RecomputeValuation(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.valuation.Recompute(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []model.ValueSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// GetValuation handles GET /users/{userID}/valuation?from=&to= (RFC 3339).
func (h *Handler) GetValuation(w http.ResponseWriter, r *http.Request) {
	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		h.writeError(w, r, apperr.New(apperr.KindInvalidInput, "valuation_history", err))
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		h.writeError(w, r, apperr.New(apperr.KindInvalidInput, "valuation_history", err))
		return
	}
	snaps, err := h.valuation.History(r.Context(), chi.URLParam(r, "userID"), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []model.ValueSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// --- Helpers ---

// StatusOf maps an error kind to an HTTP status.
func StatusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindDuplicate, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindInsufficientFunds, apperr.KindFlaggedDeposit,
		apperr.KindLimitExceeded, apperr.KindAccountMismatch:
		return http.StatusUnprocessableEntity
	case apperr.KindValidation, apperr.KindRemoteAPI:
		return http.StatusBadGateway
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	resp := ErrorResponse{Error: err.Error(), Kind: string(apperr.KindOf(err)), Detail: apperr.DetailOf(err)}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		resp.Code = ae.Code
	}

	ev := h.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = h.log.Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeRecords accepts {"transactions": [...]} or a bare array. Numbers
// are kept as json.Number so amounts stay exact.
func decodeRecords(body io.Reader) ([]filter.Record, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		var records []filter.Record
		if err := dec.Decode(&records); err != nil {
			return nil, err
		}
		return records, nil
	}
	var req CashbackRequest
	if err := dec.Decode(&req); err != nil {
		return nil, err
	}
	return req.Transactions, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
