/**
 * @description
 * This file contains the HTTP handlers for the escrow-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/paymesh/escrow-service/internal/app"
	"github.com/paymesh/escrow-service/internal/domain"
	"github.com/paymesh/escrow-service/internal/store"
)

// TransferHandlers holds the application service that handlers will use.
type TransferHandlers struct {
	service *app.Service
}

// NewTransferHandlers creates a new instance of TransferHandlers.
func NewTransferHandlers(service *app.Service) *TransferHandlers {
	return &TransferHandlers{service: service}
}

type initiateTransferRequest struct {
	To          string `json:"to"`
	Amount      string `json:"amount"` // major units, decimal string
	Currency    string `json:"currency"`
	Message     string `json:"message,omitempty"`
	ExpiryHours int    `json:"expiry_hours,omitempty"`
}

type acceptTransferRequest struct {
	DestinationCurrency string `json:"destination_currency"`
	Instrument          *struct {
		Token         string `json:"token"`
		MaskedDisplay string `json:"masked_display,omitempty"`
		Provider      string `json:"provider,omitempty"`
	} `json:"instrument,omitempty"`
}

type reasonRequest struct {
	Reason *string `json:"reason,omitempty"`
}

// transferResponse mirrors the Transfer aggregate with all monetary values
// formatted as major-unit decimal strings.
type transferResponse struct {
	ID                  string     `json:"id"`
	From                string     `json:"from"`
	To                  string     `json:"to"`
	Amount              string     `json:"amount"`
	Currency            string     `json:"currency"`
	HoldingAmount       string     `json:"holding_amount,omitempty"`
	HoldingCurrency     string     `json:"holding_currency,omitempty"`
	EscrowAddress       string     `json:"escrow_address"`
	Message             string     `json:"message,omitempty"`
	Status              string     `json:"status"`
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           time.Time  `json:"expires_at"`
	AcceptedAt          *time.Time `json:"accepted_at,omitempty"`
	DeclinedAt          *time.Time `json:"declined_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
	ExpiredAt           *time.Time `json:"expired_at,omitempty"`
	DestinationCurrency string     `json:"destination_currency,omitempty"`
	InstrumentMasked    string     `json:"instrument_masked,omitempty"`
	FinalAmount         string     `json:"final_amount,omitempty"`
	FinalCurrency       string     `json:"final_currency,omitempty"`
	DeclineReason       *string    `json:"decline_reason,omitempty"`
	CancelReason        *string    `json:"cancel_reason,omitempty"`
}

func buildTransferResponse(t *domain.Transfer) transferResponse {
	resp := transferResponse{
		ID:            t.ID.String(),
		From:          t.From.String(),
		To:            t.To.String(),
		Amount:        t.RequestedAmount.MajorString(),
		Currency:      t.RequestedAmount.Currency.Code,
		EscrowAddress: t.EscrowAddress.String(),
		Message:       t.Message,
		Status:        string(t.Status),
		CreatedAt:     t.CreatedAt,
		ExpiresAt:     t.ExpiresAt,
		AcceptedAt:    t.AcceptedAt,
		DeclinedAt:    t.DeclinedAt,
		CompletedAt:   t.CompletedAt,
		CancelledAt:   t.CancelledAt,
		ExpiredAt:     t.ExpiredAt,
		DeclineReason: t.DeclineReason,
		CancelReason:  t.CancelReason,
	}
	if t.HoldingAmount.Amount != nil {
		resp.HoldingAmount = t.HoldingAmount.MajorString()
		resp.HoldingCurrency = t.HoldingAmount.Currency.Code
	}
	if t.DestinationCurrency != nil {
		resp.DestinationCurrency = t.DestinationCurrency.Code
	}
	if t.DestinationInstrument != nil {
		resp.InstrumentMasked = t.DestinationInstrument.MaskedDisplay
	}
	if t.FinalAmount != nil {
		resp.FinalAmount = t.FinalAmount.MajorString()
		resp.FinalCurrency = t.FinalAmount.Currency.Code
	}
	return resp
}

// InitiateTransferHandler handles requests to create a new escrowed transfer.
func (h *TransferHandlers) InitiateTransferHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.callerAddress(w, r)
	if !ok {
		return
	}

	var req initiateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	currency, err := domain.CurrencyFromCode(req.Currency)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := domain.ParseAmount(req.Amount, currency)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := domain.NewAccountAddress(req.To, domain.SubAccountMain)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	params := app.InitiateParams{
		From:    actor,
		To:      to,
		Amount:  amount,
		Message: req.Message,
	}
	if req.ExpiryHours > 0 {
		params.ExpiryWindow = time.Duration(req.ExpiryHours) * time.Hour
	}

	t, err := h.service.Initiate(r.Context(), params)
	if err != nil {
		h.writeDomainError(w, "initiate_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildTransferResponse(t))
}

// AcceptTransferHandler handles the recipient's acceptance of a transfer.
func (h *TransferHandlers) AcceptTransferHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.callerAddress(w, r)
	if !ok {
		return
	}
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}

	var req acceptTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	destination, err := domain.CurrencyFromCode(req.DestinationCurrency)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var instrument *domain.DestinationInstrument
	if req.Instrument != nil {
		instrument = &domain.DestinationInstrument{
			Token:         req.Instrument.Token,
			MaskedDisplay: req.Instrument.MaskedDisplay,
			Provider:      req.Instrument.Provider,
		}
	}

	t, err := h.service.Accept(r.Context(), id, actor, destination, instrument)
	if err != nil {
		h.writeDomainError(w, "accept_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTransferResponse(t))
}

// DeclineTransferHandler handles the recipient's rejection of a transfer.
func (h *TransferHandlers) DeclineTransferHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.callerAddress(w, r)
	if !ok {
		return
	}
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}

	var req reasonRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	t, err := h.service.Decline(r.Context(), id, actor, req.Reason)
	if err != nil {
		h.writeDomainError(w, "decline_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTransferResponse(t))
}

// CancelTransferHandler handles the sender's withdrawal of a pending transfer.
func (h *TransferHandlers) CancelTransferHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.callerAddress(w, r)
	if !ok {
		return
	}
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}

	var req reasonRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	t, err := h.service.Cancel(r.Context(), id, actor, req.Reason)
	if err != nil {
		h.writeDomainError(w, "cancel_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTransferResponse(t))
}

// CompleteTransferHandler settles an accepted transfer to its destination.
func (h *TransferHandlers) CompleteTransferHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.callerAddress(w, r)
	if !ok {
		return
	}
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}

	t, err := h.service.Complete(r.Context(), id, actor)
	if err != nil {
		h.writeDomainError(w, "complete_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTransferResponse(t))
}

// GetTransferHandler returns one transfer visible to the caller.
func (h *TransferHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.callerAddress(w, r)
	if !ok {
		return
	}
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}

	t, err := h.service.GetTransfer(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "get_transfer", err)
		return
	}
	if !h.partyTo(actor, t) {
		h.writeError(w, http.StatusNotFound, "Transfer not found")
		return
	}
	h.writeJSON(w, http.StatusOK, buildTransferResponse(t))
}

// ListTransfersHandler returns the caller's transfers, newest first.
func (h *TransferHandlers) ListTransfersHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.callerAddress(w, r)
	if !ok {
		return
	}

	opts := store.ListOptions{Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		// Same upper bound the repository enforces.
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	opts.Status = strings.TrimSpace(r.URL.Query().Get("status"))

	transfers, err := h.service.ListTransfersFor(r.Context(), actor.Owner, opts)
	if err != nil {
		h.writeDomainError(w, "list_transfers", err)
		return
	}

	out := make([]transferResponse, 0, len(transfers))
	for i := range transfers {
		out = append(out, buildTransferResponse(&transfers[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transfers": out})
}

// ListTransferEventsHandler returns a transfer's audit history.
func (h *TransferHandlers) ListTransferEventsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.callerAddress(w, r)
	if !ok {
		return
	}
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}

	t, err := h.service.GetTransfer(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "list_transfer_events", err)
		return
	}
	if !h.partyTo(actor, t) {
		h.writeError(w, http.StatusNotFound, "Transfer not found")
		return
	}

	events, err := h.service.ListEvents(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "list_transfer_events", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// ReconcileHandler re-drives flagged fund movements. Operator-only.
func (h *TransferHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	result, err := h.service.Reconcile(r.Context(), limit)
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile msg=\"reconcile pass failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ConservationHandler compares ledger escrow balance with the expected held
// amount for one transfer. Operator-only.
func (h *TransferHandlers) ConservationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transferID(w, r)
	if !ok {
		return
	}

	held, expected, err := h.service.CheckConservation(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "conservation", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transfer_id": id.String(),
		"held":        held.MinorString(),
		"expected":    expected.MinorString(),
		"currency":    expected.Currency.Code,
		"balanced":    held.Equal(expected),
	})
}

func (h *TransferHandlers) callerAddress(w http.ResponseWriter, r *http.Request) (domain.AccountAddress, bool) {
	owner, ok := GetAccountOwner(r.Context())
	if !ok {
		http.Error(w, "Could not get account owner from context", http.StatusInternalServerError)
		return domain.AccountAddress{}, false
	}
	addr, err := domain.NewAccountAddress(owner, domain.SubAccountMain)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "Invalid account owner")
		return domain.AccountAddress{}, false
	}
	return addr, true
}

func (h *TransferHandlers) transferID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "transferID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transfer id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *TransferHandlers) partyTo(actor domain.AccountAddress, t *domain.Transfer) bool {
	return actor.Owner == t.From.Owner || actor.Owner == t.To.Owner
}

// writeDomainError maps domain sentinel errors onto HTTP status codes.
func (h *TransferHandlers) writeDomainError(w http.ResponseWriter, endpoint string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidTransferRequest), errors.Is(err, domain.ErrUnknownCurrency):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrReservationFailed):
		h.writeError(w, http.StatusPaymentRequired, "Insufficient funds to reserve")
	case errors.Is(err, domain.ErrUnauthorized):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrTransferNotFound):
		h.writeError(w, http.StatusNotFound, "Transfer not found")
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrNotYetExpired):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrTransferExpired):
		h.writeError(w, http.StatusGone, "Transfer has expired")
	case errors.Is(err, domain.ErrConversionRejected):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"unhandled service error\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *TransferHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func (h *TransferHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
