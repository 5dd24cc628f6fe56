/**
 * @description
 * This file defines the Transfer aggregate and its state machine. A transfer is
 * created in PENDING with funds already reserved in a transfer-scoped escrow
 * address, and moves along exactly one of these paths:
 *
 *   PENDING -> ACCEPTED -> COMPLETED
 *   PENDING -> DECLINED | EXPIRED | CANCELLED
 *
 * The transition methods here are pure: they validate guards and mutate the
 * in-memory aggregate only. Fund movement and persistence are orchestrated by
 * the application service, which serializes all operations per transfer id.
 *
 * @notes
 * - Once a transfer is terminal, every further mutating call returns
 *   ErrInvalidState. This is the core property protecting against duplicate
 *   fund movement.
 * - A terminal transfer is never deleted; it remains as an audit record, with
 *   its full history re-expressed in the append-only event log.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransferStatus enumerates the lifecycle states of a transfer.
type TransferStatus string

const (
	StatusPending   TransferStatus = "pending"
	StatusAccepted  TransferStatus = "accepted"
	StatusCompleted TransferStatus = "completed"
	StatusDeclined  TransferStatus = "declined"
	StatusExpired   TransferStatus = "expired"
	StatusCancelled TransferStatus = "cancelled"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s TransferStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Transfer is the aggregate root for one peer-to-peer escrowed transfer.
type Transfer struct {
	ID              uuid.UUID           `json:"id"`
	From            AccountAddress      `json:"from"`
	To              AccountAddress      `json:"to"`
	RequestedAmount MultiCurrencyAmount `json:"requested_amount"`
	HoldingAmount   MultiCurrencyAmount `json:"holding_amount"`
	EscrowAddress   AccountAddress      `json:"escrow_address"`
	Message         string              `json:"message"`
	Status          TransferStatus      `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
	ExpiresAt       time.Time           `json:"expires_at"`

	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	DeclinedAt  *time.Time `json:"declined_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	ExpiredAt   *time.Time `json:"expired_at,omitempty"`

	DestinationCurrency   *Currency              `json:"destination_currency,omitempty"`
	DestinationInstrument *DestinationInstrument `json:"destination_instrument,omitempty"`
	AcceptedQuote         *RateQuote             `json:"accepted_quote,omitempty"`
	FinalAmount           *MultiCurrencyAmount   `json:"final_amount,omitempty"`
	DeclineReason         *string                `json:"decline_reason,omitempty"`
	CancelReason          *string                `json:"cancel_reason,omitempty"`
}

// NewTransfer is the initiation factory. It validates the request invariants
// and returns a PENDING transfer bound to a fresh transfer-scoped escrow
// address. The holding amount (the requested amount converted into the chosen
// holding currency) is set by the caller after consulting the conversion
// policy; the reservation itself is the application service's responsibility.
func NewTransfer(from, to AccountAddress, amount MultiCurrencyAmount, message string, expiryWindow time.Duration, now time.Time) (*Transfer, error) {
	if from.IsZero() || to.IsZero() {
		return nil, fmt.Errorf("%w: both source and destination addresses are required", ErrInvalidTransferRequest)
	}
	if from.Equal(to) {
		return nil, fmt.Errorf("%w: source and destination must differ", ErrInvalidTransferRequest)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidTransferRequest)
	}
	if expiryWindow <= 0 {
		return nil, fmt.Errorf("%w: expiry window must be positive", ErrInvalidTransferRequest)
	}

	id := uuid.New()
	now = now.UTC()
	return &Transfer{
		ID:              id,
		From:            from,
		To:              to,
		RequestedAmount: amount,
		EscrowAddress:   EscrowAddressFor(id),
		Message:         strings.TrimSpace(message),
		Status:          StatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(expiryWindow),
	}, nil
}

// Accept moves the transfer from PENDING to ACCEPTED, recording the recipient's
// chosen destination currency and (optionally) instrument, plus the exchange
// quote shown to the recipient. At completion the realized rate is checked
// against this quote under the bounded-slippage rule.
func (t *Transfer) Accept(destination Currency, instrument *DestinationInstrument, quote *RateQuote, now time.Time) error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: accept requires pending, have %s", ErrInvalidState, t.Status)
	}
	if !now.Before(t.ExpiresAt) {
		return ErrTransferExpired
	}
	if destination.IsZero() {
		return fmt.Errorf("%w: destination currency is required", ErrInvalidTransferRequest)
	}
	if instrument != nil {
		if err := instrument.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTransferRequest, err)
		}
	}

	if quote == nil {
		return fmt.Errorf("%w: exchange quote is required at acceptance", ErrInvalidTransferRequest)
	}

	ts := now.UTC()
	t.Status = StatusAccepted
	t.AcceptedAt = &ts
	t.DestinationCurrency = &destination
	t.DestinationInstrument = instrument
	t.AcceptedQuote = quote
	return nil
}

// Decline moves the transfer from PENDING to DECLINED. It does not move funds;
// the refund is a compensating action driven by the emitted event.
func (t *Transfer) Decline(reason *string, now time.Time) error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: decline requires pending, have %s", ErrInvalidState, t.Status)
	}
	ts := now.UTC()
	t.Status = StatusDeclined
	t.DeclinedAt = &ts
	t.DeclineReason = reason
	return nil
}

// Cancel moves the transfer from PENDING to CANCELLED. Only the original
// sender may cancel; the refund is a compensating action.
func (t *Transfer) Cancel(actor AccountAddress, reason *string, now time.Time) error {
	if !actor.Equal(t.From) {
		return fmt.Errorf("%w: only the sender may cancel", ErrUnauthorized)
	}
	if t.Status != StatusPending {
		return fmt.Errorf("%w: cancel requires pending, have %s", ErrInvalidState, t.Status)
	}
	ts := now.UTC()
	t.Status = StatusCancelled
	t.CancelledAt = &ts
	t.CancelReason = reason
	return nil
}

// MarkCompleted moves the transfer from ACCEPTED to COMPLETED with the final
// converted amount. The caller must have confirmed the escrow release first.
func (t *Transfer) MarkCompleted(final MultiCurrencyAmount, now time.Time) error {
	if t.Status != StatusAccepted {
		return fmt.Errorf("%w: complete requires accepted, have %s", ErrInvalidState, t.Status)
	}
	if t.DestinationCurrency == nil {
		return fmt.Errorf("%w: destination currency not set", ErrInvalidState)
	}
	if !final.Currency.Equal(*t.DestinationCurrency) {
		return fmt.Errorf("%w: final amount currency %s does not match destination %s",
			ErrCurrencyMismatch, final.Currency.Code, t.DestinationCurrency.Code)
	}
	ts := now.UTC()
	t.Status = StatusCompleted
	t.CompletedAt = &ts
	t.FinalAmount = &final
	return nil
}

// MarkExpired moves the transfer from PENDING to EXPIRED once the deadline has
// passed. The refund is a compensating action driven by the emitted event.
func (t *Transfer) MarkExpired(now time.Time) error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: expire requires pending, have %s", ErrInvalidState, t.Status)
	}
	if now.Before(t.ExpiresAt) {
		return ErrNotYetExpired
	}
	ts := now.UTC()
	t.Status = StatusExpired
	t.ExpiredAt = &ts
	return nil
}

// RefundAmount is what flows back to the sender on decline, cancel, or expiry:
// the full escrowed holding amount.
func (t *Transfer) RefundAmount() MultiCurrencyAmount {
	return t.HoldingAmount
}
