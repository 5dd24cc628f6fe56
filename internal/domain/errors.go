/**
 * @description
 * Domain error sentinels for the transfer workflow. Callers match these with
 * errors.Is; the API layer maps each to an HTTP status. Infrastructure errors
 * (ledger, oracle, payout timeouts) are wrapped separately by the adapters and
 * never surface as one of these.
 */

package domain

import "errors"

var (
	// ErrInvalidTransferRequest covers caller-correctable initiation problems:
	// sender equals recipient, non-positive amount, unknown currency.
	ErrInvalidTransferRequest = errors.New("invalid transfer request")

	// ErrInvalidState is returned by any mutating operation invoked on a
	// transfer whose status does not permit that transition. Terminal-state
	// re-invocation always yields this error and performs no side effect.
	ErrInvalidState = errors.New("operation not permitted in current transfer state")

	// ErrUnauthorized is returned when the acting party is not allowed to
	// perform the operation (e.g. a non-sender attempting to cancel).
	ErrUnauthorized = errors.New("actor is not authorized for this operation")

	// ErrTransferExpired is returned by accept when the deadline has passed.
	ErrTransferExpired = errors.New("transfer has expired")

	// ErrNotYetExpired is returned by expire when the deadline has not passed.
	ErrNotYetExpired = errors.New("transfer has not reached its expiry deadline")

	// ErrConversionRejected is returned when the realized exchange rate
	// deviates from the quoted rate by more than the allowed slippage.
	ErrConversionRejected = errors.New("conversion rejected: slippage exceeds allowed maximum")

	// ErrReservationFailed is returned when the ledger declines the escrow
	// reservation, typically for insufficient sender funds.
	ErrReservationFailed = errors.New("escrow reservation failed")

	// ErrTransferNotFound is returned when no transfer exists for the id.
	ErrTransferNotFound = errors.New("transfer not found")
)
