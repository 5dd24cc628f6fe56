/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the escrow-service needs. The interface decouples the application's
 * business logic from the PostgreSQL implementation, which keeps the service
 * testable against in-memory fakes.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For transfer and event identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/paymesh/escrow-service/internal/domain"
)

// ListOptions controls pagination for transfer listings.
type ListOptions struct {
	Limit  int
	Offset int
	Status string
}

// ReconciliationFlag records a transfer whose fund movement exhausted retries
// and needs operator attention.
type ReconciliationFlag struct {
	TransferID uuid.UUID
	Flow       string
	Reason     string
	FlaggedAt  time.Time
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Transfer aggregate methods. UpdateTransferStatusGuarded persists the
	// mutated aggregate only if the stored row is still in expectedStatus,
	// returning false when another operation committed first.
	CreateTransfer(ctx context.Context, t *domain.Transfer) error
	FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error)
	UpdateTransferStatusGuarded(ctx context.Context, t *domain.Transfer, expectedStatus domain.TransferStatus) (bool, error)
	ListTransfersByParty(ctx context.Context, owner string, opts ListOptions) ([]domain.Transfer, error)
	ListExpiredPendingTransferIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// Append-only event log, keyed by (transfer id, sequence).
	AppendTransferEvent(ctx context.Context, event *domain.TransferEvent) error
	ListTransferEvents(ctx context.Context, transferID uuid.UUID) ([]domain.TransferEvent, error)

	// Refund idempotency marker. MarkRefundProcessed returns true exactly once
	// per transfer id; duplicate event deliveries observe false.
	MarkRefundProcessed(ctx context.Context, transferID uuid.UUID) (bool, error)

	// Manual reconciliation flags for transfers whose fund movement exhausted
	// retries.
	FlagForReconciliation(ctx context.Context, transferID uuid.UUID, flow, reason string) error
	ListReconciliationFlags(ctx context.Context, limit int) ([]ReconciliationFlag, error)
	ClearReconciliationFlag(ctx context.Context, transferID uuid.UUID, flow string) error
}
