/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL needed for the `transfers` table, the
 * append-only `transfer_events` log, the refund idempotency markers, and the
 * manual reconciliation flags.
 *
 * @notes
 * - Minor-unit amounts are NUMERIC columns moved across the wire as decimal
 *   strings, never as floats, so arbitrary-precision values survive intact.
 * - UpdateTransferStatusGuarded is the optimistic concurrency check: the UPDATE
 *   is predicated on the stored status, so of two racing operations exactly one
 *   commits and the loser observes a zero row count.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paymesh/escrow-service/internal/domain"
)

var (
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrDuplicateTransfer = errors.New("transfer already exists")
	ErrDuplicateEvent    = errors.New("event sequence already exists for transfer")
)

// PostgresRepository is the pgx-backed implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const transferColumns = `
	id, from_owner, from_kind, to_owner, to_kind,
	requested_minor::text, requested_currency,
	COALESCE(holding_minor::text, ''), COALESCE(holding_currency, ''),
	escrow_address, message, status, created_at, expires_at,
	accepted_at, declined_at, completed_at, cancelled_at, expired_at,
	destination_currency, destination_instrument,
	quoted_rate_num::text, quoted_rate_den::text, quoted_slippage_bps, quoted_at,
	final_minor::text, final_currency, decline_reason, cancel_reason`

// CreateTransfer inserts the full aggregate. Initiation only reaches this point
// after the escrow reservation has been confirmed.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, t *domain.Transfer) error {
	instrumentJSON, err := marshalInstrument(t.DestinationInstrument)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO transfers (
			id, from_owner, from_kind, to_owner, to_kind,
			requested_minor, requested_currency, holding_minor, holding_currency,
			escrow_address, message, status, created_at, expires_at,
			destination_instrument
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8::numeric, $9, $10, $11, $12, $13, $14, $15::jsonb)
	`
	_, err = r.db.Exec(ctx, query,
		t.ID,
		t.From.Owner, string(t.From.Kind),
		t.To.Owner, string(t.To.Kind),
		t.RequestedAmount.MinorString(), t.RequestedAmount.Currency.Code,
		t.HoldingAmount.MinorString(), t.HoldingAmount.Currency.Code,
		t.EscrowAddress.String(),
		t.Message,
		string(t.Status),
		t.CreatedAt, t.ExpiresAt,
		instrumentJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTransfer
		}
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

// FindTransferByID retrieves one transfer aggregate.
func (r *PostgresRepository) FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`
	t, err := scanTransfer(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return t, nil
}

// UpdateTransferStatusGuarded persists the mutated aggregate only if the stored
// status still equals expectedStatus. Returns false when the guard fails.
func (r *PostgresRepository) UpdateTransferStatusGuarded(ctx context.Context, t *domain.Transfer, expectedStatus domain.TransferStatus) (bool, error) {
	instrumentJSON, err := marshalInstrument(t.DestinationInstrument)
	if err != nil {
		return false, err
	}
	var destCurrency, finalMinor, finalCurrency *string
	if t.DestinationCurrency != nil {
		code := t.DestinationCurrency.Code
		destCurrency = &code
	}
	if t.FinalAmount != nil {
		minor := t.FinalAmount.MinorString()
		code := t.FinalAmount.Currency.Code
		finalMinor = &minor
		finalCurrency = &code
	}
	var quoteNum, quoteDen *string
	var quoteBps *int64
	var quotedAt *time.Time
	if t.AcceptedQuote != nil {
		num := t.AcceptedQuote.Num.String()
		den := t.AcceptedQuote.Den.String()
		bps := t.AcceptedQuote.MaxSlippageBps
		at := t.AcceptedQuote.QuotedAt
		quoteNum, quoteDen, quoteBps, quotedAt = &num, &den, &bps, &at
	}

	query := `
		UPDATE transfers SET
			status = $1,
			accepted_at = $2, declined_at = $3, completed_at = $4,
			cancelled_at = $5, expired_at = $6,
			destination_currency = $7, destination_instrument = $8::jsonb,
			quoted_rate_num = $9::numeric, quoted_rate_den = $10::numeric,
			quoted_slippage_bps = $11, quoted_at = $12,
			final_minor = $13::numeric, final_currency = $14,
			decline_reason = $15, cancel_reason = $16,
			updated_at = now()
		WHERE id = $17 AND status = $18
	`
	tag, err := r.db.Exec(ctx, query,
		string(t.Status),
		t.AcceptedAt, t.DeclinedAt, t.CompletedAt, t.CancelledAt, t.ExpiredAt,
		destCurrency, instrumentJSON,
		quoteNum, quoteDen, quoteBps, quotedAt,
		finalMinor, finalCurrency,
		t.DeclineReason, t.CancelReason,
		t.ID, string(expectedStatus),
	)
	if err != nil {
		return false, fmt.Errorf("update transfer %s: %w", t.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// List pagination bounds, shared with the API layer's query validation.
const (
	defaultListLimit = 50
	maxListLimit     = 100
)

func clampListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// ListTransfersByParty returns transfers where the owner is sender or
// recipient, newest first.
func (r *PostgresRepository) ListTransfersByParty(ctx context.Context, owner string, opts ListOptions) ([]domain.Transfer, error) {
	limit := clampListLimit(opts.Limit)
	query := `SELECT ` + transferColumns + `
		FROM transfers
		WHERE (from_owner = $1 OR to_owner = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`
	rows, err := r.db.Query(ctx, query, owner, opts.Status, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list transfers for %s: %w", owner, err)
	}
	defer rows.Close()

	var out []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListExpiredPendingTransferIDs returns pending transfers whose deadline has
// passed, oldest deadline first. The sweeper drives each id through Expire.
func (r *PostgresRepository) ListExpiredPendingTransferIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id FROM transfers
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, string(domain.StatusPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired pending transfers: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendTransferEvent appends one event with the next per-transfer sequence
// number. Safe under the service's per-id serialization; the unique constraint
// on (transfer_id, sequence) backstops it.
func (r *PostgresRepository) AppendTransferEvent(ctx context.Context, event *domain.TransferEvent) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	query := `
		INSERT INTO transfer_events (id, transfer_id, sequence, type, payload, payload_hash, occurred_at)
		VALUES (
			$1, $2,
			(SELECT COALESCE(MAX(sequence), 0) + 1 FROM transfer_events WHERE transfer_id = $2),
			$3, $4::jsonb, $5, $6
		)
		RETURNING sequence
	`
	err = r.db.QueryRow(ctx, query,
		event.ID, event.TransferID, string(event.Type), payloadJSON, event.PayloadHash, event.OccurredAt,
	).Scan(&event.Sequence)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("append transfer event: %w", err)
	}
	return nil
}

// ListTransferEvents returns the full audit trail for one transfer in sequence
// order.
func (r *PostgresRepository) ListTransferEvents(ctx context.Context, transferID uuid.UUID) ([]domain.TransferEvent, error) {
	query := `
		SELECT id, transfer_id, sequence, type, payload, payload_hash, occurred_at
		FROM transfer_events
		WHERE transfer_id = $1
		ORDER BY sequence ASC
	`
	rows, err := r.db.Query(ctx, query, transferID)
	if err != nil {
		return nil, fmt.Errorf("list transfer events: %w", err)
	}
	defer rows.Close()

	var out []domain.TransferEvent
	for rows.Next() {
		var (
			event       domain.TransferEvent
			eventType   string
			payloadJSON []byte
		)
		if err := rows.Scan(&event.ID, &event.TransferID, &event.Sequence, &eventType, &payloadJSON, &event.PayloadHash, &event.OccurredAt); err != nil {
			return nil, err
		}
		event.Type = domain.EventType(eventType)
		if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for event %s: %w", event.ID, err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// MarkRefundProcessed records the durable refund idempotency marker. The first
// call for a transfer id returns true; every later call returns false.
func (r *PostgresRepository) MarkRefundProcessed(ctx context.Context, transferID uuid.UUID) (bool, error) {
	query := `
		INSERT INTO refund_markers (transfer_id, processed_at)
		VALUES ($1, now())
		ON CONFLICT (transfer_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, transferID)
	if err != nil {
		return false, fmt.Errorf("mark refund processed for %s: %w", transferID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// FlagForReconciliation records a transfer needing operator attention after
// fund-movement retries were exhausted. Re-flagging updates the reason.
func (r *PostgresRepository) FlagForReconciliation(ctx context.Context, transferID uuid.UUID, flow, reason string) error {
	query := `
		INSERT INTO reconciliation_flags (transfer_id, flow, reason, flagged_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (transfer_id, flow) DO UPDATE SET reason = EXCLUDED.reason, flagged_at = now()
	`
	if _, err := r.db.Exec(ctx, query, transferID, flow, reason); err != nil {
		return fmt.Errorf("flag transfer %s for reconciliation: %w", transferID, err)
	}
	return nil
}

// ListReconciliationFlags returns open flags, oldest first.
func (r *PostgresRepository) ListReconciliationFlags(ctx context.Context, limit int) ([]ReconciliationFlag, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT transfer_id, flow, reason, flagged_at
		FROM reconciliation_flags
		ORDER BY flagged_at ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation flags: %w", err)
	}
	defer rows.Close()

	var out []ReconciliationFlag
	for rows.Next() {
		var f ReconciliationFlag
		if err := rows.Scan(&f.TransferID, &f.Flow, &f.Reason, &f.FlaggedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ClearReconciliationFlag removes a flag once the stuck flow has been re-driven.
func (r *PostgresRepository) ClearReconciliationFlag(ctx context.Context, transferID uuid.UUID, flow string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM reconciliation_flags WHERE transfer_id = $1 AND flow = $2`, transferID, flow)
	if err != nil {
		return fmt.Errorf("clear reconciliation flag for %s: %w", transferID, err)
	}
	return nil
}

// scanTransfer hydrates one transfer aggregate from a row using the
// transferColumns ordering.
func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var (
		t                         domain.Transfer
		fromOwner, fromKind       string
		toOwner, toKind           string
		requestedMinor, reqCur    string
		holdingMinor, holdingCur  string
		escrowAddress, status     string
		destCurrency              *string
		instrumentJSON            []byte
		quoteNum, quoteDen        *string
		quoteBps                  *int64
		quotedAt                  *time.Time
		finalMinor, finalCurrency *string
	)
	err := row.Scan(
		&t.ID, &fromOwner, &fromKind, &toOwner, &toKind,
		&requestedMinor, &reqCur,
		&holdingMinor, &holdingCur,
		&escrowAddress, &t.Message, &status, &t.CreatedAt, &t.ExpiresAt,
		&t.AcceptedAt, &t.DeclinedAt, &t.CompletedAt, &t.CancelledAt, &t.ExpiredAt,
		&destCurrency, &instrumentJSON,
		&quoteNum, &quoteDen, &quoteBps, &quotedAt,
		&finalMinor, &finalCurrency, &t.DeclineReason, &t.CancelReason,
	)
	if err != nil {
		return nil, err
	}

	t.From = domain.AccountAddress{Owner: fromOwner, Kind: domain.SubAccountKind(fromKind)}
	t.To = domain.AccountAddress{Owner: toOwner, Kind: domain.SubAccountKind(toKind)}
	t.Status = domain.TransferStatus(status)

	if t.EscrowAddress, err = domain.ParseAccountAddress(escrowAddress); err != nil {
		return nil, fmt.Errorf("transfer %s: %w", t.ID, err)
	}
	if t.RequestedAmount, err = amountFromColumns(requestedMinor, reqCur); err != nil {
		return nil, fmt.Errorf("transfer %s requested amount: %w", t.ID, err)
	}
	if holdingMinor != "" && holdingCur != "" {
		if t.HoldingAmount, err = amountFromColumns(holdingMinor, holdingCur); err != nil {
			return nil, fmt.Errorf("transfer %s holding amount: %w", t.ID, err)
		}
	}
	if destCurrency != nil {
		cur, err := domain.CurrencyFromCode(*destCurrency)
		if err != nil {
			return nil, fmt.Errorf("transfer %s: %w", t.ID, err)
		}
		t.DestinationCurrency = &cur
	}
	if len(instrumentJSON) > 0 {
		var instrument domain.DestinationInstrument
		if err := json.Unmarshal(instrumentJSON, &instrument); err != nil {
			return nil, fmt.Errorf("transfer %s instrument: %w", t.ID, err)
		}
		t.DestinationInstrument = &instrument
	}
	if quoteNum != nil && quoteDen != nil {
		num, numOK := new(big.Int).SetString(*quoteNum, 10)
		den, denOK := new(big.Int).SetString(*quoteDen, 10)
		if !numOK || !denOK {
			return nil, fmt.Errorf("transfer %s: malformed quoted rate %q/%q", t.ID, *quoteNum, *quoteDen)
		}
		quote := &domain.RateQuote{
			From: t.HoldingAmount.Currency.Code,
			Num:  num,
			Den:  den,
		}
		if destCurrency != nil {
			quote.To = *destCurrency
		}
		if quoteBps != nil {
			quote.MaxSlippageBps = *quoteBps
		}
		if quotedAt != nil {
			quote.QuotedAt = *quotedAt
		}
		t.AcceptedQuote = quote
	}
	if finalMinor != nil && finalCurrency != nil {
		final, err := amountFromColumns(*finalMinor, *finalCurrency)
		if err != nil {
			return nil, fmt.Errorf("transfer %s final amount: %w", t.ID, err)
		}
		t.FinalAmount = &final
	}
	return &t, nil
}

func amountFromColumns(minor, currencyCode string) (domain.MultiCurrencyAmount, error) {
	cur, err := domain.CurrencyFromCode(currencyCode)
	if err != nil {
		return domain.MultiCurrencyAmount{}, err
	}
	value, ok := new(big.Int).SetString(minor, 10)
	if !ok {
		return domain.MultiCurrencyAmount{}, fmt.Errorf("malformed minor-unit amount %q", minor)
	}
	return domain.NewAmount(value, cur)
}

func marshalInstrument(instrument *domain.DestinationInstrument) ([]byte, error) {
	if instrument == nil {
		return nil, nil
	}
	raw, err := json.Marshal(instrument)
	if err != nil {
		return nil, fmt.Errorf("marshal destination instrument: %w", err)
	}
	return raw, nil
}

// isUniqueViolation reports whether err is a Postgres 23505 unique violation.
func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
