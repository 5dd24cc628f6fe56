/**
 * @description
 * Escrow accounting adapter. Translates each state-machine decision into
 * exactly one ledger instruction and guarantees conservation: everything that
 * enters a transfer's escrow leaves it exactly once, to the recipient or back
 * to the sender, never both and never neither.
 *
 * @notes
 * - Every instruction is keyed by the transfer id, so the ledger treats a
 *   retried instruction as a replay, not a second movement.
 * - Transient failures are retried with bounded exponential backoff. An
 *   ambiguous failure (timeout) is never retried blindly: the adapter first
 *   asks the ledger, via AmountHeld, whether the instruction already took
 *   effect.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/paymesh/escrow-service/internal/domain"
	"github.com/paymesh/escrow-service/pkg/ledgerclient"
)

const (
	escrowRetryAttempts = 4
	escrowRetryBackoff  = 200 * time.Millisecond
)

// LedgerClient is the slice of the ledger service client the adapter needs.
type LedgerClient interface {
	Reserve(ctx context.Context, from, escrow, amountMinor, currency, idempotencyKey string) (*ledgerclient.InstructionResponse, error)
	Release(ctx context.Context, escrow, to, amountMinor, currency, idempotencyKey string) (*ledgerclient.InstructionResponse, error)
	AmountHeld(ctx context.Context, escrow string) (*big.Int, string, error)
}

// EscrowAdapter issues fund-movement instructions against the ledger.
type EscrowAdapter struct {
	ledger LedgerClient
}

// NewEscrowAdapter creates a new adapter over the ledger client.
func NewEscrowAdapter(ledger LedgerClient) *EscrowAdapter {
	return &EscrowAdapter{ledger: ledger}
}

// Reserve moves the holding amount from the sender into the transfer's escrow
// address. An explicit ledger rejection for balance surfaces as
// ErrReservationFailed; transient failures are retried with backoff.
func (a *EscrowAdapter) Reserve(ctx context.Context, t *domain.Transfer) error {
	op := func(c context.Context) error {
		_, err := a.ledger.Reserve(c, t.From.String(), t.EscrowAddress.String(),
			t.HoldingAmount.MinorString(), t.HoldingAmount.Currency.Code, t.ID.String())
		return err
	}
	// After an ambiguous failure, a full escrow means the reservation landed.
	confirmed := func(c context.Context) (bool, error) {
		held, _, err := a.ledger.AmountHeld(c, t.EscrowAddress.String())
		if err != nil {
			return false, err
		}
		return held.Cmp(t.HoldingAmount.Amount) == 0, nil
	}

	if err := a.attempt(ctx, "reserve", t.ID.String(), op, confirmed); err != nil {
		var ledgerErr *ledgerclient.ErrorResponse
		if errors.As(err, &ledgerErr) && ledgerErr.IsInsufficientFunds() {
			return fmt.Errorf("%w: %v", domain.ErrReservationFailed, err)
		}
		return err
	}
	return nil
}

// Release moves amount out of the transfer's escrow address to the given
// destination. Payout and refund both come through here, distinguished only by
// destination; the shared idempotency key makes a duplicate release a replay.
func (a *EscrowAdapter) Release(ctx context.Context, t *domain.Transfer, to domain.AccountAddress, amount domain.MultiCurrencyAmount) error {
	op := func(c context.Context) error {
		_, err := a.ledger.Release(c, t.EscrowAddress.String(), to.String(),
			amount.MinorString(), amount.Currency.Code, t.ID.String())
		return err
	}
	// After an ambiguous failure, an empty escrow means the release landed.
	confirmed := func(c context.Context) (bool, error) {
		held, _, err := a.ledger.AmountHeld(c, t.EscrowAddress.String())
		if err != nil {
			return false, err
		}
		return held.Sign() == 0, nil
	}

	return a.attempt(ctx, "release", t.ID.String(), op, confirmed)
}

// AmountHeld returns the balance currently held in the transfer's escrow
// address, for reconciliation and conservation checks.
func (a *EscrowAdapter) AmountHeld(ctx context.Context, t *domain.Transfer) (domain.MultiCurrencyAmount, error) {
	held, currencyCode, err := a.ledger.AmountHeld(ctx, t.EscrowAddress.String())
	if err != nil {
		return domain.MultiCurrencyAmount{}, fmt.Errorf("amount held for %s: %w", t.ID, err)
	}
	currency := t.HoldingAmount.Currency
	if currencyCode != "" {
		if resolved, curErr := domain.CurrencyFromCode(currencyCode); curErr == nil {
			currency = resolved
		}
	}
	return domain.NewAmount(held, currency)
}

// attempt runs one instruction with bounded exponential backoff. Explicit
// rejections stop immediately; ambiguous failures consult confirmed before
// retrying so a landed instruction is never double-sent.
func (a *EscrowAdapter) attempt(ctx context.Context, op, transferID string, run func(context.Context) error, confirmed func(context.Context) (bool, error)) error {
	backoff := escrowRetryBackoff
	var lastErr error

	for i := 1; i <= escrowRetryAttempts; i++ {
		lastErr = run(ctx)
		if lastErr == nil {
			return nil
		}

		var ledgerErr *ledgerclient.ErrorResponse
		if errors.As(lastErr, &ledgerErr) && ledgerErr.IsExplicitRejection() {
			return lastErr
		}

		done, checkErr := confirmed(ctx)
		if checkErr == nil && done {
			log.Printf("level=info component=escrow_adapter op=%s transfer_id=%s msg=\"ambiguous failure but instruction already took effect\"", op, transferID)
			return nil
		}

		if i == escrowRetryAttempts {
			break
		}
		log.Printf("level=warn component=escrow_adapter op=%s transfer_id=%s attempt=%d msg=\"transient failure; backing off\" err=%v", op, transferID, i, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("%s exhausted %d attempts for transfer %s: %w", op, escrowRetryAttempts, transferID, lastErr)
}
