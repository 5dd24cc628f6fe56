/**
 * @description
 * This file contains the core business logic for the escrow-service. The
 * Service orchestrates the transfer state machine: it serializes all
 * operations per transfer id, drives fund movement through the escrow
 * adapter, guards every status change with a compare-and-set against the
 * stored status, and appends one audit event per committed transition.
 *
 * @notes
 * - Initiation reserves funds BEFORE the transfer row exists. If the insert
 *   then fails, a compensating release is issued immediately; a transfer is
 *   never observable in PENDING without its escrow funded.
 * - Decline, cancel, and expiry do not move funds inline. They commit the
 *   terminal status, emit the event, and the refund consumer performs the
 *   compensating release exactly once.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paymesh/escrow-service/internal/domain"
	"github.com/paymesh/escrow-service/internal/store"
	"github.com/paymesh/escrow-service/pkg/payoutclient"
	"github.com/paymesh/escrow-service/pkg/rabbitmq"
)

// Reconciliation flows recorded when a fund movement or publish exhausts its
// retries and needs to be re-driven.
const (
	FlowRefundRelease  = "refund_release"
	FlowRefundPublish  = "refund_publish"
	FlowPayoutRelease  = "payout_release"
	FlowPayoutExternal = "payout_external"
)

// PayoutRail is the slice of the payout client the service needs for the
// external-instrument settlement leg.
type PayoutRail interface {
	PayToAccount(ctx context.Context, from, to, amountMinor, currency, idempotencyKey string) (*payoutclient.PayoutResponse, error)
	PayToInstrument(ctx context.Context, from, instrumentToken, provider, amountMinor, currency, idempotencyKey string) (*payoutclient.PayoutResponse, error)
}

// Config carries the operational knobs of the service.
type Config struct {
	// DefaultExpiryWindow is applied when an initiation request does not name
	// its own acceptance deadline.
	DefaultExpiryWindow time.Duration
	// SweepBatchSize bounds how many expired transfers one sweeper pass claims.
	SweepBatchSize int
	// RailSettlementAddress is the ledger account funds are staged in before an
	// external-instrument payout.
	RailSettlementAddress domain.AccountAddress
}

// Service provides the transfer lifecycle operations.
type Service struct {
	repo     store.Repository
	escrow   *EscrowAdapter
	policy   *ConversionPolicy
	payout   PayoutRail
	producer rabbitmq.Publisher
	cfg      Config
	now      func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]*transferLock
}

// transferLock is one per-transfer mutex plus the number of holders and
// waiters, so the entry can be dropped once the last one releases.
type transferLock struct {
	mu   sync.Mutex
	refs int
}

// NewService creates a new transfer service.
func NewService(repo store.Repository, escrow *EscrowAdapter, policy *ConversionPolicy, payout PayoutRail, producer rabbitmq.Publisher, cfg Config) *Service {
	if cfg.DefaultExpiryWindow <= 0 {
		cfg.DefaultExpiryWindow = 72 * time.Hour
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	return &Service{
		repo:     repo,
		escrow:   escrow,
		policy:   policy,
		payout:   payout,
		producer: producer,
		cfg:      cfg,
		now:      time.Now,
		locks:    map[uuid.UUID]*transferLock{},
	}
}

// lockTransfer serializes all operations touching one transfer id within this
// process. The guarded status update is the cross-process backstop. The map
// entry is removed when the last holder releases, so terminal transfers do
// not pin a mutex forever.
func (s *Service) lockTransfer(id uuid.UUID) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &transferLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// InitiateParams are the caller-supplied inputs for a new transfer.
type InitiateParams struct {
	From         domain.AccountAddress
	To           domain.AccountAddress
	Amount       domain.MultiCurrencyAmount
	Message      string
	ExpiryWindow time.Duration
}

// Initiate creates a new transfer: validate, pick the holding currency,
// convert, reserve into escrow, and only then persist the PENDING row.
func (s *Service) Initiate(ctx context.Context, p InitiateParams) (*domain.Transfer, error) {
	window := p.ExpiryWindow
	if window == 0 {
		window = s.cfg.DefaultExpiryWindow
	}
	now := s.now()

	t, err := domain.NewTransfer(p.From, p.To, p.Amount, p.Message, window, now)
	if err != nil {
		return nil, err
	}

	// 1. Pick the holding currency and convert the requested amount into it.
	holdingCurrency := s.policy.SelectHoldingCurrency(p.Amount.Currency)
	holdingQuote, err := s.policy.Quote(ctx, p.Amount, holdingCurrency)
	if err != nil {
		return nil, err
	}
	holding, err := s.policy.Convert(p.Amount, holdingCurrency, holdingQuote)
	if err != nil {
		return nil, err
	}
	if !holding.IsPositive() {
		return nil, fmt.Errorf("%w: amount too small to hold in %s", domain.ErrInvalidTransferRequest, holdingCurrency.Code)
	}
	t.HoldingAmount = holding

	// 2. Reserve the holding amount into the transfer-scoped escrow address.
	//    On failure the transfer simply never existed.
	if err := s.escrow.Reserve(ctx, t); err != nil {
		return nil, err
	}

	// 3. Persist the PENDING row. If the insert fails the reservation must be
	//    unwound or the funds are stranded in escrow.
	if err := s.repo.CreateTransfer(ctx, t); err != nil {
		log.Printf("level=error component=transfer_service op=initiate transfer_id=%s msg=\"CRITICAL: insert failed after reservation; releasing escrow\" err=%v", t.ID, err)
		if relErr := s.escrow.Release(ctx, t, t.From, t.HoldingAmount); relErr != nil {
			log.Printf("level=error component=transfer_service op=initiate transfer_id=%s msg=\"CRITICAL: compensating release failed; funds stranded in escrow\" err=%v", t.ID, relErr)
		}
		return nil, fmt.Errorf("persist transfer: %w", err)
	}

	s.appendAndPublish(ctx, t, domain.EventTransferInitiated, domain.EventPayload{
		Actor:           t.From.String(),
		Amount:          t.RequestedAmount.MinorString(),
		Currency:        t.RequestedAmount.Currency.Code,
		HoldingAmount:   t.HoldingAmount.MinorString(),
		HoldingCurrency: t.HoldingAmount.Currency.Code,
		EscrowAddress:   t.EscrowAddress.String(),
	}, "")

	log.Printf("level=info component=transfer_service op=initiate transfer_id=%s from=%s to=%s amount=%s %s holding=%s %s",
		t.ID, t.From, t.To, t.RequestedAmount.MinorString(), t.RequestedAmount.Currency.Code,
		t.HoldingAmount.MinorString(), t.HoldingAmount.Currency.Code)
	return t, nil
}

// Accept records the recipient's decision to take the transfer, along with
// the destination currency, optional payout instrument, and the exchange
// quote the completion-time rate is later checked against.
func (s *Service) Accept(ctx context.Context, id uuid.UUID, actor domain.AccountAddress, destination domain.Currency, instrument *domain.DestinationInstrument) (*domain.Transfer, error) {
	unlock := s.lockTransfer(id)
	defer unlock()

	t, err := s.loadTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Equal(t.To) {
		return nil, fmt.Errorf("%w: only the recipient may accept", domain.ErrUnauthorized)
	}

	quote, err := s.policy.Quote(ctx, t.HoldingAmount, destination)
	if err != nil {
		return nil, err
	}

	prev := t.Status
	if err := t.Accept(destination, instrument, quote, s.now()); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, t, prev); err != nil {
		return nil, err
	}

	masked := ""
	if instrument != nil {
		masked = instrument.MaskedDisplay
	}
	s.appendAndPublish(ctx, t, domain.EventTransferAccepted, domain.EventPayload{
		Actor:               actor.String(),
		HoldingAmount:       t.HoldingAmount.MinorString(),
		HoldingCurrency:     t.HoldingAmount.Currency.Code,
		DestinationCurrency: destination.Code,
		InstrumentMasked:    masked,
	}, "")

	log.Printf("level=info component=transfer_service op=accept transfer_id=%s destination=%s", t.ID, destination.Code)
	return t, nil
}

// Decline records the recipient's rejection. Funds stay in escrow until the
// refund consumer picks up the emitted event.
func (s *Service) Decline(ctx context.Context, id uuid.UUID, actor domain.AccountAddress, reason *string) (*domain.Transfer, error) {
	unlock := s.lockTransfer(id)
	defer unlock()

	t, err := s.loadTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Equal(t.To) {
		return nil, fmt.Errorf("%w: only the recipient may decline", domain.ErrUnauthorized)
	}

	prev := t.Status
	if err := t.Decline(reason, s.now()); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, t, prev); err != nil {
		return nil, err
	}

	s.appendAndPublish(ctx, t, domain.EventTransferDeclined, domain.EventPayload{
		Actor:           actor.String(),
		HoldingAmount:   t.HoldingAmount.MinorString(),
		HoldingCurrency: t.HoldingAmount.Currency.Code,
		Reason:          reason,
	}, FlowRefundPublish)

	log.Printf("level=info component=transfer_service op=decline transfer_id=%s", t.ID)
	return t, nil
}

// Cancel lets the original sender withdraw a still-pending transfer.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor domain.AccountAddress, reason *string) (*domain.Transfer, error) {
	unlock := s.lockTransfer(id)
	defer unlock()

	t, err := s.loadTransfer(ctx, id)
	if err != nil {
		return nil, err
	}

	prev := t.Status
	if err := t.Cancel(actor, reason, s.now()); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, t, prev); err != nil {
		return nil, err
	}

	s.appendAndPublish(ctx, t, domain.EventTransferCancelled, domain.EventPayload{
		Actor:           actor.String(),
		HoldingAmount:   t.HoldingAmount.MinorString(),
		HoldingCurrency: t.HoldingAmount.Currency.Code,
		Reason:          reason,
	}, FlowRefundPublish)

	log.Printf("level=info component=transfer_service op=cancel transfer_id=%s", t.ID)
	return t, nil
}

// Complete settles an accepted transfer: re-quote, enforce the bounded
// slippage rule against the accepted quote, release escrow, and commit the
// terminal status with the final converted amount.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, actor domain.AccountAddress) (*domain.Transfer, error) {
	unlock := s.lockTransfer(id)
	defer unlock()

	t, err := s.loadTransfer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Equal(t.To) {
		return nil, fmt.Errorf("%w: only the recipient may complete", domain.ErrUnauthorized)
	}
	if t.Status != domain.StatusAccepted {
		return nil, fmt.Errorf("%w: complete requires accepted, have %s", domain.ErrInvalidState, t.Status)
	}
	if t.DestinationCurrency == nil || t.AcceptedQuote == nil {
		return nil, fmt.Errorf("%w: accepted transfer is missing its quote", domain.ErrInvalidState)
	}

	// 1. Fetch the realized rate and enforce the slippage bound against the
	//    rate quoted at acceptance. Rejection leaves the transfer ACCEPTED.
	realized, err := s.policy.Quote(ctx, t.HoldingAmount, *t.DestinationCurrency)
	if err != nil {
		return nil, err
	}
	if err := s.policy.CheckSlippage(t.AcceptedQuote, realized); err != nil {
		log.Printf("level=warn component=transfer_service op=complete transfer_id=%s msg=\"conversion rejected by slippage bound\" err=%v", t.ID, err)
		return nil, err
	}
	final, err := s.policy.Convert(t.HoldingAmount, *t.DestinationCurrency, realized)
	if err != nil {
		return nil, err
	}

	// 2. Move the funds. The settlement destination depends on the instrument
	//    the recipient chose at acceptance.
	if err := s.settle(ctx, t, final); err != nil {
		return nil, err
	}

	// 3. Commit the terminal status. The release is idempotent at the ledger,
	//    so a crash between 2 and 3 is healed by retrying complete.
	prev := t.Status
	if err := t.MarkCompleted(final, s.now()); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, t, prev); err != nil {
		return nil, err
	}

	s.appendAndPublish(ctx, t, domain.EventTransferCompleted, domain.EventPayload{
		Actor:           actor.String(),
		HoldingAmount:   t.HoldingAmount.MinorString(),
		HoldingCurrency: t.HoldingAmount.Currency.Code,
		FinalAmount:     final.MinorString(),
		FinalCurrency:   final.Currency.Code,
	}, "")

	log.Printf("level=info component=transfer_service op=complete transfer_id=%s final=%s %s",
		t.ID, final.MinorString(), final.Currency.Code)
	return t, nil
}

// settle performs the completion fund movement. Default destination: release
// escrow straight to the recipient's account. Tokenized instrument: stage the
// funds in the rail settlement account, then instruct the external payout.
func (s *Service) settle(ctx context.Context, t *domain.Transfer, final domain.MultiCurrencyAmount) error {
	instrument := t.DestinationInstrument
	if instrument == nil || instrument.IsDefaultAccount() {
		if err := s.escrow.Release(ctx, t, t.To, final); err != nil {
			s.flag(ctx, t.ID, FlowPayoutRelease, err)
			return err
		}
		return nil
	}

	if err := s.escrow.Release(ctx, t, s.cfg.RailSettlementAddress, final); err != nil {
		s.flag(ctx, t.ID, FlowPayoutRelease, err)
		return err
	}
	_, err := s.payout.PayToInstrument(ctx, s.cfg.RailSettlementAddress.String(),
		instrument.Token, instrument.Provider, final.MinorString(), final.Currency.Code, t.ID.String())
	if err != nil {
		// Funds are out of escrow and parked in the settlement account; only an
		// operator can decide whether to re-drive or refund from there.
		s.flag(ctx, t.ID, FlowPayoutExternal, err)
		return fmt.Errorf("instrument payout for %s: %w", t.ID, err)
	}
	return nil
}

// Expire moves an overdue PENDING transfer to EXPIRED. Re-invoking it on a
// terminal transfer returns ErrInvalidState; the sweeper swallows that when a
// racing claim already settled the outcome.
func (s *Service) Expire(ctx context.Context, id uuid.UUID) error {
	unlock := s.lockTransfer(id)
	defer unlock()

	t, err := s.loadTransfer(ctx, id)
	if err != nil {
		return err
	}

	prev := t.Status
	if err := t.MarkExpired(s.now()); err != nil {
		return err
	}
	if err := s.commit(ctx, t, prev); err != nil {
		return err
	}

	s.appendAndPublish(ctx, t, domain.EventTransferExpired, domain.EventPayload{
		HoldingAmount:   t.HoldingAmount.MinorString(),
		HoldingCurrency: t.HoldingAmount.Currency.Code,
	}, FlowRefundPublish)

	log.Printf("level=info component=transfer_service op=expire transfer_id=%s", t.ID)
	return nil
}

// SweepExpired claims one batch of overdue pending transfers and expires each.
// Returns how many transfers were moved to EXPIRED.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	ids, err := s.repo.ListExpiredPendingTransferIDs(ctx, s.now(), s.cfg.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired transfers: %w", err)
	}

	expired := 0
	for _, id := range ids {
		if err := s.Expire(ctx, id); err != nil {
			// A racing accept or cancel losing us the claim is expected; anything
			// else is logged and retried on the next pass.
			if errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrNotYetExpired) {
				continue
			}
			log.Printf("level=warn component=transfer_service op=sweep transfer_id=%s msg=\"expire failed; will retry next pass\" err=%v", id, err)
			continue
		}
		expired++
	}
	return expired, nil
}

// ProcessRefund performs the compensating release for a declined, cancelled,
// or expired transfer. The durable refund marker makes it exactly-once:
// duplicate event deliveries fail to claim the marker and return nil.
func (s *Service) ProcessRefund(ctx context.Context, id uuid.UUID) error {
	unlock := s.lockTransfer(id)
	defer unlock()

	t, err := s.loadTransfer(ctx, id)
	if err != nil {
		return err
	}
	switch t.Status {
	case domain.StatusDeclined, domain.StatusCancelled, domain.StatusExpired:
	default:
		return fmt.Errorf("%w: refund requires a refundable terminal status, have %s", domain.ErrInvalidState, t.Status)
	}

	claimed, err := s.repo.MarkRefundProcessed(ctx, id)
	if err != nil {
		return fmt.Errorf("claim refund marker for %s: %w", id, err)
	}
	if !claimed {
		log.Printf("level=info component=transfer_service op=refund transfer_id=%s msg=\"refund already processed; skipping\"", id)
		return nil
	}

	if err := s.escrow.Release(ctx, t, t.From, t.RefundAmount()); err != nil {
		// Marker stays claimed: the release is idempotent at the ledger and the
		// reconciliation flag is what re-drives it.
		s.flag(ctx, id, FlowRefundRelease, err)
		return err
	}

	log.Printf("level=info component=transfer_service op=refund transfer_id=%s amount=%s %s",
		id, t.RefundAmount().MinorString(), t.RefundAmount().Currency.Code)
	return nil
}

// GetTransfer returns one transfer by id.
func (s *Service) GetTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	return s.loadTransfer(ctx, id)
}

// ListTransfersFor returns transfers in which owner is sender or recipient.
func (s *Service) ListTransfersFor(ctx context.Context, owner string, opts store.ListOptions) ([]domain.Transfer, error) {
	return s.repo.ListTransfersByParty(ctx, owner, opts)
}

// ListEvents returns a transfer's append-only event history in sequence order.
func (s *Service) ListEvents(ctx context.Context, id uuid.UUID) ([]domain.TransferEvent, error) {
	if _, err := s.loadTransfer(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListTransferEvents(ctx, id)
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Resolved  []store.ReconciliationFlag `json:"resolved"`
	Remaining []store.ReconciliationFlag `json:"remaining"`
}

// Reconcile re-drives every flagged fund movement. Releases are idempotent at
// the ledger, so re-driving a flow that actually landed is harmless.
func (s *Service) Reconcile(ctx context.Context, limit int) (*ReconcileResult, error) {
	flags, err := s.repo.ListReconciliationFlags(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation flags: %w", err)
	}

	result := &ReconcileResult{}
	for _, f := range flags {
		if err := s.redrive(ctx, f); err != nil {
			log.Printf("level=warn component=transfer_service op=reconcile transfer_id=%s flow=%s msg=\"re-drive failed\" err=%v", f.TransferID, f.Flow, err)
			result.Remaining = append(result.Remaining, f)
			continue
		}
		if err := s.repo.ClearReconciliationFlag(ctx, f.TransferID, f.Flow); err != nil {
			log.Printf("level=warn component=transfer_service op=reconcile transfer_id=%s flow=%s msg=\"clear flag failed\" err=%v", f.TransferID, f.Flow, err)
			result.Remaining = append(result.Remaining, f)
			continue
		}
		result.Resolved = append(result.Resolved, f)
	}
	return result, nil
}

func (s *Service) redrive(ctx context.Context, f store.ReconciliationFlag) error {
	unlock := s.lockTransfer(f.TransferID)
	defer unlock()

	t, err := s.loadTransfer(ctx, f.TransferID)
	if err != nil {
		return err
	}

	switch f.Flow {
	case FlowRefundRelease:
		return s.escrow.Release(ctx, t, t.From, t.RefundAmount())
	case FlowRefundPublish:
		return s.republishLatest(ctx, t)
	case FlowPayoutRelease:
		if t.FinalAmount == nil {
			return fmt.Errorf("%w: no final amount recorded for payout re-drive", domain.ErrInvalidState)
		}
		to := t.To
		if t.DestinationInstrument != nil && !t.DestinationInstrument.IsDefaultAccount() {
			to = s.cfg.RailSettlementAddress
		}
		return s.escrow.Release(ctx, t, to, *t.FinalAmount)
	case FlowPayoutExternal:
		if t.FinalAmount == nil || t.DestinationInstrument == nil {
			return fmt.Errorf("%w: no instrument payout recorded for re-drive", domain.ErrInvalidState)
		}
		_, err := s.payout.PayToInstrument(ctx, s.cfg.RailSettlementAddress.String(),
			t.DestinationInstrument.Token, t.DestinationInstrument.Provider,
			t.FinalAmount.MinorString(), t.FinalAmount.Currency.Code, t.ID.String())
		return err
	default:
		return fmt.Errorf("unknown reconciliation flow %q", f.Flow)
	}
}

// republishLatest re-emits the newest stored event for a transfer whose
// original broker publish failed.
func (s *Service) republishLatest(ctx context.Context, t *domain.Transfer) error {
	events, err := s.repo.ListTransferEvents(ctx, t.ID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no events recorded for transfer %s", t.ID)
	}
	latest := events[len(events)-1]
	return s.producer.Publish(ctx, rabbitmq.EventsExchange, latest.RoutingKey(), latest)
}

// CheckConservation compares the ledger's escrow balance for a transfer with
// what this service believes should be held: the full holding amount while
// PENDING or ACCEPTED, zero once terminal and refunded or settled.
func (s *Service) CheckConservation(ctx context.Context, id uuid.UUID) (held, expected domain.MultiCurrencyAmount, err error) {
	t, err := s.loadTransfer(ctx, id)
	if err != nil {
		return domain.MultiCurrencyAmount{}, domain.MultiCurrencyAmount{}, err
	}

	held, err = s.escrow.AmountHeld(ctx, t)
	if err != nil {
		return domain.MultiCurrencyAmount{}, domain.MultiCurrencyAmount{}, err
	}

	if t.Status.IsTerminal() {
		expected, err = domain.NewAmountFromInt64(0, t.HoldingAmount.Currency)
	} else {
		expected = t.HoldingAmount
	}
	return held, expected, err
}

func (s *Service) loadTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	t, err := s.repo.FindTransferByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, domain.ErrTransferNotFound
		}
		return nil, err
	}
	return t, nil
}

// commit persists the mutated aggregate iff the stored status is still prev.
// A lost race surfaces as ErrInvalidState with no side effect.
func (s *Service) commit(ctx context.Context, t *domain.Transfer, prev domain.TransferStatus) error {
	ok, err := s.repo.UpdateTransferStatusGuarded(ctx, t, prev)
	if err != nil {
		return fmt.Errorf("persist %s transition for %s: %w", t.Status, t.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: transfer %s was concurrently modified", domain.ErrInvalidState, t.ID)
	}
	return nil
}

// appendAndPublish records the transition in the durable event log and then
// publishes it. Append failures only log; the status change is already
// committed and the row remains the source of truth. A failed publish of a
// refund-driving event is flagged so reconciliation can re-emit it.
func (s *Service) appendAndPublish(ctx context.Context, t *domain.Transfer, eventType domain.EventType, payload domain.EventPayload, publishFailFlow string) {
	event, err := domain.NewTransferEvent(t.ID, eventType, payload, s.now())
	if err != nil {
		log.Printf("level=error component=transfer_service op=append_event transfer_id=%s type=%s msg=\"event build failed\" err=%v", t.ID, eventType, err)
		return
	}
	if err := s.repo.AppendTransferEvent(ctx, &event); err != nil {
		log.Printf("level=error component=transfer_service op=append_event transfer_id=%s type=%s msg=\"event append failed\" err=%v", t.ID, eventType, err)
	}
	if err := s.producer.Publish(ctx, rabbitmq.EventsExchange, event.RoutingKey(), event); err != nil {
		log.Printf("level=warn component=transfer_service op=publish_event transfer_id=%s type=%s msg=\"publish failed; event retained in log\" err=%v", t.ID, eventType, err)
		if publishFailFlow != "" {
			s.flag(ctx, t.ID, publishFailFlow, err)
		}
	}
}

func (s *Service) flag(ctx context.Context, id uuid.UUID, flow string, cause error) {
	if err := s.repo.FlagForReconciliation(ctx, id, flow, cause.Error()); err != nil {
		log.Printf("level=error component=transfer_service op=flag transfer_id=%s flow=%s msg=\"CRITICAL: failed to record reconciliation flag\" err=%v", id, flow, err)
	}
}
