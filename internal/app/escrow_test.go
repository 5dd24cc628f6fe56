package app

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/paymesh/escrow-service/internal/domain"
	"github.com/paymesh/escrow-service/pkg/ledgerclient"
)

// ledgerStep scripts one instruction attempt against the fake ledger. apply
// reports whether the instruction takes effect despite the returned error,
// which models an ambiguous timeout after the ledger committed.
type ledgerStep struct {
	err   error
	apply bool
}

type releaseRecord struct {
	To     string
	Amount string
}

// fakeLedger is an in-memory double of the ledger service. Reserve sets the
// escrow balance, Release empties it; both honor scripted failure steps.
type fakeLedger struct {
	mu           sync.Mutex
	held         map[string]*big.Int
	reserveSteps []ledgerStep
	releaseSteps []ledgerStep
	reserveCalls int
	releaseCalls int
	releases     []releaseRecord
	heldErr      error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{held: map[string]*big.Int{}}
}

func (f *fakeLedger) Reserve(ctx context.Context, from, escrow, amountMinor, currency, idempotencyKey string) (*ledgerclient.InstructionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserveCalls++
	step := ledgerStep{apply: true}
	if len(f.reserveSteps) > 0 {
		step = f.reserveSteps[0]
		f.reserveSteps = f.reserveSteps[1:]
	}
	if step.apply {
		amt, _ := new(big.Int).SetString(amountMinor, 10)
		f.held[escrow] = amt
	}
	if step.err != nil {
		return nil, step.err
	}
	return &ledgerclient.InstructionResponse{}, nil
}

func (f *fakeLedger) Release(ctx context.Context, escrow, to, amountMinor, currency, idempotencyKey string) (*ledgerclient.InstructionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls++
	step := ledgerStep{apply: true}
	if len(f.releaseSteps) > 0 {
		step = f.releaseSteps[0]
		f.releaseSteps = f.releaseSteps[1:]
	}
	if step.apply {
		f.held[escrow] = big.NewInt(0)
		f.releases = append(f.releases, releaseRecord{To: to, Amount: amountMinor})
	}
	if step.err != nil {
		return nil, step.err
	}
	return &ledgerclient.InstructionResponse{}, nil
}

func (f *fakeLedger) AmountHeld(ctx context.Context, escrow string) (*big.Int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heldErr != nil {
		return nil, "", f.heldErr
	}
	held, ok := f.held[escrow]
	if !ok {
		return big.NewInt(0), "", nil
	}
	return new(big.Int).Set(held), "", nil
}

// ledgerRejection builds a 4xx error response the way the wire produces it.
func ledgerRejection(title, status string) *ledgerclient.ErrorResponse {
	var e ledgerclient.ErrorResponse
	raw := `{"errors":[{"title":"` + title + `","detail":"test rejection","status":"` + status + `"}]}`
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		panic(err)
	}
	return &e
}

func newEscrowTestTransfer(t *testing.T) *domain.Transfer {
	t.Helper()
	from, _ := domain.NewAccountAddress("alice", domain.SubAccountMain)
	to, _ := domain.NewAccountAddress("bob", domain.SubAccountMain)
	tr, err := domain.NewTransfer(from, to, amount(t, 10000, "USD"), "", 48*time.Hour, policyNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr.HoldingAmount = amount(t, 10000, "USD")
	return tr
}

func TestReserveSuccess(t *testing.T) {
	ledger := newFakeLedger()
	adapter := NewEscrowAdapter(ledger)
	tr := newEscrowTestTransfer(t)

	if err := adapter.Reserve(context.Background(), tr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ledger.held[tr.EscrowAddress.String()]; got == nil || got.Cmp(big.NewInt(10000)) != 0 {
		t.Fatalf("expected 10000 in escrow, got %v", got)
	}
}

func TestReserveInsufficientFundsIsNotRetried(t *testing.T) {
	ledger := newFakeLedger()
	ledger.reserveSteps = []ledgerStep{{err: ledgerRejection("insufficient_funds", "422")}}
	adapter := NewEscrowAdapter(ledger)
	tr := newEscrowTestTransfer(t)

	err := adapter.Reserve(context.Background(), tr)
	if !errors.Is(err, domain.ErrReservationFailed) {
		t.Fatalf("expected ErrReservationFailed, got %v", err)
	}
	if ledger.reserveCalls != 1 {
		t.Fatalf("explicit rejection must not be retried, got %d calls", ledger.reserveCalls)
	}
}

func TestReserveRetriesTransientFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.reserveSteps = []ledgerStep{{err: errors.New("connection reset")}}
	adapter := NewEscrowAdapter(ledger)
	tr := newEscrowTestTransfer(t)

	if err := adapter.Reserve(context.Background(), tr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ledger.reserveCalls != 2 {
		t.Fatalf("expected retry after transient failure, got %d calls", ledger.reserveCalls)
	}
}

func TestReserveAmbiguousFailureChecksLedgerBeforeRetry(t *testing.T) {
	ledger := newFakeLedger()
	// The instruction lands but the response is lost.
	ledger.reserveSteps = []ledgerStep{{err: errors.New("timeout awaiting response"), apply: true}}
	adapter := NewEscrowAdapter(ledger)
	tr := newEscrowTestTransfer(t)

	if err := adapter.Reserve(context.Background(), tr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ledger.reserveCalls != 1 {
		t.Fatalf("landed instruction must not be re-sent, got %d calls", ledger.reserveCalls)
	}
}

func TestReserveExhaustsAttempts(t *testing.T) {
	ledger := newFakeLedger()
	transient := errors.New("connection reset")
	ledger.reserveSteps = []ledgerStep{{err: transient}, {err: transient}, {err: transient}, {err: transient}}
	adapter := NewEscrowAdapter(ledger)
	tr := newEscrowTestTransfer(t)

	err := adapter.Reserve(context.Background(), tr)
	if err == nil {
		t.Fatal("expected error after exhausted attempts")
	}
	if !errors.Is(err, transient) {
		t.Fatalf("expected wrapped transient error, got %v", err)
	}
	if ledger.reserveCalls != escrowRetryAttempts {
		t.Fatalf("expected %d attempts, got %d", escrowRetryAttempts, ledger.reserveCalls)
	}
}

func TestReleaseAmbiguousFailureConfirmedByEmptyEscrow(t *testing.T) {
	ledger := newFakeLedger()
	adapter := NewEscrowAdapter(ledger)
	tr := newEscrowTestTransfer(t)

	if err := adapter.Reserve(context.Background(), tr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ledger.releaseSteps = []ledgerStep{{err: errors.New("timeout awaiting response"), apply: true}}

	if err := adapter.Release(context.Background(), tr, tr.From, tr.HoldingAmount); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ledger.releaseCalls != 1 {
		t.Fatalf("landed release must not be re-sent, got %d calls", ledger.releaseCalls)
	}
}

func TestAmountHeld(t *testing.T) {
	ledger := newFakeLedger()
	adapter := NewEscrowAdapter(ledger)
	tr := newEscrowTestTransfer(t)

	held, err := adapter.AmountHeld(context.Background(), tr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !held.IsZero() {
		t.Fatalf("expected empty escrow, got %s", held)
	}

	if err := adapter.Reserve(context.Background(), tr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	held, err = adapter.AmountHeld(context.Background(), tr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if held.MinorString() != "10000" || held.Currency.Code != "USD" {
		t.Fatalf("expected 10000 USD, got %s", held)
	}
}
