package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/paymesh/escrow-service/internal/domain"
	"github.com/paymesh/escrow-service/pkg/rateoracle"
)

var policyNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeOracle returns scripted quotes in order, keeping the last one sticky.
type fakeOracle struct {
	quotes []*rateoracle.Quote
	calls  int
	err    error
}

func (f *fakeOracle) GetQuote(ctx context.Context, from, to, amountMinor string) (*rateoracle.Quote, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.quotes) == 0 {
		return nil, fmt.Errorf("no scripted quote for %s->%s", from, to)
	}
	q := f.quotes[0]
	if len(f.quotes) > 1 {
		f.quotes = f.quotes[1:]
	}
	return q, nil
}

func oracleQuote(from, to string, num, den int64, maxBps int64) *rateoracle.Quote {
	return &rateoracle.Quote{
		ID:             "q_test",
		From:           from,
		To:             to,
		RateNum:        big.NewInt(num),
		RateDen:        big.NewInt(den),
		MaxSlippageBps: maxBps,
		QuotedAt:       policyNow,
	}
}

func currency(t *testing.T, code string) domain.Currency {
	t.Helper()
	c, err := domain.CurrencyFromCode(code)
	if err != nil {
		t.Fatalf("unexpected currency error: %v", err)
	}
	return c
}

func amount(t *testing.T, minor int64, code string) domain.MultiCurrencyAmount {
	t.Helper()
	m, err := domain.NewAmountFromInt64(minor, currency(t, code))
	if err != nil {
		t.Fatalf("unexpected amount error: %v", err)
	}
	return m
}

func newTestPolicy(t *testing.T, oracle RateOracle, options []HoldingOption) *ConversionPolicy {
	t.Helper()
	policy, err := NewConversionPolicy(oracle, options, 1, 0, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return policy
}

func TestSelectHoldingCurrency(t *testing.T) {
	usd := currency(t, "USD")
	usdc := currency(t, "USDC")
	eur := currency(t, "EUR")

	tests := []struct {
		name       string
		options    []HoldingOption
		feeWeight  int64
		timeWeight int64
		source     string
		want       string
	}{
		{
			name: "lowest fee wins",
			options: []HoldingOption{
				{Currency: usd, FeeBps: 10},
				{Currency: usdc, FeeBps: 25},
			},
			feeWeight: 1, source: "EUR", want: "USD",
		},
		{
			name: "tie broken by allow-list order",
			options: []HoldingOption{
				{Currency: usdc, FeeBps: 10},
				{Currency: usd, FeeBps: 10},
			},
			feeWeight: 1, source: "EUR", want: "USDC",
		},
		{
			name: "source matching minimum score avoids conversion",
			options: []HoldingOption{
				{Currency: usdc, FeeBps: 10},
				{Currency: usd, FeeBps: 10},
			},
			feeWeight: 1, source: "USD", want: "USD",
		},
		{
			name: "source not at minimum still loses",
			options: []HoldingOption{
				{Currency: usd, FeeBps: 0},
				{Currency: eur, FeeBps: 25},
			},
			feeWeight: 1, source: "EUR", want: "USD",
		},
		{
			name: "settlement time dominates when weighted",
			options: []HoldingOption{
				{Currency: usd, FeeBps: 0, SettlementSeconds: 86400},
				{Currency: usdc, FeeBps: 25, SettlementSeconds: 30},
			},
			feeWeight: 0, timeWeight: 1, source: "EUR", want: "USDC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy, err := NewConversionPolicy(&fakeOracle{}, tt.options, tt.feeWeight, tt.timeWeight, 50)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := policy.SelectHoldingCurrency(currency(t, tt.source))
			if got.Code != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got.Code)
			}
		})
	}
}

func TestQuoteIdentityBypassesOracle(t *testing.T) {
	oracle := &fakeOracle{}
	policy := newTestPolicy(t, oracle, []HoldingOption{{Currency: currency(t, "USD")}})

	quote, err := policy.Quote(context.Background(), amount(t, 10000, "USD"), currency(t, "USD"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !quote.IsIdentity() {
		t.Fatal("expected identity quote")
	}
	if oracle.calls != 0 {
		t.Fatalf("identity quote must not consult the oracle, got %d calls", oracle.calls)
	}
}

func TestQuoteValidatesOracleResponse(t *testing.T) {
	oracle := &fakeOracle{quotes: []*rateoracle.Quote{oracleQuote("USD", "EUR", 0, 100, 50)}}
	policy := newTestPolicy(t, oracle, []HoldingOption{{Currency: currency(t, "USD")}})

	if _, err := policy.Quote(context.Background(), amount(t, 10000, "USD"), currency(t, "EUR")); err == nil {
		t.Fatal("expected error for zero-rate quote")
	}
}

func TestConvertAppliesQuote(t *testing.T) {
	oracle := &fakeOracle{quotes: []*rateoracle.Quote{oracleQuote("USD", "EUR", 92, 100, 50)}}
	policy := newTestPolicy(t, oracle, []HoldingOption{{Currency: currency(t, "USD")}})

	quote, err := policy.Quote(context.Background(), amount(t, 9999, "USD"), currency(t, "EUR"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := policy.Convert(amount(t, 9999, "USD"), currency(t, "EUR"), quote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.MinorString() != "9199" {
		t.Fatalf("expected floored 9199, got %s", got.MinorString())
	}
}

func TestCheckSlippage(t *testing.T) {
	policy := newTestPolicy(t, &fakeOracle{}, []HoldingOption{{Currency: currency(t, "USD")}})

	quoteAt := func(num int64, maxBps int64) *domain.RateQuote {
		return &domain.RateQuote{
			From: "USD", To: "EUR",
			Num: big.NewInt(num), Den: big.NewInt(10000),
			MaxSlippageBps: maxBps,
			QuotedAt:       policyNow,
		}
	}

	tests := []struct {
		name     string
		accepted *domain.RateQuote
		realized *domain.RateQuote
		wantErr  bool
	}{
		{name: "within policy bound", accepted: quoteAt(10000, 0), realized: quoteAt(10049, 0)},
		{name: "beyond policy bound", accepted: quoteAt(10000, 0), realized: quoteAt(10051, 0), wantErr: true},
		{name: "quote bound stricter than policy", accepted: quoteAt(10000, 10), realized: quoteAt(10020, 10), wantErr: true},
		{name: "within stricter quote bound", accepted: quoteAt(10000, 10), realized: quoteAt(10009, 10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.CheckSlippage(tt.accepted, tt.realized)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrConversionRejected) {
					t.Fatalf("expected ErrConversionRejected, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCheckSlippageIdentityAlwaysPasses(t *testing.T) {
	policy := newTestPolicy(t, &fakeOracle{}, []HoldingOption{{Currency: currency(t, "USD")}})
	accepted := domain.IdentityQuote("USD", policyNow)
	realized := domain.IdentityQuote("USD", policyNow.Add(time.Hour))
	if err := policy.CheckSlippage(accepted, realized); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseHoldingOptions(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		wantLen int
		wantErr bool
	}{
		{name: "single entry", spec: "USD:0:0", wantLen: 1},
		{name: "multiple entries with spaces", spec: "USD:0:0, USDC:25:30, EUR:10:3600", wantLen: 3},
		{name: "empty spec", spec: "", wantErr: true},
		{name: "missing parts", spec: "USD:0", wantErr: true},
		{name: "unknown currency", spec: "DOGE:0:0", wantErr: true},
		{name: "negative fee", spec: "USD:-1:0", wantErr: true},
		{name: "non-numeric settlement", spec: "USD:0:soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHoldingOptions(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != tt.wantLen {
				t.Fatalf("expected %d options, got %d", tt.wantLen, len(got))
			}
		})
	}
}
