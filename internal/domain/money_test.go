package domain

import (
	"errors"
	"math/big"
	"testing"
)

func mustCurrency(t *testing.T, code string) Currency {
	t.Helper()
	c, err := CurrencyFromCode(code)
	if err != nil {
		t.Fatalf("unexpected currency error: %v", err)
	}
	return c
}

func mustAmount(t *testing.T, minor int64, code string) MultiCurrencyAmount {
	t.Helper()
	m, err := NewAmountFromInt64(minor, mustCurrency(t, code))
	if err != nil {
		t.Fatalf("unexpected amount error: %v", err)
	}
	return m
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name      string
		major     string
		currency  string
		wantMinor string
		wantErr   bool
	}{
		{name: "two decimal places for USD", major: "100.50", currency: "USD", wantMinor: "10050"},
		{name: "whole units", major: "7", currency: "USD", wantMinor: "700"},
		{name: "zero-exponent currency", major: "1250", currency: "JPY", wantMinor: "1250"},
		{name: "eighteen decimals for ETH", major: "0.000000000000000001", currency: "ETH", wantMinor: "1"},
		{name: "excess precision rejected", major: "1.005", currency: "USD", wantErr: true},
		{name: "fractional yen rejected", major: "1.5", currency: "JPY", wantErr: true},
		{name: "negative rejected", major: "-3.00", currency: "USD", wantErr: true},
		{name: "garbage rejected", major: "ten dollars", currency: "USD", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.major, mustCurrency(t, tt.currency))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got.MinorString())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.MinorString() != tt.wantMinor {
				t.Fatalf("expected minor=%s, got %s", tt.wantMinor, got.MinorString())
			}
		})
	}
}

func TestMajorStringRoundTrip(t *testing.T) {
	amount := mustAmount(t, 10050, "USD")
	if got := amount.MajorString(); got != "100.50" {
		t.Fatalf("expected 100.50, got %s", got)
	}
	if got := mustAmount(t, 1250, "JPY").MajorString(); got != "1250" {
		t.Fatalf("expected 1250, got %s", got)
	}
}

func TestAmountArithmetic(t *testing.T) {
	a := mustAmount(t, 300, "USD")
	b := mustAmount(t, 200, "USD")

	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.MinorString() != "500" {
		t.Fatalf("expected 500, got %s", sum.MinorString())
	}

	diff, err := a.Sub(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff.MinorString() != "100" {
		t.Fatalf("expected 100, got %s", diff.MinorString())
	}

	if _, err := b.Sub(a); err == nil {
		t.Fatal("expected underflow error")
	}

	eur := mustAmount(t, 100, "EUR")
	if _, err := a.Add(eur); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("expected ErrCurrencyMismatch, got %v", err)
	}
}

func TestNewAmountRejectsNegative(t *testing.T) {
	_, err := NewAmount(big.NewInt(-1), mustCurrency(t, "USD"))
	if !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestUnknownCurrency(t *testing.T) {
	if _, err := CurrencyFromCode("DOGE"); !errors.Is(err, ErrUnknownCurrency) {
		t.Fatalf("expected ErrUnknownCurrency, got %v", err)
	}
	// lookup is case-insensitive
	if _, err := CurrencyFromCode("usd"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
