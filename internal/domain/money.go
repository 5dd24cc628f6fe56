/**
 * @description
 * This file defines the monetary value types for the escrow-service. Amounts are
 * carried as arbitrary-precision integers in the currency's minor unit, which
 * avoids floating-point inaccuracies with financial data. Decimal strings only
 * appear at the API boundary, where they are parsed and formatted with the
 * shopspring/decimal library.
 *
 * @notes
 * - Arithmetic between two amounts is only defined when their currencies match.
 *   Cross-currency math must go through the conversion policy.
 * - MultiCurrencyAmount values are never negative; subtraction that would go
 *   below zero is an error rather than a silent clamp.
 */

package domain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// CurrencyKind classifies a currency for routing and policy decisions.
type CurrencyKind string

const (
	CurrencyKindFiat   CurrencyKind = "fiat"
	CurrencyKindCrypto CurrencyKind = "crypto"
	CurrencyKindStable CurrencyKind = "stable"
)

// Currency describes a settlement currency: its ISO-style code, its kind, and
// the number of decimal places in one major unit (the minor-unit exponent).
type Currency struct {
	Code     string       `json:"code"`
	Kind     CurrencyKind `json:"kind"`
	Exponent int32        `json:"exponent"`
}

// builtinCurrencies is the set of currencies the service understands out of the
// box. The holding-currency allow-list in config must reference codes from here.
var builtinCurrencies = map[string]Currency{
	"USD":  {Code: "USD", Kind: CurrencyKindFiat, Exponent: 2},
	"EUR":  {Code: "EUR", Kind: CurrencyKindFiat, Exponent: 2},
	"GBP":  {Code: "GBP", Kind: CurrencyKindFiat, Exponent: 2},
	"NGN":  {Code: "NGN", Kind: CurrencyKindFiat, Exponent: 2},
	"JPY":  {Code: "JPY", Kind: CurrencyKindFiat, Exponent: 0},
	"USDC": {Code: "USDC", Kind: CurrencyKindStable, Exponent: 6},
	"USDT": {Code: "USDT", Kind: CurrencyKindStable, Exponent: 6},
	"BTC":  {Code: "BTC", Kind: CurrencyKindCrypto, Exponent: 8},
	"ETH":  {Code: "ETH", Kind: CurrencyKindCrypto, Exponent: 18},
}

var ErrUnknownCurrency = errors.New("unknown currency")

// CurrencyFromCode resolves a currency by its code (case-insensitive).
func CurrencyFromCode(code string) (Currency, error) {
	cur, ok := builtinCurrencies[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Currency{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return cur, nil
}

// Equal reports whether two currencies are the same settlement currency.
func (c Currency) Equal(other Currency) bool {
	return c.Code == other.Code
}

func (c Currency) IsZero() bool {
	return c.Code == ""
}

// MultiCurrencyAmount is a non-negative integer amount of minor units paired
// with its currency. The zero value is "no amount" and fails validation.
type MultiCurrencyAmount struct {
	Amount   *big.Int `json:"amount"`
	Currency Currency `json:"currency"`
}

var (
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrNegativeAmount   = errors.New("amount must not be negative")
)

// NewAmount builds an amount from minor units. The amount must be non-negative.
func NewAmount(minor *big.Int, currency Currency) (MultiCurrencyAmount, error) {
	if minor == nil {
		return MultiCurrencyAmount{}, errors.New("amount is nil")
	}
	if minor.Sign() < 0 {
		return MultiCurrencyAmount{}, ErrNegativeAmount
	}
	if currency.IsZero() {
		return MultiCurrencyAmount{}, errors.New("currency is not set")
	}
	return MultiCurrencyAmount{Amount: new(big.Int).Set(minor), Currency: currency}, nil
}

// NewAmountFromInt64 builds an amount from minor units expressed as an int64.
func NewAmountFromInt64(minor int64, currency Currency) (MultiCurrencyAmount, error) {
	return NewAmount(big.NewInt(minor), currency)
}

// ParseAmount parses a major-unit decimal string (e.g. "100.50") into minor
// units of the given currency. Fractions finer than the currency's minor unit
// are rejected rather than rounded.
func ParseAmount(major string, currency Currency) (MultiCurrencyAmount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(major))
	if err != nil {
		return MultiCurrencyAmount{}, fmt.Errorf("invalid amount %q: %w", major, err)
	}
	shifted := d.Shift(currency.Exponent)
	if !shifted.IsInteger() {
		return MultiCurrencyAmount{}, fmt.Errorf("amount %q has more precision than %s allows", major, currency.Code)
	}
	return NewAmount(shifted.BigInt(), currency)
}

// MajorString formats the amount as a major-unit decimal string, e.g. "100.50".
func (m MultiCurrencyAmount) MajorString() string {
	if m.Amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(m.Amount, -m.Currency.Exponent).StringFixed(m.Currency.Exponent)
}

// MinorString returns the minor-unit integer as a decimal string. Used for JSON
// payloads and idempotent hashing, where a number could lose precision.
func (m MultiCurrencyAmount) MinorString() string {
	if m.Amount == nil {
		return "0"
	}
	return m.Amount.String()
}

func (m MultiCurrencyAmount) IsZero() bool {
	return m.Amount == nil || m.Amount.Sign() == 0
}

func (m MultiCurrencyAmount) IsPositive() bool {
	return m.Amount != nil && m.Amount.Sign() > 0
}

// Add returns m + other. Both amounts must share a currency.
func (m MultiCurrencyAmount) Add(other MultiCurrencyAmount) (MultiCurrencyAmount, error) {
	if !m.Currency.Equal(other.Currency) {
		return MultiCurrencyAmount{}, fmt.Errorf("%w: cannot add %s and %s", ErrCurrencyMismatch, m.Currency.Code, other.Currency.Code)
	}
	return NewAmount(new(big.Int).Add(m.Amount, other.Amount), m.Currency)
}

// Sub returns m - other. Both amounts must share a currency and the result must
// not be negative.
func (m MultiCurrencyAmount) Sub(other MultiCurrencyAmount) (MultiCurrencyAmount, error) {
	if !m.Currency.Equal(other.Currency) {
		return MultiCurrencyAmount{}, fmt.Errorf("%w: cannot subtract %s from %s", ErrCurrencyMismatch, other.Currency.Code, m.Currency.Code)
	}
	diff := new(big.Int).Sub(m.Amount, other.Amount)
	if diff.Sign() < 0 {
		return MultiCurrencyAmount{}, fmt.Errorf("subtraction underflow: %s - %s", m.MinorString(), other.MinorString())
	}
	return NewAmount(diff, m.Currency)
}

// Equal reports value equality: same currency, same minor-unit amount.
func (m MultiCurrencyAmount) Equal(other MultiCurrencyAmount) bool {
	if !m.Currency.Equal(other.Currency) {
		return false
	}
	if m.Amount == nil || other.Amount == nil {
		return m.IsZero() && other.IsZero()
	}
	return m.Amount.Cmp(other.Amount) == 0
}

func (m MultiCurrencyAmount) String() string {
	return fmt.Sprintf("%s %s", m.MajorString(), m.Currency.Code)
}
