/**
 * @description
 * Exact-rational exchange-rate quote. A quote converts minor units of one
 * currency into minor units of another by multiplying with Num/Den; results
 * are floored so conversion can never manufacture value.
 */

package domain

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// RateQuote is one exchange-rate quote expressed as an integer ratio.
type RateQuote struct {
	From           string    `json:"from"`
	To             string    `json:"to"`
	Num            *big.Int  `json:"num"`
	Den            *big.Int  `json:"den"`
	MaxSlippageBps int64     `json:"max_slippage_bps"`
	QuotedAt       time.Time `json:"quoted_at"`
}

// IdentityQuote is the zero-fee identity conversion used when source and
// destination currencies match.
func IdentityQuote(currency string, now time.Time) *RateQuote {
	return &RateQuote{
		From:     currency,
		To:       currency,
		Num:      big.NewInt(1),
		Den:      big.NewInt(1),
		QuotedAt: now.UTC(),
	}
}

// Validate checks the ratio is well-formed and strictly positive.
func (q *RateQuote) Validate() error {
	if q == nil {
		return errors.New("quote is nil")
	}
	if q.Num == nil || q.Num.Sign() <= 0 {
		return errors.New("quote numerator must be positive")
	}
	if q.Den == nil || q.Den.Sign() <= 0 {
		return errors.New("quote denominator must be positive")
	}
	if q.MaxSlippageBps < 0 {
		return errors.New("quote max slippage must not be negative")
	}
	return nil
}

// IsIdentity reports whether the quote converts a currency into itself at 1:1.
func (q *RateQuote) IsIdentity() bool {
	return q.From == q.To && q.Num.Cmp(q.Den) == 0
}

// Apply converts amount (in the quote's source currency) into the destination
// currency, flooring the result. The ratio is defined on minor units of both
// sides, so differing exponents are already priced in.
func (q *RateQuote) Apply(amount MultiCurrencyAmount, destination Currency) (MultiCurrencyAmount, error) {
	if err := q.Validate(); err != nil {
		return MultiCurrencyAmount{}, err
	}
	if amount.Currency.Code != q.From {
		return MultiCurrencyAmount{}, fmt.Errorf("%w: quote is %s->%s but amount is %s",
			ErrCurrencyMismatch, q.From, q.To, amount.Currency.Code)
	}
	if destination.Code != q.To {
		return MultiCurrencyAmount{}, fmt.Errorf("%w: quote is %s->%s but destination is %s",
			ErrCurrencyMismatch, q.From, q.To, destination.Code)
	}

	product := new(big.Int).Mul(amount.Amount, q.Num)
	floored := product.Quo(product, q.Den) // non-negative operands, Quo floors
	return NewAmount(floored, destination)
}

// DeviationExceeds reports whether the realized rate deviates from q by more
// than maxBps basis points. The comparison is exact integer arithmetic:
// |r.Num*q.Den - q.Num*r.Den| * 10000 > maxBps * q.Num * r.Den.
func (q *RateQuote) DeviationExceeds(realized *RateQuote, maxBps int64) (bool, error) {
	if err := q.Validate(); err != nil {
		return false, err
	}
	if err := realized.Validate(); err != nil {
		return false, err
	}
	if q.From != realized.From || q.To != realized.To {
		return false, fmt.Errorf("%w: comparing %s->%s quote with %s->%s", ErrCurrencyMismatch,
			q.From, q.To, realized.From, realized.To)
	}

	diff := new(big.Int).Mul(realized.Num, q.Den)
	diff.Sub(diff, new(big.Int).Mul(q.Num, realized.Den))
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(10000))

	bound := new(big.Int).Mul(q.Num, realized.Den)
	bound.Mul(bound, big.NewInt(maxBps))

	return diff.Cmp(bound) > 0, nil
}
