/**
 * @description
 * Currency conversion policy. Two jobs: pick the holding currency a new
 * transfer's funds are escrowed in, and convert escrowed funds to the
 * recipient's chosen currency at settlement under the bounded-slippage rule.
 *
 * @notes
 * - Holding currency selection scores each allow-listed option by
 *   feeWeight*feeBps + timeWeight*settlementSeconds; lowest score wins, ties
 *   broken by allow-list order. If the source currency is allow-listed and
 *   matches the minimum score, it wins outright so no conversion is needed.
 *   The weighting is configuration, not a hard-coded formula.
 * - All conversion math is exact integer arithmetic on minor units, floored.
 */

package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paymesh/escrow-service/internal/domain"
	"github.com/paymesh/escrow-service/pkg/rateoracle"
)

// ParseHoldingOptions parses the configured allow-list, a comma-separated
// sequence of CODE:feeBps:settlementSeconds triples.
func ParseHoldingOptions(spec string) ([]HoldingOption, error) {
	var options []HoldingOption
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed holding currency entry %q, want CODE:feeBps:settlementSeconds", entry)
		}
		currency, err := domain.CurrencyFromCode(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, err
		}
		feeBps, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("holding currency %s: bad fee bps: %w", currency.Code, err)
		}
		settlement, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("holding currency %s: bad settlement seconds: %w", currency.Code, err)
		}
		if feeBps < 0 || settlement < 0 {
			return nil, fmt.Errorf("holding currency %s: fee and settlement must not be negative", currency.Code)
		}
		options = append(options, HoldingOption{Currency: currency, FeeBps: feeBps, SettlementSeconds: settlement})
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("holding currency allow-list must not be empty")
	}
	return options, nil
}

// RateOracle is the slice of the oracle client the policy needs.
type RateOracle interface {
	GetQuote(ctx context.Context, from, to, amountMinor string) (*rateoracle.Quote, error)
}

// HoldingOption is one allow-listed holding currency with its cost profile.
type HoldingOption struct {
	Currency          domain.Currency
	FeeBps            int64
	SettlementSeconds int64
}

// ConversionPolicy selects holding currencies and performs quoted conversions.
type ConversionPolicy struct {
	oracle         RateOracle
	options        []HoldingOption
	feeWeight      int64
	timeWeight     int64
	maxSlippageBps int64
	now            func() time.Time
}

// NewConversionPolicy builds a policy over the configured allow-list.
func NewConversionPolicy(oracle RateOracle, options []HoldingOption, feeWeight, timeWeight, maxSlippageBps int64) (*ConversionPolicy, error) {
	if len(options) == 0 {
		return nil, fmt.Errorf("holding currency allow-list must not be empty")
	}
	if maxSlippageBps < 0 {
		return nil, fmt.Errorf("max slippage must not be negative")
	}
	return &ConversionPolicy{
		oracle:         oracle,
		options:        options,
		feeWeight:      feeWeight,
		timeWeight:     timeWeight,
		maxSlippageBps: maxSlippageBps,
		now:            time.Now,
	}, nil
}

func (p *ConversionPolicy) score(opt HoldingOption) int64 {
	return p.feeWeight*opt.FeeBps + p.timeWeight*opt.SettlementSeconds
}

// SelectHoldingCurrency picks the allow-listed currency minimizing expected
// fee plus settlement delay for the given source currency.
func (p *ConversionPolicy) SelectHoldingCurrency(source domain.Currency) domain.Currency {
	best := p.options[0]
	bestScore := p.score(best)
	for _, opt := range p.options[1:] {
		if s := p.score(opt); s < bestScore {
			best, bestScore = opt, s
		}
	}
	// Zero-conversion preference: an allow-listed source currency that already
	// matches the minimum score avoids a conversion leg entirely.
	for _, opt := range p.options {
		if opt.Currency.Equal(source) && p.score(opt) == bestScore {
			return opt.Currency
		}
	}
	return best.Currency
}

// Quote fetches an exchange quote for converting amount into destination. The
// identity case never touches the oracle and carries zero fee.
func (p *ConversionPolicy) Quote(ctx context.Context, amount domain.MultiCurrencyAmount, destination domain.Currency) (*domain.RateQuote, error) {
	if amount.Currency.Equal(destination) {
		return domain.IdentityQuote(amount.Currency.Code, p.now()), nil
	}

	oracleQuote, err := p.oracle.GetQuote(ctx, amount.Currency.Code, destination.Code, amount.MinorString())
	if err != nil {
		return nil, fmt.Errorf("quote %s->%s: %w", amount.Currency.Code, destination.Code, err)
	}
	quote := &domain.RateQuote{
		From:           oracleQuote.From,
		To:             oracleQuote.To,
		Num:            oracleQuote.RateNum,
		Den:            oracleQuote.RateDen,
		MaxSlippageBps: oracleQuote.MaxSlippageBps,
		QuotedAt:       oracleQuote.QuotedAt,
	}
	if err := quote.Validate(); err != nil {
		return nil, fmt.Errorf("oracle returned invalid quote %s->%s: %w", amount.Currency.Code, destination.Code, err)
	}
	return quote, nil
}

// Convert applies a quote to an amount, flooring the result.
func (p *ConversionPolicy) Convert(amount domain.MultiCurrencyAmount, destination domain.Currency, quote *domain.RateQuote) (domain.MultiCurrencyAmount, error) {
	return quote.Apply(amount, destination)
}

// CheckSlippage rejects a realized rate that deviates from the accepted quote
// by more than the allowed slippage. The bound is the stricter of the
// policy's configured maximum and the quote's own maximum.
func (p *ConversionPolicy) CheckSlippage(accepted, realized *domain.RateQuote) error {
	if accepted.IsIdentity() && realized.IsIdentity() {
		return nil
	}
	maxBps := p.maxSlippageBps
	if accepted.MaxSlippageBps > 0 && accepted.MaxSlippageBps < maxBps {
		maxBps = accepted.MaxSlippageBps
	}
	exceeded, err := accepted.DeviationExceeds(realized, maxBps)
	if err != nil {
		return err
	}
	if exceeded {
		return fmt.Errorf("%w: realized %s/%s deviates from quoted %s/%s beyond %d bps",
			domain.ErrConversionRejected,
			realized.Num, realized.Den, accepted.Num, accepted.Den, maxBps)
	}
	return nil
}
