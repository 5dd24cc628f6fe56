/**
 * @description
 * This package provides a client for the exchange-rate oracle. The oracle
 * returns quotes as exact integer ratios (numerator/denominator) so the
 * conversion policy can do precision-safe arithmetic; floating-point rates
 * never appear anywhere in the pipeline.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package rateoracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"time"
)

// Quote is one exchange-rate quote: destination = source * Num / Den.
type Quote struct {
	ID             string
	From           string
	To             string
	RateNum        *big.Int
	RateDen        *big.Int
	MaxSlippageBps int64
	QuotedAt       time.Time
}

// Client is a client for the rate-oracle API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new rate-oracle client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type quoteRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"` // minor units, decimal string
}

type quoteResponse struct {
	Data struct {
		ID              string    `json:"id"`
		From            string    `json:"from"`
		To              string    `json:"to"`
		RateNumerator   string    `json:"rate_numerator"`
		RateDenominator string    `json:"rate_denominator"`
		MaxSlippageBps  int64     `json:"max_slippage_bps"`
		QuotedAt        time.Time `json:"quoted_at"`
	} `json:"data"`
}

// ErrorResponse represents an error from the oracle.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("oracle error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown oracle error"
}

// GetQuote fetches a rate quote for converting amountMinor of from-currency
// into to-currency.
func (c *Client) GetQuote(ctx context.Context, from, to, amountMinor string) (*Quote, error) {
	body, err := json.Marshal(quoteRequest{From: from, To: to, Amount: amountMinor})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/quotes", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr != nil || len(errResp.Errors) == 0 {
			log.Printf("level=warn component=rate_oracle op=quote status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, fmt.Errorf("oracle returned status %d", resp.StatusCode)
		}
		log.Printf("level=warn component=rate_oracle op=quote status=%d title=%q detail=%q", resp.StatusCode, errResp.Errors[0].Title, errResp.Errors[0].Detail)
		return nil, &errResp
	}

	var quoteResp quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&quoteResp); err != nil {
		return nil, fmt.Errorf("failed to decode quote response: %w", err)
	}
	return parseQuote(quoteResp)
}

func parseQuote(resp quoteResponse) (*Quote, error) {
	num, ok := new(big.Int).SetString(resp.Data.RateNumerator, 10)
	if !ok || num.Sign() <= 0 {
		return nil, fmt.Errorf("malformed rate numerator %q", resp.Data.RateNumerator)
	}
	den, ok := new(big.Int).SetString(resp.Data.RateDenominator, 10)
	if !ok || den.Sign() <= 0 {
		return nil, fmt.Errorf("malformed rate denominator %q", resp.Data.RateDenominator)
	}
	if resp.Data.MaxSlippageBps < 0 {
		return nil, fmt.Errorf("negative max slippage %d", resp.Data.MaxSlippageBps)
	}
	return &Quote{
		ID:             resp.Data.ID,
		From:           resp.Data.From,
		To:             resp.Data.To,
		RateNum:        num,
		RateDen:        den,
		MaxSlippageBps: resp.Data.MaxSlippageBps,
		QuotedAt:       resp.Data.QuotedAt,
	}, nil
}
