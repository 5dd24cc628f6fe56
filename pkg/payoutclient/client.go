/**
 * @description
 * This package provides a client for the payout rail, the system that executes
 * the final leg of a completed transfer: crediting the recipient's default
 * ledger account or pushing funds to a tokenized external instrument.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package payoutclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Client is a client for the payout rail API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payout rail client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type accountPayoutRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Amount   string `json:"amount"` // minor units, decimal string
	Currency string `json:"currency"`
}

type instrumentPayoutRequest struct {
	From            string `json:"from"`
	InstrumentToken string `json:"instrument_token"`
	Provider        string `json:"provider"`
	Amount          string `json:"amount"` // minor units, decimal string
	Currency        string `json:"currency"`
}

// PayoutResponse is the expected response from the payout endpoints.
type PayoutResponse struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// ErrorResponse represents an error from the payout rail.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("payout error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown payout error"
}

// PayToAccount credits the recipient's ledger account from the given source
// address, keyed by idempotencyKey (the transfer id).
func (c *Client) PayToAccount(ctx context.Context, from, to, amountMinor, currency, idempotencyKey string) (*PayoutResponse, error) {
	payload := accountPayoutRequest{From: from, To: to, Amount: amountMinor, Currency: currency}
	return c.doPayout(ctx, "/v1/payouts/account", payload, idempotencyKey)
}

// PayToInstrument pushes funds to a tokenized external instrument, keyed by
// idempotencyKey (the transfer id).
func (c *Client) PayToInstrument(ctx context.Context, from, instrumentToken, provider, amountMinor, currency, idempotencyKey string) (*PayoutResponse, error) {
	payload := instrumentPayoutRequest{
		From:            from,
		InstrumentToken: instrumentToken,
		Provider:        provider,
		Amount:          amountMinor,
		Currency:        currency,
	}
	return c.doPayout(ctx, "/v1/payouts/instrument", payload, idempotencyKey)
}

func (c *Client) doPayout(ctx context.Context, path string, payload interface{}, idempotencyKey string) (*PayoutResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("payout request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr != nil || len(errResp.Errors) == 0 {
			log.Printf("level=warn component=payout_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
			return nil, fmt.Errorf("payout rail returned status %d", resp.StatusCode)
		}
		log.Printf("level=warn component=payout_client op=%s status=%d title=%q detail=%q", path, resp.StatusCode, errResp.Errors[0].Title, errResp.Errors[0].Detail)
		return nil, &errResp
	}

	var payout PayoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&payout); err != nil {
		return nil, fmt.Errorf("failed to decode payout response: %w", err)
	}
	return &payout, nil
}
