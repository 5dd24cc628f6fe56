/**
 * @description
 * This package provides a client for the authoritative ledger service, the
 * double-entry store that actually moves funds. It encapsulates the logic for
 * making authenticated HTTP requests, building instruction payloads, and
 * parsing responses.
 *
 * @notes
 * - Every fund-movement instruction carries an Idempotency-Key header equal to
 *   the transfer id, so a retried instruction is a no-op on the ledger side.
 * - Amounts travel as minor-unit decimal strings, never JSON numbers.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a client for the ledger service.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new ledger service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// InstructionRequest is the payload for reserve and release instructions.
type InstructionRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Amount   string `json:"amount"` // minor units, decimal string
			Currency string `json:"currency"`
		} `json:"attributes"`
		Relationships struct {
			Source struct {
				Address string `json:"address"`
			} `json:"source"`
			Destination struct {
				Address string `json:"address"`
			} `json:"destination"`
		} `json:"relationships"`
	} `json:"data"`
}

// InstructionResponse is the expected response from the instruction endpoints.
type InstructionResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status string `json:"status"`
			Replay bool   `json:"replay"` // true when the idempotency key matched a prior instruction
		} `json:"attributes"`
	} `json:"data"`
}

// HeldResponse is the response from the escrow balance endpoint.
type HeldResponse struct {
	Data struct {
		Address  string `json:"address"`
		Amount   string `json:"amount"` // minor units, decimal string
		Currency string `json:"currency"`
	} `json:"data"`
}

// ErrorResponse represents an error from the ledger service.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("ledger error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown ledger error"
}

// IsExplicitRejection reports whether the ledger definitively rejected the
// instruction (4xx). Explicit rejections must not be retried.
func (e *ErrorResponse) IsExplicitRejection() bool {
	if len(e.Errors) == 0 {
		return false
	}
	code, err := strconv.Atoi(e.Errors[0].Status)
	if err != nil {
		return false
	}
	return code >= 400 && code < 500
}

// IsInsufficientFunds reports whether the rejection was for insufficient
// source balance.
func (e *ErrorResponse) IsInsufficientFunds() bool {
	for _, item := range e.Errors {
		if item.Title == "insufficient_funds" {
			return true
		}
	}
	return false
}

// Reserve moves amount from the source account into the escrow address,
// keyed by idempotencyKey (the transfer id).
func (c *Client) Reserve(ctx context.Context, from, escrow string, amountMinor, currency string, idempotencyKey string) (*InstructionResponse, error) {
	req := buildInstruction("Reserve", from, escrow, amountMinor, currency)
	return c.doInstruction(ctx, "/v1/instructions/reserve", req, idempotencyKey)
}

// Release moves amount from the escrow address to the destination account
// (payout or refund, distinguished only by destination), keyed by
// idempotencyKey (the transfer id).
func (c *Client) Release(ctx context.Context, escrow, to string, amountMinor, currency string, idempotencyKey string) (*InstructionResponse, error) {
	req := buildInstruction("Release", escrow, to, amountMinor, currency)
	return c.doInstruction(ctx, "/v1/instructions/release", req, idempotencyKey)
}

// AmountHeld returns the minor-unit balance currently held at an escrow
// address. Used for reconciliation and for checking whether an ambiguous
// instruction already took effect.
func (c *Client) AmountHeld(ctx context.Context, escrow string) (*big.Int, string, error) {
	endpoint := fmt.Sprintf("%s/v1/escrow/%s/held", c.BaseURL, url.PathEscape(escrow))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", decodeError(resp, "amount_held")
	}

	var held HeldResponse
	if err := json.NewDecoder(resp.Body).Decode(&held); err != nil {
		return nil, "", fmt.Errorf("failed to decode held response: %w", err)
	}
	amount, ok := new(big.Int).SetString(held.Data.Amount, 10)
	if !ok {
		return nil, "", fmt.Errorf("malformed held amount %q for escrow %s", held.Data.Amount, escrow)
	}
	return amount, held.Data.Currency, nil
}

func buildInstruction(instructionType, source, destination, amountMinor, currency string) InstructionRequest {
	var req InstructionRequest
	req.Data.Type = instructionType
	req.Data.Attributes.Amount = amountMinor
	req.Data.Attributes.Currency = currency
	req.Data.Relationships.Source.Address = source
	req.Data.Relationships.Destination.Address = destination
	return req
}

// doInstruction executes one instruction request against the ledger.
func (c *Client) doInstruction(ctx context.Context, path string, payload InstructionRequest, idempotencyKey string) (*InstructionResponse, error) {
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
		return nil, fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp, path)
	}

	var instruction InstructionResponse
	if err := json.NewDecoder(resp.Body).Decode(&instruction); err != nil {
		return nil, fmt.Errorf("failed to decode instruction response: %w", err)
	}
	return &instruction, nil
}

func decodeError(resp *http.Response, op string) error {
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || len(errResp.Errors) == 0 {
		log.Printf("level=warn component=ledger_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
		return fmt.Errorf("ledger returned status %d", resp.StatusCode)
	}
	if errResp.Errors[0].Status == "" {
		errResp.Errors[0].Status = strconv.Itoa(resp.StatusCode)
	}
	log.Printf("level=warn component=ledger_client op=%s status=%d title=%q detail=%q", op, resp.StatusCode, errResp.Errors[0].Title, errResp.Errors[0].Detail)
	return &errResp
}
