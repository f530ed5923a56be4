/**
 * @description
 * This package provides a client for the external rewards ledger API. It
 * encapsulates the logic for making authenticated HTTP requests to the
 * ledger's endpoints, handling request body construction, and parsing
 * responses. The dispatcher uses it to check the funding account balance,
 * submit reward transfers, and poll transfer status during reconciliation.
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
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the rewards ledger API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new ledger API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransferRequest is the payload for a ledger reward transfer.
type TransferRequest struct {
	SourceAccountID string  `json:"source_account_id"`
	DestinationID   string  `json:"destination_id"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
	Reference       string  `json:"reference"`
	Reason          string  `json:"reason"`
}

// TransferResponse is the ledger's response to a transfer submission or
// status lookup.
type TransferResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// BalanceResponse is the ledger's account balance payload.
type BalanceResponse struct {
	AvailableBalance float64 `json:"available_balance"`
	Currency         string  `json:"currency"`
}

// ErrorResponse represents an error returned by the ledger API.
type ErrorResponse struct {
	StatusCode int
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("ledger api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("ledger api error: status %d", e.StatusCode)
}

// IsExplicitRejection reports whether the ledger definitively rejected the
// request (4xx), as opposed to a transient failure where the transfer's
// fate is unknown and reconciliation must decide it.
func IsExplicitRejection(err error) bool {
	if errResp, ok := err.(*ErrorResponse); ok {
		return errResp.StatusCode >= 400 && errResp.StatusCode < 500
	}
	return false
}

// SubmitTransfer submits a reward transfer from the funding account to the
// winner's ledger destination. The reference must be unique per transfer;
// resubmitting the same reference is the ledger's idempotency handle.
func (c *Client) SubmitTransfer(ctx context.Context, transfer TransferRequest) (*TransferResponse, error) {
	body, err := json.Marshal(transfer)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/transfers", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute transfer request: %w", err)
	}
	defer resp.Body.Close()

	return decodeTransferResponse(resp, "transfer")
}

// GetTransferStatus fetches the current status of a previously submitted transfer.
func (c *Client) GetTransferStatus(ctx context.Context, transferID string) (*TransferResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/api/v1/transfers/"+transferID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute status request: %w", err)
	}
	defer resp.Body.Close()

	return decodeTransferResponse(resp, "transfer_status")
}

// GetAccountBalance fetches the balance of a ledger account.
func (c *Client) GetAccountBalance(ctx context.Context, accountID string) (*BalanceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/api/v1/accounts/"+accountID+"/balance", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create balance request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute balance request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, bodyBytes, "balance")
	}

	var balance BalanceResponse
	if err := json.Unmarshal(bodyBytes, &balance); err != nil {
		return nil, fmt.Errorf("failed to decode balance response: %w", err)
	}
	return &balance, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
}

func decodeTransferResponse(resp *http.Response, op string) (*TransferResponse, error) {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, bodyBytes, op)
	}

	var transfer TransferResponse
	if err := json.Unmarshal(bodyBytes, &transfer); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return &transfer, nil
}

func decodeError(status int, body []byte, op string) error {
	errResp := &ErrorResponse{StatusCode: status}
	if err := json.Unmarshal(body, errResp); err != nil {
		log.Printf("level=warn component=ledger_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, status)
		return errResp
	}
	if len(errResp.Errors) > 0 {
		log.Printf("level=warn component=ledger_client op=%s status=%d title=%q detail=%q", op, status, errResp.Errors[0].Title, errResp.Errors[0].Detail)
	}
	return errResp
}
