package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Transfer represents a transfer record held by the server.
type Transfer struct {
	AccountAddress string    `json:"account_address"`
	ReferenceCode  string    `json:"reference_code"`
	Sender         string    `json:"sender"`
	Recipient      string    `json:"recipient"`
	Amount         int64     `json:"amount"`
	RoutingCode    string    `json:"routing_code"`
	Memo           *string   `json:"memo,omitempty"`
	Status         string    `json:"status"` // pending, processing, completed, failed
	LedgerRefKind  string    `json:"ledger_ref_kind"`
	LedgerRef      *string   `json:"ledger_ref,omitempty"`
	BlockMarker    *int64    `json:"block_marker,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Account reports an account's ledger-visible state.
type Account struct {
	AccountAddress string `json:"account_address"`
	BankCode       string `json:"bank_code"`
	Balance        int64  `json:"balance"`
	BalanceWei     string `json:"balance_wei"`
	Sequence       uint64 `json:"sequence"`
}

// SubmitTransferRequest describes a single transfer to submit.
type SubmitTransferRequest struct {
	AccountAddress string `json:"account_address"`
	Recipient      string `json:"recipient"`
	Amount         int64  `json:"amount"`
	RoutingCode    string `json:"routing_code,omitempty"`
	Memo           string `json:"memo,omitempty"`
	ReferenceCode  string `json:"reference_code,omitempty"`
}

// BatchItem describes one recipient in a batch submission.
type BatchItem struct {
	Recipient     string `json:"recipient"`
	Amount        int64  `json:"amount"`
	RoutingCode   string `json:"routing_code,omitempty"`
	Memo          string `json:"memo,omitempty"`
	ReferenceCode string `json:"reference_code,omitempty"`
}

// SubmitBatchRequest describes a multi-recipient batch submission.
type SubmitBatchRequest struct {
	AccountAddress string      `json:"account_address"`
	AttachProofs   bool        `json:"attach_proofs,omitempty"`
	Items          []BatchItem `json:"items"`
}

// SubmitResult is the outcome of a single transfer submission.
type SubmitResult struct {
	Transfer *Transfer
	// Duplicate is true when the server absorbed the submission as a
	// replay of an existing reference code.
	Duplicate bool
	// Deferred is true when the submission was recorded but settlement
	// was handed to background reconciliation.
	Deferred bool
	// Failed is true when the ledger confirmed the submission but the
	// transfer reverted.
	Failed bool
}

// BatchResult is the outcome of a batch submission.
type BatchResult struct {
	Transfers  []*Transfer
	WithProofs bool
	Deferred   bool
	Failed     bool
}

// ListOptions filters a transfer listing.
type ListOptions struct {
	AccountAddress string
	Status         string
	Sender         string
	Recipient      string
	Search         string
	Since          *time.Time
	Until          *time.Time
	Limit          int
	Offset         int
}

// Client is the HTTP client for the interledger transfer service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new transfer service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		// Submissions block on settlement waits, so the default timeout
		// is generous.
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// SubmitTransfer submits a single transfer and waits for the server to report
// its outcome.
func (c *Client) SubmitTransfer(ctx context.Context, req SubmitTransferRequest) (*SubmitResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusUnprocessableEntity:
	default:
		return nil, c.parseErrorResponse(resp)
	}

	var transfer Transfer
	if err := json.NewDecoder(resp.Body).Decode(&transfer); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	result := &SubmitResult{
		Transfer:  &transfer,
		Duplicate: resp.StatusCode == http.StatusOK,
		Deferred:  resp.StatusCode == http.StatusAccepted,
		Failed:    resp.StatusCode == http.StatusUnprocessableEntity,
	}

	c.logger.Debug("transfer submitted",
		"account", req.AccountAddress,
		"reference_code", transfer.ReferenceCode,
		"status", transfer.Status,
	)
	return result, nil
}

// SubmitBatch submits a multi-recipient batch for the given account.
func (c *Client) SubmitBatch(ctx context.Context, req SubmitBatchRequest) (*BatchResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/transfers/batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusAccepted, http.StatusUnprocessableEntity:
	default:
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		Transfers  []*Transfer `json:"transfers"`
		WithProofs bool        `json:"with_proofs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("batch submitted",
		"account", req.AccountAddress,
		"items", len(response.Transfers),
		"with_proofs", response.WithProofs,
	)
	return &BatchResult{
		Transfers:  response.Transfers,
		WithProofs: response.WithProofs,
		Deferred:   resp.StatusCode == http.StatusAccepted,
		Failed:     resp.StatusCode == http.StatusUnprocessableEntity,
	}, nil
}

// Get retrieves one transfer record by account and reference code.
func (c *Client) Get(ctx context.Context, accountAddress, referenceCode string) (*Transfer, error) {
	u := fmt.Sprintf("%s/api/v1/transfers/%s?account_address=%s",
		c.baseURL, url.PathEscape(referenceCode), url.QueryEscape(accountAddress))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var transfer Transfer
	if err := json.NewDecoder(resp.Body).Decode(&transfer); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &transfer, nil
}

// List retrieves transfer records for an account, newest first.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]*Transfer, error) {
	query := url.Values{}
	query.Set("account_address", opts.AccountAddress)
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.Sender != "" {
		query.Set("sender", opts.Sender)
	}
	if opts.Recipient != "" {
		query.Set("recipient", opts.Recipient)
	}
	if opts.Search != "" {
		query.Set("search", opts.Search)
	}
	if opts.Since != nil {
		query.Set("since", opts.Since.Format(time.RFC3339))
	}
	if opts.Until != nil {
		query.Set("until", opts.Until.Format(time.RFC3339))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}

	u := c.baseURL + "/api/v1/transfers?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		Transfers []*Transfer `json:"transfers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.Transfers, nil
}

// ListUnreconciled retrieves records still awaiting a confirmed ledger
// reference. An empty accountAddress spans all accounts.
func (c *Client) ListUnreconciled(ctx context.Context, accountAddress string) ([]*Transfer, error) {
	u := c.baseURL + "/api/v1/transfers/unreconciled"
	if accountAddress != "" {
		u += "?account_address=" + url.QueryEscape(accountAddress)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		Transfers []*Transfer `json:"transfers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.Transfers, nil
}

// Delete removes a single transfer record from an account's log.
func (c *Client) Delete(ctx context.Context, accountAddress, referenceCode string) error {
	u := fmt.Sprintf("%s/api/v1/transfers/%s?account_address=%s",
		c.baseURL, url.PathEscape(referenceCode), url.QueryEscape(accountAddress))
	req, err := http.NewRequestWithContext(ctx, "DELETE", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	c.logger.Debug("transfer record deleted", "account", accountAddress, "reference_code", referenceCode)
	return nil
}

// Purge deletes all transfer records for an account and returns the number
// of records removed.
func (c *Client) Purge(ctx context.Context, accountAddress string) (int64, error) {
	u := fmt.Sprintf("%s/api/v1/accounts/%s/transfers", c.baseURL, url.PathEscape(accountAddress))
	req, err := http.NewRequestWithContext(ctx, "DELETE", u, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, c.parseErrorResponse(resp)
	}

	var response struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("transfer records purged", "account", accountAddress, "deleted", response.Deleted)
	return response.Deleted, nil
}

// GetAccount retrieves an account's balance and sequence number.
func (c *Client) GetAccount(ctx context.Context, accountAddress string) (*Account, error) {
	u := fmt.Sprintf("%s/api/v1/accounts/%s", c.baseURL, url.PathEscape(accountAddress))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var account Account
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &account, nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
