// Package compliance checks transfer submissions against the network's
// permissioning service before they reach the ledger.
package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Decision is the permissioning service's verdict on a proposed transfer.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Client is an HTTP client for the permissioning service. A nil client
// pointer is treated as permissioning disabled and allows everything.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a permissioning client. An empty baseURL returns nil,
// which disables checks.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

type checkRequest struct {
	Account   string `json:"account"`
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
}

// Check asks the permissioning service whether account may send amount (in
// minor units) to recipient. A nil client allows everything.
func (c *Client) Check(ctx context.Context, account, recipient string, amount int64) (Decision, error) {
	if c == nil {
		return Decision{Allowed: true}, nil
	}

	payload, err := json.Marshal(checkRequest{
		Account:   account,
		Recipient: recipient,
		Amount:    amount,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to marshal permissioning request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/check", bytes.NewReader(payload))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to create permissioning request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("permissioning service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Decision{}, fmt.Errorf("permissioning service returned status %d: %s", resp.StatusCode, string(body))
	}

	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return Decision{}, fmt.Errorf("failed to decode permissioning response: %w", err)
	}

	if !decision.Allowed {
		c.logger.InfoContext(ctx, "transfer denied by permissioning service",
			"account", account,
			"recipient", recipient,
			"reason", decision.Reason,
		)
	}
	return decision, nil
}
