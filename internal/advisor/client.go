// internal/advisor/client.go
// Package advisor connects the external financial advisory service to the
// wallet: it builds the balance/transaction context for a prompt, relays the
// reply, and parses any structured action proposal the reply carries.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// PromptContext is the financial snapshot sent alongside every prompt.
type PromptContext struct {
	Balance            string               `json:"balance"`  // Formatted display balance
	Currency           string               `json:"currency"` // ISO 4217
	RecentTransactions []TransactionSummary `json:"recentTransactions"`
}

// TransactionSummary is one ledger line in the prompt context.
type TransactionSummary struct {
	Amount      string `json:"amount"` // Formatted, signed
	Type        string `json:"type"`
	Description string `json:"description"`
	Date        string `json:"date"` // RFC 3339
}

// Reply is the advisory service's answer. Action, when present, is a raw
// proposal for the bridge to parse.
type Reply struct {
	Text   string          `json:"text"`
	Action json.RawMessage `json:"action,omitempty"`
}

// Asker abstracts the advisory service for tests.
type Asker interface {
	Ask(ctx context.Context, prompt string, pctx PromptContext) (*Reply, error)
}

// ErrUnavailable is returned when no advisory service is configured.
var ErrUnavailable = errors.New("advisor not configured")

// Client for the external advisory service.
type Client struct {
	base string       // Base URL of the advisory service
	hc   *http.Client // HTTP client with custom configuration
}

// NewClient creates an advisory client. An empty baseURL yields a client
// whose Ask always returns ErrUnavailable.
func NewClient(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// Ask relays the prompt and context to the advisory service.
func (c *Client) Ask(ctx context.Context, prompt string, pctx PromptContext) (*Reply, error) {
	if c.base == "" {
		return nil, ErrUnavailable
	}

	body, err := json.Marshal(struct {
		Prompt  string        `json:"prompt"`
		Context PromptContext `json:"context"`
	}{Prompt: prompt, Context: pctx})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/ask", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("advisor request failed: %s", resp.Status)
	}

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
