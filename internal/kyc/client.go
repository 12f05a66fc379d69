// internal/kyc/client.go
// Package kyc provides a client for the external compliance provider.
// It handles BVN verification and virtual account issuance; no compliance
// logic lives in this service.
package kyc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// VirtualAccount is a provider-issued collection account tied to a wallet.
type VirtualAccount struct {
	BankName      string `json:"bankName"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
}

// Provider abstracts the compliance provider for tests and local runs.
type Provider interface {
	// VerifyBVN checks the BVN/name pair. ErrRejected means the provider
	// answered and said no; other errors are transport failures.
	VerifyBVN(ctx context.Context, bvn, fullName string) error
	// IssueVirtualAccount provisions a collection account for the customer.
	IssueVirtualAccount(ctx context.Context, customerCode, fullName string) (*VirtualAccount, error)
}

// ErrRejected is returned when the provider declines the verification.
var ErrRejected = errors.New("identity verification rejected")

// Client for the external compliance provider.
type Client struct {
	base string       // Base URL of the compliance provider
	hc   *http.Client // HTTP client with custom configuration
}

// NewClient creates a compliance client with the specified base URL.
func NewClient(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 10 * time.Second},
	}
}

// VerifyBVN checks the BVN against the registered name.
func (c *Client) VerifyBVN(ctx context.Context, bvn, fullName string) error {
	body, err := json.Marshal(map[string]string{"bvn": bvn, "fullName": fullName})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/bvn/verify", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnprocessableEntity:
		return ErrRejected
	default:
		return fmt.Errorf("bvn verification failed: %s", resp.Status)
	}
}

// IssueVirtualAccount provisions a dedicated collection account.
func (c *Client) IssueVirtualAccount(ctx context.Context, customerCode, fullName string) (*VirtualAccount, error) {
	body, err := json.Marshal(map[string]string{"customerCode": customerCode, "accountName": fullName})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/virtual-accounts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("virtual account issuance failed: %s", resp.Status)
	}

	var account VirtualAccount
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, err
	}
	return &account, nil
}

// Simulated stands in for the provider in development: every BVN passes and
// accounts are fabricated.
type Simulated struct{}

// NewSimulated creates a simulated compliance provider.
func NewSimulated() *Simulated {
	return &Simulated{}
}

// VerifyBVN accepts any 11-digit BVN.
func (s *Simulated) VerifyBVN(ctx context.Context, bvn, fullName string) error {
	if len(bvn) != 11 {
		return ErrRejected
	}
	return nil
}

// IssueVirtualAccount fabricates an account number.
func (s *Simulated) IssueVirtualAccount(ctx context.Context, customerCode, fullName string) (*VirtualAccount, error) {
	var digits [8]byte
	for i, b := range uuid.New() {
		if i == len(digits) {
			break
		}
		digits[i] = '0' + b%10
	}
	return &VirtualAccount{
		BankName:      "Wema Bank",
		AccountNumber: "99" + string(digits[:]),
		AccountName:   fullName,
	}, nil
}
