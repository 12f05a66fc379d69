// Package conformance provides an end-to-end harness that exercises the
// Secure Link service over its real HTTP surface.
package conformance

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"golang.org/x/crypto/bcrypt"

	"github.com/spendai/securelink-go/internal/advisor"
	"github.com/spendai/securelink-go/internal/archive"
	"github.com/spendai/securelink-go/internal/disburse"
	"github.com/spendai/securelink-go/internal/engine"
	"github.com/spendai/securelink-go/internal/event"
	"github.com/spendai/securelink-go/internal/gateway"
	"github.com/spendai/securelink-go/internal/jwks"
	"github.com/spendai/securelink-go/internal/kyc"
	"github.com/spendai/securelink-go/internal/model"
	"github.com/spendai/securelink-go/internal/server"
	"github.com/spendai/securelink-go/internal/storage"
)

// Config holds configuration for the conformance harness.
type Config struct {
	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string

	// WebhookSecret signs simulated gateway deliveries
	WebhookSecret string
}

// Harness runs the full service stack against in-memory infrastructure and
// exposes it through a test HTTP server.
type Harness struct {
	server *httptest.Server
	store  storage.Store
	bus    event.Bus
	jwks   *jwks.Client
	cfg    Config
}

// stubAsker keeps the advisor surface reachable without a model endpoint.
type stubAsker struct{}

func (stubAsker) Ask(ctx context.Context, prompt string, pctx advisor.PromptContext) (*advisor.Reply, error) {
	return &advisor.Reply{Text: "balance " + pctx.Balance}, nil
}

// NewHarness creates a conformance harness.
func NewHarness(cfg Config) (*Harness, error) {
	store := storage.NewMemory()
	bus := event.NewMemoryBus()
	eng := engine.New(store, bus, disburse.NewSimulated())

	bridge, err := advisor.NewBridge(eng)
	if err != nil {
		return nil, fmt.Errorf("failed to build advisor bridge: %w", err)
	}

	jwksClient := jwks.NewTestClient()
	mux := server.NewMux(server.Options{
		Store:       store,
		Bus:         bus,
		Engine:      eng,
		Advisor:     advisor.NewService(stubAsker{}, bridge, store),
		KYC:         kyc.NewSimulated(),
		Webhook:     gateway.NewWebhook(store, archive.Noop{}, cfg.WebhookSecret),
		JWKS:        jwksClient,
		JWTIssuer:   cfg.JWTIssuer,
		JWTAudience: cfg.JWTAudience,
	})

	return &Harness{
		server: httptest.NewServer(mux),
		store:  store,
		bus:    bus,
		jwks:   jwksClient,
		cfg:    cfg,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	_ = h.bus.Close()
}

// Token mints a session token for the given subject.
func (h *Harness) Token(subject string) (string, error) {
	return h.jwks.SignTestToken(subject, h.cfg.JWTIssuer, h.cfg.JWTAudience)
}

// SeedWallet creates a funded wallet with a transaction PIN.
func (h *Harness) SeedWallet(id, ownerID string, balance int64, pin string) error {
	var pinHash string
	if pin != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.MinCost)
		if err != nil {
			return err
		}
		pinHash = string(hash)
	}
	return h.store.CreateWallet(context.Background(), model.Wallet{
		ID:           id,
		OwnerID:      ownerID,
		Balance:      balance,
		Currency:     "NGN",
		PINHash:      pinHash,
		CustomerCode: "CUS_" + id,
	})
}

// Balance reads a wallet balance straight from the store.
func (h *Harness) Balance(walletID string) (int64, error) {
	wallet, err := h.store.GetWallet(context.Background(), walletID)
	if err != nil {
		return 0, err
	}
	return wallet.Balance, nil
}

// apiResponse is the common success/error envelope.
type apiResponse struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Do sends a JSON request, returning the status and decoded envelope.
func (h *Harness) Do(method, path, token, body string) (int, apiResponse, error) {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, h.URL()+path, reader)
	if err != nil {
		return 0, apiResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, apiResponse{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, apiResponse{}, err
	}
	var envelope apiResponse
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return resp.StatusCode, apiResponse{}, fmt.Errorf("malformed envelope: %w (%s)", err, raw)
		}
	}
	return resp.StatusCode, envelope, nil
}

// DeliverWebhook posts a signed gateway delivery.
func (h *Harness) DeliverWebhook(body string) (int, apiResponse, error) {
	mac := hmac.New(sha512.New, []byte(h.cfg.WebhookSecret))
	mac.Write([]byte(body))

	req, err := http.NewRequest("POST", h.URL()+"/v1/webhooks/paystack", bytes.NewReader([]byte(body)))
	if err != nil {
		return 0, apiResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gateway.SignatureHeader, hex.EncodeToString(mac.Sum(nil)))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, apiResponse{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, apiResponse{}, err
	}
	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return resp.StatusCode, apiResponse{}, err
	}
	return resp.StatusCode, envelope, nil
}
