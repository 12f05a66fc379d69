// Package gateway ingests payment-provider webhooks. Deliveries are
// authenticated with the provider's HMAC-SHA512 body signature, applied
// idempotently by event reference, and archived raw for audit.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/spendai/securelink-go/internal/archive"
	"github.com/spendai/securelink-go/internal/model"
	"github.com/spendai/securelink-go/internal/money"
	"github.com/spendai/securelink-go/internal/storage"
)

// SignatureHeader carries the provider's hex HMAC-SHA512 of the raw body.
const SignatureHeader = "x-paystack-signature"

// Outcome reports how a delivery was handled. Every outcome except a storage
// failure is acknowledged with 200 so the provider stops retrying.
type Outcome string

const (
	OutcomeCredited      Outcome = "credited"       // Wallet credited
	OutcomeDuplicate     Outcome = "duplicate"      // Reference already applied
	OutcomeIgnored       Outcome = "ignored"        // Event type not handled
	OutcomeUnknownWallet Outcome = "unknown_wallet" // No wallet for the customer code
)

// chargeEvent is the subset of the provider payload this service reads.
type chargeEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"` // Kobo
		Customer  struct {
			CustomerCode string `json:"customer_code"`
		} `json:"customer"`
	} `json:"data"`
}

// Webhook processes provider deliveries.
type Webhook struct {
	store    storage.Store
	archiver archive.Archiver
	secret   []byte
}

// NewWebhook creates a webhook processor. secret is the provider's shared
// signing secret.
func NewWebhook(store storage.Store, archiver archive.Archiver, secret string) *Webhook {
	return &Webhook{store: store, archiver: archiver, secret: []byte(secret)}
}

// VerifySignature checks the provider's HMAC-SHA512 body signature.
func (w *Webhook) VerifySignature(signature string, body []byte) bool {
	if len(w.secret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, w.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Process applies one verified delivery. A malformed body is an error (the
// provider is misbehaving); everything else resolves to an Outcome.
func (w *Webhook) Process(ctx context.Context, body []byte) (Outcome, error) {
	var ev chargeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return "", fmt.Errorf("malformed webhook payload: %w", err)
	}

	if ev.Event != "charge.success" {
		slog.Debug("ignoring webhook event", "event", ev.Event)
		return OutcomeIgnored, nil
	}
	if ev.Data.Reference == "" || ev.Data.Amount <= 0 {
		return "", errors.New("charge.success without reference or positive amount")
	}

	w.archivePayload(ctx, ev.Data.Reference, body)

	wallet, err := w.store.GetWalletByCustomerCode(ctx, ev.Data.Customer.CustomerCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Acknowledge so the provider stops retrying; the money is
			// reconciled manually.
			slog.Warn("webhook for unknown customer",
				"customerCode", ev.Data.Customer.CustomerCode,
				"reference", ev.Data.Reference)
			return OutcomeUnknownWallet, nil
		}
		return "", err
	}

	err = w.store.CreditWallet(ctx, model.LedgerEntry{
		ID:          ulid.Make().String(),
		WalletID:    wallet.ID,
		Amount:      ev.Data.Amount,
		Type:        model.EntryCredit,
		Description: "Wallet funding via Paystack",
		Category:    model.CategoryDeposit,
		Reference:   ev.Data.Reference,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			slog.Info("duplicate webhook delivery", "reference", ev.Data.Reference)
			return OutcomeDuplicate, nil
		}
		return "", err
	}

	slog.Info("wallet credited from gateway",
		"walletId", wallet.ID,
		"amount", money.FormatNaira(ev.Data.Amount),
		"reference", ev.Data.Reference)
	return OutcomeCredited, nil
}

// archivePayload stores the raw body, best effort.
func (w *Webhook) archivePayload(ctx context.Context, reference string, body []byte) {
	key := archive.Key("paystack", reference, time.Now().UTC())
	if err := w.archiver.Put(ctx, key, body); err != nil {
		slog.Warn("webhook archive failed", "key", key, "error", err)
	}
}
