// Package advisor provides tests for the action bridge.
package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/spendai/securelink-go/internal/disburse"
	"github.com/spendai/securelink-go/internal/engine"
	"github.com/spendai/securelink-go/internal/event"
	"github.com/spendai/securelink-go/internal/model"
	"github.com/spendai/securelink-go/internal/storage"
)

func newTestBridge(t *testing.T) (*Bridge, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	eng := engine.New(store, event.NewMemoryBus(), disburse.NewSimulated())
	bridge, err := NewBridge(eng)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}

	pinHash, err := bcrypt.GenerateFromPassword([]byte("5555"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt error = %v", err)
	}
	err = store.CreateWallet(context.Background(), model.Wallet{
		ID:       "w1",
		OwnerID:  "owner-w1",
		Balance:  100_000, // ₦1,000.00
		Currency: "NGN",
		PINHash:  string(pinHash),
	})
	if err != nil {
		t.Fatalf("CreateWallet() error = %v", err)
	}
	return bridge, store
}

// TestExecuteCreateLink verifies a valid proposal creates an escrowed link
// protected by the default passcode.
func TestExecuteCreateLink(t *testing.T) {
	bridge, store := newTestBridge(t)
	ctx := context.Background()

	raw := json.RawMessage(`{"action":"create_payment_link","amount":250.50,"description":"Lunch split"}`)
	outcome, err := bridge.Execute(ctx, "w1", raw, "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if outcome == nil || outcome.Kind != ActionCreateLink {
		t.Fatalf("outcome = %+v, want create link", outcome)
	}
	if outcome.Link == nil || outcome.Link.Code == "" {
		t.Fatalf("outcome.Link = %+v, want created link", outcome.Link)
	}

	link, err := store.GetLinkByCode(ctx, outcome.Link.Code)
	if err != nil {
		t.Fatalf("GetLinkByCode() error = %v", err)
	}
	// ₦250.50 -> 25050 kobo, half-up
	if link.Amount != 25_050 {
		t.Errorf("Amount = %d, want %d", link.Amount, 25_050)
	}
	if bcrypt.CompareHashAndPassword([]byte(link.PasscodeHash), []byte(DefaultPasscode)) != nil {
		t.Error("link is not protected by the default passcode")
	}

	wallet, _ := store.GetWallet(ctx, "w1")
	if wallet.Balance != 74_950 {
		t.Errorf("Balance = %d, want %d", wallet.Balance, 74_950)
	}
}

// TestExecuteTransfer verifies transfer proposals require a PIN and execute
// with one.
func TestExecuteTransfer(t *testing.T) {
	bridge, store := newTestBridge(t)
	ctx := context.Background()

	raw := json.RawMessage(`{"action":"initiate_transfer","amount":100,"accountNumber":"0123456789","bankName":"GTBank"}`)

	// No PIN: surfaced for confirmation, no money moves
	outcome, err := bridge.Execute(ctx, "w1", raw, "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if outcome == nil || outcome.Status != "pin_required" {
		t.Fatalf("outcome = %+v, want pin_required", outcome)
	}
	wallet, _ := store.GetWallet(ctx, "w1")
	if wallet.Balance != 100_000 {
		t.Errorf("Balance = %d, want %d", wallet.Balance, 100_000)
	}

	// With the PIN: executed
	outcome, err = bridge.Execute(ctx, "w1", raw, "5555")
	if err != nil {
		t.Fatalf("Execute() with PIN error = %v", err)
	}
	if outcome == nil || outcome.Status != "sent" {
		t.Fatalf("outcome = %+v, want sent", outcome)
	}
	wallet, _ = store.GetWallet(ctx, "w1")
	if wallet.Balance != 90_000 {
		t.Errorf("Balance = %d, want %d", wallet.Balance, 90_000)
	}

	// Wrong PIN propagates
	if _, err := bridge.Execute(ctx, "w1", raw, "0000"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Errorf("Execute() wrong PIN error = %v, want ErrUnauthorized", err)
	}
}

// TestExecuteDegradesToNone verifies malformed proposals never act.
func TestExecuteDegradesToNone(t *testing.T) {
	bridge, store := newTestBridge(t)
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"not json", "create a link please"},
		{"unknown action", `{"action":"delete_wallet"}`},
		{"missing amount", `{"action":"create_payment_link","description":"x"}`},
		{"negative amount", `{"action":"create_payment_link","amount":-5}`},
		{"extra field", `{"action":"create_payment_link","amount":10,"passcode":"9999"}`},
		{"bad account", `{"action":"initiate_transfer","amount":10,"accountNumber":"abc","bankName":"GTBank"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := bridge.Execute(ctx, "w1", json.RawMessage(tt.raw), "")
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if outcome != nil {
				t.Errorf("outcome = %+v, want nil", outcome)
			}
		})
	}

	wallet, _ := store.GetWallet(ctx, "w1")
	if wallet.Balance != 100_000 {
		t.Errorf("Balance = %d, want %d (no proposal may move money)", wallet.Balance, 100_000)
	}
}
