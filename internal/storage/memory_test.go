// Package storage provides tests for the in-memory Store implementation.
package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spendai/securelink-go/internal/model"
)

func newTestWallet(t *testing.T, store Store, id string, balance int64) model.Wallet {
	t.Helper()
	wallet := model.Wallet{
		ID:       id,
		OwnerID:  "owner-" + id,
		Balance:  balance,
		Currency: "NGN",
	}
	if err := store.CreateWallet(context.Background(), wallet); err != nil {
		t.Fatalf("CreateWallet() error = %v", err)
	}
	return wallet
}

func newTestLink(id, code, walletID string, amount int64) model.SecureLink {
	now := time.Now().UTC()
	return model.SecureLink{
		ID:            id,
		Code:          code,
		OwnerWalletID: walletID,
		PasscodeHash:  "hash",
		Amount:        amount,
		Status:        model.StatusActive,
		CreatedAt:     now,
		ExpiresAt:     now.Add(model.LinkExpiry),
		UpdatedAt:     now,
	}
}

func escrowEntry(walletID string, amount int64) model.LedgerEntry {
	return model.LedgerEntry{
		ID:       "entry-" + walletID,
		WalletID: walletID,
		Amount:   amount,
		Type:     model.EntryDebit,
		Category: model.CategoryEscrow,
	}
}

// TestCreateLinkEscrow verifies the escrow debit and link insert happen together.
func TestCreateLinkEscrow(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	newTestWallet(t, store, "w1", 10_000)

	link := newTestLink("l1", "abcd1234", "w1", 4_000)
	if err := store.CreateLinkEscrow(ctx, link, escrowEntry("w1", 4_000)); err != nil {
		t.Fatalf("CreateLinkEscrow() error = %v", err)
	}

	wallet, err := store.GetWallet(ctx, "w1")
	if err != nil {
		t.Fatalf("GetWallet() error = %v", err)
	}
	if wallet.Balance != 6_000 {
		t.Errorf("Balance = %d, want %d", wallet.Balance, 6_000)
	}

	// Codes are stored and looked up case-insensitively
	got, err := store.GetLinkByCode(ctx, "AbCd1234")
	if err != nil {
		t.Fatalf("GetLinkByCode() error = %v", err)
	}
	if got.ID != "l1" {
		t.Errorf("GetLinkByCode() ID = %v, want %v", got.ID, "l1")
	}
	if got.Code != "ABCD1234" {
		t.Errorf("Code = %v, want %v", got.Code, "ABCD1234")
	}

	entries, err := store.ListLedger(ctx, "w1", 10)
	if err != nil {
		t.Fatalf("ListLedger() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ListLedger() returned %d entries, want 1", len(entries))
	}
	if entries[0].Category != model.CategoryEscrow {
		t.Errorf("Category = %v, want %v", entries[0].Category, model.CategoryEscrow)
	}
}

// TestCreateLinkEscrowInsufficientFunds verifies an overdraw leaves everything untouched.
func TestCreateLinkEscrowInsufficientFunds(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	newTestWallet(t, store, "w1", 1_000)

	link := newTestLink("l1", "CODE0001", "w1", 4_000)
	err := store.CreateLinkEscrow(ctx, link, escrowEntry("w1", 4_000))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("CreateLinkEscrow() error = %v, want ErrInsufficientFunds", err)
	}

	wallet, _ := store.GetWallet(ctx, "w1")
	if wallet.Balance != 1_000 {
		t.Errorf("Balance = %d, want %d", wallet.Balance, 1_000)
	}
	if _, err := store.GetLinkByCode(ctx, "CODE0001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLinkByCode() error = %v, want ErrNotFound", err)
	}
}

// TestCreateLinkEscrowDuplicateCode verifies global code uniqueness.
func TestCreateLinkEscrowDuplicateCode(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	newTestWallet(t, store, "w1", 10_000)

	if err := store.CreateLinkEscrow(ctx, newTestLink("l1", "CODE0001", "w1", 1_000), escrowEntry("w1", 1_000)); err != nil {
		t.Fatalf("CreateLinkEscrow() error = %v", err)
	}
	err := store.CreateLinkEscrow(ctx, newTestLink("l2", "code0001", "w1", 1_000), model.LedgerEntry{
		ID: "entry-2", WalletID: "w1", Amount: 1_000, Type: model.EntryDebit, Category: model.CategoryEscrow,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("CreateLinkEscrow() duplicate code error = %v, want ErrConflict", err)
	}

	// Losing the race must not debit
	wallet, _ := store.GetWallet(ctx, "w1")
	if wallet.Balance != 9_000 {
		t.Errorf("Balance = %d, want %d", wallet.Balance, 9_000)
	}
}

// TestTransitionLinkCAS verifies exactly one of two competing transitions wins.
func TestTransitionLinkCAS(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	newTestWallet(t, store, "w1", 10_000)
	if err := store.CreateLinkEscrow(ctx, newTestLink("l1", "CODE0001", "w1", 4_000), escrowEntry("w1", 4_000)); err != nil {
		t.Fatalf("CreateLinkEscrow() error = %v", err)
	}

	from := []model.LinkStatus{model.StatusActive}

	// Claim wins
	if _, err := store.TransitionLink(ctx, "l1", from, LinkUpdate{Status: model.StatusClaimed}, nil); err != nil {
		t.Fatalf("TransitionLink() error = %v", err)
	}
	// Cancel loses
	if _, err := store.TransitionLink(ctx, "l1", from, LinkUpdate{Status: model.StatusCancelled}, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("TransitionLink() second error = %v, want ErrConflict", err)
	}

	link, _ := store.GetLink(ctx, "l1")
	if link.Status != model.StatusClaimed {
		t.Errorf("Status = %v, want %v", link.Status, model.StatusClaimed)
	}
}

// TestTransitionLinkConcurrent races many claimers; only one may succeed.
func TestTransitionLinkConcurrent(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	newTestWallet(t, store, "w1", 10_000)
	if err := store.CreateLinkEscrow(ctx, newTestLink("l1", "CODE0001", "w1", 4_000), escrowEntry("w1", 4_000)); err != nil {
		t.Fatalf("CreateLinkEscrow() error = %v", err)
	}

	const claimers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.TransitionLink(ctx, "l1",
				[]model.LinkStatus{model.StatusActive},
				LinkUpdate{Status: model.StatusClaimed},
				[]LedgerEffect{{WalletID: "w1", Amount: 4_000, Type: model.EntryCredit, Category: model.CategoryEscrowReturn}})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
	// Escrow returned exactly once
	wallet, _ := store.GetWallet(ctx, "w1")
	if wallet.Balance != 10_000 {
		t.Errorf("Balance = %d, want %d", wallet.Balance, 10_000)
	}
}

// TestTransitionLinkEffectsAtomic verifies a failing debit rolls the transition back.
func TestTransitionLinkEffectsAtomic(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	newTestWallet(t, store, "w1", 5_000)
	if err := store.CreateLinkEscrow(ctx, newTestLink("l1", "CODE0001", "w1", 4_000), escrowEntry("w1", 4_000)); err != nil {
		t.Fatalf("CreateLinkEscrow() error = %v", err)
	}

	// Wallet has 1_000 left; a 2_000 debit effect must fail the whole call
	_, err := store.TransitionLink(ctx, "l1",
		[]model.LinkStatus{model.StatusActive},
		LinkUpdate{Status: model.StatusCancelled},
		[]LedgerEffect{{WalletID: "w1", Amount: 2_000, Type: model.EntryDebit, Category: model.CategoryTransfer}})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("TransitionLink() error = %v, want ErrInsufficientFunds", err)
	}

	link, _ := store.GetLink(ctx, "l1")
	if link.Status != model.StatusActive {
		t.Errorf("Status = %v, want %v (transition must roll back)", link.Status, model.StatusActive)
	}
	wallet, _ := store.GetWallet(ctx, "w1")
	if wallet.Balance != 1_000 {
		t.Errorf("Balance = %d, want %d", wallet.Balance, 1_000)
	}
}

// TestTransitionLinkEffectsSequential verifies a debit can spend a credit
// earlier in the same effect list, as an approve settlement does when the
// owner escrowed their whole balance.
func TestTransitionLinkEffectsSequential(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	newTestWallet(t, store, "w1", 4_000)
	if err := store.CreateLinkEscrow(ctx, newTestLink("l1", "CODE0001", "w1", 4_000), escrowEntry("w1", 4_000)); err != nil {
		t.Fatalf("CreateLinkEscrow() error = %v", err)
	}

	// Free balance is 0; the escrow-return credit must fund the debit
	_, err := store.TransitionLink(ctx, "l1",
		[]model.LinkStatus{model.StatusActive},
		LinkUpdate{Status: model.StatusApproved},
		[]LedgerEffect{
			{WalletID: "w1", Amount: 4_000, Type: model.EntryCredit, Category: model.CategoryEscrowReturn},
			{WalletID: "w1", Amount: 4_000, Type: model.EntryDebit, Category: model.CategoryDisbursement, Reference: "trf_1"},
		})
	if err != nil {
		t.Fatalf("TransitionLink() error = %v, want nil", err)
	}

	wallet, _ := store.GetWallet(ctx, "w1")
	if wallet.Balance != 0 {
		t.Errorf("Balance = %d, want %d", wallet.Balance, 0)
	}
	entries, _ := store.ListLedger(ctx, "w1", 10)
	if len(entries) != 3 {
		t.Errorf("ListLedger() returned %d entries, want 3", len(entries))
	}
}

// TestCreditWalletIdempotentReference verifies duplicate references do not double-credit.
func TestCreditWalletIdempotentReference(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	newTestWallet(t, store, "w1", 0)

	entry := model.LedgerEntry{
		ID:        "e1",
		WalletID:  "w1",
		Amount:    5_000,
		Type:      model.EntryCredit,
		Category:  model.CategoryDeposit,
		Reference: "ps_ref_001",
	}
	if err := store.CreditWallet(ctx, entry); err != nil {
		t.Fatalf("CreditWallet() error = %v", err)
	}

	entry.ID = "e2"
	if err := store.CreditWallet(ctx, entry); !errors.Is(err, ErrConflict) {
		t.Fatalf("CreditWallet() duplicate reference error = %v, want ErrConflict", err)
	}

	wallet, _ := store.GetWallet(ctx, "w1")
	if wallet.Balance != 5_000 {
		t.Errorf("Balance = %d, want %d", wallet.Balance, 5_000)
	}
}

// TestListLinksByOwner verifies ordering and status filtering.
func TestListLinksByOwner(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	newTestWallet(t, store, "w1", 100_000)

	base := time.Now().UTC()
	for i, code := range []string{"CODE0001", "CODE0002", "CODE0003"} {
		link := newTestLink("l"+code, code, "w1", 1_000)
		link.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.CreateLinkEscrow(ctx, link, model.LedgerEntry{
			ID: "e" + code, WalletID: "w1", Amount: 1_000, Type: model.EntryDebit, Category: model.CategoryEscrow,
		}); err != nil {
			t.Fatalf("CreateLinkEscrow(%s) error = %v", code, err)
		}
	}
	if _, err := store.TransitionLink(ctx, "lCODE0002", []model.LinkStatus{model.StatusActive}, LinkUpdate{Status: model.StatusCancelled}, nil); err != nil {
		t.Fatalf("TransitionLink() error = %v", err)
	}

	all, err := store.ListLinksByOwner(ctx, "w1", "")
	if err != nil {
		t.Fatalf("ListLinksByOwner() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListLinksByOwner() returned %d links, want 3", len(all))
	}
	if all[0].Code != "CODE0003" {
		t.Errorf("first link = %v, want newest (CODE0003)", all[0].Code)
	}

	active, err := store.ListLinksByOwner(ctx, "w1", model.StatusActive)
	if err != nil {
		t.Fatalf("ListLinksByOwner(active) error = %v", err)
	}
	if len(active) != 2 {
		t.Errorf("ListLinksByOwner(active) returned %d links, want 2", len(active))
	}
}

// TestListExpiredActive verifies only overdue active links are swept up.
func TestListExpiredActive(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	newTestWallet(t, store, "w1", 100_000)

	now := time.Now().UTC()
	overdue := newTestLink("l1", "CODE0001", "w1", 1_000)
	overdue.ExpiresAt = now.Add(-time.Hour)
	fresh := newTestLink("l2", "CODE0002", "w1", 1_000)

	for _, link := range []model.SecureLink{overdue, fresh} {
		if err := store.CreateLinkEscrow(ctx, link, model.LedgerEntry{
			ID: "e" + link.ID, WalletID: "w1", Amount: 1_000, Type: model.EntryDebit, Category: model.CategoryEscrow,
		}); err != nil {
			t.Fatalf("CreateLinkEscrow() error = %v", err)
		}
	}

	expired, err := store.ListExpiredActive(ctx, now)
	if err != nil {
		t.Fatalf("ListExpiredActive() error = %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "l1" {
		t.Errorf("ListExpiredActive() = %v, want [l1]", expired)
	}
}
