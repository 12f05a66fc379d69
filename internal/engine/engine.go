// internal/engine/engine.go
// Package engine implements the secure link lifecycle: creation with escrow,
// passcode-gated claims, the request/approve/reject flow, cancellation and
// expiry. All money movement rides inside the store's transactional
// transitions, so a state change and its balance effects commit together.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/spendai/securelink-go/internal/disburse"
	"github.com/spendai/securelink-go/internal/event"
	"github.com/spendai/securelink-go/internal/model"
	"github.com/spendai/securelink-go/internal/money"
	"github.com/spendai/securelink-go/internal/storage"
)

// Sentinel errors returned by the engine. The server layer maps these onto
// the error taxonomy.
var (
	// ErrUnauthorized covers every credential failure on the claim path:
	// unknown code and wrong passcode are indistinguishable to the caller.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidState means the link's current status forbids the operation.
	ErrInvalidState = errors.New("invalid state")
	// ErrForbidden means the caller does not own the link.
	ErrForbidden = errors.New("wallet mismatch")
	// ErrValidation means the request payload failed a precondition.
	ErrValidation = errors.New("validation failed")
	// ErrUpstream means the settlement provider failed; state was rolled back.
	ErrUpstream = errors.New("upstream transfer failed")
)

// codeAlphabet excludes characters that misread over the phone (0/O, 1/I/L).
const (
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLength   = 8
	// createCodeRetries bounds duplicate-code retries; at 31^8 codes a single
	// retry is already rare.
	createCodeRetries = 5
)

var passcodePattern = regexp.MustCompile(`^\d{4}$`)

// Engine drives the link lifecycle over a Store, a notification Bus and a
// settlement provider.
type Engine struct {
	store     storage.Store
	bus       event.Bus
	disburser disburse.Disburser
}

// New creates an Engine.
func New(store storage.Store, bus event.Bus, disburser disburse.Disburser) *Engine {
	return &Engine{store: store, bus: bus, disburser: disburser}
}

// newCode generates a shareable link code from the unambiguous alphabet.
func newCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// publish pushes a change event, best effort. A failed publish never fails
// the operation; clients recover by re-fetching.
func (e *Engine) publish(ctx context.Context, link *model.SecureLink) {
	err := e.bus.PublishLinkChanged(ctx, model.LinkChangeEvent{
		LinkID:        link.ID,
		Code:          link.Code,
		OwnerWalletID: link.OwnerWalletID,
		NewStatus:     link.Status,
		Amount:        link.Amount,
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("link event publish failed", "linkId", link.ID, "status", link.Status, "error", err)
	}
}

// CreateLink escrows the amount from the owner wallet and creates an active
// link. Storage errors propagate: storage.ErrInsufficientFunds when the
// wallet cannot cover the escrow.
func (e *Engine) CreateLink(ctx context.Context, ownerWalletID string, req model.CreateLinkRequest) (*model.CreateLinkData, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !passcodePattern.MatchString(req.Passcode) {
		return nil, fmt.Errorf("%w: passcode must be exactly 4 digits", ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Passcode), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash passcode: %w", err)
	}

	now := time.Now().UTC()
	link := model.SecureLink{
		OwnerWalletID: ownerWalletID,
		PasscodeHash:  string(hash),
		Amount:        req.Amount,
		Description:   req.Description,
		Status:        model.StatusActive,
		CreatedAt:     now,
		ExpiresAt:     now.Add(model.LinkExpiry),
		UpdatedAt:     now,
	}

	// Retry on a duplicate code; any other error surfaces immediately.
	for attempt := 0; ; attempt++ {
		link.ID = ulid.Make().String()
		link.Code, err = newCode()
		if err != nil {
			return nil, err
		}

		err = e.store.CreateLinkEscrow(ctx, link, model.LedgerEntry{
			ID:          ulid.Make().String(),
			WalletID:    ownerWalletID,
			Amount:      req.Amount,
			Type:        model.EntryDebit,
			Description: "Escrow for secure link " + link.Code,
			Category:    model.CategoryEscrow,
			CreatedAt:   now,
		})
		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrConflict) && attempt < createCodeRetries {
			continue
		}
		return nil, err
	}

	slog.Info("secure link created",
		"linkId", link.ID,
		"walletId", ownerWalletID,
		"amount", money.FormatNaira(link.Amount))
	e.publish(ctx, &link)

	return &model.CreateLinkData{
		LinkID:    link.ID,
		Code:      link.Code,
		Status:    link.Status,
		ExpiresAt: link.ExpiresAt,
	}, nil
}

// GetLink returns a link by ID.
func (e *Engine) GetLink(ctx context.Context, id string) (*model.SecureLink, error) {
	return e.store.GetLink(ctx, id)
}

// GetLinkByCode returns a link by its shareable code for the public view.
func (e *Engine) GetLinkByCode(ctx context.Context, code string) (*model.SecureLink, error) {
	return e.store.GetLinkByCode(ctx, code)
}

// ListByOwner returns an owner's links, newest first.
func (e *Engine) ListByOwner(ctx context.Context, walletID string, status model.LinkStatus) ([]model.SecureLink, error) {
	if status != "" && !model.ValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	return e.store.ListLinksByOwner(ctx, walletID, status)
}

// ListPendingApprovals returns the owner's links awaiting a decision.
func (e *Engine) ListPendingApprovals(ctx context.Context, walletID string) ([]model.SecureLink, error) {
	return e.store.ListLinksByOwner(ctx, walletID, model.StatusPendingApproval)
}

// verifyLinkAccess resolves a code+passcode pair to a claimable link. Every
// failure mode returns ErrUnauthorized so callers cannot probe for codes,
// except a non-active status which reports ErrInvalidState (the caller
// already proved knowledge of the passcode by then).
func (e *Engine) verifyLinkAccess(ctx context.Context, code, passcode string) (*model.SecureLink, error) {
	link, err := e.store.GetLinkByCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(link.PasscodeHash), []byte(passcode)) != nil {
		return nil, ErrUnauthorized
	}
	if link.Status != model.StatusActive {
		return nil, ErrInvalidState
	}
	// Overdue but not yet swept: behave as expired without mutating. The
	// sweeper owns that transition and its refund.
	if link.ExpiresAt.Before(time.Now().UTC()) {
		return nil, ErrInvalidState
	}
	return link, nil
}

// Claim resolves a link directly into the claimant's wallet: the escrowed
// amount is credited and the link becomes claimed.
func (e *Engine) Claim(ctx context.Context, claimantWalletID string, req model.ClaimRequest) (*model.ClaimData, error) {
	link, err := e.verifyLinkAccess(ctx, req.Code, req.Passcode)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updated, err := e.store.TransitionLink(ctx, link.ID,
		[]model.LinkStatus{model.StatusActive},
		storage.LinkUpdate{Status: model.StatusClaimed, ClaimedAt: &now},
		[]storage.LedgerEffect{{
			WalletID:    claimantWalletID,
			Amount:      link.Amount,
			Type:        model.EntryCredit,
			Description: "Claimed secure link " + link.Code,
			Category:    model.CategoryClaim,
		}})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Lost the race to another resolution
			return nil, ErrInvalidState
		}
		return nil, err
	}

	slog.Info("secure link claimed",
		"linkId", link.ID,
		"claimantWalletId", claimantWalletID,
		"amount", money.FormatNaira(link.Amount))
	e.publish(ctx, updated)

	return &model.ClaimData{Status: updated.Status, Amount: link.Amount}, nil
}

var accountNumberPattern = regexp.MustCompile(`^\d{10}$`)

// SubmitRequest records a claimant's bank-disbursement request and parks the
// link in pending_approval. No money moves until the owner decides.
func (e *Engine) SubmitRequest(ctx context.Context, req model.SubmitRequestRequest) (*model.StatusData, error) {
	if req.RequestedAmount <= 0 {
		return nil, fmt.Errorf("%w: requested amount must be positive", ErrValidation)
	}
	if !accountNumberPattern.MatchString(req.TargetAccountNumber) {
		return nil, fmt.Errorf("%w: account number must be 10 digits", ErrValidation)
	}
	if strings.TrimSpace(req.TargetBankName) == "" {
		return nil, fmt.Errorf("%w: bank name is required", ErrValidation)
	}

	link, err := e.verifyLinkAccess(ctx, req.Code, req.Passcode)
	if err != nil {
		return nil, err
	}
	if req.RequestedAmount > link.Amount {
		return nil, fmt.Errorf("%w: requested amount exceeds link amount", ErrValidation)
	}

	updated, err := e.store.TransitionLink(ctx, link.ID,
		[]model.LinkStatus{model.StatusActive},
		storage.LinkUpdate{
			Status:              model.StatusPendingApproval,
			RequestedAmount:     &req.RequestedAmount,
			TargetAccountNumber: &req.TargetAccountNumber,
			TargetBankName:      &req.TargetBankName,
		}, nil)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrInvalidState
		}
		return nil, err
	}

	slog.Info("disbursement requested",
		"linkId", link.ID,
		"requestedAmount", money.FormatNaira(req.RequestedAmount))
	e.publish(ctx, updated)

	return &model.StatusData{Status: updated.Status}, nil
}

// ownedLink fetches a link and checks the caller owns it.
func (e *Engine) ownedLink(ctx context.Context, ownerWalletID, linkID string) (*model.SecureLink, error) {
	link, err := e.store.GetLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if link.OwnerWalletID != ownerWalletID {
		return nil, ErrForbidden
	}
	return link, nil
}

// verifyPIN checks the owner's transaction PIN.
func (e *Engine) verifyPIN(ctx context.Context, walletID, pin string) error {
	wallet, err := e.store.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if wallet.PINHash == "" || bcrypt.CompareHashAndPassword([]byte(wallet.PINHash), []byte(pin)) != nil {
		return ErrUnauthorized
	}
	return nil
}

// Approve settles a pending disbursement request. The link is moved to
// approved before the provider call so a concurrent reject loses cleanly;
// a provider failure reverts it to pending_approval and reports ErrUpstream.
// On success the full escrow is released in one transition: the requested
// amount leaves through the provider (recorded as a referenced disbursement
// debit) and any remainder stays with the owner.
func (e *Engine) Approve(ctx context.Context, ownerWalletID, linkID, pin string) (*model.StatusData, error) {
	link, err := e.ownedLink(ctx, ownerWalletID, linkID)
	if err != nil {
		return nil, err
	}
	if link.Status != model.StatusPendingApproval {
		return nil, ErrInvalidState
	}
	if err := e.verifyPIN(ctx, ownerWalletID, pin); err != nil {
		return nil, err
	}

	// Win the race first, with no money movement yet.
	if _, err := e.store.TransitionLink(ctx, linkID,
		[]model.LinkStatus{model.StatusPendingApproval},
		storage.LinkUpdate{Status: model.StatusApproved}, nil); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrInvalidState
		}
		return nil, err
	}

	result, err := e.disburser.Transfer(ctx, link.RequestedAmount,
		link.TargetAccountNumber, link.TargetBankName,
		"Secure link "+link.Code+" disbursement")
	if err != nil {
		// Put the request back so the owner can retry.
		if _, revertErr := e.store.TransitionLink(ctx, linkID,
			[]model.LinkStatus{model.StatusApproved},
			storage.LinkUpdate{Status: model.StatusPendingApproval}, nil); revertErr != nil {
			slog.Error("approve revert failed", "linkId", linkID, "error", revertErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	// Settle the escrow: return it in full, then debit what actually left
	// through the provider. Net wallet change is the remainder; the ledger
	// shows both legs with the provider reference on the disbursement.
	now := time.Now().UTC()
	updated, err := e.store.TransitionLink(ctx, linkID,
		[]model.LinkStatus{model.StatusApproved},
		storage.LinkUpdate{Status: model.StatusApproved, ClaimedAt: &now},
		[]storage.LedgerEffect{
			{
				WalletID:    ownerWalletID,
				Amount:      link.Amount,
				Type:        model.EntryCredit,
				Description: "Escrow release for secure link " + link.Code,
				Category:    model.CategoryEscrowReturn,
			},
			{
				WalletID:    ownerWalletID,
				Amount:      link.RequestedAmount,
				Type:        model.EntryDebit,
				Description: "Disbursement for secure link " + link.Code,
				Category:    model.CategoryDisbursement,
				Reference:   result.Reference,
			},
		})
	if err != nil {
		slog.Error("escrow settlement failed after transfer", "linkId", linkID, "reference", result.Reference, "error", err)
		return nil, err
	}

	slog.Info("disbursement approved",
		"linkId", linkID,
		"amount", money.FormatNaira(link.RequestedAmount),
		"reference", result.Reference)
	e.publish(ctx, updated)

	return &model.StatusData{Status: updated.Status}, nil
}

// Reject declines a pending disbursement request and returns the escrow.
func (e *Engine) Reject(ctx context.Context, ownerWalletID, linkID string) (*model.StatusData, error) {
	link, err := e.ownedLink(ctx, ownerWalletID, linkID)
	if err != nil {
		return nil, err
	}

	updated, err := e.store.TransitionLink(ctx, linkID,
		[]model.LinkStatus{model.StatusPendingApproval},
		storage.LinkUpdate{Status: model.StatusRejected},
		[]storage.LedgerEffect{{
			WalletID:    ownerWalletID,
			Amount:      link.Amount,
			Type:        model.EntryCredit,
			Description: "Escrow returned for rejected link " + link.Code,
			Category:    model.CategoryEscrowReturn,
		}})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrInvalidState
		}
		return nil, err
	}

	slog.Info("disbursement rejected", "linkId", linkID)
	e.publish(ctx, updated)

	return &model.StatusData{Status: updated.Status}, nil
}

// Cancel withdraws an unclaimed link and returns the escrow.
func (e *Engine) Cancel(ctx context.Context, ownerWalletID, linkID string) (*model.StatusData, error) {
	link, err := e.ownedLink(ctx, ownerWalletID, linkID)
	if err != nil {
		return nil, err
	}

	updated, err := e.store.TransitionLink(ctx, linkID,
		[]model.LinkStatus{model.StatusActive},
		storage.LinkUpdate{Status: model.StatusCancelled},
		[]storage.LedgerEffect{{
			WalletID:    ownerWalletID,
			Amount:      link.Amount,
			Type:        model.EntryCredit,
			Description: "Escrow returned for cancelled link " + link.Code,
			Category:    model.CategoryEscrowReturn,
		}})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrInvalidState
		}
		return nil, err
	}

	slog.Info("secure link cancelled", "linkId", linkID)
	e.publish(ctx, updated)

	return &model.StatusData{Status: updated.Status}, nil
}

// ExpireDue sweeps overdue active links into expired, refunding each escrow.
// It is safe to run concurrently with claims: the CAS decides each race and
// a lost sweep is simply skipped. Returns the number of links expired.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := e.store.ListExpiredActive(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, link := range due {
		updated, err := e.store.TransitionLink(ctx, link.ID,
			[]model.LinkStatus{model.StatusActive},
			storage.LinkUpdate{Status: model.StatusExpired},
			[]storage.LedgerEffect{{
				WalletID:    link.OwnerWalletID,
				Amount:      link.Amount,
				Type:        model.EntryCredit,
				Description: "Escrow returned for expired link " + link.Code,
				Category:    model.CategoryEscrowReturn,
			}})
		if err != nil {
			if errors.Is(err, storage.ErrConflict) {
				// Claimed or cancelled since listing; nothing to do
				continue
			}
			return expired, err
		}
		expired++
		e.publish(ctx, updated)
	}

	if expired > 0 {
		slog.Info("expired overdue links", "count", expired)
	}
	return expired, nil
}

// TransferOut debits a wallet and sends the amount to an external account.
// Used by the advisor action bridge. A provider failure reverses the debit
// with a compensating credit.
func (e *Engine) TransferOut(ctx context.Context, walletID string, amount int64, accountNumber, bankName, pin string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !accountNumberPattern.MatchString(accountNumber) {
		return "", fmt.Errorf("%w: account number must be 10 digits", ErrValidation)
	}
	if err := e.verifyPIN(ctx, walletID, pin); err != nil {
		return "", err
	}

	debitID := ulid.Make().String()
	if err := e.store.DebitWallet(ctx, model.LedgerEntry{
		ID:          debitID,
		WalletID:    walletID,
		Amount:      amount,
		Type:        model.EntryDebit,
		Description: "Transfer to " + accountNumber + " (" + bankName + ")",
		Category:    model.CategoryTransfer,
	}); err != nil {
		return "", err
	}

	result, err := e.disburser.Transfer(ctx, amount, accountNumber, bankName, "Wallet transfer")
	if err != nil {
		if creditErr := e.store.CreditWallet(ctx, model.LedgerEntry{
			ID:          ulid.Make().String(),
			WalletID:    walletID,
			Amount:      amount,
			Type:        model.EntryCredit,
			Description: "Reversal of failed transfer " + debitID,
			Category:    model.CategoryTransfer,
		}); creditErr != nil {
			slog.Error("transfer reversal failed", "walletId", walletID, "debitId", debitID, "error", creditErr)
		}
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	slog.Info("wallet transfer sent",
		"walletId", walletID,
		"amount", money.FormatNaira(amount),
		"reference", result.Reference)
	return result.Reference, nil
}
