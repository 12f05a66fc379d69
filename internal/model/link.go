// internal/model/link.go
// Package model defines the data structures used throughout the Secure Link service.
// These structures represent the core domain objects for wallets, secure links,
// and ledger entries, plus the request/response shapes of the HTTP API.
package model

import (
	"time"
)

// LinkStatus enumerates the lifecycle states of a secure link.
type LinkStatus string

const (
	StatusActive          LinkStatus = "active"           // Created, escrow held, claimable
	StatusPendingApproval LinkStatus = "pending_approval" // Claimant requested a bank disbursement
	StatusApproved        LinkStatus = "approved"         // Owner approved, disbursement executed
	StatusRejected        LinkStatus = "rejected"         // Owner rejected the request, escrow returned
	StatusClaimed         LinkStatus = "claimed"          // Claimed directly via passcode
	StatusExpired         LinkStatus = "expired"          // Passed expires_at, escrow returned
	StatusCancelled       LinkStatus = "cancelled"        // Owner cancelled, escrow returned
)

// Terminal reports whether a status permits no further transitions.
func (s LinkStatus) Terminal() bool {
	switch s {
	case StatusClaimed, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether s names a known lifecycle state.
func ValidStatus(s LinkStatus) bool {
	switch s {
	case StatusActive, StatusPendingApproval, StatusApproved,
		StatusRejected, StatusClaimed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// LinkExpiry is the default lifetime of a secure link.
const LinkExpiry = 7 * 24 * time.Hour

// Wallet represents a user wallet.
// Balance is held in kobo (integer minor units) to avoid floating-point drift.
// This corresponds to the wallets table in storage.
type Wallet struct {
	ID                 string    `json:"id" db:"id"`
	OwnerID            string    `json:"ownerId" db:"owner_id"` // Externally-verified session subject
	Balance            int64     `json:"balanceMinor" db:"balance"` // Kobo
	Currency           string    `json:"currency" db:"currency"`    // ISO 4217, NGN
	PINHash            string    `json:"-" db:"pin_hash"`           // bcrypt hash of the transaction PIN
	KYCVerified        bool      `json:"kycVerified" db:"kyc_verified"`
	VirtualBankName    string    `json:"virtualBankName,omitempty" db:"virtual_bank_name"`
	VirtualAccountNo   string    `json:"virtualAccountNumber,omitempty" db:"virtual_account_number"`
	VirtualAccountName string    `json:"virtualAccountName,omitempty" db:"virtual_account_name"`
	CustomerCode       string    `json:"-" db:"customer_code"` // Payment gateway customer reference
	CreatedAt          time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time `json:"updatedAt" db:"updated_at"`
}

// SecureLink represents a passcode-protected payment link.
// The escrowed Amount is debited from the owner wallet at creation and resolved
// exactly once when the link reaches a terminal state.
// This corresponds to the secure_links table in storage.
type SecureLink struct {
	ID            string     `json:"id" db:"id"`
	Code          string     `json:"code" db:"code"` // 8-character shareable token, stored uppercase
	OwnerWalletID string     `json:"ownerWalletId" db:"owner_wallet_id"`
	PasscodeHash  string     `json:"-" db:"passcode_hash"` // bcrypt hash, never leaves storage
	Amount        int64      `json:"amountMinor" db:"amount"` // Escrowed kobo, > 0
	Description   string     `json:"description,omitempty" db:"description"`
	Status        LinkStatus `json:"status" db:"status"`

	// Populated only once a claimant submits a disbursement request.
	RequestedAmount     int64  `json:"requestedAmountMinor,omitempty" db:"requested_amount"`
	TargetAccountNumber string `json:"targetAccountNumber,omitempty" db:"target_account_number"`
	TargetBankName      string `json:"targetBankName,omitempty" db:"target_bank_name"`

	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	ExpiresAt time.Time  `json:"expiresAt" db:"expires_at"`
	UpdatedAt time.Time  `json:"updatedAt" db:"updated_at"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty" db:"claimed_at"`
}

// PublicView strips a link down to the fields an unauthenticated caller may
// see. The passcode hash, owner identity and bank details never cross this
// boundary.
func (l *SecureLink) PublicView() PublicLink {
	return PublicLink{
		LinkID:      l.ID,
		Code:        l.Code,
		Amount:      l.Amount,
		Status:      l.Status,
		Description: l.Description,
		ExpiresAt:   l.ExpiresAt,
	}
}

// PublicLink is the unauthenticated projection of a SecureLink. The link ID
// is included so a claimant can follow the change stream for it.
type PublicLink struct {
	LinkID      string     `json:"linkId"`
	Code        string     `json:"code"`
	Amount      int64      `json:"amountMinor"`
	Status      LinkStatus `json:"status"`
	Description string     `json:"description,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
}

// Ledger entry types and categories.
const (
	EntryCredit = "credit"
	EntryDebit  = "debit"

	CategoryEscrow       = "escrow"
	CategoryEscrowReturn = "escrow_return"
	CategoryClaim        = "claim"
	CategoryDisbursement = "disbursement"
	CategoryDeposit      = "deposit"
	CategoryTransfer     = "transfer"
)

// LedgerEntry records a single wallet balance movement.
// Amount is always positive; Type distinguishes credit from debit.
// This corresponds to the ledger_entries table in storage.
type LedgerEntry struct {
	ID          string    `json:"id" db:"id"`
	WalletID    string    `json:"walletId" db:"wallet_id"`
	Amount      int64     `json:"amountMinor" db:"amount"` // Kobo, > 0
	Type        string    `json:"type" db:"type"`          // credit | debit
	Description string    `json:"description" db:"description"`
	Category    string    `json:"category" db:"category"`
	Reference   string    `json:"reference,omitempty" db:"reference"` // Gateway reference, unique when set
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// LinkChangeEvent is pushed to subscribers whenever a link changes state.
// Delivery is at-least-once; consumers treat the carried status (or a
// re-fetched one) as authoritative, never the event ordering.
type LinkChangeEvent struct {
	LinkID        string     `json:"linkId"`
	Code          string     `json:"code"`
	OwnerWalletID string     `json:"ownerWalletId"`
	NewStatus     LinkStatus `json:"newStatus"`
	Amount        int64      `json:"amountMinor,omitempty"`
	OccurredAt    time.Time  `json:"timestamp"`
}

// ClaimantView strips a change event down to what an unauthenticated link
// subscriber may see. Owner identity stays behind this boundary.
func (e LinkChangeEvent) ClaimantView() PublicLinkChangeEvent {
	return PublicLinkChangeEvent{
		LinkID:     e.LinkID,
		NewStatus:  e.NewStatus,
		Amount:     e.Amount,
		OccurredAt: e.OccurredAt,
	}
}

// PublicLinkChangeEvent is the unauthenticated projection of a
// LinkChangeEvent, streamed on single-link subscriptions.
type PublicLinkChangeEvent struct {
	LinkID     string     `json:"linkId"`
	NewStatus  LinkStatus `json:"newStatus"`
	Amount     int64      `json:"amountMinor,omitempty"`
	OccurredAt time.Time  `json:"timestamp"`
}

// CreateLinkRequest is the request body for POST /v1/links.
type CreateLinkRequest struct {
	Amount         int64  `json:"amountMinor"`
	Passcode       string `json:"passcode"` // 4 digits, hashed before storage
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// CreateLinkData is the success payload for link creation.
type CreateLinkData struct {
	LinkID    string     `json:"linkId"`
	Code      string     `json:"code"`
	Status    LinkStatus `json:"status"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// ClaimRequest is the request body for POST /v1/links/claim.
type ClaimRequest struct {
	Code     string `json:"code"`
	Passcode string `json:"passcode"`
}

// ClaimData is the success payload for a direct claim.
type ClaimData struct {
	Status LinkStatus `json:"status"`
	Amount int64      `json:"amountMinor"`
}

// SubmitRequestRequest is the request body for POST /v1/links/request.
type SubmitRequestRequest struct {
	Code                string `json:"code"`
	Passcode            string `json:"passcode"`
	RequestedAmount     int64  `json:"requestedAmountMinor"`
	TargetAccountNumber string `json:"targetAccountNumber"`
	TargetBankName      string `json:"targetBankName"`
}

// ApproveRequest is the request body for POST /v1/links/{id}/approve.
type ApproveRequest struct {
	PIN            string `json:"pin"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// StatusData is the minimal payload for transitions that only report the
// resulting status.
type StatusData struct {
	Status LinkStatus `json:"status"`
}

// AdvisorAskRequest is the request body for POST /v1/advisor/ask.
// PIN is only consulted when the advisor proposes an outbound transfer;
// without it the transfer is reported back as requiring confirmation.
type AdvisorAskRequest struct {
	Prompt string `json:"prompt"`
	PIN    string `json:"pin,omitempty"`
}

// AdvisorAskData carries the advisor reply and, when a structured action was
// proposed and executed, the outcome of that action.
type AdvisorAskData struct {
	Response string          `json:"response"`
	Action   *AdvisorOutcome `json:"action,omitempty"`
}

// AdvisorOutcome describes the result of an executed advisor action.
type AdvisorOutcome struct {
	Kind   string          `json:"kind"`
	Link   *CreateLinkData `json:"link,omitempty"`
	Status string          `json:"status,omitempty"`
}

// KYCVerifyRequest is the request body for POST /v1/kyc/verify.
type KYCVerifyRequest struct {
	BVN      string `json:"bvn"`
	FullName string `json:"fullName"`
}
