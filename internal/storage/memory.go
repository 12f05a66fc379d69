// internal/storage/memory.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spendai/securelink-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound          = errors.New("not found")           // Returned when a record is not found
	ErrConflict          = errors.New("conflict")            // Returned when a write loses a uniqueness or CAS race
	ErrInsufficientFunds = errors.New("insufficient funds")  // Returned when a debit would overdraw a wallet
)

// LedgerEffect describes one wallet balance movement to apply inside a
// transition. Debits fail the whole transaction with ErrInsufficientFunds
// when the wallet balance cannot cover them.
type LedgerEffect struct {
	WalletID    string
	Amount      int64  // Kobo, > 0
	Type        string // model.EntryCredit or model.EntryDebit
	Description string
	Category    string
	Reference   string // Optional external reference, unique when set
}

// LinkUpdate carries the field changes applied together with a status CAS.
// Nil pointer fields are left untouched.
type LinkUpdate struct {
	Status              model.LinkStatus
	RequestedAmount     *int64
	TargetAccountNumber *string
	TargetBankName      *string
	ClaimedAt           *time.Time
}

// Store interface defines the storage operations required by the Secure Link service.
// This interface is implemented by both in-memory and PostgreSQL storage backends.
//
// CreateLinkEscrow and TransitionLink are composite: the wallet debit/credit,
// the ledger entries and the link row change commit or roll back together.
type Store interface {
	// Wallet operations
	CreateWallet(ctx context.Context, wallet model.Wallet) error
	GetWallet(ctx context.Context, id string) (*model.Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID string) (*model.Wallet, error)
	GetWalletByCustomerCode(ctx context.Context, code string) (*model.Wallet, error)
	SetWalletVerified(ctx context.Context, id, bankName, accountNo, accountName string) error

	// CreditWallet applies a single credit with its ledger entry. When the
	// entry carries a reference already present in the ledger it returns
	// ErrConflict without moving money (idempotent gateway deliveries).
	CreditWallet(ctx context.Context, entry model.LedgerEntry) error
	// DebitWallet applies a single guarded debit with its ledger entry.
	// Returns ErrInsufficientFunds when the balance cannot cover it.
	DebitWallet(ctx context.Context, entry model.LedgerEntry) error
	ListLedger(ctx context.Context, walletID string, limit int) ([]model.LedgerEntry, error)

	// Link operations
	// CreateLinkEscrow inserts the link and debits the escrowed amount from
	// the owner wallet in one transaction. Returns ErrConflict on a duplicate
	// code, ErrInsufficientFunds when the wallet cannot cover the escrow.
	CreateLinkEscrow(ctx context.Context, link model.SecureLink, entry model.LedgerEntry) error
	GetLink(ctx context.Context, id string) (*model.SecureLink, error)
	GetLinkByCode(ctx context.Context, code string) (*model.SecureLink, error)
	ListLinksByOwner(ctx context.Context, walletID string, status model.LinkStatus) ([]model.SecureLink, error)
	ListExpiredActive(ctx context.Context, now time.Time) ([]model.SecureLink, error)

	// TransitionLink performs the status compare-and-swap: the link moves to
	// update.Status only if its current status is one of from, and the ledger
	// effects apply in the same transaction. Returns ErrNotFound for an
	// unknown link, ErrConflict when the CAS loses.
	TransitionLink(ctx context.Context, id string, from []model.LinkStatus, update LinkUpdate, effects []LedgerEffect) (*model.SecureLink, error)

	// Idempotency operations
	StoreIdempotentResponse(ctx context.Context, keyHash string, responseBody []byte, statusCode int, expiresAt time.Time) error
	GetIdempotentResponse(ctx context.Context, keyHash string) ([]byte, int, error)
}

// IdempotentResponse represents a cached idempotent response
type IdempotentResponse struct {
	ResponseBody []byte    // Cached response body
	StatusCode   int       // HTTP status code
	ExpiresAt    time.Time // When the entry expires
}

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu          sync.Mutex                     // Single mutex: transitions touch several maps at once
	wallets     map[string]*model.Wallet       // Map of wallet ID to wallet
	links       map[string]*model.SecureLink   // Map of link ID to link
	linksByCode map[string]string              // Map of code to link ID
	ledger      map[string][]model.LedgerEntry // Map of wallet ID to entries, append order
	references  map[string]bool                // Set of used ledger references
	idempotency map[string]*IdempotentResponse // Map of key hash to idempotent responses
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		wallets:     make(map[string]*model.Wallet),
		links:       make(map[string]*model.SecureLink),
		linksByCode: make(map[string]string),
		ledger:      make(map[string][]model.LedgerEntry),
		references:  make(map[string]bool),
		idempotency: make(map[string]*IdempotentResponse),
	}
}

func (m *memory) CreateWallet(ctx context.Context, wallet model.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.wallets[wallet.ID]; exists {
		return ErrConflict
	}
	for _, w := range m.wallets {
		if w.OwnerID == wallet.OwnerID {
			return ErrConflict
		}
	}

	walletCopy := wallet
	if walletCopy.CreatedAt.IsZero() {
		walletCopy.CreatedAt = time.Now().UTC()
	}
	walletCopy.UpdatedAt = walletCopy.CreatedAt
	m.wallets[wallet.ID] = &walletCopy
	return nil
}

func (m *memory) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getWalletLocked(id)
}

func (m *memory) getWalletLocked(id string) (*model.Wallet, error) {
	wallet, exists := m.wallets[id]
	if !exists {
		return nil, ErrNotFound
	}
	walletCopy := *wallet
	return &walletCopy, nil
}

func (m *memory) GetWalletByOwner(ctx context.Context, ownerID string) (*model.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.wallets {
		if w.OwnerID == ownerID {
			walletCopy := *w
			return &walletCopy, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memory) GetWalletByCustomerCode(ctx context.Context, code string) (*model.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.wallets {
		if w.CustomerCode != "" && w.CustomerCode == code {
			walletCopy := *w
			return &walletCopy, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memory) SetWalletVerified(ctx context.Context, id, bankName, accountNo, accountName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet, exists := m.wallets[id]
	if !exists {
		return ErrNotFound
	}
	wallet.KYCVerified = true
	wallet.VirtualBankName = bankName
	wallet.VirtualAccountNo = accountNo
	wallet.VirtualAccountName = accountName
	wallet.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memory) CreditWallet(ctx context.Context, entry model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet, exists := m.wallets[entry.WalletID]
	if !exists {
		return ErrNotFound
	}
	if entry.Reference != "" && m.references[entry.Reference] {
		return ErrConflict
	}

	wallet.Balance += entry.Amount
	wallet.UpdatedAt = time.Now().UTC()
	m.appendEntryLocked(entry)
	return nil
}

func (m *memory) DebitWallet(ctx context.Context, entry model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet, exists := m.wallets[entry.WalletID]
	if !exists {
		return ErrNotFound
	}
	if entry.Reference != "" && m.references[entry.Reference] {
		return ErrConflict
	}
	if wallet.Balance < entry.Amount {
		return ErrInsufficientFunds
	}

	wallet.Balance -= entry.Amount
	wallet.UpdatedAt = time.Now().UTC()
	m.appendEntryLocked(entry)
	return nil
}

// appendEntryLocked records a ledger entry; caller holds the lock and has
// already moved the balance.
func (m *memory) appendEntryLocked(entry model.LedgerEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Reference != "" {
		m.references[entry.Reference] = true
	}
	m.ledger[entry.WalletID] = append(m.ledger[entry.WalletID], entry)
}

func (m *memory) ListLedger(ctx context.Context, walletID string, limit int) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.wallets[walletID]; !exists {
		return nil, ErrNotFound
	}

	entries := m.ledger[walletID]
	result := make([]model.LedgerEntry, len(entries))
	copy(result, entries)
	// Newest first
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (m *memory) CreateLinkEscrow(ctx context.Context, link model.SecureLink, entry model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet, exists := m.wallets[link.OwnerWalletID]
	if !exists {
		return ErrNotFound
	}
	code := strings.ToUpper(link.Code)
	if _, exists := m.linksByCode[code]; exists {
		return ErrConflict
	}
	if _, exists := m.links[link.ID]; exists {
		return ErrConflict
	}
	if wallet.Balance < link.Amount {
		return ErrInsufficientFunds
	}

	wallet.Balance -= link.Amount
	wallet.UpdatedAt = time.Now().UTC()
	m.appendEntryLocked(entry)

	linkCopy := link
	linkCopy.Code = code
	m.links[link.ID] = &linkCopy
	m.linksByCode[code] = link.ID
	return nil
}

func (m *memory) GetLink(ctx context.Context, id string) (*model.SecureLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, exists := m.links[id]
	if !exists {
		return nil, ErrNotFound
	}
	linkCopy := *link
	return &linkCopy, nil
}

func (m *memory) GetLinkByCode(ctx context.Context, code string) (*model.SecureLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, exists := m.linksByCode[strings.ToUpper(code)]
	if !exists {
		return nil, ErrNotFound
	}
	linkCopy := *m.links[id]
	return &linkCopy, nil
}

func (m *memory) ListLinksByOwner(ctx context.Context, walletID string, status model.LinkStatus) ([]model.SecureLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]model.SecureLink, 0)
	for _, link := range m.links {
		if link.OwnerWalletID != walletID {
			continue
		}
		if status != "" && link.Status != status {
			continue
		}
		result = append(result, *link)
	}
	// Newest first, ID as tiebreak for stable ordering
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *memory) ListExpiredActive(ctx context.Context, now time.Time) ([]model.SecureLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]model.SecureLink, 0)
	for _, link := range m.links {
		if link.Status == model.StatusActive && link.ExpiresAt.Before(now) {
			result = append(result, *link)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	return result, nil
}

func (m *memory) TransitionLink(ctx context.Context, id string, from []model.LinkStatus, update LinkUpdate, effects []LedgerEffect) (*model.SecureLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, exists := m.links[id]
	if !exists {
		return nil, ErrNotFound
	}

	matched := false
	for _, s := range from {
		if link.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrConflict
	}

	// Validate all effects before applying any, so a failed debit leaves
	// balances and the link untouched. Effects apply in order against a
	// projected balance: a debit may spend a credit earlier in the same
	// list, matching the sequential updates the postgres transaction runs.
	projected := make(map[string]int64, len(effects))
	for _, effect := range effects {
		balance, seen := projected[effect.WalletID]
		if !seen {
			wallet, exists := m.wallets[effect.WalletID]
			if !exists {
				return nil, ErrNotFound
			}
			balance = wallet.Balance
		}
		if effect.Type == model.EntryDebit {
			if balance < effect.Amount {
				return nil, ErrInsufficientFunds
			}
			balance -= effect.Amount
		} else {
			balance += effect.Amount
		}
		projected[effect.WalletID] = balance
		if effect.Reference != "" && m.references[effect.Reference] {
			return nil, ErrConflict
		}
	}

	now := time.Now().UTC()
	for _, effect := range effects {
		wallet := m.wallets[effect.WalletID]
		if effect.Type == model.EntryDebit {
			wallet.Balance -= effect.Amount
		} else {
			wallet.Balance += effect.Amount
		}
		wallet.UpdatedAt = now
		m.appendEntryLocked(model.LedgerEntry{
			ID:          ulid.Make().String(),
			WalletID:    effect.WalletID,
			Amount:      effect.Amount,
			Type:        effect.Type,
			Description: effect.Description,
			Category:    effect.Category,
			Reference:   effect.Reference,
			CreatedAt:   now,
		})
	}

	link.Status = update.Status
	if update.RequestedAmount != nil {
		link.RequestedAmount = *update.RequestedAmount
	}
	if update.TargetAccountNumber != nil {
		link.TargetAccountNumber = *update.TargetAccountNumber
	}
	if update.TargetBankName != nil {
		link.TargetBankName = *update.TargetBankName
	}
	if update.ClaimedAt != nil {
		claimedAt := *update.ClaimedAt
		link.ClaimedAt = &claimedAt
	}
	link.UpdatedAt = now

	linkCopy := *link
	return &linkCopy, nil
}

// StoreIdempotentResponse stores an idempotent response in memory
func (m *memory) StoreIdempotentResponse(ctx context.Context, keyHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	responseCopy := make([]byte, len(responseBody))
	copy(responseCopy, responseBody)

	m.idempotency[keyHash] = &IdempotentResponse{
		ResponseBody: responseCopy,
		StatusCode:   statusCode,
		ExpiresAt:    expiresAt,
	}
	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from memory
func (m *memory) GetIdempotentResponse(ctx context.Context, keyHash string) ([]byte, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	response, exists := m.idempotency[keyHash]
	if !exists {
		return nil, 0, ErrNotFound
	}

	// Check if the response has expired
	if time.Now().UTC().After(response.ExpiresAt) {
		// Remove expired entry
		delete(m.idempotency, keyHash)
		return nil, 0, ErrNotFound
	}

	responseCopy := make([]byte, len(response.ResponseBody))
	copy(responseCopy, response.ResponseBody)

	return responseCopy, response.StatusCode, nil
}
