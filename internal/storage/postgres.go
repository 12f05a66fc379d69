// internal/storage/postgres.go
// Package storage provides PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/spendai/securelink-go/internal/model"
)

// It provides persistent storage for wallets, secure links, and ledger entries.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string) (Store, error) {
	// Parse the database connection string
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Configure connection pool settings for optimal performance
	// Maximum number of connections
	config.MaxConns = 20
	// Minimum number of connections
	config.MinConns = 5
	// Maximum lifetime of a connection
	config.MaxConnLifetime = time.Hour
	// Maximum idle time before closing
	config.MaxConnIdleTime = time.Minute * 30
	// How often to check connection health
	config.HealthCheckPeriod = time.Minute

	// Establish connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize database schema
	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema initializes the database schema.
// It creates all required tables and indexes if they don't already exist.
// This function is called automatically when creating a new PostgreSQL store.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	// SQL schema definition with all required tables and indexes
	schema := `
		-- Wallets table for user balances
		CREATE TABLE IF NOT EXISTS wallets (
		    id TEXT PRIMARY KEY,                     -- Wallet identifier
		    owner_id TEXT NOT NULL UNIQUE,           -- External session subject
		    balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),  -- Kobo
		    currency TEXT NOT NULL DEFAULT 'NGN',    -- ISO 4217 currency code
		    pin_hash TEXT NOT NULL DEFAULT '',       -- bcrypt hash of the transaction PIN
		    kyc_verified BOOLEAN NOT NULL DEFAULT FALSE,
		    virtual_bank_name TEXT NOT NULL DEFAULT '',
		    virtual_account_number TEXT NOT NULL DEFAULT '',
		    virtual_account_name TEXT NOT NULL DEFAULT '',
		    customer_code TEXT NOT NULL DEFAULT '',  -- Payment gateway customer reference
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Index for gateway webhook wallet resolution
		CREATE INDEX IF NOT EXISTS idx_wallets_customer_code ON wallets(customer_code) WHERE customer_code <> '';

		-- Secure links table
		CREATE TABLE IF NOT EXISTS secure_links (
		    id TEXT PRIMARY KEY,                     -- Link identifier
		    code TEXT NOT NULL UNIQUE,               -- Shareable code, uppercase
		    owner_wallet_id TEXT NOT NULL REFERENCES wallets(id),
		    passcode_hash TEXT NOT NULL,             -- bcrypt hash
		    amount BIGINT NOT NULL CHECK (amount > 0),  -- Escrowed kobo
		    description TEXT NOT NULL DEFAULT '',
		    status TEXT NOT NULL,                    -- Lifecycle state
		    requested_amount BIGINT NOT NULL DEFAULT 0,
		    target_account_number TEXT NOT NULL DEFAULT '',
		    target_bank_name TEXT NOT NULL DEFAULT '',
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    claimed_at TIMESTAMP WITH TIME ZONE
		);

		-- Indexes for secure_links to improve query performance
		CREATE INDEX IF NOT EXISTS idx_secure_links_owner_created_at ON secure_links(owner_wallet_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_secure_links_status_expires_at ON secure_links(status, expires_at);

		-- Ledger entries table, append-only
		CREATE TABLE IF NOT EXISTS ledger_entries (
		    id TEXT PRIMARY KEY,                     -- Entry identifier
		    wallet_id TEXT NOT NULL REFERENCES wallets(id),
		    amount BIGINT NOT NULL CHECK (amount > 0),  -- Kobo
		    type TEXT NOT NULL,                      -- credit | debit
		    description TEXT NOT NULL DEFAULT '',
		    category TEXT NOT NULL,
		    reference TEXT,                          -- External reference, unique when set
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- Unique reference makes gateway deliveries idempotent
		CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_reference ON ledger_entries(reference) WHERE reference IS NOT NULL AND reference <> '';
		CREATE INDEX IF NOT EXISTS idx_ledger_entries_wallet_created_at ON ledger_entries(wallet_id, created_at DESC);

		-- Idempotency table for storing idempotency keys
		CREATE TABLE IF NOT EXISTS idempotency (
		    key_hash TEXT PRIMARY KEY,               -- Hash of the idempotency key
		    response_body BYTEA NOT NULL,            -- Cached response body
		    response_status INTEGER NOT NULL,        -- HTTP status code
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		-- Index for idempotency table to improve query performance
		CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency(expires_at);
	`

	// Execute the schema creation SQL
	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// isUniqueViolation reports whether err is a postgres unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateWallet creates a new wallet in the database
func (p *postgres) CreateWallet(ctx context.Context, wallet model.Wallet) error {
	query := `INSERT INTO wallets (id, owner_id, balance, currency, pin_hash, kyc_verified,
	              virtual_bank_name, virtual_account_number, virtual_account_name, customer_code,
	              created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`
	_, err := p.db.Exec(ctx, query,
		wallet.ID,
		wallet.OwnerID,
		wallet.Balance,
		wallet.Currency,
		wallet.PINHash,
		wallet.KYCVerified,
		wallet.VirtualBankName,
		wallet.VirtualAccountNo,
		wallet.VirtualAccountName,
		wallet.CustomerCode,
		time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

const walletColumns = `id, owner_id, balance, currency, pin_hash, kyc_verified,
	virtual_bank_name, virtual_account_number, virtual_account_name, customer_code,
	created_at, updated_at`

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var wallet model.Wallet
	err := row.Scan(
		&wallet.ID,
		&wallet.OwnerID,
		&wallet.Balance,
		&wallet.Currency,
		&wallet.PINHash,
		&wallet.KYCVerified,
		&wallet.VirtualBankName,
		&wallet.VirtualAccountNo,
		&wallet.VirtualAccountName,
		&wallet.CustomerCode,
		&wallet.CreatedAt,
		&wallet.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &wallet, nil
}

// GetWallet retrieves a wallet by ID
func (p *postgres) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1`
	return scanWallet(p.db.QueryRow(ctx, query, id))
}

// GetWalletByOwner retrieves a wallet by its owner's session subject
func (p *postgres) GetWalletByOwner(ctx context.Context, ownerID string) (*model.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE owner_id = $1`
	return scanWallet(p.db.QueryRow(ctx, query, ownerID))
}

// GetWalletByCustomerCode retrieves a wallet by its gateway customer code
func (p *postgres) GetWalletByCustomerCode(ctx context.Context, code string) (*model.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE customer_code = $1 AND customer_code <> ''`
	return scanWallet(p.db.QueryRow(ctx, query, code))
}

// SetWalletVerified marks a wallet KYC-verified and stores the issued virtual account
func (p *postgres) SetWalletVerified(ctx context.Context, id, bankName, accountNo, accountName string) error {
	query := `UPDATE wallets SET kyc_verified = TRUE, virtual_bank_name = $2,
	              virtual_account_number = $3, virtual_account_name = $4, updated_at = $5
	          WHERE id = $1`
	result, err := p.db.Exec(ctx, query, id, bankName, accountNo, accountName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update wallet verification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreditWallet applies a single credit and its ledger entry in one transaction.
// A duplicate entry reference returns ErrConflict without moving money.
func (p *postgres) CreditWallet(ctx context.Context, entry model.LedgerEntry) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertLedgerEntry(ctx, tx, entry); err != nil {
		return err
	}

	result, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = balance + $2, updated_at = $3 WHERE id = $1`,
		entry.WalletID, entry.Amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

// DebitWallet applies a single guarded debit and its ledger entry in one
// transaction. An overdraw returns ErrInsufficientFunds without moving money.
func (p *postgres) DebitWallet(ctx context.Context, entry model.LedgerEntry) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertLedgerEntry(ctx, tx, entry); err != nil {
		return err
	}

	result, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = balance - $2, updated_at = $3 WHERE id = $1 AND balance >= $2`,
		entry.WalletID, entry.Amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to debit wallet: %w", err)
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallets WHERE id = $1)`, entry.WalletID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check wallet: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInsufficientFunds
	}

	return tx.Commit(ctx)
}

// insertLedgerEntry writes one ledger row inside tx. The partial unique index
// on reference turns a duplicate gateway reference into ErrConflict.
func insertLedgerEntry(ctx context.Context, tx pgx.Tx, entry model.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO ledger_entries (id, wallet_id, amount, type, description, category, reference, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := tx.Exec(ctx, query,
		entry.ID,
		entry.WalletID,
		entry.Amount,
		entry.Type,
		entry.Description,
		entry.Category,
		entry.Reference,
		entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// ListLedger lists a wallet's ledger entries, newest first
func (p *postgres) ListLedger(ctx context.Context, walletID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 25
	} else if limit > 100 {
		limit = 100
	}

	query := `SELECT id, wallet_id, amount, type, description, category, COALESCE(reference, ''), created_at
	          FROM ledger_entries WHERE wallet_id = $1
	          ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := p.db.Query(ctx, query, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]model.LedgerEntry, 0, limit)
	for rows.Next() {
		var entry model.LedgerEntry
		err := rows.Scan(
			&entry.ID,
			&entry.WalletID,
			&entry.Amount,
			&entry.Type,
			&entry.Description,
			&entry.Category,
			&entry.Reference,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}

// CreateLinkEscrow inserts the link and debits the escrow in one transaction
func (p *postgres) CreateLinkEscrow(ctx context.Context, link model.SecureLink, entry model.LedgerEntry) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Guarded debit: zero rows means either an unknown wallet or an overdraw
	result, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = balance - $2, updated_at = $3 WHERE id = $1 AND balance >= $2`,
		link.OwnerWalletID, link.Amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to debit escrow: %w", err)
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallets WHERE id = $1)`, link.OwnerWalletID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check wallet: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInsufficientFunds
	}

	query := `INSERT INTO secure_links (id, code, owner_wallet_id, passcode_hash, amount, description, status,
	              requested_amount, target_account_number, target_bank_name, created_at, expires_at, updated_at, claimed_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err = tx.Exec(ctx, query,
		link.ID,
		link.Code,
		link.OwnerWalletID,
		link.PasscodeHash,
		link.Amount,
		link.Description,
		link.Status,
		link.RequestedAmount,
		link.TargetAccountNumber,
		link.TargetBankName,
		link.CreatedAt,
		link.ExpiresAt,
		link.UpdatedAt,
		link.ClaimedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create link: %w", err)
	}

	if err := insertLedgerEntry(ctx, tx, entry); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

const linkColumns = `id, code, owner_wallet_id, passcode_hash, amount, description, status,
	requested_amount, target_account_number, target_bank_name, created_at, expires_at, updated_at, claimed_at`

func scanLink(row pgx.Row) (*model.SecureLink, error) {
	var link model.SecureLink
	err := row.Scan(
		&link.ID,
		&link.Code,
		&link.OwnerWalletID,
		&link.PasscodeHash,
		&link.Amount,
		&link.Description,
		&link.Status,
		&link.RequestedAmount,
		&link.TargetAccountNumber,
		&link.TargetBankName,
		&link.CreatedAt,
		&link.ExpiresAt,
		&link.UpdatedAt,
		&link.ClaimedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get link: %w", err)
	}
	return &link, nil
}

// GetLink retrieves a link by ID
func (p *postgres) GetLink(ctx context.Context, id string) (*model.SecureLink, error) {
	query := `SELECT ` + linkColumns + ` FROM secure_links WHERE id = $1`
	return scanLink(p.db.QueryRow(ctx, query, id))
}

// GetLinkByCode retrieves a link by its shareable code
func (p *postgres) GetLinkByCode(ctx context.Context, code string) (*model.SecureLink, error) {
	query := `SELECT ` + linkColumns + ` FROM secure_links WHERE code = UPPER($1)`
	return scanLink(p.db.QueryRow(ctx, query, code))
}

// ListLinksByOwner lists an owner's links, newest first, optionally filtered by status
func (p *postgres) ListLinksByOwner(ctx context.Context, walletID string, status model.LinkStatus) ([]model.SecureLink, error) {
	query := `SELECT ` + linkColumns + ` FROM secure_links WHERE owner_wallet_id = $1`
	args := []interface{}{walletID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()
	return collectLinks(rows)
}

// ListExpiredActive lists active links whose expiry has passed, for the sweeper
func (p *postgres) ListExpiredActive(ctx context.Context, now time.Time) ([]model.SecureLink, error) {
	query := `SELECT ` + linkColumns + ` FROM secure_links
	          WHERE status = $1 AND expires_at < $2 ORDER BY expires_at ASC`
	rows, err := p.db.Query(ctx, query, model.StatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired links: %w", err)
	}
	defer rows.Close()
	return collectLinks(rows)
}

func collectLinks(rows pgx.Rows) ([]model.SecureLink, error) {
	links := make([]model.SecureLink, 0)
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating links: %w", err)
	}
	return links, nil
}

// TransitionLink performs the status compare-and-swap fused with its ledger
// effects. The UPDATE's status predicate is the exclusivity guarantee: two
// racing callers both run it, exactly one sees a row.
func (p *postgres) TransitionLink(ctx context.Context, id string, from []model.LinkStatus, update LinkUpdate, effects []LedgerEffect) (*model.SecureLink, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	fromStatuses := make([]string, len(from))
	for i, s := range from {
		fromStatuses[i] = string(s)
	}

	query := `UPDATE secure_links SET status = $2, updated_at = $3,
	              requested_amount = COALESCE($4, requested_amount),
	              target_account_number = COALESCE($5, target_account_number),
	              target_bank_name = COALESCE($6, target_bank_name),
	              claimed_at = COALESCE($7, claimed_at)
	          WHERE id = $1 AND status = ANY($8)
	          RETURNING ` + linkColumns

	link, err := scanLink(tx.QueryRow(ctx, query,
		id,
		update.Status,
		time.Now().UTC(),
		update.RequestedAmount,
		update.TargetAccountNumber,
		update.TargetBankName,
		update.ClaimedAt,
		fromStatuses))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Distinguish a missing link from a lost CAS
			var exists bool
			if checkErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM secure_links WHERE id = $1)`, id).Scan(&exists); checkErr != nil {
				return nil, fmt.Errorf("failed to check link: %w", checkErr)
			}
			if !exists {
				return nil, ErrNotFound
			}
			return nil, ErrConflict
		}
		return nil, err
	}

	now := time.Now().UTC()
	for _, effect := range effects {
		if effect.Type == model.EntryDebit {
			result, err := tx.Exec(ctx,
				`UPDATE wallets SET balance = balance - $2, updated_at = $3 WHERE id = $1 AND balance >= $2`,
				effect.WalletID, effect.Amount, now)
			if err != nil {
				return nil, fmt.Errorf("failed to debit wallet: %w", err)
			}
			if result.RowsAffected() == 0 {
				return nil, ErrInsufficientFunds
			}
		} else {
			result, err := tx.Exec(ctx,
				`UPDATE wallets SET balance = balance + $2, updated_at = $3 WHERE id = $1`,
				effect.WalletID, effect.Amount, now)
			if err != nil {
				return nil, fmt.Errorf("failed to credit wallet: %w", err)
			}
			if result.RowsAffected() == 0 {
				return nil, ErrNotFound
			}
		}

		err = insertLedgerEntry(ctx, tx, model.LedgerEntry{
			WalletID:    effect.WalletID,
			Amount:      effect.Amount,
			Type:        effect.Type,
			Description: effect.Description,
			Category:    effect.Category,
			Reference:   effect.Reference,
			CreatedAt:   now,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return link, nil
}

// StoreIdempotentResponse stores an idempotent response in the database
func (p *postgres) StoreIdempotentResponse(ctx context.Context, keyHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	query := `INSERT INTO idempotency (key_hash, response_body, response_status, created_at, expires_at)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (key_hash) DO UPDATE
	          SET response_body = $2, response_status = $3, created_at = $4, expires_at = $5`

	_, err := p.db.Exec(ctx, query, keyHash, responseBody, statusCode, time.Now().UTC(), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from the database
func (p *postgres) GetIdempotentResponse(ctx context.Context, keyHash string) ([]byte, int, error) {
	query := `SELECT response_body, response_status FROM idempotency
	          WHERE key_hash = $1 AND expires_at > $2`

	var responseBody []byte
	var statusCode int

	err := p.db.QueryRow(ctx, query, keyHash, time.Now().UTC()).Scan(&responseBody, &statusCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to get idempotent response: %w", err)
	}

	return responseBody, statusCode, nil
}
