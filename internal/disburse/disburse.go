// Package disburse moves approved escrow to an external bank account.
// The production settlement provider implements Disburser; Simulated stands
// in for it everywhere a real rail is not wired up.
package disburse

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spendai/securelink-go/internal/money"
)

// Result describes a completed transfer.
type Result struct {
	Reference string // Provider transfer reference
}

// Disburser sends money out of the system. Implementations must be safe for
// concurrent use. A returned error means no money moved and the caller may
// retry.
type Disburser interface {
	Transfer(ctx context.Context, amount int64, accountNumber, bankName, narration string) (*Result, error)
}

// Simulated fabricates transfer references without contacting any provider.
type Simulated struct{}

// NewSimulated creates a simulated disburser.
func NewSimulated() *Simulated {
	return &Simulated{}
}

// Transfer logs the would-be transfer and returns a synthetic reference.
func (s *Simulated) Transfer(ctx context.Context, amount int64, accountNumber, bankName, narration string) (*Result, error) {
	ref := "sim_" + uuid.New().String()
	slog.Info("simulated bank transfer",
		"amount", money.FormatNaira(amount),
		"accountNumber", accountNumber,
		"bankName", bankName,
		"reference", ref)
	return &Result{Reference: ref}, nil
}
