// internal/advisor/service.go
package advisor

import (
	"context"
	"fmt"

	"github.com/spendai/securelink-go/internal/model"
	"github.com/spendai/securelink-go/internal/money"
	"github.com/spendai/securelink-go/internal/storage"
)

// contextEntries caps how much ledger history goes into a prompt.
const contextEntries = 10

// Service answers advisor prompts: it snapshots the wallet, relays the
// prompt, and runs any proposed action through the bridge.
type Service struct {
	client Asker
	bridge *Bridge
	store  storage.Store
}

// NewService creates an advisor Service.
func NewService(client Asker, bridge *Bridge, store storage.Store) *Service {
	return &Service{client: client, bridge: bridge, store: store}
}

// buildContext snapshots the wallet for the prompt. Amounts are formatted
// strings: the advisory service reads them, it never does arithmetic on them.
func (s *Service) buildContext(ctx context.Context, wallet *model.Wallet) (PromptContext, error) {
	entries, err := s.store.ListLedger(ctx, wallet.ID, contextEntries)
	if err != nil {
		return PromptContext{}, fmt.Errorf("failed to load ledger context: %w", err)
	}

	transactions := make([]TransactionSummary, 0, len(entries))
	for _, entry := range entries {
		amount := money.FormatNaira(entry.Amount)
		if entry.Type == model.EntryDebit {
			amount = "-" + amount
		}
		transactions = append(transactions, TransactionSummary{
			Amount:      amount,
			Type:        entry.Type,
			Description: entry.Description,
			Date:        entry.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	return PromptContext{
		Balance:            money.FormatNaira(wallet.Balance),
		Currency:           wallet.Currency,
		RecentTransactions: transactions,
	}, nil
}

// Ask answers one advisor prompt for the wallet.
func (s *Service) Ask(ctx context.Context, wallet *model.Wallet, req model.AdvisorAskRequest) (*model.AdvisorAskData, error) {
	pctx, err := s.buildContext(ctx, wallet)
	if err != nil {
		return nil, err
	}

	reply, err := s.client.Ask(ctx, req.Prompt, pctx)
	if err != nil {
		return nil, err
	}

	outcome, err := s.bridge.Execute(ctx, wallet.ID, reply.Action, req.PIN)
	if err != nil {
		return nil, err
	}

	return &model.AdvisorAskData{Response: reply.Text, Action: outcome}, nil
}
