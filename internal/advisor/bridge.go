// internal/advisor/bridge.go
// The action bridge turns advisory reply payloads into wallet operations.
// Proposals are validated against strict JSON schemas; anything that does not
// match degrades to no action rather than guessing.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/spendai/securelink-go/internal/engine"
	"github.com/spendai/securelink-go/internal/model"
	"github.com/spendai/securelink-go/internal/money"
)

// DefaultPasscode protects advisor-created links. The advisory surface has no
// way to collect a secret from the user mid-conversation, so links it creates
// fall back to this well-known value and the owner is expected to share it
// with the recipient. Weaker than a user-chosen passcode; logged on every use.
const DefaultPasscode = "1234"

// Action kinds reported in AdvisorOutcome.
const (
	ActionCreateLink       = "create_payment_link"
	ActionInitiateTransfer = "initiate_transfer"
)

// Proposal amounts arrive in major units (naira) as JSON numbers.
const (
	createLinkSchema = `{
		"type": "object",
		"required": ["action", "amount"],
		"additionalProperties": false,
		"properties": {
			"action": {"type": "string", "enum": ["create_payment_link"]},
			"amount": {"type": "number", "exclusiveMinimum": 0},
			"description": {"type": "string", "maxLength": 256}
		}
	}`
	initiateTransferSchema = `{
		"type": "object",
		"required": ["action", "amount", "accountNumber", "bankName"],
		"additionalProperties": false,
		"properties": {
			"action": {"type": "string", "enum": ["initiate_transfer"]},
			"amount": {"type": "number", "exclusiveMinimum": 0},
			"accountNumber": {"type": "string", "pattern": "^\\d{10}$"},
			"bankName": {"type": "string", "minLength": 1, "maxLength": 128}
		}
	}`
)

type createLinkAction struct {
	Action      string  `json:"action"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
}

type initiateTransferAction struct {
	Action        string  `json:"action"`
	Amount        float64 `json:"amount"`
	AccountNumber string  `json:"accountNumber"`
	BankName      string  `json:"bankName"`
}

// Bridge parses and executes advisor action proposals.
type Bridge struct {
	createLink       *gojsonschema.Schema
	initiateTransfer *gojsonschema.Schema
	engine           *engine.Engine
}

// NewBridge compiles the proposal schemas.
func NewBridge(eng *engine.Engine) (*Bridge, error) {
	create, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(createLinkSchema))
	if err != nil {
		return nil, fmt.Errorf("invalid create link schema: %w", err)
	}
	transfer, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(initiateTransferSchema))
	if err != nil {
		return nil, fmt.Errorf("invalid transfer schema: %w", err)
	}
	return &Bridge{createLink: create, initiateTransfer: transfer, engine: eng}, nil
}

// matches runs raw against schema, treating any validation error as a miss.
func matches(schema *gojsonschema.Schema, raw json.RawMessage) bool {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	return err == nil && result.Valid()
}

// Execute parses the proposal and carries it out for the wallet. A payload
// matching no schema returns (nil, nil): the conversation continues with the
// advisor's text only. Execution errors propagate so the caller can report
// them against the taxonomy.
func (b *Bridge) Execute(ctx context.Context, walletID string, raw json.RawMessage, pin string) (*model.AdvisorOutcome, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	switch {
	case matches(b.createLink, raw):
		var action createLinkAction
		if err := json.Unmarshal(raw, &action); err != nil {
			return nil, nil
		}
		return b.executeCreateLink(ctx, walletID, action)

	case matches(b.initiateTransfer, raw):
		var action initiateTransferAction
		if err := json.Unmarshal(raw, &action); err != nil {
			return nil, nil
		}
		return b.executeTransfer(ctx, walletID, action, pin)

	default:
		slog.Debug("advisor proposal matched no action schema",
			"walletId", walletID,
			"payload", truncate(string(raw), 200))
		return nil, nil
	}
}

func (b *Bridge) executeCreateLink(ctx context.Context, walletID string, action createLinkAction) (*model.AdvisorOutcome, error) {
	slog.Warn("advisor link uses the default passcode", "walletId", walletID)

	data, err := b.engine.CreateLink(ctx, walletID, model.CreateLinkRequest{
		Amount:      money.FromFloat(action.Amount),
		Passcode:    DefaultPasscode,
		Description: action.Description,
	})
	if err != nil {
		return nil, err
	}
	return &model.AdvisorOutcome{Kind: ActionCreateLink, Link: data}, nil
}

func (b *Bridge) executeTransfer(ctx context.Context, walletID string, action initiateTransferAction, pin string) (*model.AdvisorOutcome, error) {
	// Outbound transfers need the transaction PIN; without one the proposal
	// is surfaced for the client to confirm, never silently executed.
	if pin == "" {
		return &model.AdvisorOutcome{Kind: ActionInitiateTransfer, Status: "pin_required"}, nil
	}

	_, err := b.engine.TransferOut(ctx, walletID,
		money.FromFloat(action.Amount), action.AccountNumber, action.BankName, pin)
	if err != nil {
		return nil, err
	}
	return &model.AdvisorOutcome{Kind: ActionInitiateTransfer, Status: "sent"}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
