package service

import (
	"context"
	"encoding/json"

	"paymentvault/internal/model"
)

// CallbackOutcome is the internal result of applying a provider callback.
// It is logged and persisted but never surfaced to the provider, which
// always receives HTTP 200 so its retry machinery stays quiet.
type CallbackOutcome string

const (
	OutcomeApplied   CallbackOutcome = "applied"   // pending row took its terminal transition
	OutcomeDuplicate CallbackOutcome = "duplicate" // row already terminal, callback logged only
	OutcomeOrphan    CallbackOutcome = "orphan"    // no matching disbursement, callback logged
)

// DisbursementService defines the reconciliation operations. All transport
// layers (HTTP, NATS) and the wallet worker depend on this interface, not on
// the concrete repo.
type DisbursementService interface {
	// Submit records a pending disbursement and forwards it to the external
	// execution function, relaying its verdict.
	Submit(ctx context.Context, apiKey string, req model.DisburseRequest) (*model.DisburseResponse, error)

	// ApplyResultCallback correlates a result callback by conversation id and
	// applies at most one pending→terminal transition. The raw payload is
	// always persisted, whatever the outcome.
	ApplyResultCallback(ctx context.Context, cb *model.ResultCallback, raw []byte) (CallbackOutcome, error)

	// ApplyTimeoutCallback force-fails a still-pending disbursement with
	// result code TIMEOUT; a no-op against terminal rows.
	ApplyTimeoutCallback(ctx context.Context, cb *model.TimeoutCallback, raw []byte) (CallbackOutcome, error)

	// CheckTransaction joins a disbursement with its callbacks, newest-first.
	CheckTransaction(ctx context.Context, conversationID string) (*model.TransactionView, error)

	// TriggerRetry forwards to the external retry function and relays its JSON.
	TriggerRetry(ctx context.Context, req model.RetryRequest) (json.RawMessage, error)

	// ListTransactions returns a partner's recent disbursements plus stats.
	ListTransactions(ctx context.Context, partnerID string, limit int) ([]model.Disbursement, *model.PartnerStats, error)

	// WalletBalance reads the partner wallet balance through the Redis cache.
	WalletBalance(ctx context.Context, partnerID string) (float64, string, error)

	// ListOrphanCallbacks lists callbacks awaiting manual reconciliation.
	ListOrphanCallbacks(ctx context.Context, limit int) ([]model.Callback, error)

	// ApplySettlement debits the partner wallet for a settled disbursement,
	// at most once per conversation id. Consumed by the wallet worker.
	ApplySettlement(ctx context.Context, ev model.SettlementEvent) error
}
