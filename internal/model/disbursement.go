package model

import (
	"encoding/json"
	"time"
)

const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

const (
	CallbackTypeResult  = "result"
	CallbackTypeTimeout = "timeout"
)

// ResultCodeTimeout is stored when the provider's own timeout signal, rather
// than a result callback, forces a disbursement to failed.
const ResultCodeTimeout = "TIMEOUT"

// Disbursement is one outbound payment instruction. Rows are never deleted;
// status moves from pending to exactly one terminal state (success or failed).
type Disbursement struct {
	ID                    string    `json:"id"`
	PartnerID             string    `json:"partner_id"`
	ClientRequestID       string    `json:"client_request_id"`
	MSISDN                string    `json:"msisdn"`
	Amount                float64   `json:"amount"`
	Status                string    `json:"status"`
	ConversationID        *string   `json:"conversation_id"`
	OriginatorConvID      *string   `json:"originator_conversation_id"`
	TransactionID         *string   `json:"transaction_id"`
	ReceiptNumber         *string   `json:"receipt_number"`
	ResultCode            *string   `json:"result_code"`
	ResultDesc            *string   `json:"result_desc"`
	TransactionAmount     *float64  `json:"transaction_amount"`
	TransactionDate       *string   `json:"transaction_date"`
	WorkingAccountBalance *float64  `json:"mpesa_working_account_balance"`
	UtilityAccountBalance *float64  `json:"mpesa_utility_account_balance"`
	ChargesAccountBalance *float64  `json:"mpesa_charges_account_balance"`
	RetryCount            int       `json:"retry_count"`
	MaxRetries            int       `json:"max_retries"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Terminal reports whether no further status transition is permitted.
func (d *Disbursement) Terminal() bool {
	return d.Status == StatusSuccess || d.Status == StatusFailed
}

// Callback is one asynchronous provider notification, append-only.
// RawPayload preserves the provider body verbatim; it is the sole forensic
// trail for disputes and must never be lossy.
type Callback struct {
	ID               int64           `json:"id"`
	DisbursementID   *string         `json:"disbursement_id"`
	PartnerID        *string         `json:"partner_id"`
	CallbackType     string          `json:"callback_type"`
	ConversationID   string          `json:"conversation_id"`
	OriginatorConvID string          `json:"originator_conversation_id"`
	TransactionID    *string         `json:"transaction_id"`
	ResultCode       string          `json:"result_code"`
	ResultDesc       string          `json:"result_desc"`
	ReceiptNumber    *string         `json:"receipt_number"`
	RawPayload       json.RawMessage `json:"raw_callback_data"`
	CreatedAt        time.Time       `json:"created_at"`
}

// DisburseRequest is the partner-facing submission payload.
type DisburseRequest struct {
	Amount          float64 `json:"amount" validate:"required,gt=0,lte=150000"`
	MSISDN          string  `json:"msisdn" validate:"required,kenyan_msisdn"`
	PartnerID       string  `json:"partner_id" validate:"required"`
	ClientRequestID string  `json:"client_request_id" validate:"required"`
}

// DisburseResponse mirrors the execution function's contract. HTTPStatus is
// the downstream status code, relayed unmodified on rejection.
type DisburseResponse struct {
	HTTPStatus     int    `json:"-"`
	Status         string `json:"status"`
	DisbursementID string `json:"disbursement_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	WillCallback   bool   `json:"will_callback,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// TransactionView is the reconciliation join returned by the status query.
type TransactionView struct {
	Transaction *Disbursement   `json:"transaction"`
	Callbacks   []Callback      `json:"callbacks"`
	Summary     CallbackSummary `json:"summary"`
}

type CallbackSummary struct {
	HasCallbacks   bool            `json:"has_callbacks"`
	IsTerminal     bool            `json:"is_terminal"`
	LatestCallback *CallbackDigest `json:"latest_callback,omitempty"`
}

type CallbackDigest struct {
	CallbackType string    `json:"callback_type"`
	ResultCode   string    `json:"result_code"`
	ResultDesc   string    `json:"result_desc"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Summarize derives the reconciliation summary from a disbursement and its
// callbacks (expected newest-first).
func Summarize(d *Disbursement, callbacks []Callback) CallbackSummary {
	s := CallbackSummary{
		HasCallbacks: len(callbacks) > 0,
		IsTerminal:   d.Terminal(),
	}
	if len(callbacks) > 0 {
		latest := callbacks[0]
		s.LatestCallback = &CallbackDigest{
			CallbackType: latest.CallbackType,
			ResultCode:   latest.ResultCode,
			ResultDesc:   latest.ResultDesc,
			ReceivedAt:   latest.CreatedAt,
		}
	}
	return s
}

// SettlementEvent is published on the bus exactly when a disbursement takes
// its terminal transition. The wallet worker consumes it.
type SettlementEvent struct {
	DisbursementID string    `json:"disbursement_id"`
	PartnerID      string    `json:"partner_id"`
	ConversationID string    `json:"conversation_id"`
	Amount         float64   `json:"amount"`
	Status         string    `json:"status"`
	ReceiptNumber  string    `json:"receipt_number,omitempty"`
	SettledAt      time.Time `json:"settled_at"`
}

// PartnerStats aggregates a partner's disbursement history for the dashboard.
type PartnerStats struct {
	TotalTransactions int     `json:"total_transactions"`
	SuccessCount      int     `json:"success_count"`
	PendingCount      int     `json:"pending_count"`
	FailedCount       int     `json:"failed_count"`
	TotalDisbursed    float64 `json:"total_disbursed"`
}

// RetryRequest is the manual retry trigger payload.
type RetryRequest struct {
	DisbursementID string `json:"disbursement_id,omitempty"`
	ForceRetry     bool   `json:"force_retry,omitempty"`
}
