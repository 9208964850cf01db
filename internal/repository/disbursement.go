package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"paymentvault/internal/model"
	"paymentvault/internal/service"
)

var (
	ErrNotFound             = errors.New("disbursement not found")
	ErrAlreadySuccessful    = errors.New("disbursement already successful")
	ErrRetriesExhausted     = errors.New("maximum retry attempts exceeded")
	ErrWalletNotFound       = errors.New("partner wallet not found")
	ErrExecutionUnavailable = errors.New("execution service unavailable")
)

type DisbursementRepo struct {
	redisClient *redis.Client
	dbPool      *pgxpool.Pool
	bus         MessageBus
	executor    ExecutionClient
	retrier     RetryClient
}

func NewDisbursementRepo(rdb *redis.Client, db *pgxpool.Pool, bus MessageBus, executor ExecutionClient, retrier RetryClient) *DisbursementRepo {
	return &DisbursementRepo{
		redisClient: rdb,
		dbPool:      db,
		bus:         bus,
		executor:    executor,
		retrier:     retrier,
	}
}

const disbursementColumns = `id, partner_id, client_request_id, msisdn, amount, status,
	conversation_id, originator_conversation_id, transaction_id, receipt_number,
	result_code, result_desc, transaction_amount, transaction_date,
	mpesa_working_account_balance, mpesa_utility_account_balance, mpesa_charges_account_balance,
	retry_count, max_retries, created_at, updated_at`

// Submit records a pending disbursement and forwards it to the execution
// function. A repeated (partner_id, client_request_id) pair returns the
// existing row without a second provider call.
func (r *DisbursementRepo) Submit(ctx context.Context, apiKey string, req model.DisburseRequest) (*model.DisburseResponse, error) {
	if existing, err := r.findByClientRequestID(ctx, req.PartnerID, req.ClientRequestID); err == nil {
		convID := ""
		if existing.ConversationID != nil {
			convID = *existing.ConversationID
		}
		return &model.DisburseResponse{
			Status:         "accepted",
			DisbursementID: existing.ID,
			ConversationID: convID,
			WillCallback:   !existing.Terminal(),
			HTTPStatus:     200,
		}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	id := uuid.NewString()
	tag, err := r.dbPool.Exec(ctx, `
		INSERT INTO disbursement_requests (id, partner_id, client_request_id, msisdn, amount, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		ON CONFLICT (partner_id, client_request_id) DO NOTHING`,
		id, req.PartnerID, req.ClientRequestID, req.MSISDN, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("insert disbursement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost a race with a concurrent identical submission.
		return r.Submit(ctx, apiKey, req)
	}

	resp, err := r.executor.Disburse(ctx, apiKey, id, req)
	if err != nil {
		slog.Error("execution service unreachable, marking disbursement failed",
			"disbursement_id", id, "partner_id", req.PartnerID, "error", err)
		r.markSubmitFailed(ctx, id, "", "execution service unavailable")
		return nil, fmt.Errorf("%w: %v", ErrExecutionUnavailable, err)
	}

	if resp.Status != "accepted" {
		r.markSubmitFailed(ctx, id, resp.ErrorCode, resp.ErrorMessage)
		return resp, nil
	}

	if _, err := r.dbPool.Exec(ctx, `
		UPDATE disbursement_requests SET conversation_id = $2, updated_at = now()
		WHERE id = $1`, id, resp.ConversationID); err != nil {
		slog.Error("failed to store conversation id",
			"disbursement_id", id, "conversation_id", resp.ConversationID, "error", err)
	}

	return &model.DisburseResponse{
		Status:         "accepted",
		DisbursementID: id,
		ConversationID: resp.ConversationID,
		WillCallback:   true,
		HTTPStatus:     200,
	}, nil
}

func (r *DisbursementRepo) markSubmitFailed(ctx context.Context, id, code, desc string) {
	if _, err := r.dbPool.Exec(ctx, `
		UPDATE disbursement_requests
		SET status = 'failed', result_code = NULLIF($2, ''), result_desc = $3, updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id, code, desc); err != nil {
		slog.Error("failed to mark disbursement failed", "disbursement_id", id, "error", err)
	}
}

// ApplyResultCallback applies at most one pending→terminal transition for the
// correlated disbursement. The transition is a single conditional UPDATE, so
// two concurrent deliveries of the same callback cannot both win.
func (r *DisbursementRepo) ApplyResultCallback(ctx context.Context, cb *model.ResultCallback, raw []byte) (service.CallbackOutcome, error) {
	convID := cb.Result.ConversationID
	details := model.ExtractResultDetails(cb)
	resultCode := fmt.Sprintf("%d", cb.Result.ResultCode)

	d, err := r.correlate(ctx, convID, details.Occasion)
	if errors.Is(err, ErrNotFound) {
		logErr := r.insertCallback(ctx, nil, model.CallbackTypeResult, convID,
			cb.Result.OriginatorConversationID, cb.Result.TransactionID, resultCode,
			cb.Result.ResultDesc, details.ReceiptNumber, details.TransactionAmount, raw)
		return service.OutcomeOrphan, logErr
	} else if err != nil {
		return "", err
	}

	newStatus := model.StatusForResultCode(cb.Result.ResultCode)
	tag, err := r.dbPool.Exec(ctx, `
		UPDATE disbursement_requests SET
			status = $2, result_code = $3, result_desc = $4, transaction_id = $5,
			receipt_number = $6, transaction_amount = $7, transaction_date = $8,
			mpesa_working_account_balance = $9, mpesa_utility_account_balance = $10,
			mpesa_charges_account_balance = $11, updated_at = now()
		WHERE id = $1 AND status = 'pending'`,
		d.ID, newStatus, resultCode, cb.Result.ResultDesc, cb.Result.TransactionID,
		details.ReceiptNumber, details.TransactionAmount, details.TransactionDate,
		details.WorkingAccountBalance, details.UtilityAccountBalance, details.ChargesAccountBalance)
	if err != nil {
		return "", fmt.Errorf("apply result for conversation %s (partner %s): %w", convID, d.PartnerID, err)
	}

	outcome := service.OutcomeDuplicate
	if tag.RowsAffected() == 1 {
		outcome = service.OutcomeApplied
		receipt := ""
		if details.ReceiptNumber != nil {
			receipt = *details.ReceiptNumber
		}
		r.publishSettled(d, convID, newStatus, receipt)
	}

	logErr := r.insertCallback(ctx, d, model.CallbackTypeResult, convID,
		cb.Result.OriginatorConversationID, cb.Result.TransactionID, resultCode,
		cb.Result.ResultDesc, details.ReceiptNumber, details.TransactionAmount, raw)
	return outcome, logErr
}

// ApplyTimeoutCallback force-fails a still-pending disbursement after the
// provider signalled that no result will ever arrive.
func (r *DisbursementRepo) ApplyTimeoutCallback(ctx context.Context, cb *model.TimeoutCallback, raw []byte) (service.CallbackOutcome, error) {
	convID := cb.ConvID()

	d, err := r.correlate(ctx, convID, "")
	if errors.Is(err, ErrNotFound) {
		logErr := r.insertCallback(ctx, nil, model.CallbackTypeTimeout, convID,
			cb.OriginatorConvID(), "", model.ResultCodeTimeout, "Transaction timeout", nil, nil, raw)
		return service.OutcomeOrphan, logErr
	} else if err != nil {
		return "", err
	}

	tag, err := r.dbPool.Exec(ctx, `
		UPDATE disbursement_requests
		SET status = 'failed', result_code = $2, result_desc = 'Transaction timeout', updated_at = now()
		WHERE id = $1 AND status = 'pending'`,
		d.ID, model.ResultCodeTimeout)
	if err != nil {
		return "", fmt.Errorf("apply timeout for conversation %s (partner %s): %w", convID, d.PartnerID, err)
	}

	outcome := service.OutcomeDuplicate
	if tag.RowsAffected() == 1 {
		outcome = service.OutcomeApplied
		r.publishSettled(d, convID, model.StatusFailed, "")
	}

	logErr := r.insertCallback(ctx, d, model.CallbackTypeTimeout, convID,
		cb.OriginatorConvID(), "", model.ResultCodeTimeout, "Transaction timeout", nil, nil, raw)
	return outcome, logErr
}

// correlate resolves a disbursement by conversation id, falling back to the
// Occasion result parameter (our disbursement id echoed back by the provider).
func (r *DisbursementRepo) correlate(ctx context.Context, convID, occasion string) (*model.Disbursement, error) {
	d, err := r.scanOne(ctx, `SELECT `+disbursementColumns+`
		FROM disbursement_requests WHERE conversation_id = $1`, convID)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, ErrNotFound) || occasion == "" {
		return nil, err
	}
	return r.scanOne(ctx, `SELECT `+disbursementColumns+`
		FROM disbursement_requests WHERE id::text = $1`, occasion)
}

func (r *DisbursementRepo) publishSettled(d *model.Disbursement, convID, status, receipt string) {
	if r.bus == nil {
		return
	}
	ev := model.SettlementEvent{
		DisbursementID: d.ID,
		PartnerID:      d.PartnerID,
		ConversationID: convID,
		Amount:         d.Amount,
		Status:         status,
		ReceiptNumber:  receipt,
		SettledAt:      time.Now().UTC(),
	}
	data, _ := json.Marshal(ev)
	if err := r.bus.Publish(TopicSettled, data); err != nil {
		slog.Error("failed to publish settlement event",
			"conversation_id", convID, "partner_id", d.PartnerID, "error", err)
	}
}

func (r *DisbursementRepo) insertCallback(ctx context.Context, d *model.Disbursement, cbType, convID, origConvID, txnID, resultCode, resultDesc string, receipt *string, amount *float64, raw []byte) error {
	var disbursementID, partnerID *string
	if d != nil {
		disbursementID = &d.ID
		partnerID = &d.PartnerID
	}
	_, err := r.dbPool.Exec(ctx, `
		INSERT INTO mpesa_callbacks
			(disbursement_id, partner_id, callback_type, conversation_id,
			 originator_conversation_id, transaction_id, result_code, result_desc,
			 receipt_number, transaction_amount, raw_callback_data)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11::jsonb)`,
		disbursementID, partnerID, cbType, convID, origConvID, txnID,
		resultCode, resultDesc, receipt, amount, string(raw))
	if err != nil {
		// The raw payload is the forensic trail; a failed insert must be loud.
		slog.Error("failed to persist callback payload",
			"conversation_id", convID, "callback_type", cbType, "error", err)
		return fmt.Errorf("persist callback for conversation %s: %w", convID, err)
	}
	return nil
}

// CheckTransaction joins a disbursement with its callbacks, newest-first.
func (r *DisbursementRepo) CheckTransaction(ctx context.Context, conversationID string) (*model.TransactionView, error) {
	d, err := r.scanOne(ctx, `SELECT `+disbursementColumns+`
		FROM disbursement_requests WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, err
	}

	rows, err := r.dbPool.Query(ctx, `
		SELECT id, disbursement_id, partner_id, callback_type, conversation_id,
		       originator_conversation_id, transaction_id, result_code, result_desc,
		       receipt_number, raw_callback_data, created_at
		FROM mpesa_callbacks
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list callbacks for conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	callbacks := []model.Callback{}
	for rows.Next() {
		var cb model.Callback
		if err := rows.Scan(&cb.ID, &cb.DisbursementID, &cb.PartnerID, &cb.CallbackType,
			&cb.ConversationID, &cb.OriginatorConvID, &cb.TransactionID, &cb.ResultCode,
			&cb.ResultDesc, &cb.ReceiptNumber, &cb.RawPayload, &cb.CreatedAt); err != nil {
			return nil, err
		}
		callbacks = append(callbacks, cb)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &model.TransactionView{
		Transaction: d,
		Callbacks:   callbacks,
		Summary:     model.Summarize(d, callbacks),
	}, nil
}

// TriggerRetry guards retry eligibility locally, then forwards to the
// external retry function. Retried submissions carry a derived
// client_request_id downstream, so the idempotency rules in the callback
// path keep a late original callback from double-settling.
func (r *DisbursementRepo) TriggerRetry(ctx context.Context, req model.RetryRequest) (json.RawMessage, error) {
	if req.DisbursementID != "" {
		d, err := r.scanOne(ctx, `SELECT `+disbursementColumns+`
			FROM disbursement_requests WHERE id::text = $1`, req.DisbursementID)
		if err != nil {
			return nil, err
		}
		if !req.ForceRetry && d.Status == model.StatusSuccess {
			return nil, ErrAlreadySuccessful
		}
		if !req.ForceRetry && d.RetryCount >= d.MaxRetries {
			return nil, ErrRetriesExhausted
		}
	}
	return r.retrier.Trigger(ctx, req)
}

// ListTransactions returns a partner's recent disbursements plus aggregates.
func (r *DisbursementRepo) ListTransactions(ctx context.Context, partnerID string, limit int) ([]model.Disbursement, *model.PartnerStats, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.dbPool.Query(ctx, `SELECT `+disbursementColumns+`
		FROM disbursement_requests
		WHERE partner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, partnerID, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("list transactions for partner %s: %w", partnerID, err)
	}
	defer rows.Close()

	out := []model.Disbursement{}
	for rows.Next() {
		d, err := scanDisbursement(rows)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var stats model.PartnerStats
	err = r.dbPool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'success'),
		       count(*) FILTER (WHERE status = 'pending'),
		       count(*) FILTER (WHERE status = 'failed'),
		       COALESCE(sum(amount) FILTER (WHERE status = 'success'), 0)
		FROM disbursement_requests WHERE partner_id = $1`, partnerID).
		Scan(&stats.TotalTransactions, &stats.SuccessCount, &stats.PendingCount,
			&stats.FailedCount, &stats.TotalDisbursed)
	if err != nil {
		return nil, nil, fmt.Errorf("partner stats for %s: %w", partnerID, err)
	}

	return out, &stats, nil
}

// ListOrphanCallbacks lists callbacks that never matched a disbursement.
func (r *DisbursementRepo) ListOrphanCallbacks(ctx context.Context, limit int) ([]model.Callback, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.dbPool.Query(ctx, `
		SELECT id, disbursement_id, partner_id, callback_type, conversation_id,
		       originator_conversation_id, transaction_id, result_code, result_desc,
		       receipt_number, raw_callback_data, created_at
		FROM mpesa_callbacks
		WHERE disbursement_id IS NULL
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list orphan callbacks: %w", err)
	}
	defer rows.Close()

	out := []model.Callback{}
	for rows.Next() {
		var cb model.Callback
		if err := rows.Scan(&cb.ID, &cb.DisbursementID, &cb.PartnerID, &cb.CallbackType,
			&cb.ConversationID, &cb.OriginatorConvID, &cb.TransactionID, &cb.ResultCode,
			&cb.ResultDesc, &cb.ReceiptNumber, &cb.RawPayload, &cb.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

func (r *DisbursementRepo) findByClientRequestID(ctx context.Context, partnerID, clientRequestID string) (*model.Disbursement, error) {
	return r.scanOne(ctx, `SELECT `+disbursementColumns+`
		FROM disbursement_requests WHERE partner_id = $1 AND client_request_id = $2`,
		partnerID, clientRequestID)
}

func (r *DisbursementRepo) scanOne(ctx context.Context, query string, args ...any) (*model.Disbursement, error) {
	row := r.dbPool.QueryRow(ctx, query, args...)
	d, err := scanDisbursement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func scanDisbursement(row pgx.Row) (*model.Disbursement, error) {
	var d model.Disbursement
	err := row.Scan(&d.ID, &d.PartnerID, &d.ClientRequestID, &d.MSISDN, &d.Amount,
		&d.Status, &d.ConversationID, &d.OriginatorConvID, &d.TransactionID,
		&d.ReceiptNumber, &d.ResultCode, &d.ResultDesc, &d.TransactionAmount,
		&d.TransactionDate, &d.WorkingAccountBalance, &d.UtilityAccountBalance,
		&d.ChargesAccountBalance, &d.RetryCount, &d.MaxRetries, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
