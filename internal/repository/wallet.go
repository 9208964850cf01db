package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"paymentvault/internal/model"
)

type walletCache struct {
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
}

func walletKey(partnerID string) string {
	return fmt.Sprintf("wallet:%s", partnerID)
}

// WalletBalance reads the partner wallet through Redis. On a cache miss the
// balance is fetched from Postgres and written back without a TTL; the cache
// entry is dropped whenever a settlement debits the wallet.
func (r *DisbursementRepo) WalletBalance(ctx context.Context, partnerID string) (float64, string, error) {
	raw, err := r.redisClient.Get(ctx, walletKey(partnerID)).Result()
	if err == nil {
		var c walletCache
		if jsonErr := json.Unmarshal([]byte(raw), &c); jsonErr == nil {
			return c.Balance, c.Currency, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return 0, "", fmt.Errorf("redis wallet lookup for partner %s: %w", partnerID, err)
	}

	slog.Info("wallet cache miss, warming from postgres", "partner_id", partnerID)
	c, err := r.warmWalletCache(ctx, partnerID)
	if err != nil {
		return 0, "", err
	}
	return c.Balance, c.Currency, nil
}

func (r *DisbursementRepo) warmWalletCache(ctx context.Context, partnerID string) (*walletCache, error) {
	var c walletCache
	err := r.dbPool.QueryRow(ctx, `
		SELECT current_balance, currency FROM partner_wallets WHERE partner_id = $1`,
		partnerID).Scan(&c.Balance, &c.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wallet lookup for partner %s: %w", partnerID, err)
	}

	data, _ := json.Marshal(c)
	if err := r.redisClient.Set(ctx, walletKey(partnerID), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("failed to save wallet balance to redis: %w", err)
	}
	return &c, nil
}

// ApplySettlement records a settled disbursement against the partner wallet.
// The unique conversation_id insert is the idempotency gate: the debit runs
// only when this exact settlement has not been applied before, so redelivered
// events cannot double-debit.
func (r *DisbursementRepo) ApplySettlement(ctx context.Context, ev model.SettlementEvent) error {
	tx, err := r.dbPool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin settlement tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO wallet_transactions (partner_id, conversation_id, transaction_type, amount, status, created_at)
		VALUES ($1, $2, 'disbursement', $3, $4, $5)
		ON CONFLICT (conversation_id) DO NOTHING`,
		ev.PartnerID, ev.ConversationID, ev.Amount, ev.Status, ev.SettledAt)
	if err != nil {
		return fmt.Errorf("record settlement for conversation %s (partner %s): %w",
			ev.ConversationID, ev.PartnerID, err)
	}
	if tag.RowsAffected() == 0 {
		// Already applied; redelivery is a no-op.
		return nil
	}

	if ev.Status == model.StatusSuccess {
		if _, err := tx.Exec(ctx, `
			UPDATE partner_wallets
			SET current_balance = current_balance - $2, updated_at = now()
			WHERE partner_id = $1`, ev.PartnerID, ev.Amount); err != nil {
			return fmt.Errorf("debit wallet for partner %s (conversation %s): %w",
				ev.PartnerID, ev.ConversationID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit settlement for conversation %s: %w", ev.ConversationID, err)
	}

	if err := r.redisClient.Del(ctx, walletKey(ev.PartnerID)).Err(); err != nil {
		slog.Error("failed to drop wallet cache entry",
			"partner_id", ev.PartnerID, "conversation_id", ev.ConversationID, "error", err)
	}
	return nil
}
