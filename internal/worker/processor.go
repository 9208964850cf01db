package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"paymentvault/internal/model"
	"paymentvault/internal/repository"
	"paymentvault/internal/service"
)

// WalletWorker listens on the settlement topic and applies the wallet side of
// each settled disbursement. Settlement events are at-least-once; the
// conversation-id gate in ApplySettlement makes redelivery a no-op.
type WalletWorker struct {
	svc      service.DisbursementService
	natsConn *nats.Conn
}

func NewWalletWorker(svc service.DisbursementService, nc *nats.Conn) *WalletWorker {
	return &WalletWorker{
		svc:      svc,
		natsConn: nc,
	}
}

// Run subscribes to the settlement topic and blocks until ctx is cancelled.
func (w *WalletWorker) Run(ctx context.Context) error {
	// QueueSubscribe: with several API instances running, each settlement is
	// delivered to exactly one worker in the group.
	sub, err := w.natsConn.QueueSubscribe(repository.TopicSettled, "wallet_group", func(m *nats.Msg) {
		var ev model.SettlementEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			slog.Error("worker: failed to unmarshal settlement event", "error", err)
			return
		}

		if err := w.svc.ApplySettlement(ctx, ev); err != nil {
			slog.Error("worker: failed to apply settlement",
				"conversation_id", ev.ConversationID,
				"partner_id", ev.PartnerID,
				"error", err,
			)
			return
		}

		slog.Info("worker: settlement applied",
			"conversation_id", ev.ConversationID,
			"partner_id", ev.PartnerID,
			"status", ev.Status,
		)
	})

	if err != nil {
		return fmt.Errorf("worker: failed to subscribe to NATS: %w", err)
	}

	slog.Info("Wallet settlement worker is running")

	<-ctx.Done()

	slog.Info("Worker received shutdown signal, draining subscription...")
	return sub.Drain()
}

// Start implements the infrastructure.Server interface.
func (w *WalletWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (shutdown is via ctx).
func (w *WalletWorker) Stop(ctx context.Context) error {
	return nil
}
