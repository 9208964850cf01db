package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"paymentvault/internal/model"
	"paymentvault/internal/service"
)

// Handler subscribes to relayed provider callbacks on NATS and delegates to
// the same service operations as the HTTP endpoints. The provider itself
// always posts over HTTP; this path exists for internal replays and for
// environments where callbacks are fanned in through the bus.
type Handler struct {
	svc  service.DisbursementService
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewHandler(svc service.DisbursementService, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

// Start subscribes to callback topics and blocks until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	s1, err := h.nc.QueueSubscribe("callbacks.result", "reconciler_group", func(m *nats.Msg) {
		var cb model.ResultCallback
		if err := json.Unmarshal(m.Data, &cb); err != nil {
			slog.Error("nats: failed to unmarshal result callback", "error", err)
			return
		}
		outcome, err := h.svc.ApplyResultCallback(ctx, &cb, m.Data)
		if err != nil {
			slog.Error("nats: result callback failed",
				"conversation_id", cb.Result.ConversationID, "error", err)
			return
		}
		slog.Info("nats: result callback processed",
			"conversation_id", cb.Result.ConversationID, "outcome", outcome)
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s1)

	s2, err := h.nc.QueueSubscribe("callbacks.timeout", "reconciler_group", func(m *nats.Msg) {
		var cb model.TimeoutCallback
		if err := json.Unmarshal(m.Data, &cb); err != nil {
			slog.Error("nats: failed to unmarshal timeout callback", "error", err)
			return
		}
		outcome, err := h.svc.ApplyTimeoutCallback(ctx, &cb, m.Data)
		if err != nil {
			slog.Error("nats: timeout callback failed",
				"conversation_id", cb.ConvID(), "error", err)
			return
		}
		slog.Info("nats: timeout callback processed",
			"conversation_id", cb.ConvID(), "outcome", outcome)
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s2)

	slog.Info("NATS callback handler is running")

	<-ctx.Done()
	slog.Info("NATS callback handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}
