package repository

import (
	"encoding/json"
	"testing"

	"paymentvault/internal/model"
)

type mockBus struct {
	topic string
	data  []byte
	err   error
}

func (m *mockBus) Publish(topic string, data []byte) error {
	m.topic = topic
	m.data = data
	return m.err
}

func TestPublishSettled(t *testing.T) {
	bus := &mockBus{}
	repo := NewDisbursementRepo(nil, nil, bus, nil, nil)

	d := &model.Disbursement{
		ID:        "d-1",
		PartnerID: "p-1",
		Amount:    1500,
	}
	repo.publishSettled(d, "AG_20260815_1", model.StatusSuccess, "NLJ7RT61SV")

	if bus.topic != TopicSettled {
		t.Errorf("topic = %q, want %q", bus.topic, TopicSettled)
	}

	var ev model.SettlementEvent
	if err := json.Unmarshal(bus.data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.DisbursementID != "d-1" || ev.PartnerID != "p-1" {
		t.Errorf("event ids = %+v", ev)
	}
	if ev.ConversationID != "AG_20260815_1" {
		t.Errorf("conversation_id = %q", ev.ConversationID)
	}
	if ev.Status != model.StatusSuccess || ev.ReceiptNumber != "NLJ7RT61SV" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Amount != 1500 {
		t.Errorf("amount = %v", ev.Amount)
	}
	if ev.SettledAt.IsZero() {
		t.Error("settled_at not set")
	}
}

func TestPublishSettled_NoBus(t *testing.T) {
	repo := NewDisbursementRepo(nil, nil, nil, nil, nil)

	// Must not panic when the bus is disabled.
	repo.publishSettled(&model.Disbursement{ID: "d-1"}, "AG_1", model.StatusFailed, "")
}
