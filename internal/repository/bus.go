package repository

import (
	"context"
	"encoding/json"

	"paymentvault/internal/model"
)

// TopicSettled carries one event per terminal disbursement transition.
const TopicSettled = "disbursements.settled"

type MessageBus interface {
	Publish(topic string, data []byte) error
}

// ExecutionClient reaches the external function that performs the actual
// M-Pesa B2C call. The caller's API key travels with the request; credential
// lookup happens downstream.
type ExecutionClient interface {
	Disburse(ctx context.Context, apiKey string, disbursementID string, req model.DisburseRequest) (*model.DisburseResponse, error)
}

// RetryClient reaches the external retry function that re-submits stuck
// disbursements.
type RetryClient interface {
	Trigger(ctx context.Context, req model.RetryRequest) (json.RawMessage, error)
}
