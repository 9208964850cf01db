// Package downstream holds HTTP clients for the external edge functions that
// own the actual M-Pesa integration: the execution function that performs the
// B2C call and the retry function that re-submits stuck disbursements.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"paymentvault/internal/model"
)

type ExecutionClient struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

func NewExecutionClient(baseURL, serviceKey string) *ExecutionClient {
	return &ExecutionClient{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type executionPayload struct {
	Amount          float64 `json:"amount"`
	MSISDN          string  `json:"msisdn"`
	PartnerID       string  `json:"partner_id"`
	ClientRequestID string  `json:"client_request_id"`
	// Echoed back by the provider as the Occasion result parameter; the
	// callback path uses it as a correlation fallback.
	ExternalReference string `json:"external_reference"`
}

// Disburse forwards a validated submission to the execution function with the
// caller's API key attached. The downstream verdict, including its HTTP
// status code, is relayed to the caller untouched.
func (c *ExecutionClient) Disburse(ctx context.Context, apiKey string, disbursementID string, req model.DisburseRequest) (*model.DisburseResponse, error) {
	body, err := json.Marshal(executionPayload{
		Amount:            req.Amount,
		MSISDN:            req.MSISDN,
		PartnerID:         req.PartnerID,
		ClientRequestID:   req.ClientRequestID,
		ExternalReference: disbursementID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal execution payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build execution request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	if c.serviceKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.serviceKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execution function call: %w", err)
	}
	defer resp.Body.Close()

	var out model.DisburseResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode execution response (http %d): %w", resp.StatusCode, err)
	}
	out.HTTPStatus = resp.StatusCode
	return &out, nil
}
