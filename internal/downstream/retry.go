package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"paymentvault/internal/model"
)

type RetryClient struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

func NewRetryClient(baseURL, serviceKey string) *RetryClient {
	return &RetryClient{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		// Bulk retries walk every stuck disbursement downstream.
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Trigger invokes the retry function and relays its JSON result verbatim.
func (c *RetryClient) Trigger(ctx context.Context, req model.RetryRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal retry payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build retry request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.serviceKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.serviceKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("retry function call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read retry response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("retry function returned http %d: %s", resp.StatusCode, raw)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("retry function returned invalid json")
	}
	return json.RawMessage(raw), nil
}
