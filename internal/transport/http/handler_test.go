package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paymentvault/internal/model"
	"paymentvault/internal/repository"
	"paymentvault/internal/service"
)

type mockService struct {
	submitResp  *model.DisburseResponse
	submitErr   error
	lastSubmit  *model.DisburseRequest
	lastAPIKey  string
	resultCB    *model.ResultCallback
	resultRaw   []byte
	resultOut   service.CallbackOutcome
	resultErr   error
	timeoutCB   *model.TimeoutCallback
	timeoutOut  service.CallbackOutcome
	view        *model.TransactionView
	viewErr     error
	retryResult json.RawMessage
	retryErr    error
	lastRetry   *model.RetryRequest
	balance     float64
	balanceErr  error
	orphans     []model.Callback
}

func (m *mockService) Submit(ctx context.Context, apiKey string, req model.DisburseRequest) (*model.DisburseResponse, error) {
	m.lastAPIKey = apiKey
	m.lastSubmit = &req
	return m.submitResp, m.submitErr
}

func (m *mockService) ApplyResultCallback(ctx context.Context, cb *model.ResultCallback, raw []byte) (service.CallbackOutcome, error) {
	m.resultCB = cb
	m.resultRaw = raw
	return m.resultOut, m.resultErr
}

func (m *mockService) ApplyTimeoutCallback(ctx context.Context, cb *model.TimeoutCallback, raw []byte) (service.CallbackOutcome, error) {
	m.timeoutCB = cb
	return m.timeoutOut, nil
}

func (m *mockService) CheckTransaction(ctx context.Context, conversationID string) (*model.TransactionView, error) {
	return m.view, m.viewErr
}

func (m *mockService) TriggerRetry(ctx context.Context, req model.RetryRequest) (json.RawMessage, error) {
	m.lastRetry = &req
	return m.retryResult, m.retryErr
}

func (m *mockService) ListTransactions(ctx context.Context, partnerID string, limit int) ([]model.Disbursement, *model.PartnerStats, error) {
	return []model.Disbursement{}, &model.PartnerStats{}, nil
}

func (m *mockService) WalletBalance(ctx context.Context, partnerID string) (float64, string, error) {
	return m.balance, "KES", m.balanceErr
}

func (m *mockService) ListOrphanCallbacks(ctx context.Context, limit int) ([]model.Callback, error) {
	return m.orphans, nil
}

func (m *mockService) ApplySettlement(ctx context.Context, ev model.SettlementEvent) error {
	return nil
}

func newTestServer(svc service.DisbursementService, cronSecret string) *httptest.Server {
	mux := http.NewServeMux()
	NewHandler(svc, cronSecret).Register(mux)
	return httptest.NewServer(mux)
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestDisburse_MissingAPIKey(t *testing.T) {
	svc := &mockService{}
	ts := newTestServer(svc, "")
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/disburse", "application/json",
		strings.NewReader(`{"amount":100,"msisdn":"254712345678","partner_id":"p1","client_request_id":"c1"}`))
	require.NoError(t, err)

	var body model.DisburseResponse
	decodeBody(t, resp, &body)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "AUTH_1001", body.ErrorCode)
	assert.Nil(t, svc.lastSubmit, "no downstream call without credentials")
}

func TestDisburse_Validation(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantCode string
	}{
		{"missing fields", `{"amount":100,"msisdn":"254712345678"}`, "B2C_1001"},
		{"zero amount", `{"amount":0,"msisdn":"254712345678","partner_id":"p1","client_request_id":"c1"}`, "B2C_1001"},
		{"over limit", `{"amount":200000,"msisdn":"254712345678","partner_id":"p1","client_request_id":"c1"}`, "B2C_1001"},
		{"bad msisdn prefix", `{"amount":100,"msisdn":"0712345678","partner_id":"p1","client_request_id":"c1"}`, "B2C_1002"},
		{"msisdn too short", `{"amount":100,"msisdn":"25471234567","partner_id":"p1","client_request_id":"c1"}`, "B2C_1002"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{}
			ts := newTestServer(svc, "")
			defer ts.Close()

			req, _ := http.NewRequest(http.MethodPost, ts.URL+"/disburse", strings.NewReader(tt.payload))
			req.Header.Set("x-api-key", "pk_test")
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)

			var body model.DisburseResponse
			decodeBody(t, resp, &body)

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.wantCode, body.ErrorCode)
			assert.Nil(t, svc.lastSubmit)
		})
	}
}

func TestDisburse_Accepted(t *testing.T) {
	svc := &mockService{submitResp: &model.DisburseResponse{
		Status:         "accepted",
		DisbursementID: "d-1",
		ConversationID: "AG_1",
		WillCallback:   true,
		HTTPStatus:     200,
	}}
	ts := newTestServer(svc, "")
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/disburse",
		strings.NewReader(`{"amount":150.5,"msisdn":"254712345678","partner_id":"p1","client_request_id":"c1"}`))
	req.Header.Set("x-api-key", "pk_test")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	var body model.DisburseResponse
	decodeBody(t, resp, &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "accepted", body.Status)
	assert.Equal(t, "AG_1", body.ConversationID)
	assert.Equal(t, "pk_test", svc.lastAPIKey)
	assert.Equal(t, 150.5, svc.lastSubmit.Amount)
}

func TestDisburse_DownstreamRejectionRelayed(t *testing.T) {
	svc := &mockService{submitResp: &model.DisburseResponse{
		Status:       "rejected",
		ErrorCode:    "AUTH_1002",
		ErrorMessage: "Invalid API key",
		HTTPStatus:   401,
	}}
	ts := newTestServer(svc, "")
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/disburse",
		strings.NewReader(`{"amount":100,"msisdn":"254712345678","partner_id":"p1","client_request_id":"c1"}`))
	req.Header.Set("x-api-key", "pk_wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	var body model.DisburseResponse
	decodeBody(t, resp, &body)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "downstream status relayed unmodified")
	assert.Equal(t, "AUTH_1002", body.ErrorCode)
}

func TestDisburse_ExecutionUnavailable(t *testing.T) {
	svc := &mockService{submitErr: repository.ErrExecutionUnavailable}
	ts := newTestServer(svc, "")
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/disburse",
		strings.NewReader(`{"amount":100,"msisdn":"254712345678","partner_id":"p1","client_request_id":"c1"}`))
	req.Header.Set("x-api-key", "pk_test")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestResultCallback_AlwaysOK(t *testing.T) {
	payload := `{"Result":{"ResultCode":0,"ResultDesc":"ok","ConversationID":"AG_1",
		"OriginatorConversationID":"29115-1","TransactionID":"NLJ7RT61SV",
		"ResultParameters":{"ResultParameter":[{"Key":"TransactionReceipt","Value":"NLJ7RT61SV"}]}}}`

	for _, tc := range []struct {
		name    string
		outcome service.CallbackOutcome
		err     error
	}{
		{"applied", service.OutcomeApplied, nil},
		{"duplicate redelivery", service.OutcomeDuplicate, nil},
		{"orphan", service.OutcomeOrphan, nil},
		{"internal failure swallowed", "", assert.AnError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockService{resultOut: tc.outcome, resultErr: tc.err}
			ts := newTestServer(svc, "")
			defer ts.Close()

			resp, err := http.Post(ts.URL+"/mpesa-callback/result", "application/json", strings.NewReader(payload))
			require.NoError(t, err)

			var body map[string]string
			decodeBody(t, resp, &body)

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "OK", body["message"])
			require.NotNil(t, svc.resultCB)
			assert.Equal(t, "AG_1", svc.resultCB.Result.ConversationID)
			assert.JSONEq(t, payload, string(svc.resultRaw), "raw payload passed through verbatim")
		})
	}
}

func TestResultCallback_UnparseableStillOK(t *testing.T) {
	svc := &mockService{}
	ts := newTestServer(svc, "")
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/mpesa-callback/result", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, svc.resultCB, "nothing to correlate")
}

func TestTimeoutCallback(t *testing.T) {
	svc := &mockService{timeoutOut: service.OutcomeApplied}
	ts := newTestServer(svc, "")
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/mpesa-callback/timeout", "application/json",
		strings.NewReader(`{"Result":{"ConversationID":"AG_9","OriginatorConversationID":"29115-9"}}`))
	require.NoError(t, err)

	var body map[string]string
	decodeBody(t, resp, &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body["message"])
	require.NotNil(t, svc.timeoutCB)
	assert.Equal(t, "AG_9", svc.timeoutCB.ConvID())
}

func TestCheckTransaction(t *testing.T) {
	t.Run("missing param", func(t *testing.T) {
		ts := newTestServer(&mockService{}, "")
		defer ts.Close()
		resp, err := http.Get(ts.URL + "/check-transaction")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown conversation", func(t *testing.T) {
		ts := newTestServer(&mockService{viewErr: repository.ErrNotFound}, "")
		defer ts.Close()
		resp, err := http.Get(ts.URL + "/check-transaction?conversation_id=AG_X")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("found with summary", func(t *testing.T) {
		conv := "AG_1"
		svc := &mockService{view: &model.TransactionView{
			Transaction: &model.Disbursement{ID: "d-1", Status: model.StatusSuccess, ConversationID: &conv},
			Callbacks:   []model.Callback{{CallbackType: "result", ResultCode: "0", ConversationID: conv}},
			Summary: model.CallbackSummary{
				HasCallbacks:   true,
				IsTerminal:     true,
				LatestCallback: &model.CallbackDigest{CallbackType: "result", ResultCode: "0"},
			},
		}}
		ts := newTestServer(svc, "")
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/check-transaction?conversation_id=AG_1")
		require.NoError(t, err)

		var view model.TransactionView
		decodeBody(t, resp, &view)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, view.Summary.HasCallbacks)
		assert.Equal(t, "result", view.Summary.LatestCallback.CallbackType)
		assert.Len(t, view.Callbacks, 1)
	})
}

func TestCronRetry(t *testing.T) {
	t.Run("secret unconfigured", func(t *testing.T) {
		ts := newTestServer(&mockService{}, "")
		defer ts.Close()
		resp, err := http.Get(ts.URL + "/cron/disburse-retry")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})

	t.Run("wrong secret", func(t *testing.T) {
		svc := &mockService{}
		ts := newTestServer(svc, "s3cret")
		defer ts.Close()

		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/cron/disburse-retry", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Nil(t, svc.lastRetry)
	})

	t.Run("authorized", func(t *testing.T) {
		svc := &mockService{retryResult: json.RawMessage(`{"success":true,"retry_count":3}`)}
		ts := newTestServer(svc, "s3cret")
		defer ts.Close()

		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/cron/disburse-retry", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		var body map[string]any
		decodeBody(t, resp, &body)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, float64(3), body["retry_count"])
		require.NotNil(t, svc.lastRetry)
	})
}

func TestManualRetry_Eligibility(t *testing.T) {
	for _, tc := range []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not found", repository.ErrNotFound, http.StatusNotFound},
		{"already successful", repository.ErrAlreadySuccessful, http.StatusBadRequest},
		{"retries exhausted", repository.ErrRetriesExhausted, http.StatusBadRequest},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(&mockService{retryErr: tc.err}, "")
			defer ts.Close()

			resp, err := http.Post(ts.URL+"/disburse/retry", "application/json",
				strings.NewReader(`{"disbursement_id":"d-1"}`))
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, tc.wantStatus, resp.StatusCode)
		})
	}
}

func TestWalletBalance_NotFound(t *testing.T) {
	ts := newTestServer(&mockService{balanceErr: repository.ErrWalletNotFound}, "")
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/wallet/balance?partner_id=p1")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTransactions_MissingPartner(t *testing.T) {
	ts := newTestServer(&mockService{}, "")
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/transactions")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOrphanCallbacks(t *testing.T) {
	ts := newTestServer(&mockService{orphans: []model.Callback{
		{ConversationID: "AG_lost", CallbackType: "result", ResultCode: "0"},
	}}, "")
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/callbacks/orphans")
	require.NoError(t, err)

	var body struct {
		Callbacks []model.Callback `json:"callbacks"`
		Count     int              `json:"count"`
	}
	decodeBody(t, resp, &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "AG_lost", body.Callbacks[0].ConversationID)
}
