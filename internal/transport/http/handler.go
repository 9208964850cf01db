package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-playground/validator/v10"

	"paymentvault/internal/model"
	"paymentvault/internal/repository"
	"paymentvault/internal/service"
)

var msisdnPattern = regexp.MustCompile(`^254[0-9]{9}$`)

type Handler struct {
	svc        service.DisbursementService
	validate   *validator.Validate
	cronSecret string
}

func NewHandler(svc service.DisbursementService, cronSecret string) *Handler {
	v := validator.New()
	_ = v.RegisterValidation("kenyan_msisdn", func(fl validator.FieldLevel) bool {
		return msisdnPattern.MatchString(fl.Field().String())
	})
	return &Handler{svc: svc, validate: v, cronSecret: cronSecret}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /disburse", h.Disburse)
	mux.HandleFunc("POST /mpesa-callback/result", h.ResultCallback)
	mux.HandleFunc("POST /mpesa-callback/timeout", h.TimeoutCallback)
	mux.HandleFunc("GET /check-transaction", h.CheckTransaction)
	mux.HandleFunc("GET /cron/disburse-retry", h.CronRetry)
	mux.HandleFunc("POST /disburse/retry", h.ManualRetry)
	mux.HandleFunc("GET /transactions", h.Transactions)
	mux.HandleFunc("GET /wallet/balance", h.WalletBalance)
	mux.HandleFunc("GET /callbacks/orphans", h.OrphanCallbacks)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Disburse validates the submission and relays it downstream. No provider
// call is ever made without the caller's API key.
func (h *Handler) Disburse(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get("x-api-key")
	if apiKey == "" {
		h.respondJSON(w, http.StatusUnauthorized, model.DisburseResponse{
			Status:       "rejected",
			ErrorCode:    "AUTH_1001",
			ErrorMessage: "API key required",
		})
		return
	}

	var req model.DisburseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondJSON(w, http.StatusBadRequest, model.DisburseResponse{
			Status:       "rejected",
			ErrorCode:    "B2C_1001",
			ErrorMessage: "Invalid request body",
		})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		code, msg := "B2C_1001", "Missing required fields"
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, ve := range verrs {
				if ve.Tag() == "kenyan_msisdn" {
					code, msg = "B2C_1002", "Invalid MSISDN format. Use format: 254XXXXXXXXX"
					break
				}
			}
		}
		h.respondJSON(w, http.StatusBadRequest, model.DisburseResponse{
			Status:       "rejected",
			ErrorCode:    code,
			ErrorMessage: msg,
		})
		return
	}

	resp, err := h.svc.Submit(r.Context(), apiKey, req)
	if err != nil {
		if errors.Is(err, repository.ErrExecutionUnavailable) {
			h.respondJSON(w, http.StatusServiceUnavailable, map[string]any{
				"success": false,
				"error":   "M-Pesa service unavailable",
			})
			return
		}
		slog.Error("disburse submission failed", "partner_id", req.PartnerID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	status := resp.HTTPStatus
	if status == 0 {
		status = http.StatusOK
	}
	if resp.Status != "accepted" && status < http.StatusBadRequest {
		status = http.StatusBadRequest
	}
	h.respondJSON(w, status, resp)
}

// ResultCallback ingests the provider's B2C result. The provider always gets
// 200 back: its delivery-failure handling is a retry storm we never want, so
// internal outcomes stay internal.
func (h *Handler) ResultCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("result callback: failed to read body", "error", err)
		h.respondOK(w)
		return
	}

	var cb model.ResultCallback
	if err := json.Unmarshal(raw, &cb); err != nil || (cb.Result.ConversationID == "" && cb.Result.OriginatorConversationID == "") {
		slog.Error("result callback: unparseable payload", "error", err)
		h.respondOK(w)
		return
	}

	outcome, err := h.svc.ApplyResultCallback(r.Context(), &cb, raw)
	if err != nil {
		slog.Error("result callback: processing failed",
			"conversation_id", cb.Result.ConversationID, "error", err)
	} else {
		slog.Info("result callback processed",
			"conversation_id", cb.Result.ConversationID,
			"result_code", cb.Result.ResultCode,
			"outcome", outcome)
	}
	h.respondOK(w)
}

// TimeoutCallback ingests the provider's queue-timeout signal.
func (h *Handler) TimeoutCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("timeout callback: failed to read body", "error", err)
		h.respondOK(w)
		return
	}

	var cb model.TimeoutCallback
	if err := json.Unmarshal(raw, &cb); err != nil || cb.ConvID() == "" {
		slog.Error("timeout callback: unparseable payload", "error", err)
		h.respondOK(w)
		return
	}

	outcome, err := h.svc.ApplyTimeoutCallback(r.Context(), &cb, raw)
	if err != nil {
		slog.Error("timeout callback: processing failed",
			"conversation_id", cb.ConvID(), "error", err)
	} else {
		slog.Info("timeout callback processed",
			"conversation_id", cb.ConvID(), "outcome", outcome)
	}
	h.respondOK(w)
}

func (h *Handler) CheckTransaction(w http.ResponseWriter, r *http.Request) {
	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return
	}
	view, err := h.svc.CheckTransaction(r.Context(), convID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "transaction_not_found")
			return
		}
		slog.Error("check-transaction failed", "conversation_id", convID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

// CronRetry is the scheduled trigger for the external retry function.
func (h *Handler) CronRetry(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		slog.Error("cron retry: CRON_SECRET not configured")
		h.respondError(w, http.StatusInternalServerError, "Cron secret not configured")
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+h.cronSecret {
		h.respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	result, err := h.svc.TriggerRetry(r.Context(), model.RetryRequest{})
	if err != nil {
		slog.Error("cron retry: retry function failed", "error", err)
		h.respondJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"error":   "retry function failed",
		})
		return
	}
	h.respondRaw(w, http.StatusOK, result)
}

// ManualRetry retries one disbursement (or all eligible) on operator demand.
func (h *Handler) ManualRetry(w http.ResponseWriter, r *http.Request) {
	var req model.RetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	result, err := h.svc.TriggerRetry(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			h.respondJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "Disbursement not found"})
		case errors.Is(err, repository.ErrAlreadySuccessful):
			h.respondJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Disbursement already successful"})
		case errors.Is(err, repository.ErrRetriesExhausted):
			h.respondJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Maximum retry attempts exceeded"})
		default:
			slog.Error("manual retry failed", "disbursement_id", req.DisbursementID, "error", err)
			h.respondJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": "retry function failed"})
		}
		return
	}
	h.respondRaw(w, http.StatusOK, result)
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	partnerID := r.URL.Query().Get("partner_id")
	if partnerID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	transactions, stats, err := h.svc.ListTransactions(r.Context(), partnerID, limit)
	if err != nil {
		slog.Error("list transactions failed", "partner_id", partnerID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"transactions": transactions,
		"stats":        stats,
	})
}

func (h *Handler) WalletBalance(w http.ResponseWriter, r *http.Request) {
	partnerID := r.URL.Query().Get("partner_id")
	if partnerID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_params")
		return
	}
	balance, currency, err := h.svc.WalletBalance(r.Context(), partnerID)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			h.respondError(w, http.StatusNotFound, "wallet_not_found")
			return
		}
		slog.Error("wallet balance lookup failed", "partner_id", partnerID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"partner_id": partnerID,
		"balance":    balance,
		"currency":   currency,
	})
}

func (h *Handler) OrphanCallbacks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	callbacks, err := h.svc.ListOrphanCallbacks(r.Context(), limit)
	if err != nil {
		slog.Error("list orphan callbacks failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"callbacks": callbacks,
		"count":     len(callbacks),
	})
}

// respondOK is the constant provider-facing acknowledgement.
func (h *Handler) respondOK(w http.ResponseWriter) {
	h.respondJSON(w, http.StatusOK, map[string]string{"message": "OK"})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondRaw(w http.ResponseWriter, status int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
