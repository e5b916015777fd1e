package handlers

import (
	"chat-stream/internal/auth"
	"chat-stream/internal/logger"
	"chat-stream/internal/repository/db"
	quotaService "chat-stream/internal/service/quota"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

type QuotasResponse struct {
	Quotas []quotaService.QuotaView `json:"quotas"`
}

type QuotaCheckResponse struct {
	Sufficient bool `json:"sufficient"`
}

type RechargeRequest struct {
	UserID  string `json:"user_id"`
	ModelID string `json:"model_id"`
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason,omitempty"`
	Remark  string `json:"remark,omitempty"`
}

type RechargeResponse struct {
	RecordID    string `json:"record_id"`
	BeforeQuota int64  `json:"before_quota"`
	AfterQuota  int64  `json:"after_quota"`
}

type InitQuotasRequest struct {
	UserID string `json:"user_id"`
}

// QuotaHandlers exposes the token-quota endpoints
type QuotaHandlers struct {
	quota *quotaService.QuotaService
}

// NewQuotaHandlers creates a new QuotaHandlers
func NewQuotaHandlers(quota *quotaService.QuotaService) *QuotaHandlers {
	return &QuotaHandlers{quota: quota}
}

// GetMyQuotasHandler returns all of the user's quota rows
func (qh *QuotaHandlers) GetMyQuotasHandler(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	views, err := qh.quota.ListQuotaViews(userID)
	if err != nil {
		logger.Log.WithError(err).Error("Error listing quotas")
		qh.sendError(w, http.StatusInternalServerError, "Error retrieving quotas", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QuotasResponse{Quotas: views})
}

// GetMyQuotaHandler returns the user's quota row for one model
func (qh *QuotaHandlers) GetMyQuotaHandler(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	modelID := r.PathValue("modelId")

	view, err := qh.quota.GetQuotaView(userID, modelID)
	if err != nil {
		logger.Log.WithError(err).Error("Error retrieving quota")
		qh.sendError(w, http.StatusInternalServerError, "Error retrieving quota", err)
		return
	}
	if view == nil {
		qh.sendError(w, http.StatusNotFound, "Quota not found", nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

// CheckQuotaHandler reports whether the user can run a turn on the model.
// estimated_tokens is optional.
func (qh *QuotaHandlers) CheckQuotaHandler(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	modelID := r.PathValue("modelId")

	estimated := 0
	if raw := r.URL.Query().Get("estimated_tokens"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			qh.sendError(w, http.StatusBadRequest, "Invalid estimated_tokens", err)
			return
		}
		estimated = parsed
	}

	sufficient, err := qh.quota.Check(userID, modelID, estimated)
	if err != nil {
		logger.Log.WithError(err).Error("Error checking quota")
		qh.sendError(w, http.StatusInternalServerError, "Error checking quota", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QuotaCheckResponse{Sufficient: sufficient})
}

// RechargeHandler grants tokens to a user's model quota. The authenticated
// caller is recorded as the operator on the audit row.
func (qh *QuotaHandlers) RechargeHandler(w http.ResponseWriter, r *http.Request) {
	operatorID := auth.UserIDFromContext(r.Context())

	var req RechargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		qh.sendError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.UserID == "" || req.ModelID == "" {
		qh.sendError(w, http.StatusBadRequest, "user_id and model_id are required", nil)
		return
	}

	record, err := qh.quota.Recharge(req.UserID, req.ModelID, req.Amount, operatorID, "", req.Reason, req.Remark)
	if err != nil {
		if errors.Is(err, db.ErrInvalidAmount) {
			qh.sendError(w, http.StatusBadRequest, "Recharge amount must be positive", err)
			return
		}
		logger.Log.WithError(err).Error("Error recharging quota")
		qh.sendError(w, http.StatusInternalServerError, "Error recharging quota", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RechargeResponse{
		RecordID:    record.ID,
		BeforeQuota: record.BeforeQuota,
		AfterQuota:  record.AfterQuota,
	})
}

// InitQuotasHandler seeds default quotas for a user. Idempotent.
func (qh *QuotaHandlers) InitQuotasHandler(w http.ResponseWriter, r *http.Request) {
	var req InitQuotasRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		qh.sendError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.UserID == "" {
		qh.sendError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	if err := qh.quota.InitializeForUser(req.UserID); err != nil {
		logger.Log.WithError(err).Error("Error initializing quotas")
		qh.sendError(w, http.StatusInternalServerError, "Error initializing quotas", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DeleteResponse{Success: true, Message: "Quotas initialized"})
}

func (qh *QuotaHandlers) sendError(w http.ResponseWriter, status int, message string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	errResp := ErrorResponse{
		Code:    status,
		Message: message,
	}
	if err != nil {
		errResp.Error = err.Error()
	}
	json.NewEncoder(w).Encode(errResp)
}
