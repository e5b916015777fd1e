package quota

import (
	"chat-stream/internal/config"
	"chat-stream/internal/logger"
	"chat-stream/internal/repository/db"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// maxDeductAttempts bounds the optimistic retry loop in DeductAndRecord.
// A conflict means a concurrent deduction or recharge moved the balance
// between our read and our conditional write; re-reading and retrying a few
// times is enough under any realistic contention.
const maxDeductAttempts = 10

// QuotaService manages the per-(user, model) token ledger
type QuotaService struct {
	db     db.Database
	models *config.ModelsConfig
}

// NewQuotaService creates a new QuotaService
func NewQuotaService(database db.Database, models *config.ModelsConfig) *QuotaService {
	return &QuotaService{db: database, models: models}
}

// QuotaView is the read model for one ledger row, with the usage rate
// computed at read time.
type QuotaView struct {
	ModelID        string  `json:"model_id"`
	ModelName      string  `json:"model_name"`
	TotalQuota     int64   `json:"total_quota"`
	UsedQuota      int64   `json:"used_quota"`
	RemainingQuota int64   `json:"remaining_quota"`
	TotalUsed      int64   `json:"total_used"`
	UsageRate      float64 `json:"usage_rate"`
}

// Check reports whether the user has quota for the model. With no ledger row
// the answer is false. Without an estimate any positive remaining balance
// passes; with one, remaining must cover it.
func (s *QuotaService) Check(userID, modelID string, estimatedTokens int) (bool, error) {
	quota, err := s.db.GetUserModelQuota(userID, modelID)
	if err != nil {
		return false, fmt.Errorf("failed to read quota: %w", err)
	}
	if quota == nil {
		logger.Log.WithFields(logrus.Fields{"user_id": userID, "model_id": modelID}).Warn("User quota not found")
		return false, nil
	}

	if estimatedTokens <= 0 {
		return quota.RemainingQuota > 0, nil
	}

	sufficient := quota.RemainingQuota >= int64(estimatedTokens)
	if !sufficient {
		logger.Log.WithFields(logrus.Fields{
			"user_id":   userID,
			"model_id":  modelID,
			"remaining": quota.RemainingQuota,
			"required":  estimatedTokens,
		}).Warn("Insufficient quota")
	}
	return sufficient, nil
}

// DeductAndRecord settles one turn: it moves totalTokens from remaining to
// used on the ledger row and stamps the counts onto the assistant message,
// atomically. A missing row fails with db.ErrQuotaNotFound; an insufficient
// balance with db.ErrQuotaExceeded (defensive re-check, the caller may have
// raced past an earlier Check). totalTokens <= 0 is a logged no-op.
func (s *QuotaService) DeductAndRecord(userID, modelID, messageID string, promptTokens, completionTokens, totalTokens int) error {
	if totalTokens <= 0 {
		logger.Log.WithFields(logrus.Fields{
			"user_id":      userID,
			"model_id":     modelID,
			"total_tokens": totalTokens,
		}).Warn("Invalid token count, skip deduction")
		return nil
	}

	for attempt := 0; attempt < maxDeductAttempts; attempt++ {
		quota, err := s.db.GetUserModelQuota(userID, modelID)
		if err != nil {
			return fmt.Errorf("failed to read quota: %w", err)
		}
		if quota == nil {
			return db.ErrQuotaNotFound
		}

		if quota.RemainingQuota < int64(totalTokens) {
			logger.Log.WithFields(logrus.Fields{
				"user_id":   userID,
				"model_id":  modelID,
				"remaining": quota.RemainingQuota,
				"required":  totalTokens,
			}).Error("Insufficient quota when deducting")
			return db.ErrQuotaExceeded
		}

		applied, err := s.db.ApplyQuotaDeduction(quota.ID, quota.RemainingQuota, messageID, promptTokens, completionTokens, totalTokens)
		if err != nil {
			return fmt.Errorf("failed to apply deduction: %w", err)
		}
		if applied {
			logger.Log.WithFields(logrus.Fields{
				"user_id":    userID,
				"model_id":   modelID,
				"message_id": messageID,
				"tokens":     totalTokens,
				"remaining":  quota.RemainingQuota - int64(totalTokens),
			}).Info("Quota deducted")
			return nil
		}
		// Balance moved under us; re-read and retry.
	}

	return fmt.Errorf("deduction conflict for user %s model %s: too many concurrent writers", userID, modelID)
}

// Recharge grants amount tokens to the (user, model) ledger, creating a
// zero-balance row on first use, and appends the immutable audit record.
// Balance update and audit row commit together.
func (s *QuotaService) Recharge(userID, modelID string, amount int64, operatorID, operatorName, reason, remark string) (*db.QuotaRechargeRecord, error) {
	if amount <= 0 {
		return nil, db.ErrInvalidAmount
	}

	quota, err := s.db.GetUserModelQuota(userID, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to read quota: %w", err)
	}
	if quota == nil {
		quota, err = s.db.CreateUserModelQuota(&db.UserModelQuota{
			UserID:  userID,
			ModelID: modelID,
		})
		if err != nil {
			// A concurrent recharge may have inserted the row first; the
			// unique (user, model) constraint makes the loser's insert fail.
			quota, rerr := s.db.GetUserModelQuota(userID, modelID)
			if rerr != nil || quota == nil {
				return nil, fmt.Errorf("failed to create quota row: %w", err)
			}
			return s.applyRecharge(quota.ID, userID, modelID, amount, operatorID, operatorName, reason, remark)
		}
	}

	return s.applyRecharge(quota.ID, userID, modelID, amount, operatorID, operatorName, reason, remark)
}

func (s *QuotaService) applyRecharge(quotaID, userID, modelID string, amount int64, operatorID, operatorName, reason, remark string) (*db.QuotaRechargeRecord, error) {
	record, err := s.db.ApplyQuotaRecharge(quotaID, amount, &db.QuotaRechargeRecord{
		UserID:       userID,
		ModelID:      modelID,
		OperatorID:   operatorID,
		OperatorName: operatorName,
		Reason:       reason,
		Remark:       remark,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply recharge: %w", err)
	}

	return record, nil
}

// InitializeForUser seeds one ledger row per enabled default-quota config,
// highest priority first. Existing rows are left untouched, so the call is
// idempotent and safe to repeat.
func (s *QuotaService) InitializeForUser(userID string) error {
	configs := s.models.EnabledQuotaConfigs()
	if len(configs) == 0 {
		logger.Log.WithField("user_id", userID).Warn("No default quota config found, skip initialization")
		return nil
	}

	for _, cfg := range configs {
		existing, err := s.db.GetUserModelQuota(userID, cfg.ID)
		if err != nil {
			return fmt.Errorf("failed to read quota: %w", err)
		}
		if existing != nil {
			logger.Log.WithFields(logrus.Fields{"user_id": userID, "model_id": cfg.ID}).Debug("User quota already exists, skip")
			continue
		}

		_, err = s.db.CreateUserModelQuota(&db.UserModelQuota{
			UserID:         userID,
			ModelID:        cfg.ID,
			TotalQuota:     cfg.DefaultQuota,
			RemainingQuota: cfg.DefaultQuota,
		})
		if err != nil {
			// Another seeding call may have won the insert under the unique
			// (user, model) constraint; an existing row means we are done here.
			seeded, rerr := s.db.GetUserModelQuota(userID, cfg.ID)
			if rerr != nil || seeded == nil {
				return fmt.Errorf("failed to seed quota for model %s: %w", cfg.ID, err)
			}
			logger.Log.WithFields(logrus.Fields{"user_id": userID, "model_id": cfg.ID}).Debug("User quota seeded concurrently, skip")
			continue
		}

		logger.Log.WithFields(logrus.Fields{
			"user_id":  userID,
			"model_id": cfg.ID,
			"quota":    cfg.DefaultQuota,
		}).Info("User quota initialized")
	}

	return nil
}

// GetQuotaView returns the read model for one (user, model) ledger row,
// or nil when none exists.
func (s *QuotaService) GetQuotaView(userID, modelID string) (*QuotaView, error) {
	quota, err := s.db.GetUserModelQuota(userID, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to read quota: %w", err)
	}
	if quota == nil {
		return nil, nil
	}

	view := s.toView(quota)
	return &view, nil
}

// ListQuotaViews returns the read models for all of a user's ledger rows
func (s *QuotaService) ListQuotaViews(userID string) ([]QuotaView, error) {
	quotas, err := s.db.ListUserModelQuotas(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list quotas: %w", err)
	}

	views := make([]QuotaView, 0, len(quotas))
	for i := range quotas {
		views = append(views, s.toView(&quotas[i]))
	}
	return views, nil
}

func (s *QuotaService) toView(quota *db.UserModelQuota) QuotaView {
	view := QuotaView{
		ModelID:        quota.ModelID,
		ModelName:      quota.ModelID,
		TotalQuota:     quota.TotalQuota,
		UsedQuota:      quota.UsedQuota,
		RemainingQuota: quota.RemainingQuota,
		TotalUsed:      quota.TotalUsed,
	}

	// Usage rate is derived at read time, never stored.
	if quota.TotalQuota > 0 {
		rate := float64(quota.UsedQuota) / float64(quota.TotalQuota) * 100
		view.UsageRate = math.Round(rate*100) / 100
	}

	if model := s.models.GetModel(quota.ModelID); model != nil {
		view.ModelName = model.Name
	}

	return view
}
