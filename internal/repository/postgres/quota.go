package postgres

import (
	"chat-stream/internal/logger"
	"chat-stream/internal/repository/db"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// GetUserModelQuota retrieves the ledger row for one (user, model) pair.
// Returns nil, nil when no row exists.
func (p *PostgresDB) GetUserModelQuota(userID, modelID string) (*db.UserModelQuota, error) {
	conn := p.conn

	var quota db.UserModelQuota
	query := `
	SELECT id, user_id, model_id, total_quota, used_quota, remaining_quota, total_used, last_used_time, created_at, updated_at
	FROM user_model_quotas
	WHERE user_id = $1 AND model_id = $2
	`

	err := conn.QueryRow(query, userID, modelID).Scan(
		&quota.ID, &quota.UserID, &quota.ModelID,
		&quota.TotalQuota, &quota.UsedQuota, &quota.RemainingQuota, &quota.TotalUsed,
		&quota.LastUsedTime, &quota.CreatedAt, &quota.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("error retrieving quota: %w", err)
	}

	return &quota, nil
}

// CreateUserModelQuota inserts a new ledger row
func (p *PostgresDB) CreateUserModelQuota(quota *db.UserModelQuota) (*db.UserModelQuota, error) {
	conn := p.conn

	created := *quota
	created.ID = uuid.New().String()

	query := `
	INSERT INTO user_model_quotas (id, user_id, model_id, total_quota, used_quota, remaining_quota, total_used)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING created_at, updated_at
	`

	err := conn.QueryRow(query, created.ID, created.UserID, created.ModelID,
		created.TotalQuota, created.UsedQuota, created.RemainingQuota, created.TotalUsed).
		Scan(&created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("error creating quota: %w", err)
	}

	logger.Log.WithFields(logrus.Fields{
		"user_id":  created.UserID,
		"model_id": created.ModelID,
		"total":    created.TotalQuota,
	}).Info("Created quota row")

	return &created, nil
}

// ListUserModelQuotas retrieves all ledger rows for a user
func (p *PostgresDB) ListUserModelQuotas(userID string) ([]db.UserModelQuota, error) {
	conn := p.conn

	query := `
	SELECT id, user_id, model_id, total_quota, used_quota, remaining_quota, total_used, last_used_time, created_at, updated_at
	FROM user_model_quotas
	WHERE user_id = $1
	ORDER BY updated_at DESC
	`

	rows, err := conn.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying quotas: %w", err)
	}
	defer rows.Close()

	var quotas []db.UserModelQuota
	for rows.Next() {
		var quota db.UserModelQuota
		if err := rows.Scan(&quota.ID, &quota.UserID, &quota.ModelID,
			&quota.TotalQuota, &quota.UsedQuota, &quota.RemainingQuota, &quota.TotalUsed,
			&quota.LastUsedTime, &quota.CreatedAt, &quota.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error scanning quota: %w", err)
		}
		quotas = append(quotas, quota)
	}

	return quotas, nil
}

// ApplyQuotaDeduction moves tokens from remaining to used and stamps the
// counts onto the message row, in one transaction. The balance update is
// conditional on remaining_quota still being expectedRemaining; when a
// concurrent writer changed the row first, nothing is written and false is
// returned so the caller can re-read and retry.
func (p *PostgresDB) ApplyQuotaDeduction(quotaID string, expectedRemaining int64, messageID string, promptTokens, completionTokens, totalTokens int) (bool, error) {
	tx, err := p.conn.Begin()
	if err != nil {
		return false, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	updateQuota := `
	UPDATE user_model_quotas
	SET used_quota = used_quota + $1,
	    remaining_quota = remaining_quota - $1,
	    total_used = total_used + $1,
	    last_used_time = CURRENT_TIMESTAMP,
	    updated_at = CURRENT_TIMESTAMP
	WHERE id = $2 AND remaining_quota = $3
	`
	res, err := tx.Exec(updateQuota, totalTokens, quotaID, expectedRemaining)
	if err != nil {
		return false, fmt.Errorf("error updating quota balance: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("error checking quota update: %w", err)
	} else if n == 0 {
		// Lost the race; caller re-reads and retries.
		return false, nil
	}

	updateMessage := `
	UPDATE messages
	SET prompt_tokens = $1, completion_tokens = $2, total_tokens = $3
	WHERE id = $4
	`
	if _, err := tx.Exec(updateMessage, promptTokens, completionTokens, totalTokens, messageID); err != nil {
		return false, fmt.Errorf("error stamping message tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("error committing deduction: %w", err)
	}

	return true, nil
}

// ApplyQuotaRecharge increases total and remaining by amount and appends the
// audit row; both writes commit or roll back together.
func (p *PostgresDB) ApplyQuotaRecharge(quotaID string, amount int64, record *db.QuotaRechargeRecord) (*db.QuotaRechargeRecord, error) {
	tx, err := p.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	var afterQuota int64
	updateQuota := `
	UPDATE user_model_quotas
	SET total_quota = total_quota + $1,
	    remaining_quota = remaining_quota + $1,
	    updated_at = CURRENT_TIMESTAMP
	WHERE id = $2
	RETURNING remaining_quota
	`
	if err := tx.QueryRow(updateQuota, amount, quotaID).Scan(&afterQuota); err != nil {
		return nil, fmt.Errorf("error updating quota balance: %w", err)
	}

	written := *record
	written.ID = uuid.New().String()
	written.RechargeAmount = amount
	written.AfterQuota = afterQuota
	written.BeforeQuota = afterQuota - amount

	insertRecord := `
	INSERT INTO quota_recharge_records (id, user_id, model_id, recharge_amount, before_quota, after_quota, operator_id, operator_name, reason, remark)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	RETURNING created_at
	`
	err = tx.QueryRow(insertRecord, written.ID, written.UserID, written.ModelID,
		written.RechargeAmount, written.BeforeQuota, written.AfterQuota,
		written.OperatorID, written.OperatorName, written.Reason, written.Remark).
		Scan(&written.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("error writing recharge record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing recharge: %w", err)
	}

	logger.Log.WithFields(logrus.Fields{
		"user_id":  written.UserID,
		"model_id": written.ModelID,
		"amount":   amount,
		"before":   written.BeforeQuota,
		"after":    written.AfterQuota,
	}).Info("Quota recharged")

	return &written, nil
}
