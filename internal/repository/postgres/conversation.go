package postgres

import (
	"chat-stream/internal/logger"
	"chat-stream/internal/repository/db"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// CreateConversation creates a new conversation bound to a user and model.
// The conversation identifier is supplied by the caller (client- or
// server-generated); the row key is generated here.
func (p *PostgresDB) CreateConversation(userID, modelID, conversationID, title string) (*db.Conversation, error) {
	conn := p.conn

	conv := db.Conversation{
		ID:               uuid.New().String(),
		ConversationID:   conversationID,
		UserID:           userID,
		ModelID:          modelID,
		Title:            title,
		TitleGeneratedBy: "auto",
	}

	query := `
	INSERT INTO conversations (id, conversation_id, user_id, model_id, title, title_generated_by)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING created_at, updated_at
	`

	err := conn.QueryRow(query, conv.ID, conv.ConversationID, conv.UserID, conv.ModelID, conv.Title, conv.TitleGeneratedBy).
		Scan(&conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("error creating conversation: %w", err)
	}

	logger.Log.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"user_id":         userID,
		"model_id":        modelID,
	}).Info("Created new conversation")

	return &conv, nil
}

// GetConversationByConversationID retrieves a conversation by its opaque
// identifier. Soft-deleted conversations are not returned.
func (p *PostgresDB) GetConversationByConversationID(conversationID string) (*db.Conversation, error) {
	conn := p.conn

	var conv db.Conversation
	query := `
	SELECT id, conversation_id, user_id, model_id, title, title_generated_by, deleted = 1, created_at, updated_at
	FROM conversations
	WHERE conversation_id = $1 AND deleted = 0
	`

	err := conn.QueryRow(query, conversationID).Scan(
		&conv.ID, &conv.ConversationID, &conv.UserID, &conv.ModelID,
		&conv.Title, &conv.TitleGeneratedBy, &conv.Deleted, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, db.ErrInvalidConversation
		}
		return nil, fmt.Errorf("error retrieving conversation: %w", err)
	}

	return &conv, nil
}

// ListConversationsByUser retrieves all live conversations for a user,
// most recently updated first.
func (p *PostgresDB) ListConversationsByUser(userID string) ([]db.Conversation, error) {
	conn := p.conn

	query := `
	SELECT id, conversation_id, user_id, model_id, title, title_generated_by, deleted = 1, created_at, updated_at
	FROM conversations
	WHERE user_id = $1 AND deleted = 0
	ORDER BY updated_at DESC
	`

	rows, err := conn.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying conversations: %w", err)
	}
	defer rows.Close()

	var conversations []db.Conversation
	for rows.Next() {
		var conv db.Conversation
		if err := rows.Scan(&conv.ID, &conv.ConversationID, &conv.UserID, &conv.ModelID,
			&conv.Title, &conv.TitleGeneratedBy, &conv.Deleted, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("error scanning conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}

	return conversations, nil
}

// UpdateConversationTitle sets the title and its origin tag
func (p *PostgresDB) UpdateConversationTitle(conversationID, title, generatedBy string) error {
	conn := p.conn

	query := `
	UPDATE conversations
	SET title = $1, title_generated_by = $2, updated_at = CURRENT_TIMESTAMP
	WHERE conversation_id = $3 AND deleted = 0
	`
	res, err := conn.Exec(query, title, generatedBy, conversationID)
	if err != nil {
		return fmt.Errorf("error updating conversation title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return db.ErrInvalidConversation
	}

	logger.Log.WithFields(logrus.Fields{"conversation_id": conversationID, "title": title}).Info("Updated conversation title")
	return nil
}

// TouchConversation bumps the conversation's update timestamp
func (p *PostgresDB) TouchConversation(conversationID string) error {
	conn := p.conn

	query := `UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE conversation_id = $1 AND deleted = 0`
	if _, err := conn.Exec(query, conversationID); err != nil {
		return fmt.Errorf("error touching conversation: %w", err)
	}
	return nil
}

// SoftDeleteConversation logically removes a conversation; the row is
// retained for audit.
func (p *PostgresDB) SoftDeleteConversation(conversationID string) error {
	conn := p.conn

	query := `UPDATE conversations SET deleted = 1, updated_at = CURRENT_TIMESTAMP WHERE conversation_id = $1 AND deleted = 0`
	res, err := conn.Exec(query, conversationID)
	if err != nil {
		return fmt.Errorf("error deleting conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return db.ErrInvalidConversation
	}

	logger.Log.WithField("conversation_id", conversationID).Info("Deleted conversation")
	return nil
}
