package postgres

import (
	"chat-stream/internal/logger"
	"chat-stream/internal/repository/db"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AppendMessages persists the turns with gap-free sequence numbers assigned
// inside one transaction. The max-sequence read locks the latest row so two
// concurrent appends to the same conversation cannot claim the same number.
func (p *PostgresDB) AppendMessages(conversationID string, turns []db.Turn) ([]db.Message, error) {
	if len(turns) == 0 {
		return nil, nil
	}

	tx, err := p.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock the latest row so concurrent appends serialize on the sequence.
	// FOR UPDATE is not allowed with aggregates, hence ORDER BY/LIMIT.
	var nextSeq int
	seqQuery := `
	SELECT sequence_num + 1
	FROM messages
	WHERE conversation_id = $1
	ORDER BY sequence_num DESC
	LIMIT 1
	FOR UPDATE
	`
	if err := tx.QueryRow(seqQuery, conversationID).Scan(&nextSeq); err != nil {
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("error reading max sequence: %w", err)
		}
		nextSeq = 0
	}

	insertQuery := `
	INSERT INTO messages (id, conversation_id, role, content, metadata_json, sequence_num)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING created_at
	`

	messages := make([]db.Message, 0, len(turns))
	for _, turn := range turns {
		msg := db.Message{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Role:           turn.Role,
			Content:        turn.Content,
			Metadata:       turn.Metadata,
			SequenceNum:    nextSeq,
		}

		var metadataJSON []byte
		if turn.Metadata != nil {
			metadataJSON, err = json.Marshal(turn.Metadata)
			if err != nil {
				return nil, fmt.Errorf("error encoding message metadata: %w", err)
			}
		}

		if err := tx.QueryRow(insertQuery, msg.ID, msg.ConversationID, msg.Role, msg.Content, metadataJSON, msg.SequenceNum).Scan(&msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("error inserting message: %w", err)
		}
		nextSeq++
		messages = append(messages, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing messages: %w", err)
	}

	logger.Log.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"count":           len(messages),
		"first_seq":       messages[0].SequenceNum,
	}).Debug("Appended messages to conversation")

	return messages, nil
}

// GetRecentMessages returns up to limit most recent live messages in
// chronological order. The inner query selects newest-first; the outer one
// restores oldest-first order.
func (p *PostgresDB) GetRecentMessages(conversationID string, limit int) ([]db.Message, error) {
	conn := p.conn

	query := `
	SELECT id, conversation_id, role, content, prompt_tokens, completion_tokens, total_tokens, metadata_json, sequence_num, created_at
	FROM (
		SELECT id, conversation_id, role, content, prompt_tokens, completion_tokens, total_tokens, metadata_json, sequence_num, created_at
		FROM messages
		WHERE conversation_id = $1 AND deleted = 0
		ORDER BY sequence_num DESC
		LIMIT $2
	) recent
	ORDER BY sequence_num ASC
	`

	rows, err := conn.Query(query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	var messages []db.Message
	for rows.Next() {
		var msg db.Message
		var metadataJSON []byte
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&msg.PromptTokens, &msg.CompletionTokens, &msg.TotalTokens, &metadataJSON, &msg.SequenceNum, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("error decoding message metadata: %w", err)
			}
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// SoftDeleteMessages logically removes all messages of a conversation.
// Idempotent: clearing an already-cleared conversation is a no-op.
func (p *PostgresDB) SoftDeleteMessages(conversationID string) error {
	conn := p.conn

	query := `UPDATE messages SET deleted = 1 WHERE conversation_id = $1 AND deleted = 0`
	if _, err := conn.Exec(query, conversationID); err != nil {
		return fmt.Errorf("error clearing messages: %w", err)
	}

	logger.Log.WithField("conversation_id", conversationID).Info("Cleared conversation messages")
	return nil
}

// LatestAssistantMessageID returns the id of the highest-sequenced assistant
// message, or "" when none exists yet.
func (p *PostgresDB) LatestAssistantMessageID(conversationID string) (string, error) {
	conn := p.conn

	var messageID string
	query := `
	SELECT id
	FROM messages
	WHERE conversation_id = $1 AND role = 'assistant' AND deleted = 0
	ORDER BY sequence_num DESC
	LIMIT 1
	`

	err := conn.QueryRow(query, conversationID).Scan(&messageID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("error getting latest assistant message: %w", err)
	}

	return messageID, nil
}
