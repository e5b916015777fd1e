package memory

import (
	"chat-stream/internal/logger"
	"chat-stream/internal/repository/db"
	"chat-stream/internal/service/llm"
	"fmt"

	"github.com/sirupsen/logrus"
)

// MaxMessages is the ceiling on the reconstructed context window. Load
// enforces it even when a caller asks for more.
const MaxMessages = 100

// MemoryService reconstructs ordered conversation context and records new
// turns on the append-only message log.
type MemoryService struct {
	db db.Database
}

// NewMemoryService creates a new MemoryService
func NewMemoryService(database db.Database) *MemoryService {
	return &MemoryService{db: database}
}

// Append records the turns at the end of the conversation's message log,
// assigning each the next sequence number. The conversation must exist, be
// live, and belong to userID, otherwise db.ErrInvalidConversation.
func (s *MemoryService) Append(conversationID, userID string, turns []db.Turn) ([]db.Message, error) {
	if len(turns) == 0 {
		return nil, nil
	}

	conv, err := s.db.GetConversationByConversationID(conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, db.ErrInvalidConversation
	}

	messages, err := s.db.AppendMessages(conversationID, turns)
	if err != nil {
		return nil, fmt.Errorf("failed to append turns: %w", err)
	}

	logger.Log.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"count":           len(messages),
	}).Debug("Recorded conversation turns")

	return messages, nil
}

// Load returns up to limit most recent turns in chronological order, as the
// context window for the next model call. A conversation with no turns
// yields an empty window, never an error.
func (s *MemoryService) Load(conversationID string, limit int) ([]llm.Message, error) {
	if limit <= 0 || limit > MaxMessages {
		limit = MaxMessages
	}

	messages, err := s.db.GetRecentMessages(conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load context: %w", err)
	}

	window := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		window = append(window, llm.Message{Role: msg.Role, Content: msg.Content})
	}

	logger.Log.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"message_count":   len(window),
	}).Debug("Loaded context window")

	return window, nil
}

// History returns up to limit most recent turns as stored, with ids and
// token stamps, after verifying ownership.
func (s *MemoryService) History(conversationID, userID string, limit int) ([]db.Message, error) {
	conv, err := s.db.GetConversationByConversationID(conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, db.ErrInvalidConversation
	}

	if limit <= 0 || limit > MaxMessages {
		limit = MaxMessages
	}

	messages, err := s.db.GetRecentMessages(conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return messages, nil
}

// Clear soft-deletes all turns of a conversation. Idempotent.
func (s *MemoryService) Clear(conversationID string) error {
	return s.db.SoftDeleteMessages(conversationID)
}

// LatestAssistantMessageID returns the id of the most recently sequenced
// assistant turn, or "" when none exists. The lookup races with the
// turn-write path: immediately after stream completion it may return ""
// while persistence is still in flight, so callers retry once.
func (s *MemoryService) LatestAssistantMessageID(conversationID string) (string, error) {
	return s.db.LatestAssistantMessageID(conversationID)
}
