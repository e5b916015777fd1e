package conversation

import (
	"chat-stream/internal/logger"
	"chat-stream/internal/repository/db"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Valid title-origin tags
const (
	TitleByAuto  = "auto"
	TitleByUser  = "user"
	TitleByModel = "model"
)

const defaultTitle = "New Chat"

// ConversationService handles the business logic for conversation management
type ConversationService struct {
	db db.Database
}

// NewConversationService creates a new ConversationService
func NewConversationService(database db.Database) *ConversationService {
	return &ConversationService{db: database}
}

// Create starts a new conversation bound to a user and model. When
// conversationID is empty a server-side identifier is generated. The title
// starts as the placeholder with origin "auto".
func (s *ConversationService) Create(userID, modelID, conversationID string) (*db.Conversation, error) {
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	conv, err := s.db.CreateConversation(userID, modelID, conversationID, defaultTitle)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return conv, nil
}

// Get retrieves a conversation and verifies ownership
func (s *ConversationService) Get(conversationID, userID string) (*db.Conversation, error) {
	conv, err := s.db.GetConversationByConversationID(conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, db.ErrInvalidConversation
	}
	return conv, nil
}

// ListByUser retrieves all live conversations for a user, most recently
// updated first.
func (s *ConversationService) ListByUser(userID string) ([]db.Conversation, error) {
	conversations, err := s.db.ListConversationsByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve conversations: %w", err)
	}
	return conversations, nil
}

// UpdateTitle sets a new title with the given origin tag. The origin may
// only move away from "auto": once a user or the model has named the
// conversation, automatic renames are rejected.
func (s *ConversationService) UpdateTitle(conversationID, userID, title, generatedBy string) error {
	if generatedBy != TitleByUser && generatedBy != TitleByModel && generatedBy != TitleByAuto {
		return fmt.Errorf("invalid title origin: %s", generatedBy)
	}

	conv, err := s.Get(conversationID, userID)
	if err != nil {
		return err
	}

	if conv.TitleGeneratedBy != TitleByAuto && generatedBy != conv.TitleGeneratedBy {
		logger.Log.WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"current_origin":  conv.TitleGeneratedBy,
			"new_origin":      generatedBy,
		}).Warn("Rejected title origin transition")
		return fmt.Errorf("title already set by %s", conv.TitleGeneratedBy)
	}

	return s.db.UpdateConversationTitle(conversationID, title, generatedBy)
}

// AutoTitleFromMessage derives a title from the first user message of a new
// conversation. Only applies while the title is still the automatic one.
func (s *ConversationService) AutoTitleFromMessage(conv *db.Conversation, firstMessage string) {
	if conv.TitleGeneratedBy != TitleByAuto || conv.Title != defaultTitle {
		return
	}

	title := firstMessage
	runes := []rune(title)
	if len(runes) > 50 {
		title = string(runes[:50]) + "..."
	}

	if err := s.db.UpdateConversationTitle(conv.ConversationID, title, TitleByAuto); err != nil {
		logger.Log.WithError(err).Warn("Failed to auto-title conversation")
	}
}

// Touch bumps the conversation's update timestamp at the start of a turn
func (s *ConversationService) Touch(conversationID string) error {
	return s.db.TouchConversation(conversationID)
}

// Delete soft-deletes a conversation owned by the user
func (s *ConversationService) Delete(conversationID, userID string) error {
	if _, err := s.Get(conversationID, userID); err != nil {
		return err
	}

	if err := s.db.SoftDeleteConversation(conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	return nil
}
