package handlers

import (
	"chat-stream/internal/auth"
	"chat-stream/internal/config"
	"chat-stream/internal/logger"
	"chat-stream/internal/repository/db"
	chatService "chat-stream/internal/service/chat"
	conversationService "chat-stream/internal/service/conversation"
	memoryService "chat-stream/internal/service/memory"
	"chat-stream/pkg/validation"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// Request/Response types

type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Model          string `json:"model,omitempty"`
}

type ConversationInfo struct {
	ConversationID   string `json:"conversation_id"`
	Title            string `json:"title"`
	TitleGeneratedBy string `json:"title_generated_by"`
	ModelID          string `json:"model_id"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

type ConversationsResponse struct {
	Conversations []ConversationInfo `json:"conversations"`
}

type MessageData struct {
	ID               string         `json:"id"`
	Role             string         `json:"role"`
	Content          string         `json:"content"`
	PromptTokens     *int           `json:"prompt_tokens,omitempty"`
	CompletionTokens *int           `json:"completion_tokens,omitempty"`
	TotalTokens      *int           `json:"total_tokens,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	SequenceNum      int            `json:"sequence_num"`
	CreatedAt        string         `json:"created_at"`
}

type MessagesResponse struct {
	Messages []MessageData `json:"messages"`
}

type UpdateTitleRequest struct {
	Title       string `json:"title"`
	GeneratedBy string `json:"generated_by,omitempty"`
}

type DeleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ModelsResponse struct {
	Models []config.Model `json:"models"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ChatHandlers exposes the chat and conversation endpoints
type ChatHandlers struct {
	validator    *validation.ChatRequestValidator
	chat         *chatService.ChatService
	conversation *conversationService.ConversationService
	memory       *memoryService.MemoryService
	models       *config.ModelsConfig
}

// NewChatHandlers creates a new ChatHandlers
func NewChatHandlers(
	chat *chatService.ChatService,
	conversation *conversationService.ConversationService,
	memory *memoryService.MemoryService,
	models *config.ModelsConfig,
) *ChatHandlers {
	return &ChatHandlers{
		validator:    validation.NewChatRequestValidator(),
		chat:         chat,
		conversation: conversation,
		memory:       memory,
		models:       models,
	}
}

// ChatStreamHandler is the SSE endpoint for streaming chat responses. The
// conversation id goes out first, then content fragments interleaved with
// heartbeat markers, then the completion marker.
func (ch *ChatHandlers) ChatStreamHandler(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ch.sendError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := ch.validator.ValidateChatRequest(req.Message, req.ConversationID); err != nil {
		ch.sendError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		ch.sendError(w, http.StatusInternalServerError, "Streaming not supported", nil)
		return
	}

	result, err := ch.chat.ExecuteStreamingChat(r.Context(), userID, req.ConversationID, req.Model, req.Message)
	if err != nil {
		logger.Log.WithError(err).Error("Error starting chat stream")
		if errors.Is(err, chatService.ErrInsufficientQuota) {
			ch.sendError(w, http.StatusPaymentRequired, "Insufficient quota", err)
			return
		}
		ch.sendError(w, http.StatusInternalServerError, "Error processing message", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "data: CONV_ID:%s\n\n", result.ConversationID)
	flusher.Flush()

	for unit := range result.Stream {
		// Raw newlines would break SSE framing
		escaped := strings.ReplaceAll(unit, "\n", "\\n")
		fmt.Fprintf(w, "data: %s\n\n", escaped)
		flusher.Flush()
	}
}

// GetConversationsHandler returns all live conversations for the user
func (ch *ChatHandlers) GetConversationsHandler(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	conversations, err := ch.conversation.ListByUser(userID)
	if err != nil {
		logger.Log.WithError(err).Error("Error listing conversations")
		ch.sendError(w, http.StatusInternalServerError, "Error retrieving conversations", err)
		return
	}

	convInfos := make([]ConversationInfo, 0, len(conversations))
	for _, conv := range conversations {
		convInfos = append(convInfos, ConversationInfo{
			ConversationID:   conv.ConversationID,
			Title:            conv.Title,
			TitleGeneratedBy: conv.TitleGeneratedBy,
			ModelID:          conv.ModelID,
			CreatedAt:        conv.CreatedAt.String(),
			UpdatedAt:        conv.UpdatedAt.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ConversationsResponse{Conversations: convInfos})
}

// GetConversationMessagesHandler returns the stored turns of a conversation
func (ch *ChatHandlers) GetConversationMessagesHandler(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	convID := r.PathValue("id")

	messages, err := ch.memory.History(convID, userID, memoryService.MaxMessages)
	if err != nil {
		ch.sendConversationError(w, err, "Error retrieving messages")
		return
	}

	msgData := make([]MessageData, 0, len(messages))
	for _, msg := range messages {
		msgData = append(msgData, MessageData{
			ID:               msg.ID,
			Role:             msg.Role,
			Content:          msg.Content,
			PromptTokens:     msg.PromptTokens,
			CompletionTokens: msg.CompletionTokens,
			TotalTokens:      msg.TotalTokens,
			Metadata:         msg.Metadata,
			SequenceNum:      msg.SequenceNum,
			CreatedAt:        msg.CreatedAt.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(MessagesResponse{Messages: msgData})
}

// ClearConversationMessagesHandler clears a conversation's message log.
// Safe to repeat.
func (ch *ChatHandlers) ClearConversationMessagesHandler(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	convID := r.PathValue("id")

	if _, err := ch.conversation.Get(convID, userID); err != nil {
		ch.sendConversationError(w, err, "Error clearing messages")
		return
	}

	if err := ch.memory.Clear(convID); err != nil {
		logger.Log.WithError(err).Error("Error clearing messages")
		ch.sendError(w, http.StatusInternalServerError, "Error clearing messages", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DeleteResponse{Success: true, Message: "Messages cleared"})
}

// UpdateConversationTitleHandler renames a conversation
func (ch *ChatHandlers) UpdateConversationTitleHandler(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	convID := r.PathValue("id")

	var req UpdateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ch.sendError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := ch.validator.ValidateTitle(req.Title); err != nil {
		ch.sendError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	generatedBy := req.GeneratedBy
	if generatedBy == "" {
		generatedBy = conversationService.TitleByUser
	}

	if err := ch.conversation.UpdateTitle(convID, userID, req.Title, generatedBy); err != nil {
		if errors.Is(err, db.ErrInvalidConversation) {
			ch.sendError(w, http.StatusNotFound, "Conversation not found", err)
			return
		}
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"conversation_id": convID,
		}).Warn("Title update rejected")
		ch.sendError(w, http.StatusConflict, "Title update rejected", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DeleteResponse{Success: true, Message: "Title updated"})
}

// DeleteConversationHandler soft-deletes a conversation
func (ch *ChatHandlers) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	convID := r.PathValue("id")

	if err := ch.conversation.Delete(convID, userID); err != nil {
		ch.sendConversationError(w, err, "Error deleting conversation")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DeleteResponse{Success: true, Message: "Conversation deleted successfully"})
}

// GetModelsHandler returns the list of available models
func (ch *ChatHandlers) GetModelsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ModelsResponse{Models: ch.models.GetAvailableModels()})
}

// Helper methods

func (ch *ChatHandlers) sendConversationError(w http.ResponseWriter, err error, fallback string) {
	if errors.Is(err, db.ErrInvalidConversation) {
		ch.sendError(w, http.StatusNotFound, "Conversation not found", err)
		return
	}
	logger.Log.WithError(err).Error(fallback)
	ch.sendError(w, http.StatusInternalServerError, fallback, err)
}

// sendError sends a standardized JSON error response
func (ch *ChatHandlers) sendError(w http.ResponseWriter, status int, message string, err error) {
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
