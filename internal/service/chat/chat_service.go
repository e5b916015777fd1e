package chat

import (
	"chat-stream/internal/config"
	"chat-stream/internal/logger"
	"chat-stream/internal/repository/db"
	"chat-stream/internal/service/conversation"
	"chat-stream/internal/service/llm"
	"chat-stream/internal/service/memory"
	"chat-stream/internal/service/quota"
	"chat-stream/internal/service/stream"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrInsufficientQuota rejects a turn before any model call is made
var ErrInsufficientQuota = errors.New("insufficient quota for model")

// ChatService wires one chat turn end to end: quota gate, conversation
// resolution, context reconstruction, model call, and the merged client
// stream.
type ChatService struct {
	provider     llm.Provider
	conversation *conversation.ConversationService
	memory       *memory.MemoryService
	quota        *quota.QuotaService
	orchestrator *stream.StreamOrchestrator
	models       *config.ModelsConfig
}

// NewChatService creates a new ChatService
func NewChatService(
	provider llm.Provider,
	conversationService *conversation.ConversationService,
	memoryService *memory.MemoryService,
	quotaService *quota.QuotaService,
	orchestrator *stream.StreamOrchestrator,
	models *config.ModelsConfig,
) *ChatService {
	return &ChatService{
		provider:     provider,
		conversation: conversationService,
		memory:       memoryService,
		quota:        quotaService,
		orchestrator: orchestrator,
		models:       models,
	}
}

// StreamResult carries the resolved conversation and the merged client
// stream for one turn.
type StreamResult struct {
	ConversationID string
	Stream         <-chan string
}

// ExecuteStreamingChat runs one streamed turn. The user turn is persisted
// before the model call; the assistant turn is persisted when the stream
// completes. Quota is checked up front and settled by the orchestrator after
// completion.
func (s *ChatService) ExecuteStreamingChat(ctx context.Context, userID, conversationID, modelID, message string) (*StreamResult, error) {
	if modelID == "" {
		modelID = s.provider.DefaultModel()
	}
	if !s.models.IsValidModel(modelID) {
		return nil, fmt.Errorf("unknown model: %s", modelID)
	}

	allowed, err := s.quota.Check(userID, modelID, 0)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrInsufficientQuota
	}

	conv, err := s.resolveConversation(userID, conversationID, modelID)
	if err != nil {
		return nil, err
	}

	s.conversation.AutoTitleFromMessage(conv, message)

	if err := s.conversation.Touch(conv.ConversationID); err != nil {
		logger.Log.WithError(err).Warn("Failed to touch conversation")
	}

	if _, err := s.memory.Append(conv.ConversationID, userID, []db.Turn{
		{Role: "user", Content: message},
	}); err != nil {
		return nil, err
	}

	window, err := s.memory.Load(conv.ConversationID, memory.MaxMessages)
	if err != nil {
		return nil, err
	}

	upstream, err := s.provider.ChatStream(ctx, window, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to start model stream: %w", err)
	}

	logger.Log.WithFields(logrus.Fields{
		"conversation_id": conv.ConversationID,
		"user_id":         userID,
		"model_id":        modelID,
		"context_size":    len(window),
	}).Info("Streaming chat turn started")

	persisted := s.persistOnComplete(ctx, upstream, conv.ConversationID, userID, modelID)
	merged := s.orchestrator.Run(ctx, conv.ConversationID, userID, modelID, persisted)

	return &StreamResult{ConversationID: conv.ConversationID, Stream: merged}, nil
}

// resolveConversation loads the conversation when the client names one, or
// creates it. A client-supplied id that does not exist yet starts a new
// conversation under that id.
func (s *ChatService) resolveConversation(userID, conversationID, modelID string) (*db.Conversation, error) {
	if conversationID == "" {
		return s.conversation.Create(userID, modelID, "")
	}

	conv, err := s.conversation.Get(conversationID, userID)
	if errors.Is(err, db.ErrInvalidConversation) {
		return s.conversation.Create(userID, modelID, conversationID)
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// persistOnComplete forwards the model chunks unchanged and, when the stream
// completes without error, records the accumulated assistant turn on the
// message log with the serving model as metadata. Nothing is persisted for a
// failed or abandoned stream; in those cases the upstream is drained so the
// provider goroutine can finish.
func (s *ChatService) persistOnComplete(ctx context.Context, upstream <-chan llm.StreamChunk, conversationID, userID, modelID string) <-chan llm.StreamChunk {
	out := make(chan llm.StreamChunk)

	go func() {
		defer close(out)

		var full strings.Builder

		for chunk := range upstream {
			if chunk.Content != "" {
				full.WriteString(chunk.Content)
			}

			select {
			case out <- chunk:
			case <-ctx.Done():
				for range upstream {
				}
				return
			}

			if chunk.Err != nil {
				for range upstream {
				}
				return
			}
		}

		if full.Len() == 0 {
			return
		}

		if _, err := s.memory.Append(conversationID, userID, []db.Turn{
			{
				Role:     "assistant",
				Content:  full.String(),
				Metadata: map[string]any{"model": modelID},
			},
		}); err != nil {
			logger.Log.WithError(err).WithField("conversation_id", conversationID).Error("Failed to persist assistant turn")
		}
	}()

	return out
}
