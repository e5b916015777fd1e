package validation

import (
	"errors"
	"fmt"
)

// MaxMessageChars caps a single user message
const MaxMessageChars = 32768

// ChatRequestValidator validates chat-related requests
type ChatRequestValidator struct{}

// NewChatRequestValidator creates a new ChatRequestValidator
func NewChatRequestValidator() *ChatRequestValidator {
	return &ChatRequestValidator{}
}

// ValidateMessage validates a chat message
func (v *ChatRequestValidator) ValidateMessage(message string) error {
	if message == "" {
		return errors.New("message cannot be empty")
	}
	if len(message) > MaxMessageChars {
		return fmt.Errorf("message exceeds %d characters", MaxMessageChars)
	}
	return nil
}

// ValidateConversationID validates an optional client-supplied conversation id
func (v *ChatRequestValidator) ValidateConversationID(conversationID string) error {
	if conversationID == "" {
		return nil // Optional, the server generates one
	}
	if len(conversationID) > 64 {
		return errors.New("conversation_id exceeds 64 characters")
	}
	return nil
}

// ValidateTitle validates a conversation title supplied by a user
func (v *ChatRequestValidator) ValidateTitle(title string) error {
	if title == "" {
		return errors.New("title cannot be empty")
	}
	if len(title) > 255 {
		return errors.New("title exceeds 255 characters")
	}
	return nil
}

// ValidateChatRequest validates a complete chat request
func (v *ChatRequestValidator) ValidateChatRequest(message, conversationID string) error {
	if err := v.ValidateMessage(message); err != nil {
		return err
	}

	if err := v.ValidateConversationID(conversationID); err != nil {
		return err
	}

	return nil
}
