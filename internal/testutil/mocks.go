package testutil

import (
	"chat-stream/internal/repository/db"
	"chat-stream/internal/service/llm"
	"context"
)

// MockDatabase implements db.Database with overridable function fields.
// Methods without an override return zero values.
type MockDatabase struct {
	GetUserByUsernameFunc               func(username string) (*db.User, error)
	CreateUserFunc                      func(username, email, passwordHash string) (*db.User, error)
	CreateConversationFunc              func(userID, modelID, conversationID, title string) (*db.Conversation, error)
	GetConversationByConversationIDFunc func(conversationID string) (*db.Conversation, error)
	ListConversationsByUserFunc         func(userID string) ([]db.Conversation, error)
	UpdateConversationTitleFunc         func(conversationID, title, generatedBy string) error
	TouchConversationFunc               func(conversationID string) error
	SoftDeleteConversationFunc          func(conversationID string) error
	AppendMessagesFunc                  func(conversationID string, turns []db.Turn) ([]db.Message, error)
	GetRecentMessagesFunc               func(conversationID string, limit int) ([]db.Message, error)
	SoftDeleteMessagesFunc              func(conversationID string) error
	LatestAssistantMessageIDFunc        func(conversationID string) (string, error)
	GetUserModelQuotaFunc               func(userID, modelID string) (*db.UserModelQuota, error)
	CreateUserModelQuotaFunc            func(quota *db.UserModelQuota) (*db.UserModelQuota, error)
	ListUserModelQuotasFunc             func(userID string) ([]db.UserModelQuota, error)
	ApplyQuotaDeductionFunc             func(quotaID string, expectedRemaining int64, messageID string, promptTokens, completionTokens, totalTokens int) (bool, error)
	ApplyQuotaRechargeFunc              func(quotaID string, amount int64, record *db.QuotaRechargeRecord) (*db.QuotaRechargeRecord, error)
}

var _ db.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetUserByUsername(username string) (*db.User, error) {
	if m.GetUserByUsernameFunc != nil {
		return m.GetUserByUsernameFunc(username)
	}
	return nil, nil
}

func (m *MockDatabase) CreateUser(username, email, passwordHash string) (*db.User, error) {
	if m.CreateUserFunc != nil {
		return m.CreateUserFunc(username, email, passwordHash)
	}
	return nil, nil
}

func (m *MockDatabase) CreateConversation(userID, modelID, conversationID, title string) (*db.Conversation, error) {
	if m.CreateConversationFunc != nil {
		return m.CreateConversationFunc(userID, modelID, conversationID, title)
	}
	return nil, nil
}

func (m *MockDatabase) GetConversationByConversationID(conversationID string) (*db.Conversation, error) {
	if m.GetConversationByConversationIDFunc != nil {
		return m.GetConversationByConversationIDFunc(conversationID)
	}
	return nil, nil
}

func (m *MockDatabase) ListConversationsByUser(userID string) ([]db.Conversation, error) {
	if m.ListConversationsByUserFunc != nil {
		return m.ListConversationsByUserFunc(userID)
	}
	return nil, nil
}

func (m *MockDatabase) UpdateConversationTitle(conversationID, title, generatedBy string) error {
	if m.UpdateConversationTitleFunc != nil {
		return m.UpdateConversationTitleFunc(conversationID, title, generatedBy)
	}
	return nil
}

func (m *MockDatabase) TouchConversation(conversationID string) error {
	if m.TouchConversationFunc != nil {
		return m.TouchConversationFunc(conversationID)
	}
	return nil
}

func (m *MockDatabase) SoftDeleteConversation(conversationID string) error {
	if m.SoftDeleteConversationFunc != nil {
		return m.SoftDeleteConversationFunc(conversationID)
	}
	return nil
}

func (m *MockDatabase) AppendMessages(conversationID string, turns []db.Turn) ([]db.Message, error) {
	if m.AppendMessagesFunc != nil {
		return m.AppendMessagesFunc(conversationID, turns)
	}
	return nil, nil
}

func (m *MockDatabase) GetRecentMessages(conversationID string, limit int) ([]db.Message, error) {
	if m.GetRecentMessagesFunc != nil {
		return m.GetRecentMessagesFunc(conversationID, limit)
	}
	return nil, nil
}

func (m *MockDatabase) SoftDeleteMessages(conversationID string) error {
	if m.SoftDeleteMessagesFunc != nil {
		return m.SoftDeleteMessagesFunc(conversationID)
	}
	return nil
}

func (m *MockDatabase) LatestAssistantMessageID(conversationID string) (string, error) {
	if m.LatestAssistantMessageIDFunc != nil {
		return m.LatestAssistantMessageIDFunc(conversationID)
	}
	return "", nil
}

func (m *MockDatabase) GetUserModelQuota(userID, modelID string) (*db.UserModelQuota, error) {
	if m.GetUserModelQuotaFunc != nil {
		return m.GetUserModelQuotaFunc(userID, modelID)
	}
	return nil, nil
}

func (m *MockDatabase) CreateUserModelQuota(quota *db.UserModelQuota) (*db.UserModelQuota, error) {
	if m.CreateUserModelQuotaFunc != nil {
		return m.CreateUserModelQuotaFunc(quota)
	}
	return quota, nil
}

func (m *MockDatabase) ListUserModelQuotas(userID string) ([]db.UserModelQuota, error) {
	if m.ListUserModelQuotasFunc != nil {
		return m.ListUserModelQuotasFunc(userID)
	}
	return nil, nil
}

func (m *MockDatabase) ApplyQuotaDeduction(quotaID string, expectedRemaining int64, messageID string, promptTokens, completionTokens, totalTokens int) (bool, error) {
	if m.ApplyQuotaDeductionFunc != nil {
		return m.ApplyQuotaDeductionFunc(quotaID, expectedRemaining, messageID, promptTokens, completionTokens, totalTokens)
	}
	return true, nil
}

func (m *MockDatabase) ApplyQuotaRecharge(quotaID string, amount int64, record *db.QuotaRechargeRecord) (*db.QuotaRechargeRecord, error) {
	if m.ApplyQuotaRechargeFunc != nil {
		return m.ApplyQuotaRechargeFunc(quotaID, amount, record)
	}
	return record, nil
}

// MockProvider implements llm.Provider with overridable function fields
type MockProvider struct {
	ChatStreamFunc   func(ctx context.Context, messages []llm.Message, modelID string) (<-chan llm.StreamChunk, error)
	DefaultModelFunc func() string
}

var _ llm.Provider = (*MockProvider)(nil)

func (m *MockProvider) ChatStream(ctx context.Context, messages []llm.Message, modelID string) (<-chan llm.StreamChunk, error) {
	if m.ChatStreamFunc != nil {
		return m.ChatStreamFunc(ctx, messages, modelID)
	}
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (m *MockProvider) DefaultModel() string {
	if m.DefaultModelFunc != nil {
		return m.DefaultModelFunc()
	}
	return "test-model"
}
