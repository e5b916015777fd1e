package db

// Database defines the interface for all database operations
// This allows for easier testing through mocking and decouples the services from the specific database implementation
type Database interface {
	// Users
	GetUserByUsername(username string) (*User, error)
	CreateUser(username, email, passwordHash string) (*User, error)

	// Conversations
	CreateConversation(userID, modelID, conversationID, title string) (*Conversation, error)
	GetConversationByConversationID(conversationID string) (*Conversation, error)
	ListConversationsByUser(userID string) ([]Conversation, error)
	UpdateConversationTitle(conversationID, title, generatedBy string) error
	TouchConversation(conversationID string) error
	SoftDeleteConversation(conversationID string) error

	// Messages
	// AppendMessages assigns gap-free sequence numbers (max+1, or 0 for the
	// first message) and persists the turns in one transaction.
	AppendMessages(conversationID string, turns []Turn) ([]Message, error)
	// GetRecentMessages returns up to limit most recent non-deleted messages
	// in chronological (oldest-first) order.
	GetRecentMessages(conversationID string, limit int) ([]Message, error)
	SoftDeleteMessages(conversationID string) error
	// LatestAssistantMessageID returns the id of the highest-sequenced
	// assistant message, or "" when the conversation has none.
	LatestAssistantMessageID(conversationID string) (string, error)

	// Quotas
	// GetUserModelQuota returns nil, nil when no ledger row exists.
	GetUserModelQuota(userID, modelID string) (*UserModelQuota, error)
	CreateUserModelQuota(quota *UserModelQuota) (*UserModelQuota, error)
	ListUserModelQuotas(userID string) ([]UserModelQuota, error)
	// ApplyQuotaDeduction atomically moves tokens from remaining to used and
	// stamps the token counts onto the referenced message row, in one
	// transaction. The update is conditional on the ledger row still holding
	// expectedRemaining; it reports false without changing anything when a
	// concurrent writer got there first.
	ApplyQuotaDeduction(quotaID string, expectedRemaining int64, messageID string, promptTokens, completionTokens, totalTokens int) (bool, error)
	// ApplyQuotaRecharge atomically increases total and remaining by amount
	// and appends the immutable audit row; both writes commit or roll back
	// together. Returns the written record with before/after balances.
	ApplyQuotaRecharge(quotaID string, amount int64, record *QuotaRechargeRecord) (*QuotaRechargeRecord, error)
}
