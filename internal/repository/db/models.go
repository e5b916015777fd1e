package db

import "time"

// User represents a user in the database
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Conversation represents one chat conversation. ConversationID is the
// opaque client-facing identifier; ID is the row key.
type Conversation struct {
	ID               string
	ConversationID   string
	UserID           string
	ModelID          string
	Title            string
	TitleGeneratedBy string
	Deleted          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Turn is one role/content pair to be appended to a conversation. Metadata
// is free-form and stored alongside the message as JSON.
type Turn struct {
	Role     string
	Content  string
	Metadata map[string]any
}

// Message represents a stored message within a conversation. Token counts
// are only populated on assistant rows, after usage for the turn is known.
type Message struct {
	ID               string
	ConversationID   string
	Role             string
	Content          string
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	Metadata         map[string]any
	SequenceNum      int
	Deleted          bool
	CreatedAt        time.Time
}

// UserModelQuota is the mutable token balance for one (user, model) pair.
// RemainingQuota is kept equal to TotalQuota - UsedQuota by every mutation.
// TotalUsed never decreases and survives recharges.
type UserModelQuota struct {
	ID             string
	UserID         string
	ModelID        string
	TotalQuota     int64
	UsedQuota      int64
	RemainingQuota int64
	TotalUsed      int64
	LastUsedTime   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// QuotaRechargeRecord is an immutable audit row written once per recharge
type QuotaRechargeRecord struct {
	ID             string
	UserID         string
	ModelID        string
	RechargeAmount int64
	BeforeQuota    int64
	AfterQuota     int64
	OperatorID     string
	OperatorName   string
	Reason         string
	Remark         string
	CreatedAt      time.Time
}
