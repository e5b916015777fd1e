package llm

import "context"

// Message is one role/content pair of the context window sent upstream
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseUsage carries the token counts reported by the provider for one
// completed turn.
type ResponseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one unit of a streamed response. Content chunks arrive
// first; the final unit may carry Usage. Err terminates the stream.
type StreamChunk struct {
	Content string
	Usage   *ResponseUsage
	Err     error
}

// Provider defines the interface for model providers
type Provider interface {
	// ChatStream sends the context window plus system prompt and streams the
	// response. The returned channel is closed when the stream ends; a chunk
	// with Err set signals a provider failure mid-stream.
	ChatStream(ctx context.Context, messages []Message, modelID string) (<-chan StreamChunk, error)

	// DefaultModel returns the default model for this provider
	DefaultModel() string
}
