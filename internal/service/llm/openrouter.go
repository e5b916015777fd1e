package llm

import (
	"bufio"
	"bytes"
	"chat-stream/internal/config"
	"chat-stream/internal/logger"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// OpenRouterProvider implements Provider against an OpenAI-compatible
// chat-completions endpoint.
type OpenRouterProvider struct {
	config *config.LLMConfig
	models *config.ModelsConfig
	client *http.Client
}

// NewOpenRouterProvider creates a new provider with config
func NewOpenRouterProvider(llmConfig *config.LLMConfig, modelsConfig *config.ModelsConfig) *OpenRouterProvider {
	return &OpenRouterProvider{
		config: llmConfig,
		models: modelsConfig,
		client: &http.Client{Timeout: llmConfig.RequestTimeout},
	}
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message Message `json:"message"`
		Delta   Message `json:"delta"`
	} `json:"choices"`
	Usage *ResponseUsage `json:"usage,omitempty"`
}

// DefaultModel returns the catalog's default model
func (p *OpenRouterProvider) DefaultModel() string {
	return p.models.GetDefaultModel()
}

// ChatStream sends a streaming chat request. Usage is requested on the final
// stream unit so quota settlement can run after completion.
func (p *OpenRouterProvider) ChatStream(ctx context.Context, messages []Message, modelID string) (<-chan StreamChunk, error) {
	if p.config.APIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY not configured")
	}

	model := modelID
	if model == "" {
		model = p.DefaultModel()
	}

	logger.Log.WithFields(logrus.Fields{
		"model":         model,
		"message_count": len(messages),
	}).Info("Calling model provider (streaming)")

	withSystem := append([]Message{{Role: "system", Content: p.config.DefaultSystemPrompt}}, messages...)

	reqBody := chatRequest{
		Model:         model,
		Messages:      withSystem,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	url := strings.TrimSuffix(p.config.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	chunks := make(chan StreamChunk)

	go func() {
		defer resp.Body.Close()
		defer close(chunks)

		var usage *ResponseUsage

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()

			// Skip empty lines and [DONE] markers
			if line == "" || line == "data: [DONE]" {
				continue
			}

			if strings.HasPrefix(line, "data: ") {
				jsonStr := strings.TrimPrefix(line, "data: ")

				var streamResp chatResponse
				if err := json.Unmarshal([]byte(jsonStr), &streamResp); err != nil {
					logger.Log.WithError(err).Warn("Error parsing stream chunk")
					continue
				}

				// Usage arrives at the end, on a unit with empty choices
				if streamResp.Usage != nil {
					usage = streamResp.Usage
				}

				if len(streamResp.Choices) > 0 && streamResp.Choices[0].Delta.Content != "" {
					chunks <- StreamChunk{Content: streamResp.Choices[0].Delta.Content}
				}
			}
		}

		if err := scanner.Err(); err != nil {
			logger.Log.WithError(err).Error("Scanner error during streaming")
			chunks <- StreamChunk{Err: fmt.Errorf("stream read error: %w", err)}
			return
		}

		if usage != nil {
			chunks <- StreamChunk{Usage: usage}
			logger.Log.WithFields(logrus.Fields{
				"prompt_tokens":     usage.PromptTokens,
				"completion_tokens": usage.CompletionTokens,
				"total_tokens":      usage.TotalTokens,
			}).Debug("Captured usage data")
		}
	}()

	return chunks, nil
}
