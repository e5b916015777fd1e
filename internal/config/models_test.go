package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewModelsConfig_ValidConfig(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "models.json")

	validJSON := `[
		{
			"id": "deepseek/deepseek-chat",
			"name": "DeepSeek Chat",
			"provider": "deepseek",
			"default_quota": 100000,
			"enabled": true,
			"priority": 100
		},
		{
			"id": "openai/gpt-4o-mini",
			"name": "GPT-4o Mini",
			"provider": "openai",
			"default_quota": 50000,
			"enabled": true,
			"priority": 90
		}
	]`

	err := os.WriteFile(configPath, []byte(validJSON), 0644)
	if err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	config, err := NewModelsConfig(configPath)
	if err != nil {
		t.Errorf("NewModelsConfig() error = %v, want nil", err)
		return
	}

	if config == nil {
		t.Error("NewModelsConfig() returned nil config")
		return
	}

	models := config.GetAvailableModels()
	if len(models) != 2 {
		t.Errorf("GetAvailableModels() returned %d models, want 2", len(models))
	}

	if models[0].DefaultQuota != 100000 {
		t.Errorf("models[0].DefaultQuota = %d, want 100000", models[0].DefaultQuota)
	}
}

func TestNewModelsConfig_FileNotFound(t *testing.T) {
	config, err := NewModelsConfig("/nonexistent/path/models.json")
	if err == nil {
		t.Error("NewModelsConfig() error = nil, want error for nonexistent file")
	}

	if config != nil {
		t.Error("NewModelsConfig() returned non-nil config for nonexistent file")
	}
}

func TestNewModelsConfig_InvalidJSON(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "invalid.json")

	invalidJSON := `{ this is not valid json }`

	err := os.WriteFile(configPath, []byte(invalidJSON), 0644)
	if err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	config, err := NewModelsConfig(configPath)
	if err == nil {
		t.Error("NewModelsConfig() error = nil, want error for invalid JSON")
	}

	if config != nil {
		t.Error("NewModelsConfig() returned non-nil config for invalid JSON")
	}
}

func TestModelsConfig_IsValidModel(t *testing.T) {
	config := NewModelsConfigFromModels([]Model{
		{ID: "deepseek/deepseek-chat", Enabled: true},
		{ID: "openai/gpt-4o-mini", Enabled: true},
	})

	tests := []struct {
		name    string
		modelID string
		want    bool
	}{
		{
			name:    "valid model - first in list",
			modelID: "deepseek/deepseek-chat",
			want:    true,
		},
		{
			name:    "valid model - second in list",
			modelID: "openai/gpt-4o-mini",
			want:    true,
		},
		{
			name:    "invalid model - not in list",
			modelID: "invalid/model",
			want:    false,
		},
		{
			name:    "invalid model - empty string",
			modelID: "",
			want:    false,
		},
		{
			name:    "invalid model - partial match",
			modelID: "deepseek",
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := config.IsValidModel(tt.modelID)
			if got != tt.want {
				t.Errorf("IsValidModel(%s) = %v, want %v", tt.modelID, got, tt.want)
			}
		})
	}
}

func TestModelsConfig_GetDefaultModel(t *testing.T) {
	tests := []struct {
		name   string
		models []Model
		want   string
	}{
		{
			name: "first enabled model wins",
			models: []Model{
				{ID: "disabled-model", Enabled: false},
				{ID: "enabled-model", Enabled: true},
			},
			want: "enabled-model",
		},
		{
			name: "falls back to first model when none enabled",
			models: []Model{
				{ID: "only-model", Enabled: false},
			},
			want: "only-model",
		},
		{
			name:   "empty catalog",
			models: nil,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewModelsConfigFromModels(tt.models).GetDefaultModel()
			if got != tt.want {
				t.Errorf("GetDefaultModel() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestModelsConfig_EnabledQuotaConfigs(t *testing.T) {
	config := NewModelsConfigFromModels([]Model{
		{ID: "low", DefaultQuota: 10, Enabled: true, Priority: 10},
		{ID: "disabled", DefaultQuota: 99, Enabled: false, Priority: 100},
		{ID: "high", DefaultQuota: 20, Enabled: true, Priority: 90},
	})

	configs := config.EnabledQuotaConfigs()

	if len(configs) != 2 {
		t.Fatalf("EnabledQuotaConfigs() returned %d entries, want 2", len(configs))
	}

	if configs[0].ID != "high" || configs[1].ID != "low" {
		t.Errorf("EnabledQuotaConfigs() order = [%s, %s], want [high, low]", configs[0].ID, configs[1].ID)
	}
}
