package config

import (
	"encoding/json"
	"os"
	"sort"
)

// Model describes one entry of the model catalog. Besides identifying the
// upstream model, each entry carries the default token grant that seeds a
// new user's quota row for that model.
type Model struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Provider     string `json:"provider"`
	DefaultQuota int64  `json:"default_quota"`
	Enabled      bool   `json:"enabled"`
	Priority     int    `json:"priority"`
}

// ModelsConfig holds the available models configuration
type ModelsConfig struct {
	models []Model
}

// NewModelsConfig creates a new models configuration from a file
func NewModelsConfig(configPath string) (*ModelsConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	var models []Model
	err = json.Unmarshal(data, &models)
	if err != nil {
		return nil, err
	}

	return &ModelsConfig{models: models}, nil
}

// NewModelsConfigFromModels builds a catalog directly from a model list
func NewModelsConfigFromModels(models []Model) *ModelsConfig {
	return &ModelsConfig{models: models}
}

// GetAvailableModels returns the list of available models
func (mc *ModelsConfig) GetAvailableModels() []Model {
	return mc.models
}

// IsValidModel checks if a model ID is in the list of available models
func (mc *ModelsConfig) IsValidModel(modelID string) bool {
	for _, model := range mc.models {
		if model.ID == modelID {
			return true
		}
	}
	return false
}

// GetModel returns the catalog entry for a model ID, or nil if unknown
func (mc *ModelsConfig) GetModel(modelID string) *Model {
	for i := range mc.models {
		if mc.models[i].ID == modelID {
			return &mc.models[i]
		}
	}
	return nil
}

// GetDefaultModel returns the first enabled model as the default
func (mc *ModelsConfig) GetDefaultModel() string {
	for _, model := range mc.models {
		if model.Enabled {
			return model.ID
		}
	}
	if len(mc.models) > 0 {
		return mc.models[0].ID
	}
	return ""
}

// EnabledQuotaConfigs returns the enabled catalog entries ordered by
// descending priority. Quota initialization seeds one ledger row per entry.
func (mc *ModelsConfig) EnabledQuotaConfigs() []Model {
	var enabled []Model
	for _, model := range mc.models {
		if model.Enabled {
			enabled = append(enabled, model)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority > enabled[j].Priority
	})
	return enabled
}
