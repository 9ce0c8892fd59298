package models

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BuiltinCatalog is used when no catalog file is configured.
func BuiltinCatalog() []Descriptor {
	return []Descriptor{
		{
			ID:               "gpt-4o",
			DisplayName:      "GPT-4o",
			Description:      "Fast, capable general model",
			Provider:         ProviderOpenAI,
			InputPricePer1M:  2.50,
			OutputPricePer1M: 10.00,
			Default:          true,
		},
		{
			ID:               "gpt-4.1",
			DisplayName:      "GPT-4.1",
			Description:      "Strong reasoning and long context",
			Provider:         ProviderOpenAI,
			InputPricePer1M:  2.00,
			OutputPricePer1M: 8.00,
		},
		{
			ID:               "gpt-4.1-mini",
			DisplayName:      "GPT-4.1 mini",
			Description:      "Cheaper and faster, good for everyday questions",
			Provider:         ProviderOpenAI,
			InputPricePer1M:  0.40,
			OutputPricePer1M: 1.60,
		},
		{
			ID:               "gpt-3.5-turbo",
			DisplayName:      "GPT-3.5 Turbo",
			Description:      "Legacy budget model",
			Provider:         ProviderOpenAI,
			InputPricePer1M:  0.50,
			OutputPricePer1M: 1.50,
		},
		{
			ID:               "claude-sonnet-4-5",
			DisplayName:      "Claude Sonnet 4.5",
			Description:      "Anthropic's balanced model",
			Provider:         ProviderAnthropic,
			InputPricePer1M:  3.00,
			OutputPricePer1M: 15.00,
		},
		{
			ID:               "claude-haiku-4-5",
			DisplayName:      "Claude Haiku 4.5",
			Description:      "Anthropic's fast model",
			Provider:         ProviderAnthropic,
			InputPricePer1M:  1.00,
			OutputPricePer1M: 5.00,
		},
	}
}

type catalogFile struct {
	Models []Descriptor `yaml:"models"`
}

// LoadCatalog reads a YAML catalog of the form
//
//	models:
//	  - id: gpt-4o
//	    provider: openai
//	    input_price_per_1m: 2.5
//	    output_price_per_1m: 10
//	    default: true
func LoadCatalog(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse model catalog %s: %w", path, err)
	}
	return f.Models, nil
}

// Load builds the registry from path, or from the builtin catalog when
// path is empty. defaultID, when set, overrides the catalog's default.
func Load(path, defaultID string) (*Registry, error) {
	descs := BuiltinCatalog()
	if path != "" {
		loaded, err := LoadCatalog(path)
		if err != nil {
			return nil, err
		}
		descs = loaded
	}
	reg, err := NewRegistry(descs)
	if err != nil {
		return nil, err
	}
	if defaultID != "" && defaultID != reg.Default().ID {
		return reg.WithDefault(defaultID)
	}
	return reg, nil
}
