package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Chat      ChatConfig      `json:"chat"`
	Memory    MemoryConfig    `json:"memory"`
	Usage     UsageConfig     `json:"usage"`
	Models    ModelsConfig    `json:"models"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Logging   LoggingConfig   `json:"logging"`
	mu        sync.RWMutex
}

type ChatConfig struct {
	Workspace             string  `json:"workspace" env:"DOTCHAT_CHAT_WORKSPACE"`
	DefaultModel          string  `json:"default_model" env:"DOTCHAT_CHAT_DEFAULT_MODEL"`
	SystemPrompt          string  `json:"system_prompt" env:"DOTCHAT_CHAT_SYSTEM_PROMPT"`
	MaxTokens             int     `json:"max_tokens" env:"DOTCHAT_CHAT_MAX_TOKENS"`
	Temperature           float64 `json:"temperature" env:"DOTCHAT_CHAT_TEMPERATURE"`
	GatewayTimeoutSeconds int     `json:"gateway_timeout_seconds" env:"DOTCHAT_CHAT_GATEWAY_TIMEOUT_SECONDS"`
}

// MaxCompactionThreshold is the largest accepted compaction_threshold.
// It equals memory.MaxThreshold.
const MaxCompactionThreshold = 500

// MemoryConfig controls compaction and recall. CompactionThreshold must be
// in (TailKeep, MaxCompactionThreshold]. RecallBudget is the token budget for
// archived messages recalled into a prompt; 0 turns recall off.
type MemoryConfig struct {
	AutoCompact         bool   `json:"auto_compact" env:"DOTCHAT_MEMORY_AUTO_COMPACT"`
	CompactionThreshold int    `json:"compaction_threshold" env:"DOTCHAT_MEMORY_COMPACTION_THRESHOLD"`
	TailKeep            int    `json:"tail_keep" env:"DOTCHAT_MEMORY_TAIL_KEEP"`
	SummaryModel        string `json:"summary_model" env:"DOTCHAT_MEMORY_SUMMARY_MODEL"`
	SummaryMaxTokens    int    `json:"summary_max_tokens" env:"DOTCHAT_MEMORY_SUMMARY_MAX_TOKENS"`
	RecallBudget        int    `json:"recall_budget" env:"DOTCHAT_MEMORY_RECALL_BUDGET"`
}

type UsageConfig struct {
	ResetSchedule string `json:"reset_schedule" env:"DOTCHAT_USAGE_RESET_SCHEDULE"`
}

type ModelsConfig struct {
	CatalogPath string `json:"catalog_path" env:"DOTCHAT_MODELS_CATALOG_PATH"`
}

type ProvidersConfig struct {
	OpenAI    OpenAIConfig    `json:"openai"`
	Anthropic AnthropicConfig `json:"anthropic"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" env:"DOTCHAT_PROVIDERS_OPENAI_API_KEY"`
	APIBase string `json:"api_base" env:"DOTCHAT_PROVIDERS_OPENAI_API_BASE"`
}

type AnthropicConfig struct {
	APIKey  string `json:"api_key" env:"DOTCHAT_PROVIDERS_ANTHROPIC_API_KEY"`
	APIBase string `json:"api_base" env:"DOTCHAT_PROVIDERS_ANTHROPIC_API_BASE"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token     string              `json:"token" env:"DOTCHAT_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"DOTCHAT_CHANNELS_DISCORD_ALLOW_FROM"`
}

type LoggingConfig struct {
	Level  string `json:"level" env:"DOTCHAT_LOGGING_LEVEL"`
	Format string `json:"format" env:"DOTCHAT_LOGGING_FORMAT"`
}

const DefaultSystemPrompt = "You are a helpful assistant. Answer clearly and concisely, and keep track of what the user told you earlier in the conversation."

func DefaultConfig() *Config {
	return &Config{
		Chat: ChatConfig{
			Workspace:             "~/.dotchat/workspace",
			DefaultModel:          "",
			SystemPrompt:          DefaultSystemPrompt,
			MaxTokens:             2000,
			Temperature:           0.7,
			GatewayTimeoutSeconds: 60,
		},
		Memory: MemoryConfig{
			AutoCompact:         true,
			CompactionThreshold: 10,
			TailKeep:            4,
			SummaryModel:        "gpt-4.1-mini",
			SummaryMaxTokens:    800,
			RecallBudget:        1500,
		},
		Usage: UsageConfig{
			ResetSchedule: "0 0 1 * *",
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads path (if present) over the defaults, then applies
// DOTCHAT_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate rejects settings the process cannot serve with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if strings.TrimSpace(c.Providers.OpenAI.APIKey) == "" && strings.TrimSpace(c.Providers.Anthropic.APIKey) == "" {
		return chaterr.Configf("providers", "no API key configured (set DOTCHAT_PROVIDERS_OPENAI_API_KEY or DOTCHAT_PROVIDERS_ANTHROPIC_API_KEY)")
	}
	if c.Memory.TailKeep < 0 {
		return chaterr.Configf("memory.tail_keep", "must not be negative, got %d", c.Memory.TailKeep)
	}
	if c.Memory.CompactionThreshold <= c.Memory.TailKeep {
		return chaterr.Configf("memory.compaction_threshold", "must be greater than tail_keep (%d), got %d", c.Memory.TailKeep, c.Memory.CompactionThreshold)
	}
	if c.Memory.CompactionThreshold > MaxCompactionThreshold {
		return chaterr.Configf("memory.compaction_threshold", "must be at most %d, got %d", MaxCompactionThreshold, c.Memory.CompactionThreshold)
	}
	if c.Memory.RecallBudget < 0 {
		return chaterr.Configf("memory.recall_budget", "must not be negative, got %d", c.Memory.RecallBudget)
	}
	if c.Chat.GatewayTimeoutSeconds <= 0 {
		return chaterr.Configf("chat.gateway_timeout_seconds", "must be positive, got %d", c.Chat.GatewayTimeoutSeconds)
	}
	if c.Chat.MaxTokens <= 0 {
		return chaterr.Configf("chat.max_tokens", "must be positive, got %d", c.Chat.MaxTokens)
	}
	return nil
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Chat.Workspace)
}

// DatabasePath is the SQLite file holding all per-user state.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.WorkspacePath(), "state", "dotchat.db")
}

func (c *Config) GatewayTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Chat.GatewayTimeoutSeconds) * time.Second
}

func (c *Config) GetOpenAIAPIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Providers.OpenAI.APIBase != "" {
		return c.Providers.OpenAI.APIBase
	}
	return "https://api.openai.com/v1"
}

func (c *Config) GetAnthropicAPIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Providers.Anthropic.APIBase != "" {
		return c.Providers.Anthropic.APIBase
	}
	return "https://api.anthropic.com"
}

// DefaultConfigPath is ~/.dotchat/config.json.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dotchat", "config.json")
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
