package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
	"github.com/dotsetgreg/dotchat/pkg/memory"
)

// TestDefaultConfig_Memory verifies compaction defaults are usable as-is
func TestDefaultConfig_Memory(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Memory.AutoCompact {
		t.Error("AutoCompact should be enabled by default")
	}
	if cfg.Memory.CompactionThreshold != 10 {
		t.Errorf("CompactionThreshold = %d, want 10", cfg.Memory.CompactionThreshold)
	}
	if cfg.Memory.TailKeep != 4 {
		t.Errorf("TailKeep = %d, want 4", cfg.Memory.TailKeep)
	}
	if cfg.Memory.CompactionThreshold <= cfg.Memory.TailKeep {
		t.Error("CompactionThreshold must exceed TailKeep")
	}
	if cfg.Memory.SummaryModel == "" {
		t.Error("SummaryModel should not be empty")
	}
	if cfg.Memory.RecallBudget != 1500 {
		t.Errorf("RecallBudget = %d, want 1500", cfg.Memory.RecallBudget)
	}
}

// TestDefaultConfig_Chat verifies chat defaults
func TestDefaultConfig_Chat(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Chat.Workspace == "" {
		t.Error("Workspace should not be empty")
	}
	if cfg.Chat.MaxTokens != 2000 {
		t.Errorf("MaxTokens = %d, want 2000", cfg.Chat.MaxTokens)
	}
	if cfg.Chat.Temperature == 0 {
		t.Error("Temperature should not be zero")
	}
	if cfg.GatewayTimeout() != 60*time.Second {
		t.Errorf("GatewayTimeout = %s, want 60s", cfg.GatewayTimeout())
	}
	if cfg.Usage.ResetSchedule == "" {
		t.Error("ResetSchedule should not be empty")
	}
}

// TestDefaultConfig_Providers verifies credentials are empty by default
func TestDefaultConfig_Providers(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Providers.OpenAI.APIKey != "" {
		t.Error("OpenAI API key should be empty by default")
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		t.Error("Anthropic API key should be empty by default")
	}
	if cfg.Channels.Discord.Token != "" {
		t.Error("Discord token should be empty by default")
	}
	if got := cfg.GetOpenAIAPIBase(); got != "https://api.openai.com/v1" {
		t.Errorf("GetOpenAIAPIBase = %q", got)
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"memory":{"compaction_threshold":20,"tail_keep":6},"channels":{"discord":{"allow_from":[123,"alice"]}}}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DOTCHAT_MEMORY_TAIL_KEEP", "2")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Memory.CompactionThreshold != 20 {
		t.Fatalf("expected threshold from file, got %d", cfg.Memory.CompactionThreshold)
	}
	if cfg.Memory.TailKeep != 2 {
		t.Fatalf("expected env to override tail_keep, got %d", cfg.Memory.TailKeep)
	}
	allow := cfg.Channels.Discord.AllowFrom
	if len(allow) != 2 || allow[0] != "123" || allow[1] != "alice" {
		t.Fatalf("unexpected allow_from: %#v", allow)
	}
	if cfg.Chat.MaxTokens != 2000 {
		t.Fatalf("expected defaults to survive partial file, got max_tokens=%d", cfg.Chat.MaxTokens)
	}
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("DOTCHAT_PROVIDERS_OPENAI_API_KEY", "sk-openai")
	t.Setenv("DOTCHAT_CHAT_DEFAULT_MODEL", "gpt-4.1")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Providers.OpenAI.APIKey; got != "sk-openai" {
		t.Fatalf("expected openai api key from env, got %q", got)
	}
	if got := cfg.Chat.DefaultModel; got != "gpt-4.1" {
		t.Fatalf("expected default model from env, got %q", got)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "missing credentials", mutate: func(c *Config) {}, wantErr: true},
		{name: "openai only", mutate: func(c *Config) { c.Providers.OpenAI.APIKey = "k" }},
		{name: "anthropic only", mutate: func(c *Config) { c.Providers.Anthropic.APIKey = "k" }},
		{name: "threshold not above tail", mutate: func(c *Config) {
			c.Providers.OpenAI.APIKey = "k"
			c.Memory.CompactionThreshold = 4
			c.Memory.TailKeep = 4
		}, wantErr: true},
		{name: "threshold at cap", mutate: func(c *Config) {
			c.Providers.OpenAI.APIKey = "k"
			c.Memory.CompactionThreshold = MaxCompactionThreshold
		}},
		{name: "threshold above cap", mutate: func(c *Config) {
			c.Providers.OpenAI.APIKey = "k"
			c.Memory.CompactionThreshold = MaxCompactionThreshold + 1
		}, wantErr: true},
		{name: "recall off", mutate: func(c *Config) {
			c.Providers.OpenAI.APIKey = "k"
			c.Memory.RecallBudget = 0
		}},
		{name: "negative recall budget", mutate: func(c *Config) {
			c.Providers.OpenAI.APIKey = "k"
			c.Memory.RecallBudget = -1
		}, wantErr: true},
		{name: "negative tail", mutate: func(c *Config) {
			c.Providers.OpenAI.APIKey = "k"
			c.Memory.TailKeep = -1
		}, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) {
			c.Providers.OpenAI.APIKey = "k"
			c.Chat.GatewayTimeoutSeconds = 0
		}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				var ce *chaterr.ConfigurationError
				if !errors.As(err, &ce) {
					t.Fatalf("expected ConfigurationError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDatabasePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Chat.Workspace = "/srv/dotchat"
	if got := cfg.DatabasePath(); got != filepath.Join("/srv/dotchat", "state", "dotchat.db") {
		t.Fatalf("DatabasePath = %q", got)
	}
}

func TestMaxCompactionThresholdMatchesMemory(t *testing.T) {
	if MaxCompactionThreshold != memory.MaxThreshold {
		t.Fatalf("config cap %d differs from memory cap %d", MaxCompactionThreshold, memory.MaxThreshold)
	}
}
