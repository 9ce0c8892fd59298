// dotchat - Conversational assistant with long-term summary memory
// License: MIT
//
// Copyright (c) 2026 dotchat contributors

package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/dotsetgreg/dotchat/pkg/chat"
	"github.com/dotsetgreg/dotchat/pkg/chaterr"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/memory"
	"github.com/dotsetgreg/dotchat/pkg/models"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/usage"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "dotchat"

const (
	chatRetryAttempts = 2
	chatRetryBackoff  = time.Second
)

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	build = buildTime
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runtimeDeps is everything a command needs to serve conversations.
type runtimeDeps struct {
	cfg      *config.Config
	registry *models.Registry
	memory   *memory.Service
	router   *providers.Router
	recorder *usage.Recorder
	engine   *chat.Engine
}

func loadConfig(path string, debug bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := logger.ParseLevel(cfg.Logging.Level)
	if debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)
	logger.SetJSON(strings.EqualFold(cfg.Logging.Format, "json"))
	return cfg, nil
}

// buildRegistry loads the catalog and keeps only models whose provider has
// credentials. With no credentials at all the full catalog is returned so
// read-only commands still work.
func buildRegistry(cfg *config.Config) (*models.Registry, error) {
	reg, err := models.Load(cfg.Models.CatalogPath, cfg.Chat.DefaultModel)
	if err != nil {
		return nil, err
	}
	configured := providers.ConfiguredProviders(cfg)
	if len(configured) == 0 {
		return reg, nil
	}
	return reg.Restrict(configured...)
}

// bootstrap validates cfg and wires storage, gateways, accounting and the
// engine. Callers must close the result.
func bootstrap(cfg *config.Config) (*runtimeDeps, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	chaterr.RegisterSecret(cfg.Providers.OpenAI.APIKey)
	chaterr.RegisterSecret(cfg.Providers.Anthropic.APIKey)
	chaterr.RegisterSecret(cfg.Channels.Discord.Token)

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	svc, err := memory.NewService(memory.Config{
		DBPath:         cfg.DatabasePath(),
		AutoCompact:    cfg.Memory.AutoCompact,
		Threshold:      cfg.Memory.CompactionThreshold,
		TailKeep:       cfg.Memory.TailKeep,
		SummaryTimeout: cfg.GatewayTimeout(),
		RecallBudget:   cfg.Memory.RecallBudget,
	}, nil)
	if err != nil {
		return nil, err
	}

	deps := &runtimeDeps{cfg: cfg, registry: registry, memory: svc}
	if err := deps.wire(); err != nil {
		_ = svc.Close()
		return nil, err
	}
	return deps, nil
}

func (d *runtimeDeps) wire() error {
	router, err := providers.NewRouterFromConfig(d.cfg, d.registry)
	if err != nil {
		return err
	}
	recorder, err := usage.NewRecorder(d.memory, d.registry, d.cfg.Usage.ResetSchedule)
	if err != nil {
		return err
	}

	summaryModel := strings.TrimSpace(d.cfg.Memory.SummaryModel)
	if !d.registry.Has(summaryModel) {
		fallback := d.registry.Default().ID
		if summaryModel != "" {
			logger.WarnCF("main", "Summary model unavailable, using default model", map[string]interface{}{
				"summary_model": summaryModel,
				"default_model": fallback,
			})
		}
		summaryModel = fallback
	}
	// Compaction is not retried here; a failed summary is retried at the
	// next threshold check.
	d.memory.Manager().SetSummaryFunc(chat.NewSummaryFunc(router, recorder, summaryModel, d.cfg.Memory.SummaryMaxTokens))

	engine, err := chat.NewEngine(d.memory, d.registry, providers.WithRetry(router, chatRetryAttempts, chatRetryBackoff), recorder, chat.Options{
		SystemPrompt: d.cfg.Chat.SystemPrompt,
		MaxTokens:    d.cfg.Chat.MaxTokens,
		Temperature:  d.cfg.Chat.Temperature,
	})
	if err != nil {
		return err
	}

	d.router = router
	d.recorder = recorder
	d.engine = engine
	logger.InfoCF("main", "Runtime initialized", map[string]interface{}{
		"providers":     providers.ConfiguredProviders(d.cfg),
		"default_model": d.registry.Default().ID,
		"summary_model": summaryModel,
		"models":        len(d.registry.List()),
		"db":            d.cfg.DatabasePath(),
	})
	return nil
}

func (d *runtimeDeps) Close() error {
	return d.memory.Close()
}
