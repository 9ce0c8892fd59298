package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/memory"
	"github.com/dotsetgreg/dotchat/pkg/models"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/usage"
)

// Options are the per-request generation settings.
type Options struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// Inbound is one message from a front end.
type Inbound struct {
	UserID   memory.UserID
	Username string
	Text     string
}

// Outbound is the engine's answer. Notice and Usage are optional.
type Outbound struct {
	Text   string
	Notice string
	Usage  *usage.Call
}

// Render joins notice, text and usage footer for display.
func (o Outbound) Render() string {
	parts := make([]string, 0, 3)
	if o.Notice != "" {
		parts = append(parts, o.Notice)
	}
	if o.Text != "" {
		parts = append(parts, o.Text)
	}
	if o.Usage != nil {
		parts = append(parts, usage.FormatCall(*o.Usage))
	}
	return strings.Join(parts, "\n\n")
}

// Engine runs conversation turns. A user's turns and state-changing
// commands never interleave; different users proceed in parallel.
type Engine struct {
	memory   *memory.Service
	registry *models.Registry
	gateway  providers.Gateway
	recorder *usage.Recorder
	opts     Options
	turns    *memory.UserLocks
}

func NewEngine(svc *memory.Service, registry *models.Registry, gateway providers.Gateway, recorder *usage.Recorder, opts Options) (*Engine, error) {
	switch {
	case svc == nil:
		return nil, chaterr.Configf("memory", "service is required")
	case registry == nil:
		return nil, chaterr.Configf("models", "registry is required")
	case gateway == nil:
		return nil, chaterr.Configf("providers", "gateway is required")
	case recorder == nil:
		return nil, chaterr.Configf("usage", "recorder is required")
	}
	return &Engine{
		memory:   svc,
		registry: registry,
		gateway:  gateway,
		recorder: recorder,
		opts:     opts,
		turns:    memory.NewUserLocks(),
	}, nil
}

// Handle answers one inbound message. The returned Outbound is always fit to
// show the user; a non-nil error is for logging only.
func (e *Engine) Handle(ctx context.Context, in Inbound) (Outbound, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Outbound{Text: "Please send a text message."}, nil
	}
	if strings.HasPrefix(text, "/") {
		return e.handleCommand(ctx, in.UserID, text)
	}

	unlock := e.turns.Lock(in.UserID)
	defer unlock()
	return e.runTurn(ctx, in.UserID, text)
}

func (e *Engine) runTurn(ctx context.Context, user memory.UserID, text string) (Outbound, error) {
	model, notice, err := e.resolveModel(ctx, user)
	if err != nil {
		return Outbound{Text: chaterr.UserMessage(err)}, err
	}

	history, err := e.memory.GetHistory(ctx, user)
	if err != nil {
		return Outbound{Text: chaterr.UserMessage(err), Notice: notice}, err
	}
	summary, _, err := e.memory.GetSummary(ctx, user)
	if err != nil {
		return Outbound{Text: chaterr.UserMessage(err), Notice: notice}, err
	}
	recalled, err := e.memory.Recall(ctx, user, text)
	if err != nil {
		// Recall only enriches the prompt; the turn goes ahead without it.
		logger.WarnCF("chat", "Archive recall failed", map[string]interface{}{
			"user_id": int64(user),
			"error":   chaterr.SanitizeError(err),
		})
		recalled = nil
	}

	logger.DebugCF("chat", "Calling model", map[string]interface{}{
		"user_id":     int64(user),
		"model":       model,
		"history_len": len(history),
		"has_summary": summary.Text != "",
		"recalled":    len(recalled),
	})
	resp, err := e.gateway.Complete(ctx, providers.Request{
		Model:       model,
		Messages:    AssemblePrompt(e.opts.SystemPrompt, summary.Text, recalled, history, text),
		MaxTokens:   e.opts.MaxTokens,
		Temperature: e.opts.Temperature,
	})
	if err != nil {
		logger.WarnCF("chat", "Completion failed", map[string]interface{}{
			"user_id": int64(user),
			"model":   model,
			"kind":    string(chaterr.GatewayKindOf(err)),
			"error":   chaterr.SanitizeError(err),
		})
		return Outbound{Text: chaterr.UserMessage(err), Notice: notice}, err
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		reply = "(the model returned an empty reply)"
	}
	if _, err := e.memory.AppendTurn(ctx, user,
		memory.Message{Role: memory.RoleUser, Content: text, TokenCount: memory.EstimateTokens(text)},
		memory.Message{Role: memory.RoleAssistant, Content: reply, TokenCount: resp.CompletionTokens},
	); err != nil {
		return Outbound{Text: chaterr.UserMessage(err), Notice: notice}, err
	}

	// The turn is stored; bookkeeping failures below are logged, not shown.
	call, err := e.recorder.Record(ctx, user, model, resp.PromptTokens, resp.CompletionTokens)
	if err != nil {
		logger.ErrorCF("chat", "Failed to record usage", map[string]interface{}{
			"user_id": int64(user),
			"error":   chaterr.SanitizeError(err),
		})
		call = e.recorder.Price(model, resp.PromptTokens, resp.CompletionTokens)
	}
	if _, err := e.memory.Manager().AfterAppend(ctx, user); err != nil {
		logger.DebugCF("chat", "Compaction check failed", map[string]interface{}{
			"user_id": int64(user),
			"error":   chaterr.SanitizeError(err),
		})
	}

	out := Outbound{Text: reply, Notice: notice}
	show, err := e.memory.GetShowUsage(ctx, user)
	if err == nil && show {
		out.Usage = &call
	}
	return out, nil
}

// resolveModel returns the model to use for user. A stored model that is no
// longer in the catalog is replaced by the default, and the notice says so.
func (e *Engine) resolveModel(ctx context.Context, user memory.UserID) (model, notice string, err error) {
	stored, err := e.memory.GetUserModel(ctx, user)
	if err != nil {
		return "", "", err
	}
	model, fallback := e.registry.ValidateAndGet(stored)
	if !fallback {
		return model, "", nil
	}
	verr := &chaterr.ValidationError{Field: "model", Value: stored, Corrected: model}
	logger.WarnCF("chat", "Stored model unavailable", map[string]interface{}{
		"user_id": int64(user),
		"error":   verr.Error(),
	})
	if err := e.memory.SetUserModel(ctx, user, model); err != nil {
		return "", "", err
	}
	return model, fmt.Sprintf("Your model %s is no longer available. Using %s.", stored, model), nil
}
