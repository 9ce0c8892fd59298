package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/memory"
	"github.com/dotsetgreg/dotchat/pkg/usage"
)

type commandInfo struct {
	name  string
	usage string
	help  string
}

var commandTable = []commandInfo{
	{"/start", "/start", "Introduction"},
	{"/help", "/help", "Show this list"},
	{"/model", "/model [id]", "Show the available models or switch to one"},
	{"/models", "/models", "List the available models"},
	{"/current_model", "/current_model", "Show the model you are using"},
	{"/tokens", "/tokens [on|off]", "Show token usage under each reply"},
	{"/usage", "/usage [all]", "Token usage and cost since the last reset, or all time"},
	{"/summary", "/summary [N]", "Summarize older messages automatically every N messages"},
	{"/summary_off", "/summary_off", "Turn automatic summarization off"},
	{"/summary_status", "/summary_status", "Show summarization settings and state"},
	{"/summary_now", "/summary_now", "Summarize the conversation now"},
	{"/clear_history", "/clear_history [all]", "Clear the conversation; all also clears the summary and archive"},
}

const startText = "Hi! I'm an AI assistant. Send me a message and I'll do my best to help.\n\nUse /help to see what else I can do."

// Commands lists the supported commands with their usage strings.
func Commands() []string {
	out := make([]string, 0, len(commandTable))
	for _, c := range commandTable {
		out = append(out, c.usage)
	}
	return out
}

func (e *Engine) handleCommand(ctx context.Context, user memory.UserID, content string) (Outbound, error) {
	parts := strings.Fields(content)
	cmd := strings.ToLower(parts[0])
	// Discord and Telegram style bot mentions: /help@dotchat
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	args := parts[1:]

	unlock := e.turns.Lock(user)
	defer unlock()

	var (
		text string
		err  error
	)
	switch cmd {
	case "/start":
		text = startText
	case "/help":
		text = helpText()
	case "/model":
		if len(args) == 0 {
			text, err = e.listModels(ctx, user)
		} else {
			return e.switchModel(ctx, user, args[0])
		}
	case "/models":
		text, err = e.listModels(ctx, user)
	case "/current_model":
		return e.currentModel(ctx, user)
	case "/tokens":
		text, err = e.tokens(ctx, user, args)
	case "/usage":
		text, err = e.usageReport(ctx, user, args)
	case "/summary":
		text, err = e.enableSummary(ctx, user, args)
	case "/summary_off":
		if err = e.memory.Manager().Disable(ctx, user); err == nil {
			text = "Automatic summarization is off. Your existing summary and history are kept."
		}
	case "/summary_status":
		text, err = e.summaryStatus(ctx, user)
	case "/summary_now":
		text, err = e.summaryNow(ctx, user)
	case "/clear_history":
		text, err = e.clearHistory(ctx, user, args)
	default:
		text = fmt.Sprintf("Unknown command %s. Use /help to see the available commands.", parts[0])
	}
	if err != nil {
		logger.WarnCF("chat", "Command failed", map[string]interface{}{
			"user_id": int64(user),
			"command": cmd,
			"error":   chaterr.SanitizeError(err),
		})
		return Outbound{Text: chaterr.UserMessage(err)}, err
	}
	return Outbound{Text: text}, nil
}

func helpText() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range commandTable {
		fmt.Fprintf(&b, "%s - %s\n", c.usage, c.help)
	}
	b.WriteString("\nAnything else is sent to the model.")
	return b.String()
}

func (e *Engine) listModels(ctx context.Context, user memory.UserID) (string, error) {
	stored, err := e.memory.GetUserModel(ctx, user)
	if err != nil {
		return "", err
	}
	current, _ := e.registry.ValidateAndGet(stored)

	var b strings.Builder
	b.WriteString("Available models:\n")
	for _, d := range e.registry.List() {
		marker := "  "
		if d.ID == current {
			marker = "* "
		}
		fmt.Fprintf(&b, "%s%s", marker, d.Label())
		if d.Description != "" {
			fmt.Fprintf(&b, " - %s", d.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nSwitch with /model <id>.")
	return b.String(), nil
}

func (e *Engine) switchModel(ctx context.Context, user memory.UserID, requested string) (Outbound, error) {
	resolved, fallback := e.registry.ValidateAndGet(requested)
	if err := e.memory.SetUserModel(ctx, user, resolved); err != nil {
		return Outbound{Text: chaterr.UserMessage(err)}, err
	}
	d, _ := e.registry.Get(resolved)
	if fallback {
		return Outbound{
			Notice: fmt.Sprintf("Model %s is not available.", requested),
			Text:   fmt.Sprintf("Using the default model: %s. See /models for the list.", d.Label()),
		}, nil
	}
	text := "Model set to " + d.Label() + "."
	if d.Description != "" {
		text += "\n" + d.Description
	}
	return Outbound{Text: text}, nil
}

func (e *Engine) currentModel(ctx context.Context, user memory.UserID) (Outbound, error) {
	model, notice, err := e.resolveModel(ctx, user)
	if err != nil {
		return Outbound{Text: chaterr.UserMessage(err)}, err
	}
	stored, err := e.memory.GetUserModel(ctx, user)
	if err != nil {
		return Outbound{Text: chaterr.UserMessage(err)}, err
	}
	d, _ := e.registry.Get(model)
	text := "Current model: " + d.Label()
	if stored == "" {
		text += " (default)"
	}
	if d.Description != "" {
		text += "\n" + d.Description
	}
	return Outbound{Text: text, Notice: notice}, nil
}

func (e *Engine) tokens(ctx context.Context, user memory.UserID, args []string) (string, error) {
	if len(args) == 0 {
		show, err := e.memory.GetShowUsage(ctx, user)
		if err != nil {
			return "", err
		}
		state := "off"
		if show {
			state = "on"
		}
		return fmt.Sprintf("Token usage display is %s. Use /tokens on or /tokens off.", state), nil
	}
	var show bool
	switch strings.ToLower(args[0]) {
	case "on":
		show = true
	case "off":
		show = false
	default:
		return "Usage: /tokens [on|off]", nil
	}
	if err := e.memory.SetShowUsage(ctx, user, show); err != nil {
		return "", err
	}
	if show {
		return "Token usage will be shown under each reply.", nil
	}
	return "Token usage will no longer be shown.", nil
}

func (e *Engine) usageReport(ctx context.Context, user memory.UserID, args []string) (string, error) {
	window := usage.SinceReset
	if len(args) > 0 {
		if strings.ToLower(args[0]) != "all" {
			return "Usage: /usage [all]", nil
		}
		window = usage.AllTime
	}
	report, err := e.recorder.Report(ctx, user, window)
	if err != nil {
		return "", err
	}
	return usage.Format(report), nil
}

func (e *Engine) enableSummary(ctx context.Context, user memory.UserID, args []string) (string, error) {
	threshold := 0
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return "Usage: /summary [N], where N is the number of messages that triggers a summary.", nil
		}
		threshold = n
	}
	mgr := e.memory.Manager()
	effective, err := mgr.Enable(ctx, user, threshold)
	if err != nil {
		return "", err
	}
	text := fmt.Sprintf("Automatic summarization is on. Once the conversation reaches %d messages, older messages are summarized and the last %d are kept.", effective, mgr.TailKeep())
	if threshold > 0 && threshold != effective {
		text += fmt.Sprintf("\n(%d was out of range and was adjusted to %d.)", threshold, effective)
	}
	return text, nil
}

func (e *Engine) summaryStatus(ctx context.Context, user memory.UserID) (string, error) {
	st, err := e.memory.Manager().Status(ctx, user)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Summarization status\n")
	if st.Enabled {
		fmt.Fprintf(&b, "Automatic: on (every %d messages, keeping the last %d)\n", st.Threshold, st.TailKeep)
	} else {
		b.WriteString("Automatic: off\n")
	}
	fmt.Fprintf(&b, "Messages in history: %d (about %d tokens)\n", st.MessageCount, st.EstimatedTokens)
	fmt.Fprintf(&b, "Archived messages: %d\n", st.ArchivedCount)
	if st.Enabled {
		fmt.Fprintf(&b, "Messages until next summary: %d\n", st.UntilNext)
	}
	if st.HasSummary {
		fmt.Fprintf(&b, "Summary: covers %d earlier messages, updated %s\n", st.RepresentedCount, st.LastSummaryAt.Format("2006-01-02 15:04"))
	} else {
		b.WriteString("Summary: none yet\n")
	}
	if st.State == memory.StateCompacting {
		b.WriteString("A summary is being written right now.\n")
	} else if st.LastCompaction != nil && st.LastCompaction.Status == memory.CompactionFailed {
		b.WriteString("The last summary attempt failed and will be retried.\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (e *Engine) summaryNow(ctx context.Context, user memory.UserID) (string, error) {
	res, err := e.memory.Manager().Compact(ctx, user)
	switch {
	case errors.Is(err, memory.ErrNothingToCompact):
		return fmt.Sprintf("Nothing to summarize yet: the last %d messages are always kept as they are.", e.memory.Manager().TailKeep()), nil
	case errors.Is(err, memory.ErrCompactionInProgress):
		return "A summary is already being written. Try again in a moment.", nil
	case chaterr.GatewayKindOf(err) != "", errors.Is(err, memory.ErrHistoryChanged):
		logger.WarnCF("chat", "Manual compaction failed", map[string]interface{}{
			"user_id": int64(user),
			"error":   chaterr.SanitizeError(err),
		})
		return "Couldn't summarize the conversation right now. Nothing was lost; please try again later.", nil
	case err != nil:
		return "", err
	}
	return fmt.Sprintf("Done: %d messages were summarized and the last %d kept.", res.Compacted, res.Retained), nil
}

func (e *Engine) clearHistory(ctx context.Context, user memory.UserID, args []string) (string, error) {
	all := len(args) > 0 && strings.ToLower(args[0]) == "all"
	res, err := e.memory.Manager().ClearHistory(ctx, user, all)
	if err != nil {
		return "", err
	}
	if all {
		return fmt.Sprintf("Cleared %d messages, %d archived messages and the conversation summary.", res.Messages, res.Archived), nil
	}
	return fmt.Sprintf("Cleared %d messages. Your conversation summary and archive are kept; use /clear_history all to remove them too.", res.Messages), nil
}
