package chat

import (
	"context"
	"strings"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/memory"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/usage"
)

const (
	summarySystemPrompt = "You are a helpful assistant that creates conversation summaries."
	summaryTemperature  = 0.3
	defaultSummaryMax   = 800
)

const summaryInstructions = `Summarize the conversation below so it can replace the messages it covers.

Keep:
- the user's goals and stated preferences
- decisions made and instructions given
- facts about the user and their situation
- questions that are still open
- anything needed to continue the conversation naturally

Address the user in the second person ("you asked...", "you prefer...").
Aim for 200 to 400 words. Bullet points are fine.
`

// NewSummaryFunc returns the summarizer the memory manager calls during
// compaction. The request is not retried: a failed compaction is retried at
// the next threshold check. Token usage is recorded against the user carried
// in ctx.
func NewSummaryFunc(gw providers.Gateway, recorder *usage.Recorder, model string, maxTokens int) memory.SummaryFunc {
	if maxTokens <= 0 {
		maxTokens = defaultSummaryMax
	}
	return func(ctx context.Context, existingSummary, transcript string) (string, error) {
		resp, err := gw.Complete(ctx, providers.Request{
			Model: model,
			Messages: []providers.Message{
				{Role: string(memory.RoleSystem), Content: summarySystemPrompt},
				{Role: string(memory.RoleUser), Content: buildSummaryRequest(existingSummary, transcript)},
			},
			MaxTokens:   maxTokens,
			Temperature: summaryTemperature,
		})
		if err != nil {
			return "", err
		}
		if user, ok := memory.UserFromContext(ctx); ok && recorder != nil {
			if _, err := recorder.RecordCompaction(ctx, user, model, resp.PromptTokens, resp.CompletionTokens); err != nil {
				logger.WarnCF("chat", "Failed to record summary usage", map[string]interface{}{
					"user_id": int64(user),
					"error":   chaterr.SanitizeError(err),
				})
			}
		}
		return strings.TrimSpace(resp.Content), nil
	}
}

func buildSummaryRequest(existingSummary, transcript string) string {
	var b strings.Builder
	b.WriteString(summaryInstructions)
	if s := strings.TrimSpace(existingSummary); s != "" {
		b.WriteString("\nEarlier summary (merge it in, drop nothing that still matters):\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	b.WriteString("\nConversation to summarize:\n")
	b.WriteString(transcript)
	return b.String()
}
