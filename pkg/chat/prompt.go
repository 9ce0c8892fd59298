// Package chat turns a user's text into a model reply and keeps the
// conversation state consistent around that call.
package chat

import (
	"strings"

	"github.com/dotsetgreg/dotchat/pkg/memory"
	"github.com/dotsetgreg/dotchat/pkg/providers"
)

const (
	summaryPreamble = "Conversation summary so far:\n"
	recallPreamble  = "Relevant past exchanges:\n"
	// Longer recalled messages are cut to this many runes.
	maxRecalledChars = 500
)

// AssemblePrompt builds the message list sent to the model: system prompt,
// then the summary as a second system message, then recalled archived
// messages as a third, then the retained history, then the new input.
// Empty parts are skipped.
func AssemblePrompt(systemPrompt, summary string, recalled, tail []memory.Message, input string) []providers.Message {
	msgs := make([]providers.Message, 0, len(tail)+4)
	if s := strings.TrimSpace(systemPrompt); s != "" {
		msgs = append(msgs, providers.Message{Role: string(memory.RoleSystem), Content: s})
	}
	if s := strings.TrimSpace(summary); s != "" {
		msgs = append(msgs, providers.Message{Role: string(memory.RoleSystem), Content: summaryPreamble + s})
	}
	if s := formatRecalled(recalled); s != "" {
		msgs = append(msgs, providers.Message{Role: string(memory.RoleSystem), Content: recallPreamble + s})
	}
	for _, m := range tail {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, providers.Message{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, providers.Message{Role: string(memory.RoleUser), Content: input})
	return msgs
}

func formatRecalled(recalled []memory.Message) string {
	parts := make([]string, 0, len(recalled))
	for _, m := range recalled {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if r := []rune(content); len(r) > maxRecalledChars {
			content = string(r[:maxRecalledChars]) + "..."
		}
		label := "Assistant"
		if m.Role == memory.RoleUser {
			label = "User"
		}
		parts = append(parts, label+": "+content)
	}
	return strings.Join(parts, "\n---\n")
}
