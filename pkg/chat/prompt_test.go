package chat

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotchat/pkg/memory"
	"github.com/dotsetgreg/dotchat/pkg/models"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/usage"
)

func TestAssemblePrompt(t *testing.T) {
	tail := []memory.Message{
		{Role: memory.RoleUser, Content: "q1"},
		{Role: memory.RoleAssistant, Content: ""},
		{Role: memory.RoleAssistant, Content: "a1"},
	}
	recalled := []memory.Message{
		{Role: memory.RoleUser, Content: "my cat is called Miso"},
		{Role: memory.RoleAssistant, Content: "Miso is a lovely name"},
		{Role: memory.RoleUser, Content: "   "},
	}
	tests := []struct {
		name     string
		system   string
		summary  string
		recalled []memory.Message
		tail     []memory.Message
		want     []providers.Message
	}{
		{
			name: "input only",
			want: []providers.Message{{Role: "user", Content: "hi"}},
		},
		{
			name:    "full order",
			system:  "be nice",
			summary: "  you like tea ",
			tail:    tail,
			want: []providers.Message{
				{Role: "system", Content: "be nice"},
				{Role: "system", Content: "Conversation summary so far:\nyou like tea"},
				{Role: "user", Content: "q1"},
				{Role: "assistant", Content: "a1"},
				{Role: "user", Content: "hi"},
			},
		},
		{
			name:     "recalled between summary and tail",
			system:   "be nice",
			summary:  "you like tea",
			recalled: recalled,
			tail:     tail[:1],
			want: []providers.Message{
				{Role: "system", Content: "be nice"},
				{Role: "system", Content: "Conversation summary so far:\nyou like tea"},
				{Role: "system", Content: "Relevant past exchanges:\nUser: my cat is called Miso\n---\nAssistant: Miso is a lovely name"},
				{Role: "user", Content: "q1"},
				{Role: "user", Content: "hi"},
			},
		},
		{
			name:     "recalled without summary",
			recalled: recalled[:1],
			want: []providers.Message{
				{Role: "system", Content: "Relevant past exchanges:\nUser: my cat is called Miso"},
				{Role: "user", Content: "hi"},
			},
		},
		{
			name:   "no summary",
			system: "be nice",
			tail:   tail[:1],
			want: []providers.Message{
				{Role: "system", Content: "be nice"},
				{Role: "user", Content: "q1"},
				{Role: "user", Content: "hi"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AssemblePrompt(tt.system, tt.summary, tt.recalled, tt.tail, "hi"))
		})
	}
}

func TestFormatRecalledTruncatesLongMessages(t *testing.T) {
	long := strings.Repeat("x", maxRecalledChars+50)
	got := formatRecalled([]memory.Message{{Role: memory.RoleAssistant, Content: long}})
	assert.Equal(t, "Assistant: "+strings.Repeat("x", maxRecalledChars)+"...", got)
	assert.Empty(t, formatRecalled(nil))
}

func TestBuildSummaryRequest(t *testing.T) {
	req := buildSummaryRequest("", "USER: hi")
	assert.NotContains(t, req, "Earlier summary")
	assert.True(t, strings.HasSuffix(req, "Conversation to summarize:\nUSER: hi"))

	req = buildSummaryRequest("You like tea.", "USER: hi")
	assert.Contains(t, req, "Earlier summary")
	assert.Less(t, strings.Index(req, "You like tea."), strings.Index(req, "USER: hi"))
}

func TestNewSummaryFunc_RecordsUsageForUser(t *testing.T) {
	svc, err := memory.NewService(memory.Config{DBPath: filepath.Join(t.TempDir(), "dotchat.db"), Threshold: 10, TailKeep: 4}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()
	reg, err := models.NewRegistry(models.BuiltinCatalog())
	require.NoError(t, err)
	rec, err := usage.NewRecorder(svc, reg, "")
	require.NoError(t, err)

	gw := &fakeGateway{summary: "  a summary  "}
	fn := NewSummaryFunc(gw, rec, "gpt-4.1-mini", 0)

	// No user in ctx: nothing is recorded.
	got, err := fn(context.Background(), "", "USER: hi")
	require.NoError(t, err)
	assert.Equal(t, "a summary", got)

	_, err = fn(memory.ContextWithUser(context.Background(), 9), "old", "USER: hi")
	require.NoError(t, err)

	req := gw.last()
	assert.Equal(t, "gpt-4.1-mini", req.Model)
	assert.Equal(t, defaultSummaryMax, req.MaxTokens)
	assert.InDelta(t, summaryTemperature, req.Temperature, 1e-9)

	report, err := rec.Report(context.Background(), 9, usage.AllTime)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Calls)
	assert.Equal(t, 100, report.PromptTokens)
	assert.InDelta(t, (100*0.40+20*1.60)/1e6, report.Cost, 1e-12)
}
