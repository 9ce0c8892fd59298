package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotchat/pkg/chaterr"
	"github.com/dotsetgreg/dotchat/pkg/memory"
)

func TestEngine_SimpleCommands(t *testing.T) {
	gw := &fakeGateway{reply: "hi"}
	eng, _, _ := newTestEngine(t, gw, memory.Config{})

	tests := []struct {
		input string
		want  []string
	}{
		{input: "/start", want: []string{"/help"}},
		{input: "/help", want: []string{"/model [id]", "/summary_now", "/clear_history [all]"}},
		{input: "/HELP@dotchat", want: []string{"Commands:"}},
		{input: "/models", want: []string{"* GPT-4o (gpt-4o)", "claude-haiku-4-5"}},
		{input: "/model", want: []string{"Available models:", "* GPT-4o (gpt-4o)"}},
		{input: "/current_model", want: []string{"gpt-4o", "(default)"}},
		{input: "/tokens", want: []string{"display is off"}},
		{input: "/tokens maybe", want: []string{"Usage: /tokens [on|off]"}},
		{input: "/usage", want: []string{"Usage since", "Requests: 0"}},
		{input: "/usage all", want: []string{"Usage (all time)", "Estimated cost: $0.0000"}},
		{input: "/usage month", want: []string{"Usage: /usage [all]"}},
		{input: "/summary abc", want: []string{"Usage: /summary [N]"}},
		{input: "/summary_status", want: []string{"Automatic: off", "Summary: none yet"}},
		{input: "/summary_now", want: []string{"Nothing to summarize"}},
		{input: "/bogus", want: []string{"Unknown command /bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			out, err := eng.Handle(context.Background(), Inbound{UserID: testUser, Text: tt.input})
			require.NoError(t, err)
			for _, want := range tt.want {
				assert.Contains(t, out.Render(), want)
			}
		})
	}
	assert.Zero(t, gw.count(), "commands must not reach the model")
}

func TestEngine_ModelSwitching(t *testing.T) {
	gw := &fakeGateway{reply: "hi"}
	eng, svc, _ := newTestEngine(t, gw, memory.Config{})
	ctx := context.Background()

	out, err := eng.Handle(ctx, Inbound{UserID: testUser, Text: "/model claude-haiku-4-5"})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "Model set to")
	stored, err := svc.GetUserModel(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", stored)

	out, err = eng.Handle(ctx, Inbound{UserID: testUser, Text: "/current_model"})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "claude-haiku-4-5")
	assert.NotContains(t, out.Text, "(default)")

	_, err = eng.Handle(ctx, Inbound{UserID: testUser, Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", gw.last().Model)

	out, err = eng.Handle(ctx, Inbound{UserID: testUser, Text: "/model gpt-9"})
	require.NoError(t, err)
	assert.Contains(t, out.Notice, "gpt-9")
	assert.Contains(t, out.Text, "gpt-4o")
	stored, err = svc.GetUserModel(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", stored)
}

func TestEngine_CurrentModelRepairsStalePreference(t *testing.T) {
	eng, svc, _ := newTestEngine(t, &fakeGateway{}, memory.Config{})
	ctx := context.Background()
	require.NoError(t, svc.SetUserModel(ctx, testUser, "gone"))

	out, err := eng.Handle(ctx, Inbound{UserID: testUser, Text: "/current_model"})
	require.NoError(t, err)
	assert.Contains(t, out.Notice, "gone")
	assert.Contains(t, out.Text, "gpt-4o")
}

func TestEngine_SummaryCommands(t *testing.T) {
	gw := &fakeGateway{reply: "reply", summary: "You talked about testing."}
	eng, svc, _ := newTestEngine(t, gw, memory.Config{Threshold: 10, TailKeep: 2})
	ctx := context.Background()

	out, err := eng.Handle(ctx, Inbound{UserID: testUser, Text: "/summary 8"})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "reaches 8 messages")

	out, err = eng.Handle(ctx, Inbound{UserID: testUser, Text: "/summary 1"})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "adjusted to 3")

	out, err = eng.Handle(ctx, Inbound{UserID: testUser, Text: "/summary_status"})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "Automatic: on (every 3 messages, keeping the last 2)")

	_, err = eng.Handle(ctx, Inbound{UserID: testUser, Text: "/summary_off"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := eng.Handle(ctx, Inbound{UserID: testUser, Text: "message"})
		require.NoError(t, err)
	}
	n, err := svc.Count(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 6, n, "auto compaction is off")

	out, err = eng.Handle(ctx, Inbound{UserID: testUser, Text: "/summary_now"})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "4 messages were summarized and the last 2 kept")

	out, err = eng.Handle(ctx, Inbound{UserID: testUser, Text: "/summary_status"})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "covers 4 earlier messages")
	assert.Contains(t, out.Text, "Messages in history: 2")
	assert.Contains(t, out.Text, "Archived messages: 4")

	out, err = eng.Handle(ctx, Inbound{UserID: testUser, Text: "/clear_history all"})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "Cleared 2 messages, 4 archived messages and the conversation summary")
	archived, err := svc.CountArchived(ctx, testUser)
	require.NoError(t, err)
	assert.Zero(t, archived)
}

func TestEngine_SummaryNowGatewayFailureKeepsHistory(t *testing.T) {
	gw := &fakeGateway{reply: "reply"}
	eng, svc, _ := newTestEngine(t, gw, memory.Config{TailKeep: 2})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := eng.Handle(ctx, Inbound{UserID: testUser, Text: "message"})
		require.NoError(t, err)
	}

	gw.err = chaterr.NewGatewayError(chaterr.KindRateLimited, "fake", "429", nil)
	out, err := eng.Handle(ctx, Inbound{UserID: testUser, Text: "/summary_now"})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "Nothing was lost")

	n, err := svc.Count(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, ok, err := svc.GetSummary(ctx, testUser)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_ClearHistory(t *testing.T) {
	gw := &fakeGateway{reply: "reply"}
	eng, svc, _ := newTestEngine(t, gw, memory.Config{})
	ctx := context.Background()
	_, err := eng.Handle(ctx, Inbound{UserID: testUser, Text: "hello"})
	require.NoError(t, err)
	require.NoError(t, svc.SetSummary(ctx, testUser, "keep me", 4))

	out, err := eng.Handle(ctx, Inbound{UserID: testUser, Text: "/clear_history"})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "Cleared 2 messages")
	assert.Contains(t, out.Text, "summary and archive are kept")
	_, ok, err := svc.GetSummary(ctx, testUser)
	require.NoError(t, err)
	assert.True(t, ok)

	out, err = eng.Handle(ctx, Inbound{UserID: testUser, Text: "/clear_history all"})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "Cleared 0 messages, 0 archived messages and the conversation summary")
	_, ok, err = svc.GetSummary(ctx, testUser)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommandsListsEveryHelpEntry(t *testing.T) {
	help := helpText()
	for _, c := range Commands() {
		assert.Contains(t, help, c)
	}
}
