package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotchat/pkg/bus"
)

func TestBaseChannel_IsAllowed(t *testing.T) {
	tests := []struct {
		name     string
		allow    []string
		userID   int64
		username string
		want     bool
	}{
		{name: "empty list allows all", allow: nil, userID: 1, want: true},
		{name: "id match", allow: []string{"123"}, userID: 123, want: true},
		{name: "username match with at", allow: []string{"@Alice"}, userID: 9, username: "alice", want: true},
		{name: "no match", allow: []string{"123", "bob"}, userID: 9, username: "alice", want: false},
		{name: "blank entries ignored", allow: []string{" ", "@"}, userID: 9, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewBaseChannel("test", bus.NewMessageBus(), tt.allow)
			assert.Equal(t, tt.want, c.IsAllowed(tt.userID, tt.username))
		})
	}
}

func TestBaseChannel_HandleMessagePublishes(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	c := NewBaseChannel("test", mb, []string{"42"})

	assert.False(t, c.HandleMessage(bus.InboundMessage{UserID: 7, Content: "nope"}))
	require.True(t, c.HandleMessage(bus.InboundMessage{UserID: 42, ChatID: "c1", Content: "hello"}))

	msg, ok := mb.ConsumeInbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, "test", msg.Channel)
	assert.Equal(t, int64(42), msg.UserID)
	assert.Equal(t, "hello", msg.Content)
}

func TestInboundFromDiscord(t *testing.T) {
	mk := func(authorID, content string, bot bool) *discordgo.MessageCreate {
		return &discordgo.MessageCreate{Message: &discordgo.Message{
			ID:        "m1",
			ChannelID: "ch1",
			Content:   content,
			Author:    &discordgo.User{ID: authorID, Username: "alice", Bot: bot},
		}}
	}

	msg, ok := inboundFromDiscord(mk("123456789012345678", "<@999> hello there", false), "999")
	require.True(t, ok)
	assert.Equal(t, int64(123456789012345678), msg.UserID)
	assert.Equal(t, "hello there", msg.Content)
	assert.Equal(t, "ch1", msg.ChatID)
	assert.Equal(t, "m1", msg.ReplyTo)

	_, ok = inboundFromDiscord(mk("999", "from myself", false), "999")
	assert.False(t, ok)
	_, ok = inboundFromDiscord(mk("5", "another bot", true), "999")
	assert.False(t, ok)
	_, ok = inboundFromDiscord(mk("5", "   ", false), "999")
	assert.False(t, ok)
	_, ok = inboundFromDiscord(mk("not-a-number", "hi", false), "999")
	assert.False(t, ok)
	_, ok = inboundFromDiscord(nil, "999")
	assert.False(t, ok)
}

func TestSplitMessage(t *testing.T) {
	assert.Nil(t, splitMessage("   ", 100))
	assert.Equal(t, []string{"short"}, splitMessage("short", 100))

	long := strings.Repeat("word ", 100)
	chunks := splitMessage(long, 60)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 60)
	}
	assert.Equal(t, strings.Fields(long), strings.Fields(strings.Join(chunks, " ")))
}

func TestSplitMessage_BalancesCodeFences(t *testing.T) {
	content := "intro\n```go\n" + strings.Repeat("x := 1\n", 30) + "```\noutro"
	chunks := splitMessage(content, 80)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 80)
		assert.Equal(t, 0, strings.Count(c, "```")%2, "chunk has unbalanced fence: %q", c)
	}
}

type fakeChannel struct {
	name    string
	mu      sync.Mutex
	sent    []bus.OutboundMessage
	running bool
}

func (f *fakeChannel) Name() string                    { return f.name }
func (f *fakeChannel) Start(ctx context.Context) error { f.running = true; return nil }
func (f *fakeChannel) Stop(ctx context.Context) error  { f.running = false; return nil }
func (f *fakeChannel) IsRunning() bool                 { return f.running }
func (f *fakeChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestManager_DispatchesOutbound(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	m, err := NewManager(nil, mb)
	require.NoError(t, err)

	fake := &fakeChannel{name: "cli"}
	m.RegisterChannel("cli", fake)
	assert.Equal(t, []string{"cli"}, m.GetEnabledChannels())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.StartAll(ctx))
	assert.True(t, fake.IsRunning())

	mb.PublishOutbound(bus.OutboundMessage{Channel: "unknown", ChatID: "x", Content: "lost"})
	mb.PublishOutbound(bus.OutboundMessage{Channel: "cli", ChatID: "x", Content: "hi"})

	deadline := time.Now().Add(2 * time.Second)
	for fake.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, fake.sentCount())

	require.NoError(t, m.StopAll(ctx))
	assert.False(t, fake.IsRunning())
}

type fakeDiscordSession struct {
	opened  bool
	closed  bool
	userErr error
}

func (f *fakeDiscordSession) AddHandler(interface{}) func() { return func() {} }
func (f *fakeDiscordSession) Open() error                   { f.opened = true; return nil }
func (f *fakeDiscordSession) Close() error                  { f.closed = true; return nil }

func (f *fakeDiscordSession) User(string, ...discordgo.RequestOption) (*discordgo.User, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	return &discordgo.User{ID: "1", Username: "dotchat"}, nil
}

func (f *fakeDiscordSession) ChannelMessageSendComplex(string, *discordgo.MessageSend, ...discordgo.RequestOption) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (f *fakeDiscordSession) ChannelTyping(string, ...discordgo.RequestOption) error { return nil }

func TestDiscordChannel_StartClosesSessionWhenIdentityLookupFails(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	session := &fakeDiscordSession{userErr: errors.New("401 unauthorized")}
	ch := newDiscordChannel(session, nil, mb)

	err := ch.Start(context.Background())
	require.Error(t, err)
	assert.True(t, session.opened)
	assert.True(t, session.closed, "session must not stay open after a failed start")
	assert.False(t, ch.IsRunning())
}

func TestDiscordChannel_StartAndStop(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	session := &fakeDiscordSession{}
	ch := newDiscordChannel(session, nil, mb)

	require.NoError(t, ch.Start(context.Background()))
	assert.True(t, ch.IsRunning())
	assert.False(t, session.closed)

	require.NoError(t, ch.Stop(context.Background()))
	assert.False(t, ch.IsRunning())
	assert.True(t, session.closed)
}
