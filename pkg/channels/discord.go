package channels

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/logger"
)

const (
	sendTimeout           = 10 * time.Second
	typingRefreshInterval = 8 * time.Second
	// Discord rejects messages over 2000 characters.
	discordMessageLimit = 1900
)

// discordSession is the part of *discordgo.Session the channel uses.
type discordSession interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

type DiscordChannel struct {
	*BaseChannel
	session  discordSession
	typing   map[string]context.CancelFunc
	typingMu sync.Mutex
}

func NewDiscordChannel(cfg config.DiscordConfig, messageBus *bus.MessageBus) (*DiscordChannel, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("channels.discord.token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	return newDiscordChannel(session, cfg.AllowFrom, messageBus), nil
}

func newDiscordChannel(session discordSession, allowFrom []string, messageBus *bus.MessageBus) *DiscordChannel {
	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", messageBus, allowFrom),
		session:     session,
		typing:      make(map[string]context.CancelFunc),
	}
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")
	c.session.AddHandler(c.onMessageCreate)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		c.setRunning(false)
		if cerr := c.session.Close(); cerr != nil {
			logger.WarnCF("discord", "Failed to close session after startup error", map[string]interface{}{
				"error": cerr.Error(),
			})
		}
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord bot connected", map[string]interface{}{
		"username": botUser.Username,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)
	c.stopAllTyping()
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("channel ID is empty")
	}
	defer c.stopTyping(msg.ChatID)

	for i, chunk := range splitMessage(msg.Content, discordMessageLimit) {
		replyTo := ""
		if i == 0 {
			replyTo = msg.ReplyTo
		}
		if err := c.sendChunk(ctx, msg.ChatID, chunk, replyTo); err != nil {
			return err
		}
	}
	return nil
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, content, replyTo string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	send := &discordgo.MessageSend{Content: content}
	if replyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
	}
	done := make(chan error, 1)
	go func() {
		_, err := c.session.ChannelMessageSendComplex(channelID, send)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

func (c *DiscordChannel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	botID := ""
	if s != nil && s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	msg, ok := inboundFromDiscord(m, botID)
	if !ok {
		return
	}
	if !c.IsAllowed(msg.UserID, msg.Username) {
		return
	}
	c.startTyping(msg.ChatID)
	if !c.HandleMessage(msg) {
		c.stopTyping(msg.ChatID)
	}
}

// inboundFromDiscord converts a Discord message into a bus message. Bot
// authors, empty text and non-numeric author ids are skipped.
func inboundFromDiscord(m *discordgo.MessageCreate, botID string) (bus.InboundMessage, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return bus.InboundMessage{}, false
	}
	if m.Author.Bot || (botID != "" && m.Author.ID == botID) {
		return bus.InboundMessage{}, false
	}
	content := strings.TrimSpace(m.Content)
	if botID != "" {
		content = strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(content, "<@"+botID+">", ""), "<@!"+botID+">", ""))
	}
	if content == "" {
		return bus.InboundMessage{}, false
	}
	userID, err := strconv.ParseInt(m.Author.ID, 10, 64)
	if err != nil {
		logger.WarnCF("discord", "Ignoring message with non-numeric author id", map[string]interface{}{
			"author_id": m.Author.ID,
		})
		return bus.InboundMessage{}, false
	}
	return bus.InboundMessage{
		UserID:   userID,
		ChatID:   m.ChannelID,
		Username: m.Author.Username,
		Content:  content,
		ReplyTo:  m.ID,
	}, true
}

func (c *DiscordChannel) startTyping(channelID string) {
	c.typingMu.Lock()
	if _, ok := c.typing[channelID]; ok {
		c.typingMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.typing[channelID] = cancel
	c.typingMu.Unlock()

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()
		for {
			if err := c.session.ChannelTyping(channelID); err != nil {
				logger.DebugCF("discord", "Failed to send typing indicator", map[string]interface{}{
					"error": err.Error(),
				})
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.IsRunning() {
					return
				}
			}
		}
	}()
}

func (c *DiscordChannel) stopTyping(channelID string) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if cancel, ok := c.typing[channelID]; ok {
		cancel()
		delete(c.typing, channelID)
	}
}

func (c *DiscordChannel) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	for channelID, cancel := range c.typing {
		cancel()
		delete(c.typing, channelID)
	}
}

// splitMessage cuts content into chunks of at most limit runes, preferring
// line breaks, then spaces. A chunk that ends inside a code fence is closed
// and the fence reopened in the next chunk.
func splitMessage(content string, limit int) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	const fence = "```"
	var chunks []string
	reopen := ""
	for content != "" {
		budget := limit - len([]rune(reopen))
		runes := []rune(content)
		if len(runes) <= budget {
			chunks = append(chunks, reopen+content)
			break
		}

		// Leave room for a closing fence.
		cut := budget - len(fence) - 1
		window := string(runes[:cut])
		if i := strings.LastIndex(window, "\n"); i > len(window)/2 {
			window = window[:i]
		} else if i := strings.LastIndex(window, " "); i > len(window)/2 {
			window = window[:i]
		}

		chunk := reopen + window
		reopen = ""
		if strings.Count(chunk, fence)%2 == 1 {
			chunk += "\n" + fence
			reopen = fence + "\n"
		}
		chunks = append(chunks, chunk)
		content = strings.TrimLeft(content[len(window):], " \n")
	}
	return chunks
}
