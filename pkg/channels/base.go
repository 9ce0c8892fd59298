package channels

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/logger"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// BaseChannel carries the allow list and bus publishing shared by front ends.
type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, messageBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       messageBus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

// IsAllowed matches the allow list against the numeric id or the username,
// with or without a leading "@". An empty list allows everyone.
func (c *BaseChannel) IsAllowed(userID int64, username string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	id := strconv.FormatInt(userID, 10)
	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(allowed), "@"))
		if candidate == "" {
			continue
		}
		if candidate == id || (username != "" && strings.EqualFold(candidate, username)) {
			return true
		}
	}
	return false
}

// HandleMessage publishes an allowed message to the bus.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) bool {
	if !c.IsAllowed(msg.UserID, msg.Username) {
		logger.DebugCF(c.name, "Message rejected by allow list", map[string]interface{}{
			"user_id": msg.UserID,
		})
		return false
	}
	msg.Channel = c.name
	if !c.bus.PublishInbound(msg) {
		logger.WarnCF(c.name, "Inbound message dropped", map[string]interface{}{
			"user_id": msg.UserID,
		})
		return false
	}
	return true
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}
