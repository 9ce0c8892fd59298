// dotchat - Conversational assistant with long-term summary memory
// License: MIT
//
// Copyright (c) 2026 dotchat contributors

package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/logger"
)

type Manager struct {
	channels     map[string]Channel
	bus          *bus.MessageBus
	config       *config.Config
	dispatchTask *asyncTask
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
}

// NewManager builds the front ends enabled in cfg. A nil cfg yields an empty
// manager; channels can then be added with RegisterChannel.
func NewManager(cfg *config.Config, messageBus *bus.MessageBus) (*Manager, error) {
	m := &Manager{
		channels: make(map[string]Channel),
		bus:      messageBus,
		config:   cfg,
	}
	if cfg == nil {
		return m, nil
	}
	if err := m.initChannels(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) initChannels() error {
	logger.InfoC("channels", "Initializing channel manager")

	if strings.TrimSpace(m.config.Channels.Discord.Token) != "" {
		discord, err := NewDiscordChannel(m.config.Channels.Discord, m.bus)
		if err != nil {
			return fmt.Errorf("initialize Discord channel: %w", err)
		}
		m.channels[discord.Name()] = discord
	}

	logger.InfoCF("channels", "Channel initialization completed", map[string]interface{}{
		"enabled_channels": len(m.channels),
	})
	return nil
}

// StartAll starts every channel and the outbound dispatcher. If any channel
// fails, the ones already started are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	channels := m.snapshot()
	if len(channels) == 0 {
		logger.WarnC("channels", "No channels enabled")
		return nil
	}

	var started []Channel
	for _, channel := range channels {
		logger.InfoCF("channels", "Starting channel", map[string]interface{}{"channel": channel.Name()})
		if err := channel.Start(ctx); err != nil {
			for _, ch := range started {
				if stopErr := ch.Stop(ctx); stopErr != nil {
					logger.WarnCF("channels", "Failed to stop partially-started channel", map[string]interface{}{
						"channel": ch.Name(),
						"error":   stopErr.Error(),
					})
				}
			}
			return fmt.Errorf("start channel %s: %w", channel.Name(), err)
		}
		started = append(started, channel)
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.dispatchTask != nil {
		m.dispatchTask.cancel()
	}
	m.dispatchTask = &asyncTask{cancel: cancel}
	m.mu.Unlock()
	go m.dispatchOutbound(dispatchCtx)

	logger.InfoCF("channels", "All channels started", map[string]interface{}{
		"count": len(started),
	})
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if m.dispatchTask != nil {
		m.dispatchTask.cancel()
		m.dispatchTask = nil
	}
	m.mu.Unlock()

	var errs []string
	for _, channel := range m.snapshot() {
		if err := channel.Stop(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", channel.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("stop channels: %s", strings.Join(errs, "; "))
	}
	logger.InfoC("channels", "All channels stopped")
	return nil
}

func (m *Manager) snapshot() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Channel, 0, len(m.channels))
	for _, name := range sortedKeys(m.channels) {
		out = append(out, m.channels[name])
	}
	return out
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	logger.DebugC("channels", "Outbound dispatcher started")
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			logger.DebugC("channels", "Outbound dispatcher stopped")
			return
		}

		m.mu.RLock()
		channel, exists := m.channels[msg.Channel]
		m.mu.RUnlock()
		if !exists {
			logger.WarnCF("channels", "Unknown channel for outbound message", map[string]interface{}{
				"channel": msg.Channel,
			})
			continue
		}

		if err := channel.Send(ctx, msg); err != nil {
			logger.ErrorCF("channels", "Error sending message to channel", map[string]interface{}{
				"channel": msg.Channel,
				"error":   err.Error(),
			})
		}
	}
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.channels)
}

func sortedKeys(channels map[string]Channel) []string {
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}
