package chat

import (
	"context"
	"sync"

	"github.com/dotsetgreg/dotchat/pkg/bus"
	"github.com/dotsetgreg/dotchat/pkg/chaterr"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/memory"
)

const DefaultWorkers = 4

// Loop feeds bus messages to the engine and publishes the replies. Messages
// are sharded by user across workers, so one user's messages are answered in
// arrival order while other users are served in parallel.
type Loop struct {
	engine  *Engine
	bus     *bus.MessageBus
	workers int
}

func NewLoop(engine *Engine, msgBus *bus.MessageBus, workers int) *Loop {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Loop{engine: engine, bus: msgBus, workers: workers}
}

// Run blocks until ctx is done or the bus is closed, then waits for
// in-flight turns.
func (l *Loop) Run(ctx context.Context) error {
	queues := make([]chan bus.InboundMessage, l.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan bus.InboundMessage, bus.DefaultCapacity)
		wg.Add(1)
		go func(q <-chan bus.InboundMessage) {
			defer wg.Done()
			for msg := range q {
				l.process(ctx, msg)
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	for {
		msg, ok := l.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		shard := msg.UserID % int64(l.workers)
		if shard < 0 {
			shard = -shard
		}
		select {
		case queues[shard] <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Loop) process(ctx context.Context, msg bus.InboundMessage) {
	out, err := l.engine.Handle(ctx, Inbound{
		UserID:   memory.UserID(msg.UserID),
		Username: msg.Username,
		Text:     msg.Content,
	})
	if err != nil {
		logger.ErrorCF("chat", "Error processing message", map[string]interface{}{
			"channel": msg.Channel,
			"user_id": msg.UserID,
			"error":   chaterr.SanitizeError(err),
		})
	}
	response := out.Render()
	if response == "" {
		return
	}
	if !l.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: response,
		ReplyTo: msg.ReplyTo,
	}) {
		logger.WarnCF("chat", "Dropped reply", map[string]interface{}{
			"channel": msg.Channel,
			"user_id": msg.UserID,
		})
	}
}
