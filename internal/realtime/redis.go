package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "mediation:session:"

// Channel returns the pub/sub channel for a session.
func Channel(sessionID string) string {
	return channelPrefix + sessionID
}

// RedisFanout publishes events through Redis so every instance's hub sees
// them. Run must be started to deliver incoming events locally.
type RedisFanout struct {
	client redis.UniversalClient
	hub    *Hub
	logger *slog.Logger
}

var _ Broadcaster = (*RedisFanout)(nil)

// NewRedisFanout wraps a Redis client and the local hub.
func NewRedisFanout(client redis.UniversalClient, hub *Hub, logger *slog.Logger) *RedisFanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFanout{client: client, hub: hub, logger: logger}
}

// Publish sends ev to the session's channel.
func (f *RedisFanout) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.client.Publish(ctx, Channel(ev.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run subscribes to all session channels and delivers into the hub until
// ctx is cancelled.
func (f *RedisFanout) Run(ctx context.Context) error {
	pubsub := f.client.PSubscribe(ctx, channelPrefix+"*")
	defer func() {
		if err := pubsub.Close(); err != nil {
			f.logger.Debug("failed to close redis subscription", "error", err)
		}
	}()

	// Wait for the subscription confirmation so publishes after Run starts
	// are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	f.logger.Info("Realtime fan-out subscribed", "pattern", channelPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			sessionID := strings.TrimPrefix(msg.Channel, channelPrefix)
			f.hub.Deliver(ctx, sessionID, []byte(msg.Payload))
		}
	}
}
