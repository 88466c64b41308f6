package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisMirror republishes every locally-broadcast event onto a Redis
// pub/sub channel and forwards messages from other hub processes
// into the local Bus, so a live-tail HTTP subscriber connected to any
// hub process observes every event for a run regardless of which
// process's worker produced it. The persistent event log (not Redis)
// remains authoritative for resync: if Redis is unavailable, live
// broadcast degrades to single-process but GetRun/ResyncSince still
// return the full history.
type RedisMirror struct {
	client  *redis.Client
	bus     *Bus
	channel string
}

// NewRedisMirror binds a Bus to a Redis client on a fixed channel
// name shared by every hub process.
func NewRedisMirror(client *redis.Client, bus *Bus) *RedisMirror {
	return &RedisMirror{client: client, bus: bus, channel: "backup:run-events"}
}

// Publish serializes e and publishes it; call this from
// Bus.AppendAndBroadcast's caller in the same process that performed
// the append, so the origin process also sees its own event echoed
// back (harmless, since broadcast fan-out is independent of the
// subscriber's origin).
func (m *RedisMirror) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshaling event for redis publish: %w", err)
	}
	if err := m.client.Publish(ctx, m.channel, data).Err(); err != nil {
		return fmt.Errorf("events: publishing to redis: %w", err)
	}
	return nil
}

// Run subscribes to the shared channel and forwards every message
// into the local Bus's broadcast path until ctx is canceled. Errors
// decoding an individual message are skipped rather than fatal, since
// a malformed message from a future protocol version should not take
// down live-tailing for every other run.
func (m *RedisMirror) Run(ctx context.Context) error {
	sub := m.client.Subscribe(ctx, m.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				continue
			}
			m.bus.broadcast(e)
		}
	}
}
