// Package eventbus mirrors session-transition and stats events onto an
// optional Redis pub/sub channel for external observability
// (SPEC_FULL §4.8). It is narrowed from the teacher's pkg/redis.Client
// down to Publish+Close: this relay persists nothing through Redis —
// the only durable state is the single-player JSON snapshot
// (pkg/gamestate) — so every other Client method the teacher carried
// (HSet/HGet/LPush/BRPop, used there for vehicle Redis-state storage)
// has no home here.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bus publishes JSON event envelopes to a single configured channel.
// A nil *Bus is valid and turns every Publish into a no-op, so the
// event bus stays strictly optional (spec Non-goals: no persistence
// beyond the snapshot).
type Bus struct {
	client  *redis.Client
	channel string
	ctx     context.Context
}

// New connects to addr and verifies reachability with a PING. Pass an
// empty addr to get a nil Bus (mirroring disabled).
func New(addr, channel string) (*Bus, error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("eventbus: connect to %s: %w", addr, err)
	}
	return &Bus{client: client, channel: channel, ctx: ctx}, nil
}

// Event is one published envelope.
type Event struct {
	Kind     string `json:"kind"`
	BeetleID string `json:"beetle_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Publish marshals e as JSON and publishes it to the configured
// channel. Errors are logged, not returned: event-bus delivery is
// observability-only and must never affect relay behavior.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("eventbus: marshal event: %v", err)
		return
	}
	if err := b.client.Publish(b.ctx, b.channel, data).Err(); err != nil {
		log.Printf("eventbus: publish failed: %v", err)
	}
}

// Close releases the underlying Redis connection.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	return b.client.Close()
}
