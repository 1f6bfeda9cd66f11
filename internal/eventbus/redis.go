package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/buildswarm/controlplane/pkg/types"
)

// Channel is the Redis pub/sub channel mirrored events go out on.
const Channel = "swarm:events"

// RedisMirror republishes bus events to a Redis channel so dashboards in
// other processes can tail the feed without polling the HTTP API. It is a
// best-effort mirror: the ring buffer and the store write-behind remain
// the source of truth, and a slow or absent Redis never blocks Publish —
// overflow drops the oldest queued events first.
type RedisMirror struct {
	client *redis.Client
	queue  chan types.Event
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRedisMirror connects a mirror to the Redis at addr. The forwarding
// goroutine starts immediately.
func NewRedisMirror(addr string, logger *slog.Logger) *RedisMirror {
	m := &RedisMirror{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		queue:  make(chan types.Event, 512),
		logger: logger.With("component", "eventbus-redis"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go m.run()
	return m
}

// Offer queues an event for mirroring, dropping the oldest queued event
// when full.
func (m *RedisMirror) Offer(e types.Event) {
	for {
		select {
		case m.queue <- e:
			return
		default:
		}
		select {
		case <-m.queue:
		default:
		}
	}
}

func (m *RedisMirror) run() {
	defer close(m.doneCh)
	ctx := context.Background()
	for {
		select {
		case <-m.stopCh:
			return
		case e := <-m.queue:
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := m.client.Publish(ctx, Channel, payload).Err(); err != nil {
				m.logger.Debug("redis publish failed", "error", err)
			}
		}
	}
}

// Close stops the forwarding goroutine and closes the client.
func (m *RedisMirror) Close() error {
	close(m.stopCh)
	<-m.doneCh
	return m.client.Close()
}
