// Package eventbus is the in-memory activity feed the admin UI polls and
// the durable write-behind path that survives a restart.
//
// Publish never blocks on disk: events land in a bounded ring buffer
// immediately and are drained to the store by a background flush loop,
// mirroring the separation the original activity feed kept between its
// in-memory ring and the database.
package eventbus

import (
	"container/ring"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/buildswarm/controlplane/pkg/types"
)

// Persister is the subset of Store the bus needs to flush events to disk.
type Persister interface {
	AppendEvent(ctx context.Context, e types.Event) (int64, error)
}

// Config controls ring capacity and flush cadence.
type Config struct {
	RingSize      int
	FlushInterval time.Duration
	FlushBatch    int
}

// Bus is a bounded ring buffer of recent events plus a write-behind queue.
// Safe for concurrent use.
type Bus struct {
	mu      sync.Mutex
	buf     *ring.Ring
	lastID  int64
	size    int
	count   int
	pending []types.Event
	store   Persister
	mirror  *RedisMirror
	logger  *slog.Logger
	cfg     Config
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Bus. store may be nil, in which case events are kept only
// in memory (used by tests that don't need durability).
func New(store Persister, cfg Config, logger *slog.Logger) *Bus {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 2000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = 200
	}
	return &Bus{
		buf:    ring.New(cfg.RingSize),
		size:   cfg.RingSize,
		store:  store,
		logger: logger.With("component", "eventbus"),
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Publish appends an event to the ring buffer and queues it for durable
// persistence. Never blocks on I/O.
func (b *Bus) Publish(kind types.EventKind, message string, details map[string]any, droneID, pkg string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastID++
	e := types.Event{
		ID:        b.lastID,
		Timestamp: time.Now(),
		Kind:      kind,
		Message:   message,
		Details:   details,
		DroneID:   droneID,
		Package:   pkg,
	}
	b.buf.Value = e
	b.buf = b.buf.Next()
	if b.count < b.size {
		b.count++
	}
	if b.store != nil {
		b.pending = append(b.pending, e)
	}
	if b.mirror != nil {
		b.mirror.Offer(e)
	}
}

// SetMirror attaches an optional Redis mirror. Call before Start.
func (b *Bus) SetMirror(m *RedisMirror) {
	b.mu.Lock()
	b.mirror = m
	b.mu.Unlock()
}

// Since returns every buffered event with id greater than sinceID, oldest
// first, plus the id of the newest event in the buffer.
func (b *Bus) Since(sinceID int64) ([]types.Event, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var all []types.Event
	b.buf.Do(func(v any) {
		if v == nil {
			return
		}
		e := v.(types.Event)
		if e.ID > sinceID {
			all = append(all, e)
		}
	})
	// ring.Do starts at the next write slot: the oldest retained event once
	// the ring has wrapped, an empty slot before that. Sort by id anyway so
	// the ordering does not depend on that walk.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j-1].ID > all[j].ID; j-- {
			all[j-1], all[j] = all[j], all[j-1]
		}
	}
	return all, b.lastID
}

// Start begins the write-behind flush loop in a goroutine.
func (b *Bus) Start(ctx context.Context) {
	if b.store == nil {
		close(b.doneCh)
		return
	}
	go b.run(ctx)
}

// Stop signals the flush loop to stop and waits for its final flush.
func (b *Bus) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flush(context.Background())
			return
		case <-b.stopCh:
			b.flush(context.Background())
			return
		case <-ticker.C:
			b.flush(ctx)
		}
	}
}

func (b *Bus) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	n := len(b.pending)
	if n > b.cfg.FlushBatch {
		n = b.cfg.FlushBatch
	}
	batch := b.pending[:n]
	b.pending = b.pending[n:]
	b.mu.Unlock()

	for _, e := range batch {
		if _, err := b.store.AppendEvent(ctx, e); err != nil {
			b.logger.Error("failed to persist event", "kind", e.Kind, "error", err)
		}
	}
}
