package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/buildswarm/controlplane/pkg/types"
)

type fakePersister struct {
	mu     sync.Mutex
	events []types.Event
}

func (f *fakePersister) AppendEvent(ctx context.Context, e types.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return int64(len(f.events)), nil
}

func (f *fakePersister) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func newTestBus(p Persister) *Bus {
	return New(p, Config{RingSize: 8, FlushInterval: 10 * time.Millisecond, FlushBatch: 4}, slog.New(slog.DiscardHandler))
}

func TestPublishAndSince(t *testing.T) {
	b := newTestBus(nil)
	b.Publish(types.EventAssign, "assigned foo to drone-1", nil, "drone-1", "foo")
	b.Publish(types.EventReclaim, "reclaimed bar", nil, "", "bar")

	events, lastID := b.Since(0)
	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d", len(events))
	}
	if lastID != 2 {
		t.Fatalf("want lastID 2, got %d", lastID)
	}
	if events[0].Kind != types.EventAssign || events[1].Kind != types.EventReclaim {
		t.Fatalf("events out of order: %+v", events)
	}

	events, _ = b.Since(1)
	if len(events) != 1 || events[0].Kind != types.EventReclaim {
		t.Fatalf("Since(1) should only return the second event, got %+v", events)
	}
}

func TestRingEviction(t *testing.T) {
	b := newTestBus(nil)
	for i := 0; i < 20; i++ {
		b.Publish(types.EventControl, "tick", nil, "", "")
	}
	events, lastID := b.Since(0)
	if len(events) != 8 {
		t.Fatalf("ring of size 8 should retain 8 events, got %d", len(events))
	}
	if lastID != 20 {
		t.Fatalf("want lastID 20, got %d", lastID)
	}
	if events[0].ID != 13 {
		t.Fatalf("oldest retained event should be id 13, got %d", events[0].ID)
	}
}

func TestWriteBehindFlush(t *testing.T) {
	p := &fakePersister{}
	b := newTestBus(p)
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)

	for i := 0; i < 5; i++ {
		b.Publish(types.EventDeploy, "deployed", nil, "", "")
	}

	deadline := time.Now().Add(time.Second)
	for p.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := p.count(); got != 5 {
		t.Fatalf("want 5 persisted events, got %d", got)
	}

	cancel()
	b.Stop()
}
