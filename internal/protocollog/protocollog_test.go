package protocollog

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/buildswarm/controlplane/pkg/types"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		method, path, want string
	}{
		{"GET", "/api/v1/work?id=abc", "work_request"},
		{"POST", "/api/v1/register", "register"},
		{"POST", "/api/v1/complete", "complete"},
		{"POST", "/api/v1/nodes/drone-1/pause", "node_pause"},
		{"DELETE", "/api/v1/nodes/drone-1", "node_delete"},
		{"GET", "/api/v1/protocol/stats", "protocol_query"},
		{"GET", "/nonsense", "unknown"},
	}
	for _, c := range cases {
		if got := Classify(c.method, c.path); got != c.want {
			t.Errorf("Classify(%q, %q) = %q, want %q", c.method, c.path, got, c.want)
		}
	}
}

type fakeStore struct {
	mu      sync.Mutex
	entries []types.ProtocolEntry
}

func (f *fakeStore) AppendProtocolEntry(ctx context.Context, e types.ProtocolEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeStore) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestRecordSkipsProtocolQueries(t *testing.T) {
	store := &fakeStore{}
	l := New(store, Config{FlushInterval: 5 * time.Millisecond}, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	defer func() { cancel(); l.Stop() }()

	l.Record("10.0.0.1", "GET", "/api/v1/protocol/stats", "", "", 200, 1.0)
	l.Record("10.0.0.1", "GET", "/api/v1/work?id=drone-7", "", `{"package":"dev-libs/foo"}`, 200, 4.2)

	deadline := time.Now().Add(time.Second)
	for store.len() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := store.len(); got != 1 {
		t.Fatalf("want 1 persisted entry (protocol_query skipped), got %d", got)
	}
	store.mu.Lock()
	entry := store.entries[0]
	store.mu.Unlock()
	if entry.Classification != "work_request" {
		t.Errorf("want classification work_request, got %q", entry.Classification)
	}
	if entry.DroneHint != "drone-7" {
		t.Errorf("want drone hint drone-7, got %q", entry.DroneHint)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 3); got != "hel"+truncationMarker {
		t.Errorf("truncate = %q, want %q", got, "hel"+truncationMarker)
	}
	if got := truncate("hi", 10); got != "hi" {
		t.Errorf("truncate should not pad: got %q", got)
	}
}
