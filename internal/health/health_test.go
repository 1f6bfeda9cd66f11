package health

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/buildswarm/controlplane/pkg/types"
)

type fakeStore struct {
	health      map[string]types.HealthRecord
	delegated   map[string][]types.QueueItem
	reclaimed   []int64
	drones      map[string]*types.Drone
	ungroundAll bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		health:    map[string]types.HealthRecord{},
		delegated: map[string][]types.QueueItem{},
		drones:    map[string]*types.Drone{},
	}
}

func (f *fakeStore) GetHealth(ctx context.Context, droneID string) (types.HealthRecord, error) {
	return f.health[droneID], nil
}

func (f *fakeStore) RecordDroneFailure(ctx context.Context, droneID string, maxFailures int, groundingSeconds float64) (types.HealthRecord, error) {
	h := f.health[droneID]
	h.DroneID = droneID
	h.FailureCount++
	if h.FailureCount >= maxFailures {
		until := time.Now().Add(time.Duration(groundingSeconds) * time.Second)
		h.GroundedUntil = &until
	}
	f.health[droneID] = h
	return h, nil
}

func (f *fakeStore) DecayDroneFailures(ctx context.Context, droneID string) error {
	h := f.health[droneID]
	if h.FailureCount > 0 {
		h.FailureCount--
	}
	f.health[droneID] = h
	return nil
}

func (f *fakeStore) UngroundDrone(ctx context.Context, droneID string) error {
	h := f.health[droneID]
	h.GroundedUntil = nil
	h.FailureCount = 0
	f.health[droneID] = h
	return nil
}

func (f *fakeStore) ResetDroneHealth(ctx context.Context, droneID string) error {
	if droneID == "" {
		f.ungroundAll = true
		for k, h := range f.health {
			h.GroundedUntil = nil
			h.FailureCount = 0
			f.health[k] = h
		}
		return nil
	}
	return f.UngroundDrone(ctx, droneID)
}

func (f *fakeStore) GetDelegatedPackages(ctx context.Context, droneID string) ([]types.QueueItem, error) {
	return f.delegated[droneID], nil
}

func (f *fakeStore) ReclaimPackage(ctx context.Context, queueID int64) error {
	f.reclaimed = append(f.reclaimed, queueID)
	return nil
}

func (f *fakeStore) GetDrone(ctx context.Context, id string) (*types.Drone, error) {
	return f.drones[id], nil
}

func (f *fakeStore) RecordUploadFailure(ctx context.Context, droneID string) error {
	h := f.health[droneID]
	h.DroneID = droneID
	h.UploadFailureCount++
	f.health[droneID] = h
	return nil
}

func (f *fakeStore) ResetUploadFailures(ctx context.Context, droneID string) error {
	h := f.health[droneID]
	h.UploadFailureCount = 0
	f.health[droneID] = h
	return nil
}

type fakeRebooter struct {
	called chan string
}

func (f *fakeRebooter) Reboot(ctx context.Context, ip string) error {
	f.called <- ip
	return nil
}

func TestGroundingTripsAfterMaxFailures(t *testing.T) {
	store := newFakeStore()
	store.delegated["drone-1"] = []types.QueueItem{{ID: 1, Package: "dev-libs/foo"}, {ID: 2, Package: "dev-libs/bar"}}
	store.drones["drone-1"] = &types.Drone{ID: "drone-1", IP: "10.0.0.5", Capabilities: types.DroneCapabilities{AutoReboot: false}}

	m := New(store, nil, nil, Config{MaxFailures: 3, GroundingTimeout: time.Minute}, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := m.RecordFailure(ctx, "drone-1"); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		grounded, err := m.IsGrounded(ctx, "drone-1")
		if err != nil || grounded {
			t.Fatalf("drone should not be grounded before threshold, grounded=%v err=%v", grounded, err)
		}
	}

	if err := m.RecordFailure(ctx, "drone-1"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	grounded, err := m.IsGrounded(ctx, "drone-1")
	if err != nil || !grounded {
		t.Fatalf("drone should be grounded at threshold, grounded=%v err=%v", grounded, err)
	}
	if len(store.reclaimed) != 2 {
		t.Fatalf("want 2 packages reclaimed from grounded drone, got %d", len(store.reclaimed))
	}
}

func TestRebootRespectsProtectedHosts(t *testing.T) {
	store := newFakeStore()
	store.drones["drone-1"] = &types.Drone{ID: "drone-1", IP: "10.0.0.9", Kind: types.DroneKindContainer,
		Capabilities: types.DroneCapabilities{AutoReboot: true}}
	reb := &fakeRebooter{called: make(chan string, 1)}

	m := New(store, reb, nil, Config{
		MaxFailures:      1,
		GroundingTimeout: time.Minute,
		ProtectedHosts:   map[string]bool{"10.0.0.9": true},
	}, slog.New(slog.DiscardHandler))

	if err := m.RecordFailure(context.Background(), "drone-1"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	select {
	case ip := <-reb.called:
		t.Fatalf("reboot should not be attempted on a protected host, got reboot(%s)", ip)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRebootRefusedForBareMetal(t *testing.T) {
	store := newFakeStore()
	store.drones["drone-1"] = &types.Drone{ID: "drone-1", IP: "10.0.0.3", Kind: types.DroneKindBareMetal,
		Capabilities: types.DroneCapabilities{AutoReboot: true}}
	reb := &fakeRebooter{called: make(chan string, 1)}

	m := New(store, reb, nil, Config{MaxFailures: 1, GroundingTimeout: time.Minute}, slog.New(slog.DiscardHandler))
	if err := m.RecordFailure(context.Background(), "drone-1"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	select {
	case ip := <-reb.called:
		t.Fatalf("bare-metal drone must never be rebooted automatically, got reboot(%s)", ip)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUploadBreakerIndependentOfBuildFailures(t *testing.T) {
	store := newFakeStore()
	m := New(store, nil, nil, Config{MaxFailures: 8, GroundingTimeout: time.Minute, MaxUploadFailures: 2},
		slog.New(slog.DiscardHandler))
	ctx := context.Background()

	if err := m.RecordUploadFailure(ctx, "drone-1"); err != nil {
		t.Fatal(err)
	}
	impaired, err := m.IsUploadImpaired(ctx, "drone-1")
	if err != nil || impaired {
		t.Fatalf("one upload failure should not impair, impaired=%v err=%v", impaired, err)
	}
	if err := m.RecordUploadFailure(ctx, "drone-1"); err != nil {
		t.Fatal(err)
	}
	impaired, _ = m.IsUploadImpaired(ctx, "drone-1")
	if !impaired {
		t.Fatal("drone should be upload-impaired at the ceiling")
	}
	// Upload failures never ground the drone.
	grounded, _ := m.IsGrounded(ctx, "drone-1")
	if grounded {
		t.Fatal("upload failures must not trip the build-failure breaker")
	}
	if err := m.ResetUploadFailures(ctx, "drone-1"); err != nil {
		t.Fatal(err)
	}
	impaired, _ = m.IsUploadImpaired(ctx, "drone-1")
	if impaired {
		t.Fatal("reset should clear the upload breaker")
	}
}

func TestUngroundAll(t *testing.T) {
	store := newFakeStore()
	store.health["drone-1"] = types.HealthRecord{DroneID: "drone-1", FailureCount: 5}
	m := New(store, nil, nil, Config{MaxFailures: 3, GroundingTimeout: time.Minute}, slog.New(slog.DiscardHandler))

	if err := m.UngroundAll(context.Background()); err != nil {
		t.Fatalf("UngroundAll: %v", err)
	}
	if !store.ungroundAll {
		t.Fatal("expected ResetDroneHealth to be called with empty droneID")
	}
}
