package selfheal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/buildswarm/controlplane/pkg/types"
)

type fakeStore struct {
	mu         sync.Mutex
	drones     []types.Drone
	health     map[string]types.HealthRecord
	streaks    map[string]int
	windowAt   map[string]float64
	configs    map[string]*types.DroneConfig
	pingsSaved int
}

func newFakeStore(drones ...types.Drone) *fakeStore {
	return &fakeStore{
		drones:   drones,
		health:   map[string]types.HealthRecord{},
		streaks:  map[string]int{},
		windowAt: map[string]float64{},
		configs:  map[string]*types.DroneConfig{},
	}
}

func (f *fakeStore) ListDrones(ctx context.Context, onlineThresholdSeconds float64) ([]types.Drone, error) {
	return f.drones, nil
}

func (f *fakeStore) RecordProbeFailure(ctx context.Context, droneID string) (int, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaks[droneID]++
	if f.streaks[droneID] == 1 {
		f.windowAt[droneID] = float64(time.Now().Add(-time.Hour).Unix())
	}
	return f.streaks[droneID], f.windowAt[droneID], nil
}

func (f *fakeStore) ResetProbeStreak(ctx context.Context, droneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streaks, droneID)
	delete(f.windowAt, droneID)
	return nil
}

func (f *fakeStore) SetEscalationLevel(ctx context.Context, droneID string, level, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.health[droneID]
	h.DroneID = droneID
	h.EscalationLevel = level
	h.EscalationAttempts = attempts
	f.health[droneID] = h
	return nil
}

func (f *fakeStore) ResetEscalation(ctx context.Context, droneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.health[droneID]
	h.EscalationLevel = 0
	h.EscalationAttempts = 0
	f.health[droneID] = h
	return nil
}

func (f *fakeStore) GetHealth(ctx context.Context, droneID string) (types.HealthRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health[droneID], nil
}

func (f *fakeStore) GetDroneConfig(ctx context.Context, name string) (*types.DroneConfig, error) {
	return f.configs[name], nil
}

func (f *fakeStore) UpdatePingResult(ctx context.Context, id string, sentAt, recvAt, roundTripMs float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingsSaved++
	return nil
}

type fakeProber struct {
	pingErr   error
	restarted chan string
	rebooted  chan string
	rebootErr error
}

func (f *fakeProber) Ping(ctx context.Context, cfg ProbeTarget) (time.Duration, error) {
	if f.pingErr != nil {
		return 0, f.pingErr
	}
	return time.Millisecond, nil
}

func (f *fakeProber) RestartService(ctx context.Context, cfg ProbeTarget, service string) error {
	if f.restarted != nil {
		f.restarted <- service
	}
	return nil
}

func (f *fakeProber) Reboot(ctx context.Context, cfg ProbeTarget) error {
	if f.rebooted != nil {
		f.rebooted <- cfg.Host
	}
	return f.rebootErr
}

type fakeEvents struct {
	mu   sync.Mutex
	kind []types.EventKind
}

func (f *fakeEvents) Publish(kind types.EventKind, message string, details map[string]any, droneID, pkg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kind = append(f.kind, kind)
}

func testConfig() Config {
	return Config{
		ProbeInterval:          time.Hour,
		MinConsecutiveFailures: 2,
		MinFailureWindow:       0,
		EscalationCooldowns:    map[EscalationLevel]time.Duration{},
	}
}

func TestHealthyProbeResetsStreak(t *testing.T) {
	d := types.Drone{ID: "drone-1", Kind: types.DroneKindContainer}
	store := newFakeStore(d)
	prober := &fakeProber{}
	m := New(store, prober, nil, testConfig(), slog.New(slog.DiscardHandler))
	store.streaks["drone-1"] = 2

	m.probeOne(context.Background(), d)

	if store.pingsSaved != 1 {
		t.Fatalf("want ping result saved once, got %d", store.pingsSaved)
	}
	if _, ok := store.streaks["drone-1"]; ok {
		t.Fatal("healthy probe should reset the failure streak")
	}
}

func TestUnhealthyProbeEscalatesToServiceRestart(t *testing.T) {
	d := types.Drone{ID: "drone-1", Kind: types.DroneKindContainer}
	store := newFakeStore(d)
	prober := &fakeProber{pingErr: errors.New("dial timeout"), restarted: make(chan string, 1)}
	events := &fakeEvents{}
	m := New(store, prober, events, testConfig(), slog.New(slog.DiscardHandler))

	m.probeOne(context.Background(), d) // 1st failure, below threshold
	m.probeOne(context.Background(), d) // 2nd failure, crosses threshold

	select {
	case svc := <-prober.restarted:
		if svc != "build-drone" {
			t.Fatalf("want default service name, got %q", svc)
		}
	default:
		t.Fatal("expected a service restart to be issued")
	}

	h, _ := store.GetHealth(context.Background(), "drone-1")
	if h.EscalationLevel != int(LevelServiceRestart) {
		t.Fatalf("want escalation level %d, got %d", LevelServiceRestart, h.EscalationLevel)
	}
}

func TestBareMetalNeverRebooted(t *testing.T) {
	d := types.Drone{ID: "drone-1", IP: "10.0.0.4", Kind: types.DroneKindBareMetal}
	store := newFakeStore(d)
	store.health["drone-1"] = types.HealthRecord{DroneID: "drone-1", EscalationLevel: int(LevelHardRestart)}
	prober := &fakeProber{rebooted: make(chan string, 1)}
	events := &fakeEvents{}
	cfg := testConfig()
	m := New(store, prober, events, cfg, slog.New(slog.DiscardHandler))

	m.escalate(context.Background(), d, LevelContainerReboot, "still down", 3)

	select {
	case ip := <-prober.rebooted:
		t.Fatalf("bare-metal drone should never be rebooted, got reboot(%s)", ip)
	default:
	}

	found := false
	for _, k := range events.kind {
		if k == types.EventBareMetalProtect {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a bare-metal-protected event to be published")
	}
}

func TestRecoveryResetsEscalation(t *testing.T) {
	d := types.Drone{ID: "drone-1", Kind: types.DroneKindContainer}
	store := newFakeStore(d)
	store.health["drone-1"] = types.HealthRecord{DroneID: "drone-1", EscalationLevel: int(LevelHardRestart)}
	events := &fakeEvents{}
	m := New(store, &fakeProber{}, events, testConfig(), slog.New(slog.DiscardHandler))

	m.handleHealthy(context.Background(), d)

	h, _ := store.GetHealth(context.Background(), "drone-1")
	if h.EscalationLevel != 0 {
		t.Fatalf("want escalation reset to 0, got %d", h.EscalationLevel)
	}
}
