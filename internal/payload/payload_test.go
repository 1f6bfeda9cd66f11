package payload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/buildswarm/controlplane/internal/sshprobe"
	"github.com/buildswarm/controlplane/pkg/types"
)

type fakeStore struct {
	versions  map[string]types.PayloadVersion
	deployed  map[string]types.DronePayload
	deployLog []types.DeployLog
	drones    map[string]*types.Drone
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		versions: map[string]types.PayloadVersion{},
		deployed: map[string]types.DronePayload{},
		drones:   map[string]*types.Drone{},
	}
}

func vkey(kind, version string) string { return kind + "\x00" + version }

func dkey(droneID, kind string) string { return droneID + "\x00" + kind }

func (f *fakeStore) addDrone(name string) *types.Drone {
	d := &types.Drone{ID: "id-" + name, Name: name, IP: name}
	f.drones[name] = d
	return d
}

func (f *fakeStore) CreatePayloadVersion(ctx context.Context, pv types.PayloadVersion) error {
	f.versions[vkey(pv.Kind, pv.Version)] = pv
	return nil
}

func (f *fakeStore) GetPayloadVersion(ctx context.Context, kind, version string) (*types.PayloadVersion, error) {
	if pv, ok := f.versions[vkey(kind, version)]; ok {
		return &pv, nil
	}
	return nil, nil
}

func (f *fakeStore) ListPayloadVersions(ctx context.Context, kind string) ([]types.PayloadVersion, error) {
	var out []types.PayloadVersion
	for _, pv := range f.versions {
		if pv.Kind == kind {
			out = append(out, pv)
		}
	}
	return out, nil
}

func (f *fakeStore) LatestPayloadVersion(ctx context.Context, kind string) (*types.PayloadVersion, error) {
	var latest *types.PayloadVersion
	for _, pv := range f.versions {
		pv := pv
		if pv.Kind == kind && (latest == nil || pv.CreatedAt.After(latest.CreatedAt)) {
			latest = &pv
		}
	}
	return latest, nil
}

func (f *fakeStore) SetDronePayload(ctx context.Context, dp types.DronePayload) error {
	f.deployed[dkey(dp.DroneID, dp.Kind)] = dp
	return nil
}

func (f *fakeStore) GetDronePayload(ctx context.Context, droneID, kind string) (*types.DronePayload, error) {
	if dp, ok := f.deployed[dkey(droneID, kind)]; ok {
		return &dp, nil
	}
	return nil, nil
}

func (f *fakeStore) ListDronePayloads(ctx context.Context, droneID string) ([]types.DronePayload, error) {
	var out []types.DronePayload
	for _, dp := range f.deployed {
		if dp.DroneID == droneID {
			out = append(out, dp)
		}
	}
	return out, nil
}

func (f *fakeStore) OutdatedDronePayloads(ctx context.Context, kind, currentVersion string) ([]types.DronePayload, error) {
	return nil, nil
}

func (f *fakeStore) AppendDeployLog(ctx context.Context, l types.DeployLog) error {
	l.CreatedAt = time.Now()
	f.deployLog = append(f.deployLog, l)
	return nil
}

func (f *fakeStore) DeployHistory(ctx context.Context, kind string, limit int) ([]types.DeployLog, error) {
	return f.deployLog, nil
}

func (f *fakeStore) GetDroneByName(ctx context.Context, name string) (*types.Drone, error) {
	return f.drones[name], nil
}

func (f *fakeStore) ListDrones(ctx context.Context, onlineThresholdSeconds float64) ([]types.Drone, error) {
	var out []types.Drone
	for _, d := range f.drones {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeStore) GetDroneConfig(ctx context.Context, name string) (*types.DroneConfig, error) {
	return &types.DroneConfig{SSHUser: "root", SSHPassword: "hunter2"}, nil
}

// fakeTransport records what was pushed per host; corrupt hosts store the
// content with a flipped byte so the hash verification fails.
type fakeTransport struct {
	pushed  map[string][]byte
	corrupt map[string]bool
	probes  []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{pushed: map[string][]byte{}, corrupt: map[string]bool{}}
}

func (t *fakeTransport) Push(ctx context.Context, target sshprobe.Config, content []byte, destPath string) error {
	stored := append([]byte(nil), content...)
	if t.corrupt[target.Host] {
		stored[0] ^= 0xff
	}
	t.pushed[target.Host] = stored
	return nil
}

func (t *fakeTransport) RemoteHash(ctx context.Context, target sshprobe.Config, path string) (string, error) {
	sum := sha256.Sum256(t.pushed[target.Host])
	return hex.EncodeToString(sum[:]), nil
}

func (t *fakeTransport) Probe(ctx context.Context, target sshprobe.Config) error {
	t.probes = append(t.probes, target.Host)
	return nil
}

func newTestRegistry(t *testing.T, store *fakeStore) *Registry {
	t.Helper()
	return NewRegistry(store, t.TempDir(), nil, slog.New(slog.DiscardHandler))
}

func TestRegisterAndContent(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg := newTestRegistry(t, store)

	small := []byte("#!/bin/sh\necho hi\n")
	pv, err := reg.Register(ctx, "init_script", "v1", small, "test script")
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(small)
	if pv.ContentHash != hex.EncodeToString(sum[:]) {
		t.Fatal("registered hash should be the SHA-256 of the content")
	}
	got, err := reg.Content(pv)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, small) {
		t.Fatal("inline content should round-trip")
	}
}

func TestRegisterLargeSpillsToDisk(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg := newTestRegistry(t, store)

	large := bytes.Repeat([]byte{0xab}, inlineLimit+1)
	pv, err := reg.Register(ctx, "drone_binary", "v2", large, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(pv.ContentRef); err != nil {
		t.Fatalf("large payload should have a blob file: %v", err)
	}
	if filepath.Dir(pv.ContentRef) == reg.blobRoot {
		t.Fatal("blobs should be grouped under a per-kind directory")
	}
	got, err := reg.Content(pv)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, large) {
		t.Fatal("blob content should round-trip")
	}
}

func TestRegisterRejectsDuplicateAndUnknownKind(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg := newTestRegistry(t, store)

	if _, err := reg.Register(ctx, "drone_binary", "v1", []byte("x"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(ctx, "drone_binary", "v1", []byte("y"), ""); err == nil {
		t.Fatal("duplicate (kind, version) must be rejected")
	}
	if _, err := reg.Register(ctx, "nonsense", "v1", []byte("x"), ""); err == nil {
		t.Fatal("unknown kind must be rejected")
	}
}

func TestDeployVerifiesRemoteHash(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addDrone("d1")
	reg := newTestRegistry(t, store)
	transport := newFakeTransport()
	dep := NewDeployer(reg, store, transport, nil, DeployerConfig{FanOutPerSecond: 1000})

	if _, err := reg.Register(ctx, "drone_binary", "v1", []byte("binary-bytes"), ""); err != nil {
		t.Fatal(err)
	}

	res, err := dep.Deploy(ctx, "drone_binary", "v1", "d1", true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("deploy should succeed: %s", res.Error)
	}
	dp, _ := store.GetDronePayload(ctx, "id-d1", "drone_binary")
	if dp == nil || dp.DeployedVersion != "v1" || dp.Status != types.DronePayloadSuccess {
		t.Fatalf("drone payload row should record the deploy, got %+v", dp)
	}
	if len(store.deployLog) != 1 || store.deployLog[0].Action != types.DeployActionDeploy {
		t.Fatalf("expected one deploy log row, got %+v", store.deployLog)
	}

	// Corrupt transfer: hash mismatch marks the deploy failed.
	transport.corrupt["d2"] = true
	store.addDrone("d2")
	res, err = dep.Deploy(ctx, "drone_binary", "v1", "d2", true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("hash mismatch must fail the deploy")
	}
	dp, _ = store.GetDronePayload(ctx, "id-d2", "drone_binary")
	if dp.Status != types.DronePayloadFailed {
		t.Fatalf("expected failed status, got %s", dp.Status)
	}
}

func TestRollingDeployStopsAndRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addDrone("d1")
	store.addDrone("d2")
	store.addDrone("d3")
	reg := newTestRegistry(t, store)
	transport := newFakeTransport()
	dep := NewDeployer(reg, store, transport, nil, DeployerConfig{FanOutPerSecond: 1000})

	oldPV, err := reg.Register(ctx, "drone_binary", "v0.3.0", []byte("old-binary"), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Register(ctx, "drone_binary", "v0.4.0", []byte("new-binary"), ""); err != nil {
		t.Fatal(err)
	}
	// d2 ran v0.3.0 before, so it has a known version to revert to.
	for _, id := range []string{"id-d1", "id-d2"} {
		store.deployed[dkey(id, "drone_binary")] = types.DronePayload{
			DroneID: id, Kind: "drone_binary",
			DeployedVersion: "v0.3.0", DeployedHash: oldPV.ContentHash,
			Status: types.DronePayloadSuccess,
		}
	}

	transport.corrupt["d2"] = true
	res, err := dep.RollingDeploy(ctx, "drone_binary", "v0.4.0", RollingOptions{
		Drones:         []string{"d1", "d2", "d3"},
		RollbackOnFail: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.SuccessCount != 1 || res.FailCount != 1 || !res.Stopped {
		t.Fatalf("expected success=1 fail=1 stopped, got %+v", res)
	}
	if !res.Results["d1"].Success || res.Results["d2"].Success {
		t.Fatalf("d1 should succeed, d2 fail: %+v", res.Results)
	}
	if _, attempted := res.Results["d3"]; attempted {
		t.Fatal("d3 must never be attempted after the stop")
	}

	// d1's success is not reverted.
	d1, _ := store.GetDronePayload(ctx, "id-d1", "drone_binary")
	if d1.DeployedVersion != "v0.4.0" || d1.Status != types.DronePayloadSuccess {
		t.Fatalf("d1 should stay on the new version, got %+v", d1)
	}

	// Rollback of the failed drone is recorded.
	var sawRollback bool
	for _, l := range store.deployLog {
		if l.Action == types.DeployActionRollback && l.DroneID == "id-d2" {
			sawRollback = true
		}
	}
	if !sawRollback {
		t.Fatal("expected a rollback deploy-log row for d2")
	}
}

func TestRollingDeployHealthCheck(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addDrone("d1")
	reg := newTestRegistry(t, store)
	transport := newFakeTransport()
	dep := NewDeployer(reg, store, transport, nil, DeployerConfig{FanOutPerSecond: 1000})

	if _, err := reg.Register(ctx, "drone_binary", "v1", []byte("bin"), ""); err != nil {
		t.Fatal(err)
	}
	res, err := dep.RollingDeploy(ctx, "drone_binary", "v1", RollingOptions{
		Drones:      []string{"d1"},
		HealthCheck: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.SuccessCount != 1 {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(transport.probes) != 1 {
		t.Fatal("health check should probe the drone after the deploy")
	}
}

func TestVerifyDeployedPayload(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.addDrone("d1")
	reg := newTestRegistry(t, store)
	transport := newFakeTransport()
	dep := NewDeployer(reg, store, transport, nil, DeployerConfig{FanOutPerSecond: 1000})

	if _, err := reg.Register(ctx, "drone_binary", "v1", []byte("bin"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := dep.Deploy(ctx, "drone_binary", "v1", "d1", false); err != nil {
		t.Fatal(err)
	}
	res, err := dep.Verify(ctx, "drone_binary", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("verify should pass: %s", res.Error)
	}

	// Tamper with the remote file: verify now fails.
	transport.pushed["d1"][0] ^= 0xff
	res, err = dep.Verify(ctx, "drone_binary", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("verify must fail after remote tampering")
	}
}
