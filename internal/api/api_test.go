package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/buildswarm/controlplane/internal/eventbus"
	"github.com/buildswarm/controlplane/internal/health"
	"github.com/buildswarm/controlplane/internal/payload"
	"github.com/buildswarm/controlplane/internal/protocollog"
	"github.com/buildswarm/controlplane/internal/release"
	"github.com/buildswarm/controlplane/internal/scheduler"
	"github.com/buildswarm/controlplane/internal/selfheal"
	"github.com/buildswarm/controlplane/internal/sshprobe"
	"github.com/buildswarm/controlplane/internal/store"
	"github.com/buildswarm/controlplane/pkg/types"
)

const testAdminKey = "test-admin-key"

type noopProber struct{}

func (noopProber) Ping(ctx context.Context, cfg selfheal.ProbeTarget) (time.Duration, error) {
	return time.Millisecond, nil
}

func (noopProber) RestartService(ctx context.Context, cfg selfheal.ProbeTarget, service string) error {
	return nil
}

func (noopProber) Reboot(ctx context.Context, cfg selfheal.ProbeTarget) error {
	return nil
}

type noopTransport struct{}

func (noopTransport) Push(ctx context.Context, target sshprobe.Config, content []byte, destPath string) error {
	return nil
}

func (noopTransport) RemoteHash(ctx context.Context, target sshprobe.Config, path string) (string, error) {
	return "", nil
}

func (noopTransport) Probe(ctx context.Context, target sshprobe.Config) error {
	return nil
}

type testEnv struct {
	server *Server
	public *httptest.Server
	admin  *httptest.Server
	store  *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	st, err := store.Open(":memory:", logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New(st, eventbus.Config{}, logger)
	plog := protocollog.New(st, protocollog.Config{}, logger)
	hm := health.New(st, nil, bus, health.Config{MaxFailures: 8, GroundingTimeout: 5 * time.Minute}, logger)
	sched := scheduler.New(st, hm, bus, scheduler.Config{}, logger)
	sh := selfheal.New(st, noopProber{}, bus, selfheal.Config{
		ProbeInterval: 30 * time.Second, MinConsecutiveFailures: 3, MinFailureWindow: 3 * time.Minute,
	}, logger)

	registry := payload.NewRegistry(st, t.TempDir(), nil, logger)
	deployer := payload.NewDeployer(registry, st, noopTransport{}, bus, payload.DeployerConfig{FanOutPerSecond: 1000})
	releases := release.NewRegistry(st, t.TempDir(), bus, logger)

	srv := NewServer(st, sched, hm, sh, bus, plog, registry, deployer, releases, Config{
		AdminKey:         testAdminKey,
		OrchestratorName: "test-orchestrator",
		PublicPort:       8100,
	}, logger)

	env := &testEnv{
		server: srv,
		public: httptest.NewServer(srv.Public()),
		admin:  httptest.NewServer(srv.Admin()),
		store:  st,
	}
	t.Cleanup(env.public.Close)
	t.Cleanup(env.admin.Close)
	return env
}

func (e *testEnv) do(t *testing.T, base, method, path string, body any, admin bool) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, base+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if admin {
		req.Header.Set("X-Admin-Key", testAdminKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding %s %s response: %v", method, path, err)
	}
	return resp, decoded
}

func (e *testEnv) registerDrone(t *testing.T, id, name string) {
	t.Helper()
	resp, body := e.do(t, e.public.URL, "POST", "/api/v1/register", map[string]any{
		"id": id, "name": name, "ip": "10.0.0.1", "type": "drone",
		"capabilities": map[string]any{"cores": 16, "ram_gb": 64.0},
	}, false)
	if resp.StatusCode != http.StatusOK || body["status"] != "registered" {
		t.Fatalf("register failed: %d %v", resp.StatusCode, body)
	}
}

func TestHappyPath(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, env.public.URL, "POST", "/api/v1/queue", map[string]any{
		"packages": []string{"dev-libs/openssl-3.2.0"}, "session_name": "t1",
	}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("queue: %d %v", resp.StatusCode, body)
	}

	env.registerDrone(t, "d1", "drone-1")

	resp, body = env.do(t, env.public.URL, "GET", "/api/v1/work?id=d1&cores=16", nil, false)
	if resp.StatusCode != http.StatusOK || body["package"] != "dev-libs/openssl-3.2.0" {
		t.Fatalf("work: %d %v", resp.StatusCode, body)
	}

	resp, body = env.do(t, env.public.URL, "POST", "/api/v1/complete", map[string]any{
		"id": "d1", "package": "dev-libs/openssl-3.2.0", "status": "success", "build_duration_s": 10.0,
	}, false)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("complete: %d %v", resp.StatusCode, body)
	}

	ctx := context.Background()
	item, err := env.store.GetQueueItemByPackage(ctx, "dev-libs/openssl-3.2.0")
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Fatalf("expected no active row after success, got %+v", item)
	}
	history, err := env.store.GetBuildHistory(ctx, 10, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Status != types.CompletionSuccess {
		t.Fatalf("expected one success history row, got %+v", history)
	}

	sessions, err := env.store.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	sess := sessions[0]
	if sess.Total != 1 || sess.Completed != 1 || sess.Status != types.SessionCompleted {
		t.Fatalf("session should close with completed=1/total=1, got %+v", sess)
	}
}

func TestStaleCompletionKeepsQueueState(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, env.public.URL, "POST", "/api/v1/queue", map[string]any{
		"packages": []string{"app-misc/foo-1.0"}, "session_name": "t2",
	}, true)
	env.registerDrone(t, "d1", "drone-1")
	env.do(t, env.public.URL, "GET", "/api/v1/work?id=d1", nil, false)

	// Admin resets the queue: the item goes back to needed, d1's report
	// is now stale.
	resp, _ := env.do(t, env.public.URL, "POST", "/api/v1/control", map[string]any{"action": "reset"}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("control reset: %d", resp.StatusCode)
	}

	resp, body := env.do(t, env.public.URL, "POST", "/api/v1/complete", map[string]any{
		"id": "d1", "package": "app-misc/foo-1.0", "status": "failed", "error_detail": "boom",
	}, false)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("stale completion should still answer ok: %d %v", resp.StatusCode, body)
	}

	ctx := context.Background()
	item, err := env.store.GetQueueItemByPackage(ctx, "app-misc/foo-1.0")
	if err != nil {
		t.Fatal(err)
	}
	if item == nil || item.Status != types.QueueNeeded {
		t.Fatalf("queue row should stay needed, got %+v", item)
	}
	history, _ := env.store.GetBuildHistory(ctx, 10, "", "")
	if len(history) != 0 {
		t.Fatalf("stale completion must not record a failure, got %+v", history)
	}
}

func TestAdminEndpointsRequireKey(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, env.public.URL, "POST", "/api/v1/queue", map[string]any{
		"packages": []string{"x/y-1"},
	}, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("public queue without key should be 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", env.admin.URL+"/api/v1/status", nil)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("admin port without key should be 401, got %d", resp2.StatusCode)
	}
}

func TestWorkForUnknownDrone(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, env.public.URL, "GET", "/api/v1/work?id=ghost", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("work: %d", resp.StatusCode)
	}
	if body["package"] != nil {
		t.Fatalf("unknown drone must not get work, got %v", body)
	}
}

func TestReRegisterIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.registerDrone(t, "d1", "drone-1")
	env.registerDrone(t, "d1", "drone-1")

	drones, err := env.store.ListDrones(context.Background(), 60)
	if err != nil {
		t.Fatal(err)
	}
	if len(drones) != 1 {
		t.Fatalf("re-registration must not duplicate, got %d rows", len(drones))
	}
}

func TestSQLExplorerRestrictions(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, env.admin.URL, "GET", "/api/v1/sql/query?q=SELECT+COUNT(*)+FROM+drones", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("select should pass: %d %v", resp.StatusCode, body)
	}

	for _, q := range []string{
		"DELETE+FROM+drones",
		"DROP+TABLE+drones",
		"SELECT+1;+DELETE+FROM+drones",
	} {
		resp, _ := env.do(t, env.admin.URL, "GET", "/api/v1/sql/query?q="+q, nil, true)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("query %q should be rejected, got %d", q, resp.StatusCode)
		}
	}
}

func TestNodeLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.registerDrone(t, "d1", "drone-1")

	resp, _ := env.do(t, env.admin.URL, "POST", "/api/v1/nodes/drone-1/pause", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause: %d", resp.StatusCode)
	}
	drone, _ := env.store.GetDrone(context.Background(), "d1")
	if !drone.Paused {
		t.Fatal("drone should be paused")
	}

	resp, _ = env.do(t, env.admin.URL, "POST", "/api/v1/nodes/drone-1/set-type", map[string]any{"drone_type": "bare-metal"}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set-type: %d", resp.StatusCode)
	}
	drone, _ = env.store.GetDrone(context.Background(), "d1")
	if drone.Kind != types.DroneKindBareMetal {
		t.Fatalf("kind should be bare-metal, got %s", drone.Kind)
	}

	resp, _ = env.do(t, env.admin.URL, "POST", "/api/v1/nodes/ghost/pause", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown drone should 404, got %d", resp.StatusCode)
	}
}

func TestReleaseEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, env.admin.URL, "POST", "/api/v1/releases", map[string]any{
		"version": "v1", "name": "first",
		"packages": []map[string]any{{"package": "a/b-1.0", "hash": "h1", "size": 10}},
	}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: %d", resp.StatusCode)
	}

	resp, _ = env.do(t, env.admin.URL, "POST", "/api/v1/releases/v1/promote", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("promote: %d", resp.StatusCode)
	}
	// Promote of the active release is a no-op 200.
	resp, _ = env.do(t, env.admin.URL, "POST", "/api/v1/releases/v1/promote", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-promote: %d", resp.StatusCode)
	}

	resp, _ = env.do(t, env.admin.URL, "DELETE", "/api/v1/releases/v1", nil, true)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("deleting active release should 409, got %d", resp.StatusCode)
	}

	resp, _ = env.do(t, env.admin.URL, "POST", "/api/v1/releases/ghost/promote", nil, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("promote of unknown release should 404, got %d", resp.StatusCode)
	}
}

func TestDuplicatePayloadVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{
		"kind": "drone_binary", "version": "v1",
		"content": "aGVsbG8=", "description": "test",
	}
	resp, _ := env.do(t, env.admin.URL, "POST", "/admin/api/payloads", body, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: %d", resp.StatusCode)
	}
	resp, _ = env.do(t, env.admin.URL, "POST", "/admin/api/payloads", body, true)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate should 409, got %d", resp.StatusCode)
	}
}

func TestStatusEndpointShape(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, env.public.URL, "POST", "/api/v1/queue", map[string]any{
		"packages": []string{fmt.Sprintf("cat/pkg-%d", 1), fmt.Sprintf("cat/pkg-%d", 2)},
	}, true)

	resp, body := env.do(t, env.public.URL, "GET", "/api/v1/status", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	queue, ok := body["queue"].(map[string]any)
	if !ok {
		t.Fatalf("status should include queue counts, got %v", body)
	}
	if queue["needed"].(float64) != 2 {
		t.Fatalf("expected 2 needed, got %v", queue["needed"])
	}
}
