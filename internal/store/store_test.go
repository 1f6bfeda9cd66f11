package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/buildswarm/controlplane/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.db")
	logger := slog.New(slog.DiscardHandler)

	s1, err := Open(path, logger)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s1.QueuePackages(context.Background(), []string{"a/b-1"}, 0); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	// Re-opening runs the migrations again; they must be no-ops and the
	// data must survive.
	s2, err := Open(path, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	items, err := s2.GetNeededPackages(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Package != "a/b-1" {
		t.Fatalf("data should survive a reopen, got %+v", items)
	}
}

func TestQueueDeduplicatesActiveItems(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sessionID, err := s.CreateSession(ctx, "t", 1)
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.QueuePackages(ctx, []string{"dev-libs/openssl-3.2.0"}, sessionID)
	if err != nil || n != 1 {
		t.Fatalf("first submit should insert 1, got %d err=%v", n, err)
	}
	n, err = s.QueuePackages(ctx, []string{"dev-libs/openssl-3.2.0"}, sessionID)
	if err != nil || n != 0 {
		t.Fatalf("duplicate submit while active should insert 0, got %d err=%v", n, err)
	}

	// Once the item is terminal, the same package may be queued again.
	items, _ := s.GetNeededPackages(ctx, 10)
	if err := s.RecordCompletion(ctx, items[0].ID, types.CompletionSuccess, "", ""); err != nil {
		t.Fatal(err)
	}
	n, err = s.QueuePackages(ctx, []string{"dev-libs/openssl-3.2.0"}, sessionID)
	if err != nil || n != 1 {
		t.Fatalf("resubmit after terminal should insert 1, got %d err=%v", n, err)
	}
}

func TestAssignPackageIsSingleWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.QueuePackages(ctx, []string{"x/y-1"}, 0); err != nil {
		t.Fatal(err)
	}
	items, _ := s.GetNeededPackages(ctx, 1)

	ok, err := s.AssignPackage(ctx, items[0].ID, "d1")
	if err != nil || !ok {
		t.Fatalf("first assignment should win, ok=%v err=%v", ok, err)
	}
	ok, err = s.AssignPackage(ctx, items[0].ID, "d2")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second assignment of the same row must lose")
	}

	item, _ := s.GetQueueItemByPackage(ctx, "x/y-1")
	if item.AssignedTo != "d1" || item.Status != types.QueueDelegated {
		t.Fatalf("row should stay with the winner, got %+v", item)
	}
}

func TestPromoteKeepsSingleActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"v1", "v2"} {
		if err := s.CreateRelease(ctx, types.Release{Version: v, Name: v, Status: types.ReleaseStaging}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PromoteRelease(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.PromoteRelease(ctx, "v2"); err != nil {
		t.Fatal(err)
	}

	active, err := s.ListReleases(ctx, types.ReleaseActive)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Version != "v2" {
		t.Fatalf("exactly v2 should be active, got %+v", active)
	}
	v1, _ := s.GetRelease(ctx, "v1")
	if v1.Status != types.ReleaseArchived {
		t.Fatalf("v1 should be archived, got %s", v1.Status)
	}
}

func TestHealthCountersAndGrounding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var rec types.HealthRecord
	var err error
	for i := 0; i < 3; i++ {
		rec, err = s.RecordDroneFailure(ctx, "d1", 3, 60)
		if err != nil {
			t.Fatal(err)
		}
	}
	if rec.FailureCount != 3 || rec.GroundedUntil == nil {
		t.Fatalf("third failure should ground, got %+v", rec)
	}
	if err := s.DecayDroneFailures(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	rec, _ = s.GetHealth(ctx, "d1")
	if rec.FailureCount != 2 {
		t.Fatalf("decay should drop the counter to 2, got %d", rec.FailureCount)
	}
}

func TestReadOnlyQueryRejectsWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.ReadOnlyQuery(ctx, "SELECT COUNT(*) FROM drones", 10); err != nil {
		t.Fatalf("select should pass: %v", err)
	}
	for _, q := range []string{
		"DELETE FROM drones",
		"UPDATE queue SET status = 'needed'",
		"SELECT 1; DROP TABLE drones",
		"PRAGMA journal_mode = DELETE",
		"",
	} {
		if _, err := s.ReadOnlyQuery(ctx, q, 10); err == nil {
			t.Fatalf("query %q must be rejected", q)
		}
	}
}

func TestProbeStreakWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	streak1, window1, err := s.RecordProbeFailure(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	streak2, window2, err := s.RecordProbeFailure(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if streak1 != 1 || streak2 != 2 {
		t.Fatalf("streak should count consecutively, got %d then %d", streak1, streak2)
	}
	if window1 != window2 {
		t.Fatal("window start must stay pinned to the first failure")
	}
	if err := s.ResetProbeStreak(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	streak3, _, _ := s.RecordProbeFailure(ctx, "d1")
	if streak3 != 1 {
		t.Fatalf("reset should restart the streak, got %d", streak3)
	}
}
