package release

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/buildswarm/controlplane/pkg/types"
)

type fakeStore struct {
	releases map[string]*types.Release
}

func newFakeStore() *fakeStore {
	return &fakeStore{releases: map[string]*types.Release{}}
}

func (f *fakeStore) CreateRelease(ctx context.Context, r types.Release) error {
	f.releases[r.Version] = &r
	return nil
}

func (f *fakeStore) GetRelease(ctx context.Context, version string) (*types.Release, error) {
	if r, ok := f.releases[version]; ok {
		copied := *r
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeStore) ActiveRelease(ctx context.Context) (*types.Release, error) {
	for _, r := range f.releases {
		if r.Status == types.ReleaseActive {
			copied := *r
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListReleases(ctx context.Context, status types.ReleaseStatus) ([]types.Release, error) {
	var out []types.Release
	for _, r := range f.releases {
		if status == "" || r.Status == status {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) PromoteRelease(ctx context.Context, version string) error {
	now := time.Now()
	for _, r := range f.releases {
		if r.Status == types.ReleaseActive {
			r.Status = types.ReleaseArchived
			r.ArchivedAt = &now
		}
	}
	r := f.releases[version]
	r.Status = types.ReleaseActive
	r.PromotedAt = &now
	return nil
}

func (f *fakeStore) RollbackRelease(ctx context.Context, toVersion string) error {
	r := f.releases[toVersion]
	if r.Status != types.ReleaseArchived {
		return errors.New("not archived")
	}
	now := time.Now()
	for _, other := range f.releases {
		if other.Status == types.ReleaseActive {
			other.Status = types.ReleaseArchived
			other.ArchivedAt = &now
		}
	}
	r.Status = types.ReleaseActive
	return nil
}

func (f *fakeStore) ArchiveRelease(ctx context.Context, version string) error {
	r := f.releases[version]
	if r.Status != types.ReleaseDeleted {
		now := time.Now()
		r.Status = types.ReleaseArchived
		r.ArchivedAt = &now
	}
	return nil
}

func (f *fakeStore) DeleteRelease(ctx context.Context, version string) error {
	r := f.releases[version]
	if r.Status != types.ReleaseActive {
		now := time.Now()
		r.Status = types.ReleaseDeleted
		r.DeletedAt = &now
	}
	return nil
}

type fakeEvents struct {
	kinds []types.EventKind
}

func (e *fakeEvents) Publish(kind types.EventKind, message string, details map[string]any, droneID, pkg string) {
	e.kinds = append(e.kinds, kind)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	return NewRegistry(store, t.TempDir(), &fakeEvents{}, slog.New(slog.DiscardHandler)), store
}

func TestCreatePromoteLifecycle(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry(t)

	rel, err := reg.Create(ctx, "2026.08.01", "august", []ManifestEntry{
		{Package: "dev-libs/openssl-3.2.0", Hash: "aaa", Size: 100},
		{Package: "sys-libs/zlib-1.3", Hash: "bbb", Size: 50},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rel.Status != types.ReleaseStaging || rel.PackageCount != 2 || rel.SizeBytes != 150 {
		t.Fatalf("unexpected release: %+v", rel)
	}

	if _, err := reg.Create(ctx, "2026.08.01", "dup", nil); err == nil {
		t.Fatal("duplicate version must be rejected")
	}

	if err := reg.Promote(ctx, "2026.08.01"); err != nil {
		t.Fatal(err)
	}
	if store.releases["2026.08.01"].Status != types.ReleaseActive {
		t.Fatal("promote should activate")
	}

	// Promoting the already-active release is a no-op.
	if err := reg.Promote(ctx, "2026.08.01"); err != nil {
		t.Fatalf("promote of active release should be a no-op: %v", err)
	}

	// Promoting a second release archives the first.
	if _, err := reg.Create(ctx, "2026.08.02", "next", nil); err != nil {
		t.Fatal(err)
	}
	if err := reg.Promote(ctx, "2026.08.02"); err != nil {
		t.Fatal(err)
	}
	if store.releases["2026.08.01"].Status != types.ReleaseArchived {
		t.Fatal("previous active should be archived")
	}
	active, _ := store.ActiveRelease(ctx)
	if active == nil || active.Version != "2026.08.02" {
		t.Fatal("exactly the new release should be active")
	}
}

func TestArchiveActiveLeavesZeroActive(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry(t)
	if _, err := reg.Create(ctx, "v1", "one", nil); err != nil {
		t.Fatal(err)
	}
	if err := reg.Promote(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Archive(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	active, _ := store.ActiveRelease(ctx)
	if active != nil {
		t.Fatal("archiving the only active release should leave zero active")
	}
}

func TestRollbackReactivatesArchived(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry(t)
	for _, v := range []string{"v1", "v2"} {
		if _, err := reg.Create(ctx, v, v, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.Promote(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Promote(ctx, "v2"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Rollback(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if store.releases["v1"].Status != types.ReleaseActive {
		t.Fatal("rollback should reactivate v1")
	}
	if store.releases["v2"].Status != types.ReleaseArchived {
		t.Fatal("rollback should archive the current active")
	}
}

func TestDeleteRemovesTreeKeepsRow(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry(t)
	if _, err := reg.Create(ctx, "v1", "one", []ManifestEntry{{Package: "a/b-1"}}); err != nil {
		t.Fatal(err)
	}
	path := reg.Path("v1")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("release tree should exist before delete: %v", err)
	}

	if err := reg.Promote(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Delete(ctx, "v1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("deleting the active release must conflict, got %v", err)
	}
	if err := reg.Archive(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Delete(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("release tree should be removed")
	}
	if store.releases["v1"].Status != types.ReleaseDeleted {
		t.Fatal("row should survive as a deleted tombstone")
	}
}

func TestDiff(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	if _, err := reg.Create(ctx, "v1", "one", []ManifestEntry{
		{Package: "a/keep-1.0", Hash: "h1"},
		{Package: "a/change-1.0", Hash: "old"},
		{Package: "a/gone-1.0", Hash: "h3"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Create(ctx, "v2", "two", []ManifestEntry{
		{Package: "a/keep-1.0", Hash: "h1"},
		{Package: "a/change-1.0", Hash: "new"},
		{Package: "a/fresh-2.0", Hash: "h4"},
	}); err != nil {
		t.Fatal(err)
	}

	diff, err := reg.Diff(ctx, "v1", "v2")
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.Added) != 1 || diff.Added[0] != "a/fresh-2.0" {
		t.Fatalf("added: %v", diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != "a/gone-1.0" {
		t.Fatalf("removed: %v", diff.Removed)
	}
	if len(diff.Changed) != 1 || diff.Changed[0] != "a/change-1.0" {
		t.Fatalf("changed: %v", diff.Changed)
	}
}
