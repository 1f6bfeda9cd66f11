// Package release manages named snapshots of produced binary package
// sets and their staging/active/archived/deleted lifecycle. The database
// row is authoritative; filesystem mutations are best-effort, and any
// divergence is surfaced as an event rather than rolled back.
package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/buildswarm/controlplane/pkg/types"
)

// Store is the subset of storage the registry needs.
type Store interface {
	CreateRelease(ctx context.Context, r types.Release) error
	GetRelease(ctx context.Context, version string) (*types.Release, error)
	ActiveRelease(ctx context.Context) (*types.Release, error)
	ListReleases(ctx context.Context, status types.ReleaseStatus) ([]types.Release, error)
	PromoteRelease(ctx context.Context, version string) error
	RollbackRelease(ctx context.Context, toVersion string) error
	ArchiveRelease(ctx context.Context, version string) error
	DeleteRelease(ctx context.Context, version string) error
}

// EventPublisher is the subset of eventbus.Bus the registry uses.
type EventPublisher interface {
	Publish(kind types.EventKind, message string, details map[string]any, droneID, pkg string)
}

// ErrNotFound is returned for an unregistered version; callers map it to
// a 404.
var ErrNotFound = errors.New("release not found")

// ErrConflict is returned for state-machine violations (duplicate create,
// delete-while-active); callers map it to a 409.
var ErrConflict = errors.New("release state conflict")

// ManifestEntry is one package inside a release's manifest.
type ManifestEntry struct {
	Package string `json:"package"`
	Hash    string `json:"hash,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

const manifestName = "manifest.json"

// Registry owns the release lifecycle. Safe for concurrent use; the
// store serializes state transitions.
type Registry struct {
	store  Store
	root   string
	events EventPublisher
	logger *slog.Logger
}

func NewRegistry(store Store, root string, events EventPublisher, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		root:   root,
		events: events,
		logger: logger.With("component", "release"),
	}
}

// Path returns the on-disk tree for a release version.
func (r *Registry) Path(version string) string {
	return filepath.Join(r.root, version)
}

// Create registers a new release in `staging` and writes its manifest
// under the release tree. Duplicate versions are rejected.
func (r *Registry) Create(ctx context.Context, version, name string, manifest []ManifestEntry) (*types.Release, error) {
	if version == "" {
		return nil, fmt.Errorf("version is required")
	}
	if existing, err := r.store.GetRelease(ctx, version); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: version %s already exists", ErrConflict, version)
	}

	var size int64
	for _, e := range manifest {
		size += e.Size
	}
	rel := types.Release{
		Version:      version,
		Name:         name,
		Status:       types.ReleaseStaging,
		PackageCount: len(manifest),
		SizeBytes:    size,
		Path:         r.Path(version),
		CreatedAt:    time.Now(),
	}
	if err := r.store.CreateRelease(ctx, rel); err != nil {
		return nil, err
	}

	if err := r.writeManifest(version, manifest); err != nil {
		// DB row is authoritative; the divergence is reported, not rolled
		// back.
		r.logger.Error("failed to write release manifest", "version", version, "error", err)
		r.surfaceDivergence(version, "manifest write failed", err)
	}
	r.logger.Info("release created", "version", version, "name", name, "packages", len(manifest))
	return &rel, nil
}

func (r *Registry) writeManifest(version string, manifest []ManifestEntry) error {
	dir := r.Path(version)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, manifestName), data, 0o640)
}

// Manifest reads a release's package manifest from its tree.
func (r *Registry) Manifest(ctx context.Context, version string) ([]ManifestEntry, error) {
	rel, err := r.store.GetRelease(ctx, version)
	if err != nil {
		return nil, err
	}
	if rel == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, version)
	}
	data, err := os.ReadFile(filepath.Join(r.Path(version), manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var manifest []ManifestEntry
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest for %s: %w", version, err)
	}
	return manifest, nil
}

// Promote activates a staging release, archiving whatever was active.
// Promoting the already-active release is a no-op.
func (r *Registry) Promote(ctx context.Context, version string) error {
	rel, err := r.store.GetRelease(ctx, version)
	if err != nil {
		return err
	}
	if rel == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, version)
	}
	if rel.Status == types.ReleaseActive {
		return nil
	}
	if rel.Status != types.ReleaseStaging {
		return fmt.Errorf("%w: %s is %s, not staging", ErrConflict, version, rel.Status)
	}
	if err := r.store.PromoteRelease(ctx, version); err != nil {
		return err
	}
	if r.events != nil {
		r.events.Publish(types.EventRelease, fmt.Sprintf("release %s promoted to active", version), nil, "", "")
	}
	return nil
}

// Archive retires a release. Archiving the active release is allowed and
// leaves no release active.
func (r *Registry) Archive(ctx context.Context, version string) error {
	rel, err := r.store.GetRelease(ctx, version)
	if err != nil {
		return err
	}
	if rel == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, version)
	}
	if rel.Status == types.ReleaseDeleted {
		return fmt.Errorf("%w: %s is deleted", ErrConflict, version)
	}
	if err := r.store.ArchiveRelease(ctx, version); err != nil {
		return err
	}
	if r.events != nil {
		r.events.Publish(types.EventRelease, fmt.Sprintf("release %s archived", version), nil, "", "")
	}
	return nil
}

// Rollback re-activates a previously archived release.
func (r *Registry) Rollback(ctx context.Context, toVersion string) error {
	rel, err := r.store.GetRelease(ctx, toVersion)
	if err != nil {
		return err
	}
	if rel == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, toVersion)
	}
	if err := r.store.RollbackRelease(ctx, toVersion); err != nil {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if r.events != nil {
		r.events.Publish(types.EventRelease, fmt.Sprintf("rolled back to release %s", toVersion), nil, "", "")
	}
	return nil
}

// Delete marks a release deleted and removes its tree. The row survives
// as a tombstone; a filesystem failure after the DB commit is surfaced as
// an event, never rolled back.
func (r *Registry) Delete(ctx context.Context, version string) error {
	rel, err := r.store.GetRelease(ctx, version)
	if err != nil {
		return err
	}
	if rel == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, version)
	}
	if rel.Status == types.ReleaseActive {
		return fmt.Errorf("%w: cannot delete the active release", ErrConflict)
	}
	if err := r.store.DeleteRelease(ctx, version); err != nil {
		return err
	}
	if err := os.RemoveAll(r.Path(version)); err != nil {
		r.logger.Error("failed to remove release tree", "version", version, "error", err)
		r.surfaceDivergence(version, "tree removal failed", err)
	}
	if r.events != nil {
		r.events.Publish(types.EventRelease, fmt.Sprintf("release %s deleted", version), nil, "", "")
	}
	return nil
}

func (r *Registry) surfaceDivergence(version, what string, err error) {
	if r.events == nil {
		return
	}
	r.events.Publish(types.EventRelease,
		fmt.Sprintf("release %s filesystem divergence: %s", version, what),
		map[string]any{"error": err.Error()}, "", "")
}

// DiffResult is the package-level delta between two releases.
type DiffResult struct {
	From    string   `json:"from"`
	To      string   `json:"to"`
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// Diff compares two releases' manifests: packages only in `to` are added,
// only in `from` removed, and present in both with different hashes
// changed.
func (r *Registry) Diff(ctx context.Context, from, to string) (*DiffResult, error) {
	fromManifest, err := r.Manifest(ctx, from)
	if err != nil {
		return nil, err
	}
	toManifest, err := r.Manifest(ctx, to)
	if err != nil {
		return nil, err
	}

	fromByPkg := map[string]ManifestEntry{}
	for _, e := range fromManifest {
		fromByPkg[e.Package] = e
	}
	res := &DiffResult{From: from, To: to}
	seen := map[string]bool{}
	for _, e := range toManifest {
		seen[e.Package] = true
		old, ok := fromByPkg[e.Package]
		switch {
		case !ok:
			res.Added = append(res.Added, e.Package)
		case old.Hash != e.Hash:
			res.Changed = append(res.Changed, e.Package)
		}
	}
	for _, e := range fromManifest {
		if !seen[e.Package] {
			res.Removed = append(res.Removed, e.Package)
		}
	}
	return res, nil
}
