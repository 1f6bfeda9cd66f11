// Package payload is the versioned, content-addressed registry of
// drone-side artifacts (agent binary, init script, config bundle) and the
// deployer that pushes them to drones over SSH and verifies them by
// re-hashing the remote file.
package payload

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildswarm/controlplane/pkg/types"
)

// inlineLimit is the size at or under which payload bytes are stored in the
// database row itself instead of a blob file.
const inlineLimit = 16 * 1024

const inlinePrefix = "inline:"

// Store is the subset of storage the registry needs.
type Store interface {
	CreatePayloadVersion(ctx context.Context, pv types.PayloadVersion) error
	GetPayloadVersion(ctx context.Context, kind, version string) (*types.PayloadVersion, error)
	ListPayloadVersions(ctx context.Context, kind string) ([]types.PayloadVersion, error)
	LatestPayloadVersion(ctx context.Context, kind string) (*types.PayloadVersion, error)
	SetDronePayload(ctx context.Context, dp types.DronePayload) error
	GetDronePayload(ctx context.Context, droneID, kind string) (*types.DronePayload, error)
	ListDronePayloads(ctx context.Context, droneID string) ([]types.DronePayload, error)
	OutdatedDronePayloads(ctx context.Context, kind, currentVersion string) ([]types.DronePayload, error)
	AppendDeployLog(ctx context.Context, l types.DeployLog) error
	DeployHistory(ctx context.Context, kind string, limit int) ([]types.DeployLog, error)
	GetDroneByName(ctx context.Context, name string) (*types.Drone, error)
	ListDrones(ctx context.Context, onlineThresholdSeconds float64) ([]types.Drone, error)
	GetDroneConfig(ctx context.Context, name string) (*types.DroneConfig, error)
}

// ErrDuplicateVersion is returned when a (kind, version) pair is already
// registered; callers map it to a 409.
var ErrDuplicateVersion = fmt.Errorf("payload version already registered")

// ErrUnknownKind is returned for a kind with no configured target path.
var ErrUnknownKind = fmt.Errorf("unknown payload kind")

// Registry stores and serves payload versions. Deployment lives in
// Deployer; the two share this type's content loading.
type Registry struct {
	store    Store
	blobRoot string
	targets  map[string]string
	logger   *slog.Logger
}

// DefaultTargets maps payload kinds to the path each artifact lands at on
// a drone.
func DefaultTargets() map[string]string {
	return map[string]string{
		"drone_binary": "/usr/local/bin/build-drone",
		"init_script":  "/etc/init.d/build-drone",
		"drone_config": "/etc/build-drone/config.yaml",
	}
}

// NewRegistry creates a Registry rooted at blobRoot for spill-to-disk
// content. targets may be nil to accept the defaults.
func NewRegistry(store Store, blobRoot string, targets map[string]string, logger *slog.Logger) *Registry {
	if targets == nil {
		targets = DefaultTargets()
	}
	return &Registry{
		store:    store,
		blobRoot: blobRoot,
		targets:  targets,
		logger:   logger.With("component", "payload"),
	}
}

// TargetPath returns the remote destination for a payload kind.
func (r *Registry) TargetPath(kind string) (string, error) {
	p, ok := r.targets[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return p, nil
}

// Register stores a new payload version. Content is hashed with SHA-256;
// small payloads are inlined into the row, larger ones spill to a blob
// file under the cache root. Duplicate (kind, version) is rejected.
func (r *Registry) Register(ctx context.Context, kind, version string, content []byte, description string) (*types.PayloadVersion, error) {
	if _, err := r.TargetPath(kind); err != nil {
		return nil, err
	}
	if version == "" {
		return nil, fmt.Errorf("version is required")
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("payload content is empty")
	}
	if existing, err := r.store.GetPayloadVersion(ctx, kind, version); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateVersion, kind, version)
	}

	sum := sha256.Sum256(content)
	pv := types.PayloadVersion{
		Kind:        kind,
		Version:     version,
		ContentHash: hex.EncodeToString(sum[:]),
		Size:        int64(len(content)),
		Description: description,
		CreatedAt:   time.Now(),
	}

	if len(content) <= inlineLimit {
		pv.ContentRef = inlinePrefix + base64.StdEncoding.EncodeToString(content)
	} else {
		dir := filepath.Join(r.blobRoot, kind)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating blob dir: %w", err)
		}
		path := filepath.Join(dir, version+"-"+pv.ContentHash[:12])
		if err := os.WriteFile(path, content, 0o640); err != nil {
			return nil, fmt.Errorf("writing blob: %w", err)
		}
		pv.ContentRef = path
	}

	if err := r.store.CreatePayloadVersion(ctx, pv); err != nil {
		return nil, err
	}
	r.logger.Info("payload registered", "kind", kind, "version", version, "size", pv.Size, "hash", pv.ContentHash[:12])
	return &pv, nil
}

// Content loads a registered payload's bytes from wherever they live.
func (r *Registry) Content(pv *types.PayloadVersion) ([]byte, error) {
	if strings.HasPrefix(pv.ContentRef, inlinePrefix) {
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(pv.ContentRef, inlinePrefix))
	}
	data, err := os.ReadFile(pv.ContentRef)
	if err != nil {
		return nil, fmt.Errorf("reading blob for %s %s: %w", pv.Kind, pv.Version, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != pv.ContentHash {
		return nil, fmt.Errorf("blob for %s %s does not match registered hash", pv.Kind, pv.Version)
	}
	return data, nil
}

// Get returns one version's metadata, nil if not registered.
func (r *Registry) Get(ctx context.Context, kind, version string) (*types.PayloadVersion, error) {
	return r.store.GetPayloadVersion(ctx, kind, version)
}

// Versions lists registered versions of one kind, newest first.
func (r *Registry) Versions(ctx context.Context, kind string) ([]types.PayloadVersion, error) {
	return r.store.ListPayloadVersions(ctx, kind)
}

// Kinds returns every payload kind with a configured target.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.targets))
	for k := range r.targets {
		kinds = append(kinds, k)
	}
	return kinds
}

// FleetStatus is the per-drone deployment picture for the admin dashboard.
type FleetStatus struct {
	Kind          string               `json:"kind"`
	LatestVersion string               `json:"latest_version,omitempty"`
	Drones        []types.DronePayload `json:"drones"`
	Outdated      []types.DronePayload `json:"outdated,omitempty"`
}

// Status aggregates deployment state across the fleet, one block per
// kind, flagging drones that are not on the latest registered version.
func (r *Registry) Status(ctx context.Context, onlineThresholdSeconds float64) ([]FleetStatus, error) {
	drones, err := r.store.ListDrones(ctx, onlineThresholdSeconds)
	if err != nil {
		return nil, err
	}
	var out []FleetStatus
	for _, kind := range r.Kinds() {
		fs := FleetStatus{Kind: kind}
		if latest, err := r.store.LatestPayloadVersion(ctx, kind); err != nil {
			return nil, err
		} else if latest != nil {
			fs.LatestVersion = latest.Version
		}
		for _, d := range drones {
			dp, err := r.store.GetDronePayload(ctx, d.ID, kind)
			if err != nil {
				return nil, err
			}
			if dp != nil {
				fs.Drones = append(fs.Drones, *dp)
			}
		}
		if fs.LatestVersion != "" {
			outdated, err := r.store.OutdatedDronePayloads(ctx, kind, fs.LatestVersion)
			if err != nil {
				return nil, err
			}
			fs.Outdated = outdated
		}
		out = append(out, fs)
	}
	return out, nil
}
