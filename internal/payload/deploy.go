package payload

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/buildswarm/controlplane/internal/sshprobe"
	"github.com/buildswarm/controlplane/pkg/types"
)

// Transport pushes bytes to a drone and hashes remote files. Implemented
// by SSHTransport; tests substitute a fake.
type Transport interface {
	Push(ctx context.Context, target sshprobe.Config, content []byte, destPath string) error
	RemoteHash(ctx context.Context, target sshprobe.Config, path string) (string, error)
	Probe(ctx context.Context, target sshprobe.Config) error
}

// SSHTransport is the production Transport over internal/sshprobe.
type SSHTransport struct{}

func (SSHTransport) Push(ctx context.Context, target sshprobe.Config, content []byte, destPath string) error {
	client, err := sshprobe.Connect(ctx, target)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.CopyReader(ctx, bytes.NewReader(content), int64(len(content)), destPath, "0755")
}

func (SSHTransport) RemoteHash(ctx context.Context, target sshprobe.Config, path string) (string, error) {
	client, err := sshprobe.Connect(ctx, target)
	if err != nil {
		return "", err
	}
	defer client.Close()
	out, err := client.Run(ctx, "sha256sum "+path)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty sha256sum output for %s", path)
	}
	return fields[0], nil
}

func (SSHTransport) Probe(ctx context.Context, target sshprobe.Config) error {
	_, err := sshprobe.NewPinger().Ping(ctx, target)
	return err
}

// EventPublisher is the subset of eventbus.Bus the deployer uses.
type EventPublisher interface {
	Publish(kind types.EventKind, message string, details map[string]any, droneID, pkg string)
}

// DeployerConfig carries connection defaults and the fleet fan-out rate
// cap.
type DeployerConfig struct {
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration

	// FanOutPerSecond caps how fast a rolling deploy opens SSH sessions
	// across the fleet.
	FanOutPerSecond float64

	// DefaultKey is the control plane's provisioning key, offered on every
	// drone connection alongside any per-drone password.
	DefaultKey []byte
}

// Deployer pushes registered payloads to drones and records every attempt
// in the deploy log.
type Deployer struct {
	registry  *Registry
	store     Store
	transport Transport
	events    EventPublisher
	cfg       DeployerConfig
	limiter   *rate.Limiter
	logger    *slog.Logger
}

func NewDeployer(registry *Registry, store Store, transport Transport, events EventPublisher, cfg DeployerConfig) *Deployer {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 120 * time.Second
	}
	if cfg.FanOutPerSecond <= 0 {
		cfg.FanOutPerSecond = 1
	}
	return &Deployer{
		registry:  registry,
		store:     store,
		transport: transport,
		events:    events,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.FanOutPerSecond), 1),
		logger:    registry.logger,
	}
}

// DeployResult is one drone's outcome within a deploy or verify.
type DeployResult struct {
	Drone      string  `json:"drone"`
	Success    bool    `json:"success"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"duration_ms"`
}

// resolveTarget builds the SSH connection parameters for a drone from its
// admin-owned config, falling back to the provisioning identity.
func (d *Deployer) resolveTarget(ctx context.Context, drone *types.Drone) (sshprobe.Config, error) {
	dc := types.DroneConfig{}
	if cfg, err := d.store.GetDroneConfig(ctx, drone.Name); err != nil {
		return sshprobe.Config{}, err
	} else if cfg != nil {
		dc = *cfg
	}
	target := sshprobe.ConfigFromDroneConfig(dc, drone.IP, d.cfg.DefaultKey, d.cfg.ConnectTimeout)
	return target, nil
}

// Deploy pushes one registered payload version to one drone, verifies the
// remote hash when verify is set, and records the attempt. The returned
// result is also reflected in the drone's payload row.
func (d *Deployer) Deploy(ctx context.Context, kind, version, droneName string, verify bool) (DeployResult, error) {
	pv, err := d.registry.Get(ctx, kind, version)
	if err != nil {
		return DeployResult{}, err
	}
	if pv == nil {
		return DeployResult{}, fmt.Errorf("payload %s %s is not registered", kind, version)
	}
	drone, err := d.store.GetDroneByName(ctx, droneName)
	if err != nil {
		return DeployResult{}, err
	}
	if drone == nil {
		return DeployResult{}, fmt.Errorf("drone %s is not registered", droneName)
	}
	return d.deployTo(ctx, pv, drone, verify, types.DeployActionDeploy), nil
}

func (d *Deployer) deployTo(ctx context.Context, pv *types.PayloadVersion, drone *types.Drone, verify bool, action types.DeployAction) DeployResult {
	start := time.Now()
	res := DeployResult{Drone: drone.Name}

	err := func() error {
		destPath, err := d.registry.TargetPath(pv.Kind)
		if err != nil {
			return err
		}
		content, err := d.registry.Content(pv)
		if err != nil {
			return err
		}
		target, err := d.resolveTarget(ctx, drone)
		if err != nil {
			return err
		}
		opCtx, cancel := context.WithTimeout(ctx, d.cfg.OperationTimeout)
		defer cancel()
		if err := d.transport.Push(opCtx, target, content, destPath); err != nil {
			return fmt.Errorf("pushing %s: %w", destPath, err)
		}
		if verify {
			remote, err := d.transport.RemoteHash(opCtx, target, destPath)
			if err != nil {
				return fmt.Errorf("hashing remote %s: %w", destPath, err)
			}
			if remote != pv.ContentHash {
				return fmt.Errorf("remote hash %s does not match registered %s", short(remote), short(pv.ContentHash))
			}
		}
		return nil
	}()

	res.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0
	status := types.DronePayloadSuccess
	if err != nil {
		res.Error = err.Error()
		status = types.DronePayloadFailed
	} else {
		res.Success = true
	}

	d.record(ctx, pv, drone, action, status, res)
	return res
}

func (d *Deployer) record(ctx context.Context, pv *types.PayloadVersion, drone *types.Drone, action types.DeployAction, status types.DronePayloadStatus, res DeployResult) {
	if err := d.store.SetDronePayload(ctx, types.DronePayload{
		DroneID:         drone.ID,
		Kind:            pv.Kind,
		DeployedVersion: pv.Version,
		DeployedHash:    pv.ContentHash,
		Status:          status,
		DeployedAt:      time.Now(),
	}); err != nil {
		d.logger.Error("failed to update drone payload row", "drone", drone.Name, "error", err)
	}
	if err := d.store.AppendDeployLog(ctx, types.DeployLog{
		Kind:       pv.Kind,
		Version:    pv.Version,
		DroneID:    drone.ID,
		Action:     action,
		Status:     status,
		DurationMs: res.DurationMs,
		Error:      res.Error,
	}); err != nil {
		d.logger.Error("failed to append deploy log", "drone", drone.Name, "error", err)
	}
	if d.events != nil {
		d.events.Publish(types.EventDeploy,
			fmt.Sprintf("%s %s %s on %s: %s", action, pv.Kind, pv.Version, drone.Name, status),
			map[string]any{"duration_ms": res.DurationMs, "error": res.Error}, drone.ID, "")
	}
}

// Verify re-hashes the deployed artifact on a drone and compares it with
// the hash registered for the version that drone is supposed to run.
func (d *Deployer) Verify(ctx context.Context, kind, droneName string) (DeployResult, error) {
	drone, err := d.store.GetDroneByName(ctx, droneName)
	if err != nil {
		return DeployResult{}, err
	}
	if drone == nil {
		return DeployResult{}, fmt.Errorf("drone %s is not registered", droneName)
	}
	dp, err := d.store.GetDronePayload(ctx, drone.ID, kind)
	if err != nil {
		return DeployResult{}, err
	}
	if dp == nil || dp.DeployedVersion == "" {
		return DeployResult{}, fmt.Errorf("no %s deployment recorded for %s", kind, droneName)
	}
	pv, err := d.registry.Get(ctx, kind, dp.DeployedVersion)
	if err != nil {
		return DeployResult{}, err
	}
	if pv == nil {
		return DeployResult{}, fmt.Errorf("recorded version %s of %s is no longer registered", dp.DeployedVersion, kind)
	}

	start := time.Now()
	res := DeployResult{Drone: droneName}
	err = func() error {
		destPath, err := d.registry.TargetPath(kind)
		if err != nil {
			return err
		}
		target, err := d.resolveTarget(ctx, drone)
		if err != nil {
			return err
		}
		opCtx, cancel := context.WithTimeout(ctx, d.cfg.OperationTimeout)
		defer cancel()
		remote, err := d.transport.RemoteHash(opCtx, target, destPath)
		if err != nil {
			return err
		}
		if remote != pv.ContentHash {
			return fmt.Errorf("remote hash %s does not match registered %s", short(remote), short(pv.ContentHash))
		}
		return nil
	}()
	res.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0
	status := types.DronePayloadSuccess
	if err != nil {
		res.Error = err.Error()
		status = types.DronePayloadFailed
	} else {
		res.Success = true
	}
	d.record(ctx, pv, drone, types.DeployActionVerify, status, res)
	return res, nil
}

// RollingOptions controls a fleet-wide sequential deploy.
type RollingOptions struct {
	// Drones is the ordered roll-out list; empty means every registered
	// drone, by name.
	Drones []string

	// HealthCheck probes each drone after its deploy and treats probe
	// failure like deploy failure.
	HealthCheck bool

	// RollbackOnFail reverts the failed drone to its previously recorded
	// version (when known) and stops the roll-out. Drones already done
	// stay on the new version.
	RollbackOnFail bool
}

// RollingResult summarizes one rolling deploy.
type RollingResult struct {
	ID           string                  `json:"id"`
	Kind         string                  `json:"kind"`
	Version      string                  `json:"version"`
	SuccessCount int                     `json:"success_count"`
	FailCount    int                     `json:"fail_count"`
	Stopped      bool                    `json:"stopped"`
	Results      map[string]DeployResult `json:"results"`
}

// RollingDeploy pushes one version across the fleet one drone at a time.
// The first failure stops the roll-out; drones after it are never
// attempted.
func (d *Deployer) RollingDeploy(ctx context.Context, kind, version string, opts RollingOptions) (*RollingResult, error) {
	pv, err := d.registry.Get(ctx, kind, version)
	if err != nil {
		return nil, err
	}
	if pv == nil {
		return nil, fmt.Errorf("payload %s %s is not registered", kind, version)
	}

	names := opts.Drones
	if len(names) == 0 {
		drones, err := d.store.ListDrones(ctx, 0)
		if err != nil {
			return nil, err
		}
		for _, dr := range drones {
			names = append(names, dr.Name)
		}
	}

	out := &RollingResult{
		ID:      uuid.NewString(),
		Kind:    kind,
		Version: version,
		Results: map[string]DeployResult{},
	}

	for _, name := range names {
		if err := d.limiter.Wait(ctx); err != nil {
			return out, err
		}
		drone, err := d.store.GetDroneByName(ctx, name)
		if err != nil {
			return out, err
		}
		if drone == nil {
			out.Results[name] = DeployResult{Drone: name, Error: "not registered"}
			out.FailCount++
			out.Stopped = true
			break
		}

		// Remember what the drone ran before, for rollback.
		prev, err := d.store.GetDronePayload(ctx, drone.ID, kind)
		if err != nil {
			return out, err
		}

		res := d.deployTo(ctx, pv, drone, true, types.DeployActionDeploy)
		if res.Success && opts.HealthCheck {
			if err := d.probeAfterDeploy(ctx, drone); err != nil {
				res.Success = false
				res.Error = "post-deploy health check: " + err.Error()
			}
		}
		out.Results[name] = res

		if res.Success {
			out.SuccessCount++
			continue
		}
		out.FailCount++
		out.Stopped = true
		if opts.RollbackOnFail {
			d.rollbackDrone(ctx, kind, drone, prev)
		}
		break
	}

	d.logger.Info("rolling deploy finished", "id", out.ID, "kind", kind, "version", version,
		"success", out.SuccessCount, "failed", out.FailCount, "stopped", out.Stopped)
	return out, nil
}

func (d *Deployer) probeAfterDeploy(ctx context.Context, drone *types.Drone) error {
	target, err := d.resolveTarget(ctx, drone)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	return d.transport.Probe(opCtx, target)
}

// rollbackDrone reverts one drone to its previously recorded version. A
// drone with no usable previous version is left as-is; the failure is
// already recorded.
func (d *Deployer) rollbackDrone(ctx context.Context, kind string, drone *types.Drone, prev *types.DronePayload) {
	if prev == nil || prev.DeployedVersion == "" || prev.Status != types.DronePayloadSuccess {
		d.logger.Warn("no previous version to roll back to", "drone", drone.Name, "kind", kind)
		return
	}
	prevPV, err := d.registry.Get(ctx, kind, prev.DeployedVersion)
	if err != nil || prevPV == nil {
		d.logger.Warn("previous version no longer registered, cannot roll back",
			"drone", drone.Name, "kind", kind, "version", prev.DeployedVersion)
		return
	}
	res := d.deployTo(ctx, prevPV, drone, true, types.DeployActionRollback)
	if !res.Success {
		d.logger.Error("rollback deploy failed", "drone", drone.Name, "kind", kind,
			"version", prev.DeployedVersion, "error", res.Error)
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
