// Package health implements the per-drone circuit breaker: a drone that
// accumulates too many build failures is grounded (excluded from
// assignment) for a cooldown period, optionally triggering an automatic
// reboot attempt, and ungrounded either when the cooldown expires or an
// operator intervenes.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/buildswarm/controlplane/pkg/types"
)

// Store is the subset of storage operations the circuit breaker needs.
type Store interface {
	GetHealth(ctx context.Context, droneID string) (types.HealthRecord, error)
	RecordDroneFailure(ctx context.Context, droneID string, maxFailures int, groundingSeconds float64) (types.HealthRecord, error)
	DecayDroneFailures(ctx context.Context, droneID string) error
	RecordUploadFailure(ctx context.Context, droneID string) error
	ResetUploadFailures(ctx context.Context, droneID string) error
	UngroundDrone(ctx context.Context, droneID string) error
	ResetDroneHealth(ctx context.Context, droneID string) error
	GetDelegatedPackages(ctx context.Context, droneID string) ([]types.QueueItem, error)
	ReclaimPackage(ctx context.Context, queueID int64) error
	GetDrone(ctx context.Context, id string) (*types.Drone, error)
}

// Rebooter issues a best-effort reboot command to a drone. Implemented by
// internal/sshprobe; kept as an interface here so health has no SSH
// dependency of its own.
type Rebooter interface {
	Reboot(ctx context.Context, ip string) error
}

// EventPublisher is the subset of eventbus.Bus the monitor uses.
type EventPublisher interface {
	Publish(kind types.EventKind, message string, details map[string]any, droneID, pkg string)
}

// Config controls the breaker's trip threshold and cooldown.
type Config struct {
	MaxFailures      int
	GroundingTimeout time.Duration
	ProtectedHosts   map[string]bool

	// MaxUploadFailures trips the separate upload-impairment breaker;
	// zero accepts the default of 3.
	MaxUploadFailures int
}

// Monitor is the circuit breaker. Safe for concurrent use; all state lives
// in Store.
type Monitor struct {
	store    Store
	rebooter Rebooter
	events   EventPublisher
	cfg      Config
	logger   *slog.Logger
}

func New(store Store, rebooter Rebooter, events EventPublisher, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.MaxUploadFailures <= 0 {
		cfg.MaxUploadFailures = 3
	}
	return &Monitor{
		store:    store,
		rebooter: rebooter,
		events:   events,
		cfg:      cfg,
		logger:   logger.With("component", "health"),
	}
}

// IsGrounded reports whether a drone is currently excluded from
// assignment, ungrounding it first if its cooldown has expired.
func (m *Monitor) IsGrounded(ctx context.Context, droneID string) (bool, error) {
	h, err := m.store.GetHealth(ctx, droneID)
	if err != nil {
		return false, err
	}
	if !h.IsGrounded(time.Now()) {
		return false, nil
	}
	if h.GroundedUntil.After(time.Now()) {
		return true, nil
	}
	// Cooldown expired.
	if err := m.store.UngroundDrone(ctx, droneID); err != nil {
		return true, err
	}
	m.logger.Info("grounding cooldown expired, drone restored", "drone_id", droneID)
	return false, nil
}

// RecordSuccess decays the failure counter after a successful build.
func (m *Monitor) RecordSuccess(ctx context.Context, droneID string) error {
	return m.store.DecayDroneFailures(ctx, droneID)
}

// RecordFailure increments the failure counter and, if it crosses
// MaxFailures for the first time, opens the circuit: reclaims the drone's
// in-flight work and attempts an automatic reboot where policy allows it.
func (m *Monitor) RecordFailure(ctx context.Context, droneID string) error {
	before, err := m.store.GetHealth(ctx, droneID)
	if err != nil {
		return err
	}
	wasGrounded := before.GroundedUntil != nil

	after, err := m.store.RecordDroneFailure(ctx, droneID, m.cfg.MaxFailures, m.cfg.GroundingTimeout.Seconds())
	if err != nil {
		return err
	}

	if after.FailureCount >= m.cfg.MaxFailures && !wasGrounded {
		m.logger.Error("drone grounded", "drone_id", droneID, "failures", after.FailureCount,
			"cooldown", m.cfg.GroundingTimeout)
		if m.events != nil {
			m.events.Publish(types.EventEscalation, "drone grounded after repeated failures",
				map[string]any{"failures": after.FailureCount, "cooldown_s": m.cfg.GroundingTimeout.Seconds()},
				droneID, "")
		}
		m.reclaimDroneWork(ctx, droneID)
		m.maybeReboot(ctx, droneID)
	}
	return nil
}

func (m *Monitor) reclaimDroneWork(ctx context.Context, droneID string) {
	items, err := m.store.GetDelegatedPackages(ctx, droneID)
	if err != nil {
		m.logger.Error("failed to list delegated packages for reclaim", "drone_id", droneID, "error", err)
		return
	}
	for _, item := range items {
		if err := m.store.ReclaimPackage(ctx, item.ID); err != nil {
			m.logger.Error("failed to reclaim package from grounded drone",
				"drone_id", droneID, "package", item.Package, "error", err)
			continue
		}
		m.logger.Warn("reclaimed package from grounded drone", "drone_id", droneID, "package", item.Package)
	}
}

// maybeReboot attempts an automatic reboot, honoring the drone-kind
// safety rule (only container and vm drones may ever be rebooted
// automatically), the protected-host list, and the drone's self-reported
// auto-reboot capability.
func (m *Monitor) maybeReboot(ctx context.Context, droneID string) {
	if m.rebooter == nil {
		return
	}
	drone, err := m.store.GetDrone(ctx, droneID)
	if err != nil || drone == nil {
		return
	}
	if drone.Kind != types.DroneKindContainer && drone.Kind != types.DroneKindVM {
		m.logger.Warn("skipping automatic reboot: drone kind does not allow it",
			"drone_id", droneID, "kind", drone.Kind)
		if m.events != nil && drone.Kind == types.DroneKindBareMetal {
			m.events.Publish(types.EventBareMetalProtect, "refused automatic reboot of bare-metal drone",
				nil, droneID, "")
		}
		return
	}
	if m.cfg.ProtectedHosts[drone.IP] {
		m.logger.Error("refusing to reboot protected host", "drone_id", droneID, "ip", drone.IP)
		if m.events != nil {
			m.events.Publish(types.EventBareMetalProtect, "refused automatic reboot of protected host",
				nil, droneID, "")
		}
		return
	}
	if !drone.Capabilities.AutoReboot {
		return
	}
	go func() {
		if err := m.rebooter.Reboot(context.Background(), drone.IP); err != nil {
			m.logger.Error("automatic reboot failed", "drone_id", droneID, "ip", drone.IP, "error", err)
		}
	}()
	m.logger.Warn("automatic reboot triggered", "drone_id", droneID, "ip", drone.IP)
}

// RecordUploadFailure tracks artifact-upload failures separately from
// build failures; uploads fail for network or binhost reasons a rebuild
// cannot fix, so they never feed the grounding counter.
func (m *Monitor) RecordUploadFailure(ctx context.Context, droneID string) error {
	if err := m.store.RecordUploadFailure(ctx, droneID); err != nil {
		return err
	}
	h, err := m.store.GetHealth(ctx, droneID)
	if err != nil {
		return err
	}
	if h.UploadFailureCount == m.cfg.MaxUploadFailures {
		m.logger.Error("drone upload-impaired", "drone_id", droneID, "upload_failures", h.UploadFailureCount)
		if m.events != nil {
			m.events.Publish(types.EventAdminAlert, "drone uploads failing repeatedly",
				map[string]any{"upload_failures": h.UploadFailureCount}, droneID, "")
		}
	}
	return nil
}

// IsUploadImpaired reports whether a drone has crossed the upload-failure
// ceiling; impaired drones can still build, but operators are alerted and
// dashboards flag them.
func (m *Monitor) IsUploadImpaired(ctx context.Context, droneID string) (bool, error) {
	h, err := m.store.GetHealth(ctx, droneID)
	if err != nil {
		return false, err
	}
	return h.UploadFailureCount >= m.cfg.MaxUploadFailures, nil
}

// ResetUploadFailures clears the upload breaker after an operator fixes
// the underlying path.
func (m *Monitor) ResetUploadFailures(ctx context.Context, droneID string) error {
	return m.store.ResetUploadFailures(ctx, droneID)
}

// UngroundAll clears every drone's circuit breaker (admin action).
func (m *Monitor) UngroundAll(ctx context.Context) error {
	return m.store.ResetDroneHealth(ctx, "")
}

// UngroundDrone clears one drone's circuit breaker (admin action).
func (m *Monitor) UngroundDrone(ctx context.Context, droneID string) error {
	return m.store.ResetDroneHealth(ctx, droneID)
}
