// Package selfheal implements autonomous drone recovery: a periodic
// proof-of-life probe drives an escalation ladder (service restart, hard
// restart, container reboot, admin alert) gated by drone-kind safety
// policy. Bare-metal and unknown-kind drones are never rebooted
// automatically; their ladder holds at the hard-restart level and a
// bare-metal-protected event is published instead.
package selfheal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/buildswarm/controlplane/pkg/types"
)

// EscalationLevel names one rung of the recovery ladder.
type EscalationLevel int

const (
	LevelNormal EscalationLevel = iota
	LevelServiceRestart
	LevelHardRestart
	LevelContainerReboot
	LevelAlertAdmin
)

// Store is the subset of storage the monitor needs.
type Store interface {
	ListDrones(ctx context.Context, onlineThresholdSeconds float64) ([]types.Drone, error)
	RecordProbeFailure(ctx context.Context, droneID string) (streak int, windowStart float64, err error)
	ResetProbeStreak(ctx context.Context, droneID string) error
	SetEscalationLevel(ctx context.Context, droneID string, level, attempts int) error
	ResetEscalation(ctx context.Context, droneID string) error
	GetHealth(ctx context.Context, droneID string) (types.HealthRecord, error)
	GetDroneConfig(ctx context.Context, name string) (*types.DroneConfig, error)
	UpdatePingResult(ctx context.Context, id string, sentAt, recvAt, roundTripMs float64) error
}

// Prober performs the remote actions the ladder needs. Implemented by
// internal/sshprobe.
type Prober interface {
	Ping(ctx context.Context, cfg ProbeTarget) (time.Duration, error)
	RestartService(ctx context.Context, cfg ProbeTarget, service string) error
	Reboot(ctx context.Context, cfg ProbeTarget) error
}

// ProbeTarget is the connection information for one drone, resolved from
// its Drone record and optional DroneConfig.
type ProbeTarget struct {
	Host     string
	Port     int
	Username string
	Password string
	Key      []byte
	Timeout  time.Duration
}

// EventPublisher is the subset of eventbus.Bus the monitor uses.
type EventPublisher interface {
	Publish(kind types.EventKind, message string, details map[string]any, droneID, pkg string)
}

// Config controls probe cadence, escalation gating, and the service unit
// name used by the restart actions.
type Config struct {
	ProbeInterval          time.Duration
	MinConsecutiveFailures int
	MinFailureWindow       time.Duration
	ServiceName            string
	EscalationCooldowns    map[EscalationLevel]time.Duration
	ProtectedHosts         map[string]bool
}

// Monitor runs the probe loop and drives escalation. Safe for concurrent
// use.
type Monitor struct {
	store  Store
	prober Prober
	events EventPublisher
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	lastAction map[string]time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(store Store, prober Prober, events EventPublisher, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "build-drone"
	}
	if cfg.EscalationCooldowns == nil {
		cfg.EscalationCooldowns = map[EscalationLevel]time.Duration{
			LevelServiceRestart:  30 * time.Second,
			LevelHardRestart:     30 * time.Second,
			LevelContainerReboot: 120 * time.Second,
		}
	}
	return &Monitor{
		store:      store,
		prober:     prober,
		events:     events,
		cfg:        cfg,
		logger:     logger.With("component", "selfheal"),
		lastAction: map[string]time.Time{},
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the probe loop in a goroutine. A zero ProbeInterval
// disables the monitor entirely. The interval is read only here, when the
// monitor starts.
func (m *Monitor) Start(ctx context.Context) {
	if m.cfg.ProbeInterval <= 0 {
		m.logger.Info("self-healing monitor disabled (probe interval is zero)")
		close(m.doneCh)
		return
	}
	go m.run(ctx)
}

// Stop signals the loop to stop and waits for the in-flight cycle to end.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)
	m.logger.Info("self-healing monitor started", "interval", m.cfg.ProbeInterval)

	m.safeRunOnce(ctx)
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.safeRunOnce(ctx) {
				backoff = time.Second
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}
		}
	}
}

func (m *Monitor) safeRunOnce(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("probe cycle panicked", "panic", r)
			ok = false
		}
	}()
	m.runOnce(ctx)
	return true
}

func (m *Monitor) runOnce(ctx context.Context) {
	drones, err := m.store.ListDrones(ctx, m.cfg.ProbeInterval.Seconds()*3)
	if err != nil {
		m.logger.Error("failed to list drones for probe cycle", "error", err)
		return
	}
	for _, d := range drones {
		if d.Paused {
			continue
		}
		m.probeOne(ctx, d)
	}
}

func (m *Monitor) probeOne(ctx context.Context, d types.Drone) {
	target := m.resolveTarget(ctx, d)
	sentAt := time.Now()

	latency, err := m.prober.Ping(ctx, target)
	recvAt := time.Now()

	if err == nil {
		_ = m.store.UpdatePingResult(ctx, d.ID, float64(sentAt.UnixNano())/1e9, float64(recvAt.UnixNano())/1e9, float64(latency.Microseconds())/1000.0)
		m.handleHealthy(ctx, d)
		return
	}

	m.logger.Warn("probe failed", "drone_id", d.ID, "drone", d.Name, "error", err)
	m.handleUnhealthy(ctx, d, err.Error())
}

func (m *Monitor) resolveTarget(ctx context.Context, d types.Drone) ProbeTarget {
	target := ProbeTarget{Host: d.IP, Port: 22, Username: "root", Timeout: 10 * time.Second}
	cfg, err := m.store.GetDroneConfig(ctx, d.Name)
	if err != nil || cfg == nil {
		return target
	}
	if cfg.SSHPort != 0 {
		target.Port = cfg.SSHPort
	}
	if cfg.SSHUser != "" {
		target.Username = cfg.SSHUser
	}
	target.Password = cfg.SSHPassword
	return target
}

func (m *Monitor) handleHealthy(ctx context.Context, d types.Drone) {
	h, err := m.store.GetHealth(ctx, d.ID)
	if err == nil && h.EscalationLevel > 0 {
		m.logger.Info("drone recovered", "drone_id", d.ID, "drone", d.Name, "previous_level", h.EscalationLevel)
		if m.events != nil {
			m.events.Publish(types.EventEscalation, fmt.Sprintf("%s recovered from escalation level %d", d.Name, h.EscalationLevel),
				map[string]any{"previous_level": h.EscalationLevel}, d.ID, "")
		}
		if err := m.store.ResetEscalation(ctx, d.ID); err != nil {
			m.logger.Error("failed to reset escalation state", "drone_id", d.ID, "error", err)
		}
	}
	if err := m.store.ResetProbeStreak(ctx, d.ID); err != nil {
		m.logger.Error("failed to reset probe streak", "drone_id", d.ID, "error", err)
	}
}

// handleUnhealthy applies the two escalation guards (consecutive failures
// and minimum failure window), the heartbeat-suppression rule (a drone
// that is still heartbeating to the control plane is not escalated purely
// on a failing SSH probe, since that usually means an SSH-only network
// problem rather than a dead service), and the per-level cooldown before
// advancing the ladder.
func (m *Monitor) handleUnhealthy(ctx context.Context, d types.Drone, reason string) {
	streak, windowStart, err := m.store.RecordProbeFailure(ctx, d.ID)
	if err != nil {
		m.logger.Error("failed to record probe failure", "drone_id", d.ID, "error", err)
		return
	}
	if streak < m.cfg.MinConsecutiveFailures {
		return
	}
	if time.Since(unixSeconds(windowStart)) < m.cfg.MinFailureWindow {
		return
	}
	if time.Since(d.LastSeen) < m.cfg.ProbeInterval {
		m.logger.Debug("escalation suppressed by recent heartbeat", "drone_id", d.ID)
		return
	}

	h, err := m.store.GetHealth(ctx, d.ID)
	if err != nil {
		m.logger.Error("failed to read escalation state", "drone_id", d.ID, "error", err)
		return
	}
	currentLevel := EscalationLevel(h.EscalationLevel)
	if currentLevel >= LevelAlertAdmin {
		return
	}

	m.mu.Lock()
	last, fired := m.lastAction[d.ID]
	cooldown := m.cfg.EscalationCooldowns[currentLevel]
	if fired && currentLevel > LevelNormal && time.Since(last) < cooldown {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.escalate(ctx, d, currentLevel+1, reason, h.EscalationAttempts+1)
}

func unixSeconds(v float64) time.Time {
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

func (m *Monitor) escalate(ctx context.Context, d types.Drone, level EscalationLevel, reason string, attempts int) {
	m.logger.Warn("escalating drone recovery", "drone_id", d.ID, "drone", d.Name, "level", level, "reason", reason)
	if m.events != nil {
		m.events.Publish(types.EventEscalation, fmt.Sprintf("%s escalated to level %d", d.Name, level),
			map[string]any{"level": int(level), "reason": reason}, d.ID, "")
	}
	m.mu.Lock()
	m.lastAction[d.ID] = time.Now()
	m.mu.Unlock()

	target := m.resolveTarget(ctx, d)
	switch level {
	case LevelServiceRestart, LevelHardRestart:
		if err := m.prober.RestartService(ctx, target, m.cfg.ServiceName); err != nil {
			m.logger.Error("service restart failed", "drone_id", d.ID, "error", err)
		}
	case LevelContainerReboot:
		if !m.rebootSafe(ctx, d) {
			// Hard stop before a reboot that safety policy disallows: the
			// ladder holds at level 2 instead of advancing, and an alert
			// fires on every subsequent unhealthy evaluation.
			m.logger.Error("reboot blocked by safety policy, holding at level 2", "drone_id", d.ID, "drone", d.Name, "kind", d.Kind)
			if m.events != nil {
				m.events.Publish(types.EventBareMetalProtect, fmt.Sprintf("reboot blocked for %s: unsafe to reboot (%s)", d.Name, d.Kind),
					map[string]any{"kind": string(d.Kind)}, d.ID, "")
			}
			if err := m.store.SetEscalationLevel(ctx, d.ID, int(LevelHardRestart), attempts); err != nil {
				m.logger.Error("failed to persist escalation level", "drone_id", d.ID, "error", err)
			}
			return
		}
		if m.cfg.ProtectedHosts[d.IP] {
			m.logger.Error("reboot blocked: protected host", "drone_id", d.ID, "drone", d.Name, "ip", d.IP)
			if m.events != nil {
				m.events.Publish(types.EventBareMetalProtect, fmt.Sprintf("reboot blocked for %s: protected host", d.Name), nil, d.ID, "")
			}
			if err := m.store.SetEscalationLevel(ctx, d.ID, int(LevelHardRestart), attempts); err != nil {
				m.logger.Error("failed to persist escalation level", "drone_id", d.ID, "error", err)
			}
			return
		}
		if err := m.prober.Reboot(ctx, target); err != nil {
			m.logger.Error("container reboot failed", "drone_id", d.ID, "error", err)
		} else {
			m.logger.Warn("container reboot initiated", "drone_id", d.ID, "drone", d.Name)
		}
	case LevelAlertAdmin:
		m.logger.Error("manual intervention required", "drone_id", d.ID, "drone", d.Name, "reason", reason)
		if m.events != nil {
			m.events.Publish(types.EventAdminAlert, fmt.Sprintf("manual intervention required: %s - %s", d.Name, reason),
				map[string]any{"severity": "critical"}, d.ID, "")
		}
	}

	if err := m.store.SetEscalationLevel(ctx, d.ID, int(level), attempts); err != nil {
		m.logger.Error("failed to persist escalation level", "drone_id", d.ID, "error", err)
	}
}

// rebootSafe is the drone-kind and admin-permission gate before a level-3
// reboot: only container and vm drones the operator has explicitly marked
// reboot-allowed may ever be rebooted automatically. Bare-metal and
// unknown-kind drones are always refused.
func (m *Monitor) rebootSafe(ctx context.Context, d types.Drone) bool {
	if d.Kind != types.DroneKindContainer && d.Kind != types.DroneKindVM {
		return false
	}
	cfg, err := m.store.GetDroneConfig(ctx, d.Name)
	if err != nil || cfg == nil {
		return false
	}
	return cfg.AutoRebootAllowed
}

// PingDrone runs one on-demand proof-of-life probe against a drone and
// records the round trip on its row. Used by the admin ping endpoints,
// independent of the background probe loop.
func (m *Monitor) PingDrone(ctx context.Context, d types.Drone) (time.Duration, error) {
	target := m.resolveTarget(ctx, d)
	sentAt := time.Now()
	latency, err := m.prober.Ping(ctx, target)
	recvAt := time.Now()
	if err != nil {
		return 0, err
	}
	if err := m.store.UpdatePingResult(ctx, d.ID,
		float64(sentAt.UnixNano())/1e9, float64(recvAt.UnixNano())/1e9,
		float64(latency.Microseconds())/1000.0); err != nil {
		m.logger.Error("failed to record ping result", "drone_id", d.ID, "error", err)
	}
	return latency, nil
}

// ResetEscalation manually clears a drone's escalation state (admin
// action).
func (m *Monitor) ResetEscalation(ctx context.Context, droneID string) error {
	m.mu.Lock()
	delete(m.lastAction, droneID)
	m.mu.Unlock()
	return m.store.ResetEscalation(ctx, droneID)
}
