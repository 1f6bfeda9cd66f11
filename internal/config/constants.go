// Package config resolves the control plane's tunables from defaults, an
// optional YAML config file, and environment overrides, in that order of
// increasing precedence.
package config

import "time"

// Scheduler and queue tunables.
const (
	// DefaultMaxPrefetchPerDrone caps how many delegated items a single
	// drone may hold at once.
	DefaultMaxPrefetchPerDrone = 2

	// DefaultQueueTarget is a fallback per-drone delegation target for a
	// drone whose core count is unknown. The scheduler does not read it;
	// per-drone holdings are bounded by the prefetch cap alone.
	DefaultQueueTarget = 5

	// DefaultCoresPerSlot is the cores-per-slot ratio of a core-based
	// queue target, max(1, cores / CoresPerSlot). No component computes
	// that target; a drone's core count is not used for sizing.
	DefaultCoresPerSlot = 4

	// DefaultFailureAge is the scheduler's failure window: only build
	// failures recorded within it count toward CrossDroneBlockThreshold.
	DefaultFailureAge = 30 * time.Minute

	// CrossDroneBlockThreshold is the number of distinct drones that
	// must fail the same package before it is marked blocked.
	CrossDroneBlockThreshold = 2

	// DefaultSweeperPrefix names the fallback drone-name convention used
	// to identify sweeper drones that were never given an explicit type.
	DefaultSweeperPrefix = "sweeper-"
)

// Reclaim and lease tunables.
const (
	// DefaultReclaimOfflineThreshold is how stale a drone's heartbeat must
	// be before its delegated work is reclaimed.
	DefaultReclaimOfflineThreshold = 15 * time.Minute

	// DefaultReclaimLease is the lease bound on a delegated assignment
	// before it becomes eligible for lease-based reclaim, independent of
	// heartbeat staleness.
	DefaultReclaimLease = 600 * time.Second

	// ReclaimTickInterval is the cadence of the scheduler's background
	// reclaim/rebalance loop.
	ReclaimTickInterval = 1 * time.Second
)

// Health monitor (circuit breaker) tunables.
const (
	// DefaultMaxFailures is the build-failure ceiling that grounds a drone.
	DefaultMaxFailures = 8

	// DefaultGroundingTimeout is the circuit-breaker cooldown once grounded.
	DefaultGroundingTimeout = 300 * time.Second

	// DefaultMaxUploadFailures is the independent ceiling for the
	// upload-impairment circuit breaker.
	DefaultMaxUploadFailures = 3
)

// Self-healing escalation tunables.
const (
	// DefaultProbeInterval is the self-heal probe cadence. A value of 0
	// disables the monitor entirely.
	DefaultProbeInterval = 30 * time.Second

	// DefaultMinConsecutiveFailures is the escalation guard on probe
	// failures in a row.
	DefaultMinConsecutiveFailures = 3

	// DefaultMinFailureWindow is the escalation guard on how long probes
	// must have been failing, in addition to the consecutive-failure count.
	DefaultMinFailureWindow = 180 * time.Second

	// Escalation level cooldowns, keyed by the level on entry.
	EscalationCooldownL1 = 30 * time.Second
	EscalationCooldownL2 = 30 * time.Second
	EscalationCooldownL3 = 120 * time.Second

	// MaxEscalationLevel is the top of the ladder (admin-alert).
	MaxEscalationLevel = 4
)

// HTTP and SSH tunables.
const (
	// DefaultPublicPort serves read-only and drone-protocol endpoints.
	DefaultPublicPort = 8100

	// DefaultAdminPort serves the shared-secret-gated control surface.
	DefaultAdminPort = 8093

	// DefaultHTTPRequestTimeout bounds every handler; exceeding it yields 504.
	DefaultHTTPRequestTimeout = 30 * time.Second

	// DefaultSSHConnectTimeout and DefaultSSHOperationTimeout bound every
	// outbound SSH probe, escalation action, and payload deploy.
	DefaultSSHConnectTimeout   = 10 * time.Second
	DefaultSSHOperationTimeout = 120 * time.Second

	// DefaultShutdownGrace bounds graceful HTTP shutdown.
	DefaultShutdownGrace = 10 * time.Second
)

// Event bus and protocol log tunables.
const (
	// DefaultEventRingSize is the bounded in-memory tail kept for cheap
	// dashboard reads.
	DefaultEventRingSize = 2000

	// DefaultEventFlushInterval and DefaultEventFlushBatch govern the
	// write-behind persistence of events to the Store.
	DefaultEventFlushInterval = 2 * time.Second
	DefaultEventFlushBatch    = 200

	// ProtocolBodyCap is the per-direction size cap on captured request and
	// response bodies; content past this is truncated with a marker.
	ProtocolBodyCap = 8 * 1024

	// DefaultProtocolQueueSize bounds the async recorder's backlog; once
	// full, new entries are dropped rather than blocking the request path.
	DefaultProtocolQueueSize = 5000

	// DefaultProtocolFlushInterval governs the protocol log's background
	// persistence worker.
	DefaultProtocolFlushInterval = 2 * time.Second
)

// Background-loop supervision.
const (
	// LoopRestartBackoffCap bounds the exponential backoff applied when a
	// background loop panics and is restarted.
	LoopRestartBackoffCap = 1 * time.Minute
)
