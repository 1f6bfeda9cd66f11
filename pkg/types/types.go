// Package types defines the domain model shared across the control plane:
// drones, queue items, sessions, health records, and the events/log entries
// they generate.
//
// # Design Principles
//
// 1. Simplicity: types mirror the entity model directly, no ORM abstractions.
// 2. Serialization: every type is JSON-serializable for the wire protocol.
// 3. Explicit state: lifecycle fields are concrete enums, not free-form strings.
// 4. Sum types over exceptions: operations that can fail in distinct ways
// return a tagged result instead of an error the caller has to classify.
package types

import "time"

// =============================================================================
// DRONE
// =============================================================================

// DroneKind classifies the kind of host a drone runs on. Bare-metal drones
// can never be rebooted by an automated action.
type DroneKind string

const (
	DroneKindContainer DroneKind = "container"
	DroneKindVM        DroneKind = "vm"
	DroneKindBareMetal DroneKind = "bare-metal"
	DroneKindUnknown   DroneKind = "unknown"
)

// DroneType is the role a drone announced itself as at registration.
type DroneType string

const (
	DroneTypeDrone   DroneType = "drone"
	DroneTypeSweeper DroneType = "sweeper"
)

// DroneCapabilities is the structured capability set a drone reports.
// Unknown keys from older agents land in Extra rather than being dropped.
type DroneCapabilities struct {
	Cores            int            `json:"cores"`
	RAMGB            float64        `json:"ram_gb,omitempty"`
	AutoReboot       bool           `json:"auto_reboot"`
	PortageTimestamp string         `json:"portage_timestamp,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// DroneMetrics is the structured self-reported load snapshot.
type DroneMetrics struct {
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	RAMPercent float64 `json:"ram_percent,omitempty"`
	Load1m     float64 `json:"load_1m,omitempty"`
}

// Drone is a registered build worker.
type Drone struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	IP              string            `json:"ip"`
	Type            DroneType         `json:"type"`
	Kind            DroneKind         `json:"kind"`
	Capabilities    DroneCapabilities `json:"capabilities"`
	Metrics         DroneMetrics      `json:"metrics"`
	CurrentTask     string            `json:"current_task,omitempty"`
	Version         string            `json:"version,omitempty"`
	Paused          bool              `json:"paused"`
	Online          bool              `json:"online"`
	LastSeen        time.Time         `json:"last_seen"`
	LastPingSentAt  *time.Time        `json:"last_ping_sent_at,omitempty"`
	LastPingRecvAt  *time.Time        `json:"last_ping_recv_at,omitempty"`
	LastRoundTripMs float64           `json:"last_round_trip_ms,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// IsSweeperNamed reports whether this drone is treated as a sweeper: either
// it announced DroneTypeSweeper explicitly, or its name carries the
// configured sweeper prefix (a convention carried forward from older
// fleets that never set the type field).
func (d Drone) IsSweeperNamed(prefix string) bool {
	if d.Type == DroneTypeSweeper {
		return true
	}
	if prefix == "" {
		return false
	}
	name := []rune(d.Name)
	p := []rune(prefix)
	if len(name) < len(p) {
		return false
	}
	for i := range p {
		a, b := name[i], p[i]
		if a >= 'A' && a <= 'Z' {
			a += 'a' - 'A'
		}
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}

// =============================================================================
// QUEUE ITEM
// =============================================================================

// QueueStatus is the lifecycle state of a QueueItem.
type QueueStatus string

const (
	QueueNeeded    QueueStatus = "needed"
	QueueDelegated QueueStatus = "delegated"
	QueueReceived  QueueStatus = "received"
	QueueBlocked   QueueStatus = "blocked"
	QueueFailed    QueueStatus = "failed"
)

// QueueItem is one unit of work: a package atom to build.
type QueueItem struct {
	ID           int64       `json:"id"`
	Package      string      `json:"package"`
	Status       QueueStatus `json:"status"`
	AssignedTo   string      `json:"assigned_to,omitempty"`
	AssignedAt   *time.Time  `json:"assigned_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	FailureCount int         `json:"failure_count"`
	ErrorMessage string      `json:"error_message,omitempty"`
	SessionID    int64       `json:"session_id,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// CompletionStatus is the outcome a drone reports for a completed item.
type CompletionStatus string

const (
	CompletionSuccess  CompletionStatus = "success"
	CompletionFailed   CompletionStatus = "failed"
	CompletionReturned CompletionStatus = "returned"
)

// AssignKind tags the shape of an AssignResult.
type AssignKind int

const (
	AssignEmpty AssignKind = iota
	AssignAssigned
	AssignRejected
)

// AssignResult is the tagged outcome of a work-request. Exactly one of the
// fields is meaningful, selected by Kind.
type AssignResult struct {
	Kind    AssignKind
	Package string
	Reason  string
}

// CompletionKind tags the shape of a CompletionResult.
type CompletionKind int

const (
	CompletionAccepted CompletionKind = iota
	CompletionStale
	CompletionAlreadyTerminal
)

// CompletionResult is the tagged outcome of processing a completion report.
type CompletionResult struct {
	Kind   CompletionKind
	Reason string
}

// =============================================================================
// SESSION
// =============================================================================

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

// Session is a named group of queue items submitted together.
type Session struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Status    SessionStatus `json:"status"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	CreatedAt time.Time     `json:"created_at"`
	ClosedAt  *time.Time    `json:"closed_at,omitempty"`
}

// BuildHistoryEntry is an append-only record of one completed build attempt.
type BuildHistoryEntry struct {
	ID        int64            `json:"id"`
	Package   string           `json:"package"`
	DroneID   string           `json:"drone_id"`
	SessionID int64            `json:"session_id,omitempty"`
	Status    CompletionStatus `json:"status"`
	DurationS float64          `json:"duration_s"`
	Error     string           `json:"error,omitempty"`
	BuiltAt   time.Time        `json:"built_at"`
}

// =============================================================================
// HEALTH RECORD
// =============================================================================

// HealthRecord is the per-drone circuit-breaker and escalation state.
type HealthRecord struct {
	DroneID            string     `json:"drone_id"`
	FailureCount       int        `json:"failure_count"`
	LastFailureAt      *time.Time `json:"last_failure_at,omitempty"`
	GroundedUntil      *time.Time `json:"grounded_until,omitempty"`
	UploadFailureCount int        `json:"upload_failure_count"`
	EscalationLevel    int        `json:"escalation_level"`
	LastEscalationAt   *time.Time `json:"last_escalation_at,omitempty"`
	EscalationAttempts int        `json:"escalation_attempts"`

	// ConsecutiveProbeFails is the self-healer's current unbroken streak of
	// failed SSH probes; the lease-reclaim path also reads it to decide
	// whether an assignee is unresponsive out-of-band, not just quiet.
	ConsecutiveProbeFails int `json:"consecutive_probe_fails"`
}

// IsGrounded reports whether the circuit breaker is currently open.
func (h HealthRecord) IsGrounded(now time.Time) bool {
	return h.GroundedUntil != nil && h.GroundedUntil.After(now)
}

// =============================================================================
// EVENT
// =============================================================================

// EventKind is the symbolic classification of an Event.
type EventKind string

const (
	EventAssign           EventKind = "assign"
	EventRebalance        EventKind = "rebalance"
	EventReclaim          EventKind = "reclaim"
	EventBlocked          EventKind = "blocked"
	EventStaleCompletion  EventKind = "stale-completion"
	EventEscalation       EventKind = "escalation"
	EventBareMetalProtect EventKind = "bare-metal-protected"
	EventDeploy           EventKind = "deploy"
	EventRelease          EventKind = "release"
	EventAdminAlert       EventKind = "admin-alert"
	EventControl          EventKind = "control"
)

// Event is an immutable record used for the ring-buffer tail and the
// persistent history.
type Event struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      EventKind      `json:"kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	DroneID   string         `json:"drone_id,omitempty"`
	Package   string         `json:"package,omitempty"`
}

// =============================================================================
// PROTOCOL ENTRY
// =============================================================================

// ProtocolEntry is one record per completed HTTP exchange.
type ProtocolEntry struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	SourceAddr     string    `json:"source_addr"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	Classification string    `json:"classification"`
	StatusCode     int       `json:"status_code"`
	LatencyMs      float64   `json:"latency_ms"`
	DroneHint      string    `json:"drone_hint,omitempty"`
	PackageHint    string    `json:"package_hint,omitempty"`
	RequestBody    string    `json:"request_body,omitempty"`
	ResponseBody   string    `json:"response_body,omitempty"`
}

// =============================================================================
// PAYLOAD REGISTRY
// =============================================================================

// PayloadVersion is a registered, content-addressed artifact version.
type PayloadVersion struct {
	Kind        string    `json:"kind"`
	Version     string    `json:"version"`
	ContentHash string    `json:"content_hash"`
	ContentRef  string    `json:"content_ref"`
	Size        int64     `json:"size"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DronePayloadStatus is the deployment state of a payload on a drone.
type DronePayloadStatus string

const (
	DronePayloadPending DronePayloadStatus = "pending"
	DronePayloadSuccess DronePayloadStatus = "success"
	DronePayloadFailed  DronePayloadStatus = "failed"
)

// DronePayload is the per-(drone, payload-kind) deployment record.
type DronePayload struct {
	DroneID         string             `json:"drone_id"`
	Kind            string             `json:"kind"`
	DeployedVersion string             `json:"deployed_version"`
	DeployedHash    string             `json:"deployed_hash"`
	Status          DronePayloadStatus `json:"status"`
	DeployedAt      time.Time          `json:"deployed_at"`
}

// DeployAction names the kind of payload operation a DeployLog row records.
type DeployAction string

const (
	DeployActionDeploy   DeployAction = "deploy"
	DeployActionVerify   DeployAction = "verify"
	DeployActionRollback DeployAction = "rollback"
)

// DeployLog is an append-only per-attempt record of a payload deployment.
type DeployLog struct {
	ID         int64              `json:"id"`
	Kind       string             `json:"kind"`
	Version    string             `json:"version"`
	DroneID    string             `json:"drone_id"`
	Action     DeployAction       `json:"action"`
	Status     DronePayloadStatus `json:"status"`
	DurationMs float64            `json:"duration_ms"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// =============================================================================
// RELEASE REGISTRY
// =============================================================================

// ReleaseStatus is a Release's position in the staging/active/archive/delete
// lifecycle.
type ReleaseStatus string

const (
	ReleaseStaging  ReleaseStatus = "staging"
	ReleaseActive   ReleaseStatus = "active"
	ReleaseArchived ReleaseStatus = "archived"
	ReleaseDeleted  ReleaseStatus = "deleted"
)

// Release is a named, content-addressed snapshot of a built package set.
type Release struct {
	Version      string        `json:"version"`
	Name         string        `json:"name"`
	Status       ReleaseStatus `json:"status"`
	PackageCount int           `json:"package_count"`
	SizeBytes    int64         `json:"size_bytes"`
	Path         string        `json:"path,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	PromotedAt   *time.Time    `json:"promoted_at,omitempty"`
	ArchivedAt   *time.Time    `json:"archived_at,omitempty"`
	DeletedAt    *time.Time    `json:"deleted_at,omitempty"`
}

// =============================================================================
// DRONE CONFIG
// =============================================================================

// DroneConfig is the admin-owned, operator-supplied configuration for a
// drone, distinct from the self-reported Drone record above.
type DroneConfig struct {
	Name              string  `json:"name"`
	SSHUser           string  `json:"ssh_user"`
	SSHPort           int     `json:"ssh_port"`
	SSHKeyPath        string  `json:"ssh_key_path,omitempty"`
	SSHPassword       string  `json:"ssh_password,omitempty"`
	CoreLimit         int     `json:"core_limit,omitempty"`
	JobCount          int     `json:"job_count,omitempty"`
	SoftMemCapGB      float64 `json:"soft_mem_cap_gb,omitempty"`
	AutoRebootAllowed bool    `json:"auto_reboot_allowed"`
	Protected         bool    `json:"protected"`
	FailureCeiling    int     `json:"failure_ceiling,omitempty"`
	BinhostTarget     string  `json:"binhost_target,omitempty"`
	DisplayName       string  `json:"display_name,omitempty"`
	ControlPlaneTag   string  `json:"control_plane_tag,omitempty"`
	Locked            bool    `json:"locked"`
	Notes             string  `json:"notes,omitempty"`
}
