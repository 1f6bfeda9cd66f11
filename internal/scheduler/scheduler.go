// Package scheduler assigns queued package builds to eligible drones,
// validates their completion reports, reclaims work from drones that have
// gone quiet, and rebalances queued work from busy drones to idle ones.
//
// Assignment is pull-based: a drone asks for work and the scheduler hands
// back at most one package atom, honoring the drone's prefetch cap, its
// own failure history against each candidate, and the cross-drone block
// policy. Completion reports are checked against the current assignee
// before anything is recorded, so a retried or rebalanced report can never
// corrupt queue state.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/buildswarm/controlplane/pkg/types"
)

// Store is the subset of storage operations the scheduler needs.
type Store interface {
	GetDrone(ctx context.Context, id string) (*types.Drone, error)
	ListDrones(ctx context.Context, onlineThresholdSeconds float64) ([]types.Drone, error)
	SetDroneCurrentTask(ctx context.Context, id, task string) error

	GetNeededPackages(ctx context.Context, limit int) ([]types.QueueItem, error)
	GetBlockedPackages(ctx context.Context) ([]types.QueueItem, error)
	GetDelegatedPackages(ctx context.Context, droneID string) ([]types.QueueItem, error)
	GetQueueItemByPackage(ctx context.Context, pkg string) (*types.QueueItem, error)
	AssignPackage(ctx context.Context, queueID int64, droneID string) (bool, error)
	AssignBlockedPackage(ctx context.Context, queueID int64, droneID string) (bool, error)
	StealPackage(ctx context.Context, queueID int64, donorID, newDroneID string) (bool, error)
	ReclaimPackage(ctx context.Context, queueID int64) error
	RecordCompletion(ctx context.Context, queueID int64, status types.CompletionStatus, errMsg string, failStatus types.QueueStatus) error
	UnblockAll(ctx context.Context) (int, error)
	RetryFailedPackages(ctx context.Context) (int, error)

	RecordBuildHistory(ctx context.Context, entry types.BuildHistoryEntry) error
	HasDroneFailedPackage(ctx context.Context, droneID, pkg string) (bool, error)
	CountDistinctDroneFailures(ctx context.Context, pkg string, lookbackSeconds float64) (int, error)

	RecomputeSessionTotals(ctx context.Context, sessionID int64) error
	GetHealth(ctx context.Context, droneID string) (types.HealthRecord, error)

	GetKV(ctx context.Context, key string) (string, bool, error)
	SetKV(ctx context.Context, key, value string) error
}

// HealthGate is the circuit-breaker view the scheduler consults before
// handing out work and feeds after each completion.
type HealthGate interface {
	IsGrounded(ctx context.Context, droneID string) (bool, error)
	RecordSuccess(ctx context.Context, droneID string) error
	RecordFailure(ctx context.Context, droneID string) error
}

// EventPublisher is the subset of eventbus.Bus the scheduler uses.
type EventPublisher interface {
	Publish(kind types.EventKind, message string, details map[string]any, droneID, pkg string)
}

// Config holds the scheduler tunables from the resolver.
type Config struct {
	// MaxPrefetchPerDrone caps how many delegated items one drone may hold.
	MaxPrefetchPerDrone int

	// BlockDistinctDrones is the number of distinct drones that must fail a
	// package inside FailureWindow before it is blocked fleet-wide.
	BlockDistinctDrones int

	// MaxPackageFailures is the per-package failure cap; past it the item
	// goes to `failed` instead of back to `needed`.
	MaxPackageFailures int

	// FailureWindow bounds how far back cross-drone failures count.
	FailureWindow time.Duration

	// ReclaimOfflineThreshold reclaims delegated work whose assignee's
	// heartbeat is older than this.
	ReclaimOfflineThreshold time.Duration

	// ReclaimLease reclaims delegated work held past this long, but only
	// when the assignee is unresponsive to both heartbeat and probe.
	ReclaimLease time.Duration

	// OnlineThreshold marks drones online/offline in listings.
	OnlineThreshold time.Duration

	// TickInterval is the background loop cadence.
	TickInterval time.Duration

	// SweeperPrefix marks drones that take blocked packages.
	SweeperPrefix string

	// CandidateLimit bounds how many needed items one assignment pass
	// inspects.
	CandidateLimit int
}

const queuePausedKey = "queue_paused"

// Scheduler is safe for concurrent use; all queue state lives in Store.
type Scheduler struct {
	store  Store
	health HealthGate
	events EventPublisher
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	paused bool

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(store Store, health HealthGate, events EventPublisher, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.MaxPrefetchPerDrone <= 0 {
		cfg.MaxPrefetchPerDrone = 2
	}
	if cfg.BlockDistinctDrones <= 0 {
		cfg.BlockDistinctDrones = 2
	}
	if cfg.MaxPackageFailures <= 0 {
		cfg.MaxPackageFailures = 4
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 30 * time.Minute
	}
	if cfg.ReclaimOfflineThreshold <= 0 {
		cfg.ReclaimOfflineThreshold = 15 * time.Minute
	}
	if cfg.ReclaimLease <= 0 {
		cfg.ReclaimLease = 600 * time.Second
	}
	if cfg.OnlineThreshold <= 0 {
		cfg.OnlineThreshold = 2 * time.Minute
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 100
	}
	return &Scheduler{
		store:  store,
		health: health,
		events: events,
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Restore loads the persisted queue-pause flag so a pause survives a
// control-plane restart.
func (s *Scheduler) Restore(ctx context.Context) error {
	v, ok, err := s.store.GetKV(ctx, queuePausedKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.paused = ok && v == "1"
	s.mu.Unlock()
	return nil
}

// Paused reports whether the whole queue is paused.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetPaused pauses or resumes the whole queue and persists the flag.
func (s *Scheduler) SetPaused(ctx context.Context, paused bool) error {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
	v := "0"
	if paused {
		v = "1"
	}
	if err := s.store.SetKV(ctx, queuePausedKey, v); err != nil {
		return err
	}
	msg := "queue resumed"
	if paused {
		msg = "queue paused"
	}
	s.events.Publish(types.EventControl, msg, nil, "", "")
	return nil
}

// RequestWork is the pull side of the wire protocol: a drone asks for one
// package atom. The result is a tagged AssignResult rather than an error
// so callers can tell "nothing to do" apart from "you are not eligible".
func (s *Scheduler) RequestWork(ctx context.Context, droneID string) (types.AssignResult, error) {
	drone, err := s.store.GetDrone(ctx, droneID)
	if err != nil {
		return types.AssignResult{}, err
	}
	if drone == nil {
		return types.AssignResult{Kind: types.AssignRejected, Reason: "unknown drone"}, nil
	}
	if drone.Paused {
		return types.AssignResult{Kind: types.AssignRejected, Reason: "drone paused"}, nil
	}
	if s.Paused() {
		return types.AssignResult{Kind: types.AssignRejected, Reason: "queue paused"}, nil
	}
	grounded, err := s.health.IsGrounded(ctx, droneID)
	if err != nil {
		return types.AssignResult{}, err
	}
	if grounded {
		return types.AssignResult{Kind: types.AssignRejected, Reason: "drone grounded"}, nil
	}

	held, err := s.store.GetDelegatedPackages(ctx, droneID)
	if err != nil {
		return types.AssignResult{}, err
	}
	if len(held) >= s.cfg.MaxPrefetchPerDrone {
		return types.AssignResult{Kind: types.AssignEmpty}, nil
	}

	if drone.IsSweeperNamed(s.cfg.SweeperPrefix) {
		if res, err := s.assignBlocked(ctx, *drone); err != nil || res.Kind == types.AssignAssigned {
			return res, err
		}
	}
	return s.assignNeeded(ctx, *drone)
}

// assignNeeded walks the needed queue in FIFO order, skipping packages
// this drone already lost to and packages blocked fleet-wide, preferring
// packages some other drone attempted and lost.
func (s *Scheduler) assignNeeded(ctx context.Context, drone types.Drone) (types.AssignResult, error) {
	candidates, err := s.store.GetNeededPackages(ctx, s.cfg.CandidateLimit)
	if err != nil {
		return types.AssignResult{}, err
	}

	var eligible []types.QueueItem
	for _, item := range candidates {
		failed, err := s.store.HasDroneFailedPackage(ctx, drone.ID, item.Package)
		if err != nil {
			return types.AssignResult{}, err
		}
		if failed {
			continue
		}
		distinct, err := s.store.CountDistinctDroneFailures(ctx, item.Package, s.cfg.FailureWindow.Seconds())
		if err != nil {
			return types.AssignResult{}, err
		}
		if distinct >= s.cfg.BlockDistinctDrones {
			continue
		}
		eligible = append(eligible, item)
	}

	// Retried packages first: a package another drone attempted and lost
	// jumps ahead of fresh work so the queue converges instead of piling
	// retries at the back. Ties stay FIFO because GetNeededPackages
	// already returns insertion order.
	ordered := make([]types.QueueItem, 0, len(eligible))
	for _, item := range eligible {
		if item.FailureCount > 0 {
			ordered = append(ordered, item)
		}
	}
	for _, item := range eligible {
		if item.FailureCount == 0 {
			ordered = append(ordered, item)
		}
	}

	for _, item := range ordered {
		ok, err := s.store.AssignPackage(ctx, item.ID, drone.ID)
		if err != nil {
			return types.AssignResult{}, err
		}
		if !ok {
			continue // lost the race to another work-request
		}
		s.events.Publish(types.EventAssign, fmt.Sprintf("%s assigned to %s", item.Package, drone.Name),
			map[string]any{"queue_id": item.ID}, drone.ID, item.Package)
		return types.AssignResult{Kind: types.AssignAssigned, Package: item.Package}, nil
	}
	return types.AssignResult{Kind: types.AssignEmpty}, nil
}

// assignBlocked is the sweeper lane: blocked packages nothing else will
// touch are handed to sweeper drones as a last resort.
func (s *Scheduler) assignBlocked(ctx context.Context, drone types.Drone) (types.AssignResult, error) {
	blocked, err := s.store.GetBlockedPackages(ctx)
	if err != nil {
		return types.AssignResult{}, err
	}
	for _, item := range blocked {
		failed, err := s.store.HasDroneFailedPackage(ctx, drone.ID, item.Package)
		if err != nil {
			return types.AssignResult{}, err
		}
		if failed {
			continue
		}
		ok, err := s.store.AssignBlockedPackage(ctx, item.ID, drone.ID)
		if err != nil {
			return types.AssignResult{}, err
		}
		if !ok {
			continue
		}
		s.events.Publish(types.EventAssign, fmt.Sprintf("blocked package %s swept to %s", item.Package, drone.Name),
			map[string]any{"queue_id": item.ID, "sweeper": true}, drone.ID, item.Package)
		return types.AssignResult{Kind: types.AssignAssigned, Package: item.Package}, nil
	}
	return types.AssignResult{Kind: types.AssignEmpty}, nil
}

// Complete processes a drone's completion report. Reports whose sender is
// no longer the assignee are dropped as stale, and reports for an item that
// is already blocked or failed are answered as already terminal: in both
// cases the caller still answers 200 so agent retries stay cheap, but
// nothing is recorded against the queue row.
func (s *Scheduler) Complete(ctx context.Context, droneID, pkg string, status types.CompletionStatus, durationS float64, errDetail string) (types.CompletionResult, error) {
	item, err := s.store.GetQueueItemByPackage(ctx, pkg)
	if err != nil {
		return types.CompletionResult{}, err
	}
	if item == nil {
		return s.stale(droneID, pkg, "no active queue row"), nil
	}
	if item.Status == types.QueueBlocked || item.Status == types.QueueFailed {
		return types.CompletionResult{Kind: types.CompletionAlreadyTerminal, Reason: string(item.Status)}, nil
	}
	if item.Status != types.QueueDelegated || item.AssignedTo != droneID {
		return s.stale(droneID, pkg, fmt.Sprintf("assignee is %q, status %s", item.AssignedTo, item.Status)), nil
	}

	switch status {
	case types.CompletionSuccess:
		if err := s.store.RecordCompletion(ctx, item.ID, status, "", ""); err != nil {
			return types.CompletionResult{}, err
		}
		if err := s.store.RecordBuildHistory(ctx, types.BuildHistoryEntry{
			Package: pkg, DroneID: droneID, SessionID: item.SessionID,
			Status: status, DurationS: durationS,
		}); err != nil {
			return types.CompletionResult{}, err
		}
		if err := s.health.RecordSuccess(ctx, droneID); err != nil {
			s.logger.Error("failed to decay failure counter", "drone_id", droneID, "error", err)
		}

	case types.CompletionFailed:
		if err := s.store.RecordBuildHistory(ctx, types.BuildHistoryEntry{
			Package: pkg, DroneID: droneID, SessionID: item.SessionID,
			Status: status, DurationS: durationS, Error: errDetail,
		}); err != nil {
			return types.CompletionResult{}, err
		}
		failStatus, err := s.failureStatus(ctx, *item)
		if err != nil {
			return types.CompletionResult{}, err
		}
		if err := s.store.RecordCompletion(ctx, item.ID, status, errDetail, failStatus); err != nil {
			return types.CompletionResult{}, err
		}
		if failStatus == types.QueueBlocked {
			s.events.Publish(types.EventBlocked, fmt.Sprintf("%s blocked after failing on multiple drones", pkg),
				map[string]any{"failure_count": item.FailureCount + 1}, droneID, pkg)
		}
		if err := s.health.RecordFailure(ctx, droneID); err != nil {
			s.logger.Error("failed to record drone failure", "drone_id", droneID, "error", err)
		}

	case types.CompletionReturned:
		if err := s.store.RecordCompletion(ctx, item.ID, status, "", ""); err != nil {
			return types.CompletionResult{}, err
		}

	default:
		return types.CompletionResult{}, fmt.Errorf("unknown completion status %q", status)
	}

	if err := s.store.SetDroneCurrentTask(ctx, droneID, ""); err != nil {
		s.logger.Error("failed to clear current task", "drone_id", droneID, "error", err)
	}
	if err := s.store.RecomputeSessionTotals(ctx, item.SessionID); err != nil {
		s.logger.Error("failed to recompute session totals", "session_id", item.SessionID, "error", err)
	}
	s.events.Publish(types.EventControl, fmt.Sprintf("%s reported %s for %s", droneID, status, pkg),
		map[string]any{"duration_s": durationS}, droneID, pkg)
	return types.CompletionResult{Kind: types.CompletionAccepted}, nil
}

func (s *Scheduler) stale(droneID, pkg, reason string) types.CompletionResult {
	s.logger.Warn("dropping stale completion", "drone_id", droneID, "package", pkg, "reason", reason)
	s.events.Publish(types.EventStaleCompletion,
		fmt.Sprintf("stale completion for %s from %s dropped", pkg, droneID),
		map[string]any{"reason": reason}, droneID, pkg)
	return types.CompletionResult{Kind: types.CompletionStale, Reason: reason}
}

// failureStatus decides where a freshly failed item lands: blocked when
// enough distinct drones have lost to it inside the window, failed when it
// has burned through the per-package cap, needed otherwise.
func (s *Scheduler) failureStatus(ctx context.Context, item types.QueueItem) (types.QueueStatus, error) {
	distinct, err := s.store.CountDistinctDroneFailures(ctx, item.Package, s.cfg.FailureWindow.Seconds())
	if err != nil {
		return "", err
	}
	if distinct >= s.cfg.BlockDistinctDrones {
		return types.QueueBlocked, nil
	}
	if item.FailureCount+1 >= s.cfg.MaxPackageFailures {
		return types.QueueFailed, nil
	}
	return types.QueueNeeded, nil
}

// ReclaimStale walks every delegated item and reclaims work whose assignee
// has gone quiet. Two orthogonal policies apply: the offline path fires
// when the drone's heartbeat is stale past ReclaimOfflineThreshold, and
// the lease path fires earlier when the assignment has outlived its lease
// AND the drone is unresponsive to both heartbeat and SSH probe. A drone
// that is merely slow but still heartbeating keeps its work.
func (s *Scheduler) ReclaimStale(ctx context.Context) (int, error) {
	items, err := s.store.GetDelegatedPackages(ctx, "")
	if err != nil {
		return 0, err
	}
	now := time.Now()
	reclaimed := 0
	for _, item := range items {
		drone, err := s.store.GetDrone(ctx, item.AssignedTo)
		if err != nil {
			return reclaimed, err
		}
		reason := ""
		switch {
		case drone == nil:
			reason = "assignee no longer registered"
		case now.Sub(drone.LastSeen) > s.cfg.ReclaimOfflineThreshold:
			reason = "assignee heartbeat stale"
		case item.AssignedAt != nil && now.Sub(*item.AssignedAt) > s.cfg.ReclaimLease:
			if now.Sub(drone.LastSeen) <= s.cfg.ReclaimLease {
				continue // still heartbeating: lease alone never reclaims
			}
			h, err := s.store.GetHealth(ctx, drone.ID)
			if err != nil {
				return reclaimed, err
			}
			if h.ConsecutiveProbeFails == 0 {
				continue // probe still answers: not unresponsive
			}
			reason = "lease expired, assignee unresponsive"
		default:
			continue
		}
		if err := s.store.ReclaimPackage(ctx, item.ID); err != nil {
			return reclaimed, err
		}
		reclaimed++
		s.logger.Warn("reclaimed delegated package", "package", item.Package, "drone_id", item.AssignedTo, "reason", reason)
		s.events.Publish(types.EventReclaim, fmt.Sprintf("%s reclaimed from %s", item.Package, item.AssignedTo),
			map[string]any{"reason": reason}, item.AssignedTo, item.Package)
	}
	return reclaimed, nil
}

// Rebalance moves one queued (not actively building) delegated item from
// each overloaded donor to an idle drone. Donors always retain at least
// one item, and an item matching the donor's current task is never taken.
func (s *Scheduler) Rebalance(ctx context.Context) (int, error) {
	drones, err := s.store.ListDrones(ctx, s.cfg.OnlineThreshold.Seconds())
	if err != nil {
		return 0, err
	}

	var idle []types.Drone
	type donor struct {
		drone types.Drone
		items []types.QueueItem
	}
	var donors []donor
	for _, d := range drones {
		if !d.Online || d.Paused {
			continue
		}
		if grounded, err := s.health.IsGrounded(ctx, d.ID); err != nil || grounded {
			continue
		}
		held, err := s.store.GetDelegatedPackages(ctx, d.ID)
		if err != nil {
			return 0, err
		}
		switch {
		case len(held) == 0:
			idle = append(idle, d)
		case len(held) > 1:
			donors = append(donors, donor{drone: d, items: held})
		}
	}

	moved := 0
	for _, dn := range donors {
		if len(idle) == 0 {
			break
		}
		remaining := len(dn.items)
		for _, item := range dn.items {
			if len(idle) == 0 || remaining <= 1 {
				break
			}
			if item.Package == dn.drone.CurrentTask {
				continue // donor is actively building it
			}
			thief := idle[0]
			failed, err := s.store.HasDroneFailedPackage(ctx, thief.ID, item.Package)
			if err != nil {
				return moved, err
			}
			if failed {
				continue
			}
			ok, err := s.store.StealPackage(ctx, item.ID, dn.drone.ID, thief.ID)
			if err != nil {
				return moved, err
			}
			if !ok {
				continue
			}
			idle = idle[1:]
			remaining--
			moved++
			s.events.Publish(types.EventRebalance,
				fmt.Sprintf("%s moved from %s to idle %s", item.Package, dn.drone.Name, thief.Name),
				nil, thief.ID, item.Package)
		}
	}
	return moved, nil
}

// ReturnAllDelegated reverts every delegated item to needed (admin reset
// action).
func (s *Scheduler) ReturnAllDelegated(ctx context.Context) (int, error) {
	items, err := s.store.GetDelegatedPackages(ctx, "")
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if err := s.store.ReclaimPackage(ctx, item.ID); err != nil {
			return 0, err
		}
	}
	if len(items) > 0 {
		s.events.Publish(types.EventControl, fmt.Sprintf("queue reset: %d delegated items returned", len(items)), nil, "", "")
	}
	return len(items), nil
}

// UnblockAll reverts every blocked item to needed (admin unblock action).
func (s *Scheduler) UnblockAll(ctx context.Context) (int, error) {
	n, err := s.store.UnblockAll(ctx)
	if err == nil && n > 0 {
		s.events.Publish(types.EventControl, fmt.Sprintf("%d blocked packages released", n), nil, "", "")
	}
	return n, err
}

// RetryFailures reverts every failed item to needed (admin retry_failures
// action).
func (s *Scheduler) RetryFailures(ctx context.Context) (int, error) {
	n, err := s.store.RetryFailedPackages(ctx)
	if err == nil && n > 0 {
		s.events.Publish(types.EventControl, fmt.Sprintf("%d failed packages requeued", n), nil, "", "")
	}
	return n, err
}

// Start begins the reclaim/rebalance loop.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop signals the loop to stop and waits for the in-flight tick.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)
	s.logger.Info("scheduler loop started", "tick", s.cfg.TickInterval)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.safeTick(ctx) {
				backoff = time.Second
				continue
			}
			// The tick panicked; hold the loop off before retrying, doubling
			// up to a minute.
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
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

func (s *Scheduler) safeTick(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked", "panic", r)
			ok = false
		}
	}()
	if _, err := s.ReclaimStale(ctx); err != nil {
		s.logger.Error("reclaim pass failed", "error", err)
	}
	if _, err := s.Rebalance(ctx); err != nil {
		s.logger.Error("rebalance pass failed", "error", err)
	}
	return true
}
