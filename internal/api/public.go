package api

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/buildswarm/controlplane/pkg/types"
)

// registerRequest is the drone protocol's registration/heartbeat body.
type registerRequest struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	IP           string                  `json:"ip"`
	Type         types.DroneType         `json:"type"`
	Capabilities types.DroneCapabilities `json:"capabilities"`
	Metrics      types.DroneMetrics      `json:"metrics"`
	CurrentTask  string                  `json:"current_task"`
	Version      string                  `json:"version"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	if req.ID == "" || req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "id and name are required", "")
		return
	}
	if req.Type == "" {
		req.Type = types.DroneTypeDrone
	}
	if req.Type != types.DroneTypeDrone && req.Type != types.DroneTypeSweeper {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown drone type %q", req.Type), "use drone or sweeper")
		return
	}

	if err := s.store.UpsertDrone(r.Context(), types.Drone{
		ID:           req.ID,
		Name:         req.Name,
		IP:           req.IP,
		Type:         req.Type,
		Kind:         types.DroneKindUnknown, // only used on first insert; updates keep the admin-set kind
		Capabilities: req.Capabilities,
		Metrics:      req.Metrics,
		CurrentTask:  req.CurrentTask,
		Version:      req.Version,
	}); err != nil {
		s.fail(w, r, err)
		return
	}

	drone, err := s.store.GetDrone(r.Context(), req.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	host, _ := os.Hostname()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":            "registered",
		"orchestrator":      host,
		"orchestrator_port": s.cfg.PublicPort,
		"orchestrator_name": s.cfg.OrchestratorName,
		"paused":            drone != nil && drone.Paused,
	})
}

func (s *Server) handleWork(w http.ResponseWriter, r *http.Request) {
	droneID := r.URL.Query().Get("id")
	if droneID == "" {
		s.writeError(w, http.StatusBadRequest, "id query parameter is required", "")
		return
	}

	res, err := s.sched.RequestWork(r.Context(), droneID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	switch res.Kind {
	case types.AssignAssigned:
		s.writeJSON(w, http.StatusOK, map[string]any{"package": res.Package})
	case types.AssignRejected:
		s.writeJSON(w, http.StatusOK, map[string]any{"package": nil, "reason": res.Reason})
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{"package": nil})
	}
}

// completeRequest is the drone protocol's build-outcome body.
type completeRequest struct {
	ID             string  `json:"id"`
	Package        string  `json:"package"`
	Status         string  `json:"status"`
	BuildDurationS float64 `json:"build_duration_s"`
	ErrorDetail    string  `json:"error_detail"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	if req.ID == "" || req.Package == "" {
		s.writeError(w, http.StatusBadRequest, "id and package are required", "")
		return
	}
	status := types.CompletionStatus(req.Status)
	switch status {
	case types.CompletionSuccess, types.CompletionFailed, types.CompletionReturned:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status),
			"use success, failed, or returned")
		return
	}

	// Stale and already-terminal reports still answer ok: the drone did
	// its part, and punishing a retry with an error only provokes more
	// retries. The drop is logged and an event records the reason.
	if _, err := s.sched.Complete(r.Context(), req.ID, req.Package, status, req.BuildDurationS, req.ErrorDetail); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "package": req.Package})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":   "ok",
		"uptime_s": time.Since(s.startedAt).Seconds(),
	}
	if err := s.store.Ping(r.Context()); err != nil {
		resp["status"] = "degraded"
		resp["store_error"] = err.Error()
	}
	if avg, err := load.Avg(); err == nil {
		resp["load_1m"] = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp["ram_percent"] = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		resp["disk_percent"] = du.UsedPercent
	}
	status := http.StatusOK
	if resp["status"] != "ok" {
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.QueueCounts(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	drones, err := s.store.ListDrones(r.Context(), s.cfg.OnlineThreshold.Seconds())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	online := 0
	for _, d := range drones {
		if d.Online {
			online++
		}
	}
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	active := 0
	for _, sess := range sessions {
		if sess.Status == types.SessionActive {
			active++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"queue": map[string]int{
			"needed":    counts[types.QueueNeeded],
			"delegated": counts[types.QueueDelegated],
			"received":  counts[types.QueueReceived],
			"blocked":   counts[types.QueueBlocked],
			"failed":    counts[types.QueueFailed],
		},
		"queue_paused":    s.sched.Paused(),
		"drones_online":   online,
		"drones_total":    len(drones),
		"active_sessions": active,
	})
}

// nodeView is a drone plus its health record, the shape the dashboard
// renders per row.
type nodeView struct {
	types.Drone
	Health types.HealthRecord `json:"health"`
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	drones, err := s.store.ListDrones(r.Context(), s.cfg.OnlineThreshold.Seconds())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	nodes := []nodeView{}
	for _, d := range drones {
		if !all && !d.Online {
			continue
		}
		h, err := s.store.GetHealth(r.Context(), d.ID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		nodes = append(nodes, nodeView{Drone: d, Health: h})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	since := int64(queryInt(r, "since", 0))
	kind := types.EventKind(r.URL.Query().Get("type"))

	events, lastID := s.bus.Since(since)
	if kind != "" {
		filtered := events[:0]
		for _, e := range events {
			if e.Kind == kind {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []types.Event{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "last_id": lastID})
}

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 200)
	kind := types.EventKind(r.URL.Query().Get("type"))
	droneID := r.URL.Query().Get("drone")
	since := queryFloat(r, "since", 0)

	events, err := s.store.ListEvents(r.Context(), limit, kind, droneID, since)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []types.Event{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	entries, err := s.store.GetBuildHistory(r.Context(), limit,
		r.URL.Query().Get("status"), r.URL.Query().Get("drone"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.BuildHistoryEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []types.Session{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
