package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/buildswarm/controlplane/internal/payload"
	"github.com/buildswarm/controlplane/internal/release"
	"github.com/buildswarm/controlplane/internal/sshprobe"
	"github.com/buildswarm/controlplane/pkg/types"
)

// queueRequest is the admin work-submission body.
type queueRequest struct {
	Packages    []string `json:"packages"`
	SessionName string   `json:"session_name"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	if len(req.Packages) == 0 {
		s.writeError(w, http.StatusBadRequest, "packages must be non-empty", "")
		return
	}

	var sessionID int64
	if req.SessionName != "" {
		id, err := s.store.CreateSession(r.Context(), req.SessionName, len(req.Packages))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		sessionID = id
	}
	inserted, err := s.store.QueuePackages(r.Context(), req.Packages, sessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sessionID != 0 {
		if err := s.store.RecomputeSessionTotals(r.Context(), sessionID); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	s.bus.Publish(types.EventControl,
		fmt.Sprintf("%d packages queued (session %q)", inserted, req.SessionName), nil, "", "")
	s.writeJSON(w, http.StatusOK, map[string]any{"queued": inserted, "session_id": sessionID})
}

type controlRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}

	resp := map[string]any{"action": req.Action, "status": "ok"}
	var err error
	switch req.Action {
	case "pause":
		err = s.sched.SetPaused(r.Context(), true)
	case "resume":
		err = s.sched.SetPaused(r.Context(), false)
	case "unblock":
		resp["released"], err = s.sched.UnblockAll(r.Context())
	case "unground":
		err = s.health.UngroundAll(r.Context())
	case "reset":
		resp["returned"], err = s.sched.ReturnAllDelegated(r.Context())
	case "rebalance":
		resp["moved"], err = s.sched.Rebalance(r.Context())
	case "clear_failures":
		err = s.store.ResetDroneHealth(r.Context(), "")
	case "retry_failures":
		resp["requeued"], err = s.sched.RetryFailures(r.Context())
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action),
			"use pause, resume, unblock, unground, reset, rebalance, clear_failures, or retry_failures")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// droneByName resolves a path {name} to a drone, writing the 404 itself
// when absent.
func (s *Server) droneByName(w http.ResponseWriter, r *http.Request) *types.Drone {
	name := r.PathValue("name")
	drone, err := s.store.GetDroneByName(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return nil
	}
	if drone == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("drone %q not found", name), "")
		return nil
	}
	return drone
}

func (s *Server) handleNodePause(w http.ResponseWriter, r *http.Request) {
	s.setNodePaused(w, r, true)
}

func (s *Server) handleNodeResume(w http.ResponseWriter, r *http.Request) {
	s.setNodePaused(w, r, false)
}

func (s *Server) setNodePaused(w http.ResponseWriter, r *http.Request, paused bool) {
	drone := s.droneByName(w, r)
	if drone == nil {
		return
	}
	if err := s.store.SetDronePaused(r.Context(), drone.ID, paused); err != nil {
		s.fail(w, r, err)
		return
	}
	verb := "resumed"
	if paused {
		verb = "paused"
	}
	s.bus.Publish(types.EventControl, fmt.Sprintf("drone %s %s", drone.Name, verb), nil, drone.ID, "")
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "drone": drone.Name, "paused": paused})
}

func (s *Server) handleNodePing(w http.ResponseWriter, r *http.Request) {
	drone := s.droneByName(w, r)
	if drone == nil {
		return
	}
	s.pingDrone(w, r, *drone)
}

func (s *Server) pingDrone(w http.ResponseWriter, r *http.Request, drone types.Drone) {
	latency, err := s.selfheal.PingDrone(r.Context(), drone)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"drone": drone.Name, "reachable": false, "error": err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"drone": drone.Name, "reachable": true,
		"round_trip_ms": float64(latency.Microseconds()) / 1000.0,
	})
}

func (s *Server) handleNodeResetEscalation(w http.ResponseWriter, r *http.Request) {
	drone := s.droneByName(w, r)
	if drone == nil {
		return
	}
	if err := s.selfheal.ResetEscalation(r.Context(), drone.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.bus.Publish(types.EventControl, fmt.Sprintf("escalation reset for %s", drone.Name), nil, drone.ID, "")
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "drone": drone.Name})
}

type setTypeRequest struct {
	DroneType string `json:"drone_type"`
}

func (s *Server) handleNodeSetType(w http.ResponseWriter, r *http.Request) {
	drone := s.droneByName(w, r)
	if drone == nil {
		return
	}
	var req setTypeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	kind := types.DroneKind(req.DroneType)
	switch kind {
	case types.DroneKindContainer, types.DroneKindVM, types.DroneKindBareMetal, types.DroneKindUnknown:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown drone type %q", req.DroneType),
			"use container, vm, bare-metal, or unknown")
		return
	}
	// An in-flight self-heal action runs to completion; the new kind only
	// affects evaluations after this write.
	if err := s.store.SetDroneKind(r.Context(), drone.ID, kind); err != nil {
		s.fail(w, r, err)
		return
	}
	s.bus.Publish(types.EventControl, fmt.Sprintf("drone %s kind set to %s", drone.Name, kind), nil, drone.ID, "")
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "drone": drone.Name, "kind": kind})
}

func (s *Server) handleNodeDelete(w http.ResponseWriter, r *http.Request) {
	drone := s.droneByName(w, r)
	if drone == nil {
		return
	}
	if err := s.store.DeleteDrone(r.Context(), drone.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.bus.Publish(types.EventControl, fmt.Sprintf("drone %s deleted", drone.Name), nil, drone.ID, "")
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "drone": drone.Name})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "name query parameter is required", "")
		return
	}
	drone, err := s.store.GetDroneByName(r.Context(), name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if drone == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("drone %q not found", name), "")
		return
	}
	s.pingDrone(w, r, *drone)
}

func (s *Server) handlePingAll(w http.ResponseWriter, r *http.Request) {
	drones, err := s.store.ListDrones(r.Context(), s.cfg.OnlineThreshold.Seconds())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	results := map[string]any{}
	for _, d := range drones {
		latency, err := s.selfheal.PingDrone(r.Context(), d)
		if err != nil {
			results[d.Name] = map[string]any{"reachable": false, "error": err.Error()}
			continue
		}
		results[d.Name] = map[string]any{
			"reachable":     true,
			"round_trip_ms": float64(latency.Microseconds()) / 1000.0,
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleEscalation(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListHealthRecords(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	escalated := []types.HealthRecord{}
	for _, h := range records {
		if h.EscalationLevel > 0 {
			escalated = append(escalated, h)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"escalated": escalated})
}

// ----- payloads -----

func (s *Server) handlePayloadList(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	for _, kind := range s.payloads.Kinds() {
		versions, err := s.payloads.Versions(r.Context(), kind)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if versions == nil {
			versions = []types.PayloadVersion{}
		}
		out[kind] = versions
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"payloads": out})
}

type payloadRegisterRequest struct {
	Kind        string `json:"kind"`
	Version     string `json:"version"`
	Content     string `json:"content"` // base64
	Description string `json:"description"`
}

func (s *Server) handlePayloadRegister(w http.ResponseWriter, r *http.Request) {
	var req payloadRegisterRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "content must be base64", err.Error())
		return
	}
	pv, err := s.payloads.Register(r.Context(), req.Kind, req.Version, content, req.Description)
	if err != nil {
		switch {
		case errors.Is(err, payload.ErrDuplicateVersion):
			s.writeError(w, http.StatusConflict, err.Error(), "")
		case errors.Is(err, payload.ErrUnknownKind):
			s.writeError(w, http.StatusBadRequest, err.Error(), "")
		default:
			s.fail(w, r, err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, pv)
}

func (s *Server) handlePayloadStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.payloads.Status(r.Context(), s.cfg.OnlineThreshold.Seconds())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (s *Server) handlePayloadVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.payloads.Versions(r.Context(), r.PathValue("kind"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if versions == nil {
		versions = []types.PayloadVersion{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handlePayloadHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.store.DeployHistory(r.Context(), r.PathValue("kind"), queryInt(r, "limit", 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if history == nil {
		history = []types.DeployLog{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

type payloadDeployRequest struct {
	Drone      string `json:"drone"`
	Verify     bool   `json:"verify"`
	DeployedBy string `json:"deployed_by"`
}

func (s *Server) handlePayloadDeploy(w http.ResponseWriter, r *http.Request) {
	var req payloadDeployRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	if req.Drone == "" {
		s.writeError(w, http.StatusBadRequest, "drone is required", "")
		return
	}
	res, err := s.deployer.Deploy(r.Context(), r.PathValue("kind"), r.PathValue("version"), req.Drone, req.Verify)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error(), "")
		return
	}
	// A failed deploy is still a 200: the operation ran, the outcome is in
	// the body and the deploy log.
	s.writeJSON(w, http.StatusOK, res)
}

type rollingDeployRequest struct {
	Drones         []string `json:"drones"`
	HealthCheck    bool     `json:"health_check"`
	RollbackOnFail bool     `json:"rollback_on_fail"`
}

func (s *Server) handlePayloadRollingDeploy(w http.ResponseWriter, r *http.Request) {
	var req rollingDeployRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	res, err := s.deployer.RollingDeploy(r.Context(), r.PathValue("kind"), r.PathValue("version"), payload.RollingOptions{
		Drones:         req.Drones,
		HealthCheck:    req.HealthCheck,
		RollbackOnFail: req.RollbackOnFail,
	})
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error(), "")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type payloadVerifyRequest struct {
	Drone string `json:"drone"`
}

func (s *Server) handlePayloadVerify(w http.ResponseWriter, r *http.Request) {
	var req payloadVerifyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	res, err := s.deployer.Verify(r.Context(), r.PathValue("kind"), req.Drone)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error(), "")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// ----- releases -----

func (s *Server) releaseError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, release.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, release.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error(), "")
	default:
		s.fail(w, r, err)
	}
}

func (s *Server) handleReleaseList(w http.ResponseWriter, r *http.Request) {
	releases, err := s.store.ListReleases(r.Context(), types.ReleaseStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if releases == nil {
		releases = []types.Release{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"releases": releases})
}

type releaseCreateRequest struct {
	Version  string                  `json:"version"`
	Name     string                  `json:"name"`
	Packages []release.ManifestEntry `json:"packages"`
}

func (s *Server) handleReleaseCreate(w http.ResponseWriter, r *http.Request) {
	var req releaseCreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	rel, err := s.releases.Create(r.Context(), req.Version, req.Name, req.Packages)
	if err != nil {
		s.releaseError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleReleaseGet(w http.ResponseWriter, r *http.Request) {
	rel, err := s.store.GetRelease(r.Context(), r.PathValue("version"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rel == nil {
		s.writeError(w, http.StatusNotFound, "release not found", "")
		return
	}
	s.writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleReleaseDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.releases.Delete(r.Context(), r.PathValue("version")); err != nil {
		s.releaseError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReleasePromote(w http.ResponseWriter, r *http.Request) {
	if err := s.releases.Promote(r.Context(), r.PathValue("version")); err != nil {
		s.releaseError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReleaseArchive(w http.ResponseWriter, r *http.Request) {
	if err := s.releases.Archive(r.Context(), r.PathValue("version")); err != nil {
		s.releaseError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type rollbackRequest struct {
	Version string `json:"version"`
}

func (s *Server) handleReleaseRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	if req.Version == "" {
		s.writeError(w, http.StatusBadRequest, "version is required", "")
		return
	}
	if err := s.releases.Rollback(r.Context(), req.Version); err != nil {
		s.releaseError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "active": req.Version})
}

func (s *Server) handleReleaseDiff(w http.ResponseWriter, r *http.Request) {
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" || to == "" {
		s.writeError(w, http.StatusBadRequest, "from and to are required", "")
		return
	}
	diff, err := s.releases.Diff(r.Context(), from, to)
	if err != nil {
		s.releaseError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, diff)
}

func (s *Server) handleReleasePackages(w http.ResponseWriter, r *http.Request) {
	manifest, err := s.releases.Manifest(r.Context(), r.PathValue("version"))
	if err != nil {
		s.releaseError(w, r, err)
		return
	}
	if manifest == nil {
		manifest = []release.ManifestEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"packages": manifest})
}

// ----- logs, density, replay, audit -----

func (s *Server) handleControlPlaneLog(w http.ResponseWriter, r *http.Request) {
	lines := queryInt(r, "lines", 200)
	data, err := os.ReadFile(s.cfg.LogFile)
	if err != nil {
		if os.IsNotExist(err) {
			s.writeJSON(w, http.StatusOK, map[string]any{"lines": []string{}})
			return
		}
		s.fail(w, r, err)
		return
	}
	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lines": all})
}

func (s *Server) handleDroneSyslog(w http.ResponseWriter, r *http.Request) {
	drone := s.droneByName(w, r)
	if drone == nil {
		return
	}
	lines := queryInt(r, "lines", 200)

	dc := types.DroneConfig{}
	if cfg, err := s.store.GetDroneConfig(r.Context(), drone.Name); err == nil && cfg != nil {
		dc = *cfg
	}
	target := sshprobe.ConfigFromDroneConfig(dc, drone.IP, s.cfg.SSHKey, 10*time.Second)
	client, err := sshprobe.Connect(r.Context(), target)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"lines": []string{}, "error": err.Error()})
		return
	}
	defer client.Close()
	out, err := client.Run(r.Context(), fmt.Sprintf("tail -n %d /var/log/syslog 2>/dev/null || tail -n %d /var/log/messages", lines, lines))
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"lines": []string{}, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lines": strings.Split(strings.TrimRight(out, "\n"), "\n")})
}

func (s *Server) handleActivityDensity(w http.ResponseWriter, r *http.Request) {
	now := float64(time.Now().UnixNano()) / 1e9
	start := queryFloat(r, "start", now-3600)
	end := queryFloat(r, "end", now)
	buckets := queryInt(r, "buckets", 60)
	if end <= start || buckets <= 0 {
		s.writeError(w, http.StatusBadRequest, "end must be after start and buckets positive", "")
		return
	}
	density, err := s.store.ActivityDensity(r.Context(), start, end, (end-start)/float64(buckets))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"start": start, "end": end, "density": density})
}

// handleProtocolSnapshot reconstructs what /status and /nodes answered at
// a past instant, straight from the persisted protocol log.
func (s *Server) handleProtocolSnapshot(w http.ResponseWriter, r *http.Request) {
	at := queryFloat(r, "at", 0)
	if at <= 0 {
		s.writeError(w, http.StatusBadRequest, "at (unix seconds) is required", "")
		return
	}
	out := map[string]any{"at": at}
	for name, prefix := range map[string]string{
		"status": "/api/v1/status",
		"nodes":  "/api/v1/nodes",
	} {
		entry, err := s.store.StateAtTime(r.Context(), prefix, at)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if entry != nil {
			out[name] = map[string]any{
				"timestamp": entry.Timestamp,
				"body":      entry.ResponseBody,
			}
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleDroneAudit aggregates one drone's full operational picture for
// triage: live record, admin config, health, and its recent protocol
// traffic.
func (s *Server) handleDroneAudit(w http.ResponseWriter, r *http.Request) {
	drone := s.droneByName(w, r)
	if drone == nil {
		return
	}
	h, err := s.store.GetHealth(r.Context(), drone.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cfg, err := s.store.GetDroneConfig(r.Context(), drone.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if cfg != nil {
		cfg.SSHPassword = "" // never expose credentials in an audit dump
	}
	entries, err := s.store.ListProtocolEntries(r.Context(), 500, "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var traffic []types.ProtocolEntry
	for _, e := range entries {
		if e.DroneHint == drone.ID || strings.Contains(e.RequestBody, drone.ID) {
			traffic = append(traffic, e)
			if len(traffic) >= 50 {
				break
			}
		}
	}
	if traffic == nil {
		traffic = []types.ProtocolEntry{}
	}
	payloads, err := s.store.ListDronePayloads(r.Context(), drone.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if payloads == nil {
		payloads = []types.DronePayload{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"drone":    drone,
		"config":   cfg,
		"health":   h,
		"payloads": payloads,
		"traffic":  traffic,
	})
}

// ----- SQL explorer -----

func (s *Server) handleSQLTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.store.Tables(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func (s *Server) handleSQLSchema(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	if table == "" {
		s.writeError(w, http.StatusBadRequest, "table query parameter is required", "")
		return
	}
	schema, err := s.store.TableSchema(r.Context(), table)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error(), "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"table": table, "schema": schema})
}

func (s *Server) handleSQLQuery(w http.ResponseWriter, r *http.Request) {
	if !s.sqlLimiter.Allow() {
		s.writeError(w, http.StatusTooManyRequests, "query rate limit exceeded", "slow down")
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		s.writeError(w, http.StatusBadRequest, "q query parameter is required", "")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	res, err := s.store.ReadOnlyQuery(ctx, q, 500)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), "only a single SELECT statement is allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
