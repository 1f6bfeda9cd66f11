// Package api is the control plane's HTTP surface, split across two
// listeners:
//
// Public (drone protocol + read-only):
//   - POST /api/v1/register - drone registration and heartbeat
//   - GET  /api/v1/work - pull one package to build
//   - POST /api/v1/complete - report a build outcome
//   - GET  /api/v1/health, /status, /nodes, /events, /events/history,
//     /history, /sessions - read-only fleet state
//
// Admin (shared-secret header required, full control):
//   - POST /api/v1/queue, /api/v1/control - queue management
//   - POST /api/v1/nodes/{name}/... - per-drone control
//   - GET  /api/v1/ping, /ping/all, /escalation - self-healing state
//   - /admin/api/payloads/... - payload registry and deploys
//   - /api/v1/releases/... - release registry
//   - /admin/api/logs/..., /admin/api/drones/{name}/... - log tailing,
//     activity density, protocol replay, drone audit
//   - GET  /api/v1/sql/... - restricted read-only SQL explorer
//
// Write endpoints mounted on the public mux also require the admin
// header; the admin mux requires it for everything.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/buildswarm/controlplane/internal/eventbus"
	"github.com/buildswarm/controlplane/internal/health"
	"github.com/buildswarm/controlplane/internal/payload"
	"github.com/buildswarm/controlplane/internal/protocollog"
	"github.com/buildswarm/controlplane/internal/release"
	"github.com/buildswarm/controlplane/internal/scheduler"
	"github.com/buildswarm/controlplane/internal/selfheal"
	"github.com/buildswarm/controlplane/internal/store"
)

// Config carries the handler-level tunables.
type Config struct {
	AdminKey         string
	OrchestratorName string
	PublicPort       int
	OnlineThreshold  time.Duration
	RequestTimeout   time.Duration
	LogFile          string

	// SSHKey is the provisioning private key used for ad-hoc SSH reads
	// (drone syslog tailing) when a drone has no per-drone credential.
	SSHKey []byte

	// SQLQueriesPerMinute rate-caps the admin SQL explorer.
	SQLQueriesPerMinute float64
}

// Server owns both muxes and every handler dependency. Construct with
// NewServer, then mount Public() and Admin() on their listeners.
type Server struct {
	store    *store.Store
	sched    *scheduler.Scheduler
	health   *health.Monitor
	selfheal *selfheal.Monitor
	bus      *eventbus.Bus
	plog     *protocollog.Logger
	payloads *payload.Registry
	deployer *payload.Deployer
	releases *release.Registry

	cfg        Config
	logger     *slog.Logger
	publicMux  *http.ServeMux
	adminMux   *http.ServeMux
	sqlLimiter *rate.Limiter
	startedAt  time.Time
}

func NewServer(st *store.Store, sched *scheduler.Scheduler, hm *health.Monitor, sh *selfheal.Monitor,
	bus *eventbus.Bus, plog *protocollog.Logger, payloads *payload.Registry, deployer *payload.Deployer,
	releases *release.Registry, cfg Config, logger *slog.Logger) *Server {

	if cfg.OnlineThreshold <= 0 {
		cfg.OnlineThreshold = 2 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.SQLQueriesPerMinute <= 0 {
		cfg.SQLQueriesPerMinute = 30
	}
	s := &Server{
		store:      st,
		sched:      sched,
		health:     hm,
		selfheal:   sh,
		bus:        bus,
		plog:       plog,
		payloads:   payloads,
		deployer:   deployer,
		releases:   releases,
		cfg:        cfg,
		logger:     logger.With("component", "api"),
		publicMux:  http.NewServeMux(),
		adminMux:   http.NewServeMux(),
		sqlLimiter: rate.NewLimiter(rate.Limit(cfg.SQLQueriesPerMinute/60.0), 5),
		startedAt:  time.Now(),
	}
	s.registerPublicRoutes()
	s.registerAdminRoutes()
	return s
}

func (s *Server) registerPublicRoutes() {
	m := s.publicMux

	// Drone protocol.
	m.HandleFunc("POST /api/v1/register", s.handleRegister)
	m.HandleFunc("GET /api/v1/work", s.handleWork)
	m.HandleFunc("POST /api/v1/complete", s.handleComplete)

	// Read-only fleet state.
	m.HandleFunc("GET /api/v1/health", s.handleHealth)
	m.HandleFunc("GET /api/v1/status", s.handleStatus)
	m.HandleFunc("GET /api/v1/nodes", s.handleNodes)
	m.HandleFunc("GET /api/v1/events", s.handleEvents)
	m.HandleFunc("GET /api/v1/events/history", s.handleEventHistory)
	m.HandleFunc("GET /api/v1/history", s.handleHistory)
	m.HandleFunc("GET /api/v1/sessions", s.handleSessions)

	// Writes on the public port still need the admin header.
	m.HandleFunc("POST /api/v1/queue", s.requireAdmin(s.handleQueue))
	m.HandleFunc("POST /api/v1/control", s.requireAdmin(s.handleControl))
}

func (s *Server) registerAdminRoutes() {
	m := s.adminMux

	// The admin port serves the read-only surface too, so operator
	// tooling only needs one base URL.
	m.HandleFunc("GET /api/v1/health", s.handleHealth)
	m.HandleFunc("GET /api/v1/status", s.handleStatus)
	m.HandleFunc("GET /api/v1/nodes", s.handleNodes)
	m.HandleFunc("GET /api/v1/events", s.handleEvents)
	m.HandleFunc("GET /api/v1/events/history", s.handleEventHistory)
	m.HandleFunc("GET /api/v1/history", s.handleHistory)
	m.HandleFunc("GET /api/v1/sessions", s.handleSessions)

	m.HandleFunc("POST /api/v1/queue", s.handleQueue)
	m.HandleFunc("POST /api/v1/control", s.handleControl)

	m.HandleFunc("POST /api/v1/nodes/{name}/pause", s.handleNodePause)
	m.HandleFunc("POST /api/v1/nodes/{name}/resume", s.handleNodeResume)
	m.HandleFunc("POST /api/v1/nodes/{name}/ping", s.handleNodePing)
	m.HandleFunc("POST /api/v1/nodes/{name}/reset-escalation", s.handleNodeResetEscalation)
	m.HandleFunc("POST /api/v1/nodes/{name}/set-type", s.handleNodeSetType)
	m.HandleFunc("DELETE /api/v1/nodes/{name}", s.handleNodeDelete)

	m.HandleFunc("GET /api/v1/ping", s.handlePing)
	m.HandleFunc("GET /api/v1/ping/all", s.handlePingAll)
	m.HandleFunc("GET /api/v1/escalation", s.handleEscalation)

	m.HandleFunc("GET /admin/api/payloads", s.handlePayloadList)
	m.HandleFunc("POST /admin/api/payloads", s.handlePayloadRegister)
	m.HandleFunc("GET /admin/api/payloads/status", s.handlePayloadStatus)
	m.HandleFunc("GET /admin/api/payloads/{kind}/versions", s.handlePayloadVersions)
	m.HandleFunc("GET /admin/api/payloads/{kind}/history", s.handlePayloadHistory)
	m.HandleFunc("POST /admin/api/payloads/{kind}/{version}/deploy", s.handlePayloadDeploy)
	m.HandleFunc("POST /admin/api/payloads/{kind}/{version}/rolling-deploy", s.handlePayloadRollingDeploy)
	m.HandleFunc("POST /admin/api/payloads/{kind}/verify", s.handlePayloadVerify)

	m.HandleFunc("GET /api/v1/releases", s.handleReleaseList)
	m.HandleFunc("POST /api/v1/releases", s.handleReleaseCreate)
	m.HandleFunc("GET /api/v1/releases/{version}", s.handleReleaseGet)
	m.HandleFunc("DELETE /api/v1/releases/{version}", s.handleReleaseDelete)
	m.HandleFunc("POST /api/v1/releases/{version}/promote", s.handleReleasePromote)
	m.HandleFunc("POST /api/v1/releases/{version}/archive", s.handleReleaseArchive)
	m.HandleFunc("POST /api/v1/releases/rollback", s.handleReleaseRollback)
	m.HandleFunc("GET /api/v1/releases/diff", s.handleReleaseDiff)
	m.HandleFunc("GET /api/v1/releases/{version}/packages", s.handleReleasePackages)

	m.HandleFunc("GET /admin/api/logs/control-plane", s.handleControlPlaneLog)
	m.HandleFunc("GET /admin/api/logs/density", s.handleActivityDensity)
	m.HandleFunc("GET /admin/api/logs/snapshot", s.handleProtocolSnapshot)
	m.HandleFunc("GET /admin/api/drones/{name}/syslog", s.handleDroneSyslog)
	m.HandleFunc("GET /admin/api/drones/{name}/audit", s.handleDroneAudit)

	m.HandleFunc("GET /api/v1/sql/tables", s.handleSQLTables)
	m.HandleFunc("GET /api/v1/sql/schema", s.handleSQLSchema)
	m.HandleFunc("GET /api/v1/sql/query", s.handleSQLQuery)
}

// Public returns the public listener's handler chain.
func (s *Server) Public() http.Handler {
	return s.instrument(s.publicMux)
}

// Admin returns the admin listener's handler chain; every route requires
// the shared-secret header.
func (s *Server) Admin() http.Handler {
	return s.instrument(s.adminAuth(s.adminMux))
}

// errorBody is the uniform error response shape.
type errorBody struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg, hint string) {
	s.writeJSON(w, status, errorBody{Error: msg, Hint: hint})
}

// fail maps an internal error onto the response, translating request
// deadline expiry to 504.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, r.Context().Err()) && r.Context().Err() != nil {
		s.writeError(w, http.StatusGatewayTimeout, "request deadline exceeded", "")
		return
	}
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal error", "")
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryFloat(r *http.Request, name string, def float64) float64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
