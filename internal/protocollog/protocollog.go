// Package protocollog captures every HTTP exchange the control plane
// serves into a classification-tagged, body-capped record, queued and
// drained to storage by a background writer so the hot path never blocks
// on a disk write.
package protocollog

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/buildswarm/controlplane/pkg/types"
)

// Persister is the subset of Store the logger needs.
type Persister interface {
	AppendProtocolEntry(ctx context.Context, e types.ProtocolEntry) error
}

var classifyTable = map[[2]string]string{
	{"GET", "/api/v1/work"}:              "work_request",
	{"POST", "/api/v1/register"}:         "register",
	{"POST", "/api/v1/complete"}:         "complete",
	{"GET", "/api/v1/orchestrator"}:      "discovery",
	{"GET", "/api/v1/status"}:            "status_query",
	{"GET", "/api/v1/events"}:            "events_query",
	{"POST", "/api/v1/queue"}:            "queue",
	{"POST", "/api/v1/control"}:          "control",
	{"GET", "/api/v1/nodes"}:             "node_list",
	{"GET", "/api/v1/history"}:           "history_query",
	{"GET", "/api/v1/sessions"}:          "session_query",
	{"GET", "/api/v1/health"}:            "health_check",
	{"GET", "/api/v1/versions"}:          "version_query",
	{"GET", "/api/v1/protocol"}:          "protocol_query",
	{"GET", "/api/v1/protocol/stats"}:    "protocol_query",
	{"GET", "/api/v1/protocol/density"}:  "protocol_query",
	{"GET", "/api/v1/protocol/snapshot"}: "protocol_query",
	{"GET", "/api/v1/releases"}:          "release_query",
	{"POST", "/api/v1/releases"}:         "release",
	{"GET", "/api/v1/payloads"}:          "payload_query",
	{"POST", "/api/v1/payloads"}:         "payload",
}

var dynamicPatterns = []struct {
	pattern *regexp.Regexp
	method  string
	kind    string
}{
	{regexp.MustCompile(`^/api/v1/nodes/[^/]+/pause$`), "POST", "node_pause"},
	{regexp.MustCompile(`^/api/v1/nodes/[^/]+/resume$`), "POST", "node_resume"},
	{regexp.MustCompile(`^/api/v1/nodes/[^/]+$`), "DELETE", "node_delete"},
	{regexp.MustCompile(`^/api/v1/releases/[^/]+/promote$`), "POST", "release"},
	{regexp.MustCompile(`^/api/v1/releases/[^/]+/rollback$`), "POST", "release"},
	{regexp.MustCompile(`^/api/v1/nodes/[^/]+/ping$`), "POST", "node_ping"},
	{regexp.MustCompile(`^/api/v1/nodes/[^/]+/reset-escalation$`), "POST", "node_control"},
	{regexp.MustCompile(`^/api/v1/nodes/[^/]+/set-type$`), "POST", "node_control"},
	{regexp.MustCompile(`^/admin/api/payloads.*$`), "POST", "admin_deploy"},
	{regexp.MustCompile(`^/admin/api/payloads.*$`), "GET", "payload_query"},
	{regexp.MustCompile(`^/admin/api/logs/.*$`), "GET", "admin_logs"},
	{regexp.MustCompile(`^/admin/api/drones/[^/]+/.*$`), "GET", "admin_logs"},
	{regexp.MustCompile(`^/api/v1/sql/.*$`), "GET", "sql_query"},
	{regexp.MustCompile(`^/api/v1/ping(/all)?$`), "GET", "node_ping"},
	{regexp.MustCompile(`^/api/v1/escalation$`), "GET", "health_check"},
	{regexp.MustCompile(`^/api/v1/releases/.*$`), "GET", "release_query"},
	{regexp.MustCompile(`^/api/v1/releases/.*$`), "POST", "release"},
	{regexp.MustCompile(`^/api/v1/releases/[^/]+$`), "DELETE", "release"},
}

// Classify assigns a symbolic message type to a request, used both for the
// stored classification field and to decide whether to skip self-logging.
func Classify(method, path string) string {
	clean := strings.TrimSuffix(strings.SplitN(path, "?", 2)[0], "/")
	if kind, ok := classifyTable[[2]string{method, clean}]; ok {
		return kind
	}
	for _, dp := range dynamicPatterns {
		if method == dp.method && dp.pattern.MatchString(clean) {
			return dp.kind
		}
	}
	return "unknown"
}

// Config controls queue depth, flush cadence, and body capture size.
type Config struct {
	QueueSize     int
	FlushInterval time.Duration
	BodyCap       int
}

// entry is the raw capture before it's classified and persisted.
type entry struct {
	sourceAddr, method, rawPath, path string
	requestBody, responseBody         string
	statusCode                        int
	latencyMs                         float64
	timestamp                         time.Time
}

// Logger is the write-behind protocol recorder. Safe for concurrent use.
type Logger struct {
	queue  chan entry
	store  Persister
	logger *slog.Logger
	cfg    Config
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Logger. The writer goroutine is started by Start.
func New(store Persister, cfg Config, logger *slog.Logger) *Logger {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 5000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.BodyCap <= 0 {
		cfg.BodyCap = 8 * 1024
	}
	return &Logger{
		queue:  make(chan entry, cfg.QueueSize),
		store:  store,
		logger: logger.With("component", "protocollog"),
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Record queues one completed HTTP exchange, non-blocking: a full queue
// drops the entry rather than stalling the request path. Protocol-query
// requests are never logged, to avoid the recorder recursively capturing
// reads of its own output.
func (l *Logger) Record(sourceAddr, method, path string, requestBody, responseBody string, statusCode int, latencyMs float64) {
	if Classify(method, path) == "protocol_query" {
		return
	}
	e := entry{
		sourceAddr:   sourceAddr,
		method:       method,
		rawPath:      path,
		path:         strings.SplitN(path, "?", 2)[0],
		requestBody:  truncate(requestBody, l.cfg.BodyCap),
		responseBody: truncate(responseBody, l.cfg.BodyCap),
		statusCode:   statusCode,
		latencyMs:    latencyMs,
		timestamp:    time.Now(),
	}
	select {
	case l.queue <- e:
	default:
		l.logger.Warn("protocol log queue full, dropping entry", "method", method, "path", e.path)
	}
}

// truncationMarker is appended to a body cut at the cap.
const truncationMarker = "...[truncated]"

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + truncationMarker
}

// Start begins the background drain-and-persist loop.
func (l *Logger) Start(ctx context.Context) {
	go l.run(ctx)
}

// Stop signals the loop to stop after draining whatever is currently
// queued.
func (l *Logger) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

func (l *Logger) run(ctx context.Context) {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.drain(context.Background())
			return
		case <-l.stopCh:
			l.drain(context.Background())
			return
		case <-ticker.C:
			l.drain(ctx)
		}
	}
}

func (l *Logger) drain(ctx context.Context) {
	for {
		select {
		case e := <-l.queue:
			pe := types.ProtocolEntry{
				Timestamp:      e.timestamp,
				SourceAddr:     e.sourceAddr,
				Method:         e.method,
				Path:           e.path,
				Classification: Classify(e.method, e.path),
				StatusCode:     e.statusCode,
				LatencyMs:      e.latencyMs,
				RequestBody:    e.requestBody,
				ResponseBody:   e.responseBody,
			}
			extractHints(&pe, e.rawPath)
			if err := l.store.AppendProtocolEntry(ctx, pe); err != nil {
				l.logger.Error("failed to persist protocol entry", "error", err)
			}
		default:
			return
		}
	}
}

// extractHints pulls a drone id query param out of the work-request path
// so filtered queries can search without parsing JSON bodies.
func extractHints(pe *types.ProtocolEntry, path string) {
	if pe.Classification != "work_request" {
		return
	}
	u, err := url.Parse(path)
	if err != nil {
		return
	}
	pe.DroneHint = u.Query().Get("id")
}
