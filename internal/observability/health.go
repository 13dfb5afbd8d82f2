package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/HebbZhu/multi-agent-living-system/internal/dashboard"
	"github.com/HebbZhu/multi-agent-living-system/internal/recorder"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports backend connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LiveRun is a run whose dashboard and recording are served while it executes.
type LiveRun struct {
	TaskID string
	// Dashboard returns the size-bounded dashboard of the current state.
	Dashboard func() dashboard.Dashboard
	Recorder  *recorder.Recorder
}

// HealthServer exposes /healthz (backend connectivity) and /metrics, plus
// /dashboard and /recording for the live runs it was given.
type HealthServer struct {
	addr     string
	pinger   Pinger
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	runs     map[string]LiveRun
	server   *http.Server
	listener net.Listener
}

// NewHealthServer creates a health server. gatherer may be nil to disable /metrics.
func NewHealthServer(addr string, pinger Pinger, gatherer prometheus.Gatherer, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthServer{
		addr:     addr,
		pinger:   pinger,
		gatherer: gatherer,
		logger:   logger,
	}
}

// WithRuns serves the dashboards and recordings of runs. Call it before Start.
func (h *HealthServer) WithRuns(runs ...LiveRun) *HealthServer {
	if h.runs == nil {
		h.runs = make(map[string]LiveRun, len(runs))
	}
	for _, run := range runs {
		h.runs[run.TaskID] = run
	}
	return h
}

// Handler returns the HTTP handler serving every endpoint.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	if len(h.runs) > 0 {
		mux.HandleFunc("/dashboard", h.dashboardHandler)
		mux.HandleFunc("/recording", h.recordingHandler)
	}
	return mux
}

// Start binds the listen address and serves in the background. A bind failure,
// such as an address already in use, is returned.
func (h *HealthServer) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}
	h.listener = ln
	h.server = &http.Server{
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("health server stopped", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address once started, or the configured one.
func (h *HealthServer) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

// Shutdown gracefully shuts down the server.
func (h *HealthServer) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if the backend is reachable, 503 Service Unavailable otherwise.
func (h *HealthServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{Status: "healthy", Backend: "connected"}
	status := http.StatusOK

	if h.pinger != nil {
		if err := h.pinger.Ping(ctx); err != nil {
			response.Status = "unhealthy"
			response.Backend = "disconnected"
			response.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// dashboardHandler handles GET /dashboard[?task=ID][&format=text].
// Without a task it returns the dashboards of every live run keyed by task ID.
func (h *HealthServer) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	selected, ok := h.selectRuns(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, run := range selected {
			fmt.Fprintf(w, "Task: %s\n%s\n", run.TaskID, run.Dashboard().String())
		}
		return
	}

	if r.URL.Query().Get("task") != "" {
		writeJSON(w, selected[0].Dashboard())
		return
	}
	out := make(map[string]dashboard.Dashboard, len(selected))
	for _, run := range selected {
		out[run.TaskID] = run.Dashboard()
	}
	writeJSON(w, out)
}

// recordingHandler handles GET /recording[?task=ID][&format=timeline]. The task
// may be omitted when a single run is live.
func (h *HealthServer) recordingHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	selected, ok := h.selectRuns(w, r)
	if !ok {
		return
	}
	if len(selected) > 1 {
		http.Error(w, "task parameter is required when several runs are live", http.StatusBadRequest)
		return
	}

	rec := selected[0].Recorder
	if r.URL.Query().Get("format") == "timeline" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, line := range rec.Recording().Timeline() {
			io.WriteString(w, line+"\n")
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := rec.WriteJSON(w); err != nil {
		h.logger.Warn("failed to write recording", "task_id", selected[0].TaskID, "error", err)
	}
}

// selectRuns resolves the optional task query parameter, writing a 404 for an
// unknown task. Runs are returned in task ID order.
func (h *HealthServer) selectRuns(w http.ResponseWriter, r *http.Request) ([]LiveRun, bool) {
	if id := r.URL.Query().Get("task"); id != "" {
		run, ok := h.runs[id]
		if !ok {
			http.Error(w, fmt.Sprintf("task %s is not running here", id), http.StatusNotFound)
			return nil, false
		}
		return []LiveRun{run}, true
	}

	ids := make([]string, 0, len(h.runs))
	for id := range h.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]LiveRun, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.runs[id])
	}
	return out, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend,omitempty"`
	Error   string `json:"error,omitempty"`
}
