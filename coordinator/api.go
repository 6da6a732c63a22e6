package main

import (
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/morpheuslord/Startup-SBOM/coordinator/dispatch"
	"github.com/morpheuslord/Startup-SBOM/coordinator/idempotency"
	"github.com/morpheuslord/Startup-SBOM/coordinator/ingest"
	"github.com/morpheuslord/Startup-SBOM/coordinator/notify"
	"github.com/morpheuslord/Startup-SBOM/coordinator/observability"
	"github.com/morpheuslord/Startup-SBOM/coordinator/registry"
	"github.com/morpheuslord/Startup-SBOM/coordinator/store"
)

// API holds the HTTP handlers. All decision logic lives in the registry,
// dispatcher and ingestor; handlers only marshal.
type API struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	ingestor   *ingest.Ingestor
	store      store.Store
	hub        *notify.Hub
	idem       idempotency.Cache
	log        *zap.SugaredLogger

	// Storm protection for heartbeat floods.
	heartbeatLimiter *rate.Limiter
}

// NewAPI wires the HTTP layer.
func NewAPI(reg *registry.Registry, disp *dispatch.Dispatcher, ing *ingest.Ingestor,
	s store.Store, hub *notify.Hub, idem idempotency.Cache,
	hbLimit, hbBurst int, log *zap.SugaredLogger) *API {
	return &API{
		registry:         reg,
		dispatcher:       disp,
		ingestor:         ing,
		store:            s,
		hub:              hub,
		idem:             idem,
		log:              log,
		heartbeatLimiter: rate.NewLimiter(rate.Limit(hbLimit), hbBurst),
	}
}

// Routes registers all endpoints on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", a.handleHealth)

	mux.HandleFunc("/api/agents/register", a.handleRegister)
	mux.HandleFunc("/api/agents", a.handleListAgents)
	mux.HandleFunc("/api/agents/", a.handleAgentSubpath)

	mux.HandleFunc("/api/scans/trigger", a.withIdempotency(a.handleTrigger))
	mux.HandleFunc("/api/scans/stale", a.handleStaleScans)
	mux.HandleFunc("/api/scans", a.handleListScans)
	mux.HandleFunc("/api/scans/", a.handleScanSubpath)

	mux.HandleFunc("/api/stats", a.handleStats)
	mux.HandleFunc("/api/events", a.handleEvents)
	mux.HandleFunc("/api/events/ws", a.handleEventsWS)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// writeServiceError maps domain errors onto HTTP statuses per the error
// taxonomy: NotFound 404, Conflict 409, validation 400, everything else 500.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrInvalidIdentity),
		errors.Is(err, dispatch.ErrMissingScanType),
		errors.Is(err, ingest.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.log.Errorf("request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()
	// Jittered Retry-After so a synchronized fleet does not re-stampede.
	w.Header().Set("Retry-After", strconv.Itoa(1+rand.Intn(2)))
	writeError(w, http.StatusTooManyRequests, "too many requests")
}

// --- health ---

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// --- agents ---

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var id registry.Identity
	if err := json.NewDecoder(r.Body).Decode(&id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agent, err := a.registry.Register(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	observability.AgentsRegistered.Inc()
	a.log.Infof("agent %s registered from %s", agent.AgentID, agent.IPAddress)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "registered",
		"agent_id": agent.AgentID,
	})
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	agents, err := a.registry.List(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// handleAgentSubpath routes /api/agents/{id}[/heartbeat|/pending-scans].
func (a *API) handleAgentSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "agent id is required")
		return
	}
	agentID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		a.handleGetAgent(w, r, agentID)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		a.handleDeleteAgent(w, r, agentID)
	case len(parts) == 2 && parts[1] == "heartbeat" && r.Method == http.MethodPost:
		a.handleHeartbeat(w, r, agentID)
	case len(parts) == 2 && parts[1] == "pending-scans" && r.Method == http.MethodGet:
		a.handlePendingScans(w, r, agentID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	agent, err := a.registry.Get(r.Context(), agentID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (a *API) handleDeleteAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	if err := a.registry.Delete(r.Context(), agentID); err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.log.Infof("agent %s deleted", agentID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "agent_id": agentID})
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request, agentID string) {
	if !a.heartbeatLimiter.Allow() {
		a.writeRateLimitError(w, "heartbeat")
		return
	}

	if err := a.registry.Heartbeat(r.Context(), agentID); err != nil {
		a.writeServiceError(w, err)
		return
	}
	observability.HeartbeatsReceived.Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handlePendingScans(w http.ResponseWriter, r *http.Request, agentID string) {
	scans, err := a.dispatcher.PendingFor(r.Context(), agentID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	type pendingScan struct {
		ScanID     string `json:"scan_id"`
		ScanType   string `json:"scan_type"`
		TargetPath string `json:"target_path,omitempty"`
	}
	out := make([]pendingScan, 0, len(scans))
	for _, sc := range scans {
		out = append(out, pendingScan{ScanID: sc.ScanID, ScanType: sc.ScanType, TargetPath: sc.TargetPath})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- scans ---

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		AgentID    string `json:"agent_id"`
		ScanType   string `json:"scan_type"`
		TargetPath string `json:"target_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	scan, err := a.dispatcher.Trigger(r.Context(), req.AgentID, req.ScanType, req.TargetPath)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	observability.ScansTriggered.Inc()
	a.log.Infof("scan %s queued for agent %s", scan.ScanID, scan.AgentID)
	writeJSON(w, http.StatusOK, map[string]string{
		"scan_id": scan.ScanID,
		"status":  store.ScanPending,
	})
}

func (a *API) handleListScans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	f := store.ScanFilter{
		Status:  r.URL.Query().Get("status"),
		AgentID: r.URL.Query().Get("agent_id"),
		Limit:   50,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	scans, err := a.store.ListScans(r.Context(), f)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scans)
}

func (a *API) handleStaleScans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	age := time.Hour
	if v := r.URL.Query().Get("age"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid age")
			return
		}
		age = d
	}

	scans, err := a.dispatcher.StaleRunning(r.Context(), age)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scans)
}

// handleScanSubpath routes /api/scans/{id}[/results|/export].
func (a *API) handleScanSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/scans/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "scan id is required")
		return
	}
	scanID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		a.handleGetScan(w, r, scanID)
	case len(parts) == 2 && parts[1] == "results" && r.Method == http.MethodPut:
		a.handleScanResults(w, r, scanID)
	case len(parts) == 2 && parts[1] == "export" && r.Method == http.MethodGet:
		a.handleExportScan(w, r, scanID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

type scanStats struct {
	PackageCount       int `json:"package_count"`
	VulnerabilityCount int `json:"vulnerability_count"`
	CriticalCount      int `json:"critical_count"`
	HighCount          int `json:"high_count"`
	MediumCount        int `json:"medium_count"`
	LowCount           int `json:"low_count"`
}

type scanDetail struct {
	*store.Scan
	Hostname        string                 `json:"hostname,omitempty"`
	Packages        []*store.Package       `json:"packages"`
	Vulnerabilities []*store.Vulnerability `json:"vulnerabilities"`
	Stats           scanStats              `json:"stats"`
}

func (a *API) buildScanDetail(r *http.Request, scanID string) (*scanDetail, error) {
	scan, err := a.store.GetScan(r.Context(), scanID)
	if err != nil {
		return nil, err
	}
	if scan == nil {
		return nil, nil
	}

	pkgs, err := a.store.ListPackages(r.Context(), scanID)
	if err != nil {
		return nil, err
	}
	vulns, err := a.store.ListVulnerabilities(r.Context(), scanID)
	if err != nil {
		return nil, err
	}

	detail := &scanDetail{
		Scan:            scan,
		Packages:        pkgs,
		Vulnerabilities: vulns,
		Stats: scanStats{
			PackageCount:       len(pkgs),
			VulnerabilityCount: len(vulns),
		},
	}
	for _, v := range vulns {
		switch v.Severity {
		case "CRITICAL":
			detail.Stats.CriticalCount++
		case "HIGH":
			detail.Stats.HighCount++
		case "MEDIUM":
			detail.Stats.MediumCount++
		case "LOW":
			detail.Stats.LowCount++
		}
	}

	// The owning agent may have been deleted; the scan is still served.
	agent, err := a.store.GetAgent(r.Context(), scan.AgentID)
	if err != nil {
		return nil, err
	}
	if agent != nil {
		detail.Hostname = agent.Hostname
	}
	return detail, nil
}

func (a *API) handleGetScan(w http.ResponseWriter, r *http.Request, scanID string) {
	detail, err := a.buildScanDetail(r, scanID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if detail == nil {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) handleScanResults(w http.ResponseWriter, r *http.Request, scanID string) {
	var rep ingest.Report
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// "running" is the agent's explicit claim; terminal statuses go through
	// the ingestor. The claim is a dispatcher transition, not an ingest.
	var err error
	if rep.Status == store.ScanRunning {
		err = a.dispatcher.MarkRunning(r.Context(), scanID)
	} else {
		err = a.ingestor.Ingest(r.Context(), scanID, &rep)
	}
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "scan_id": scanID})
}

// --- stats ---

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := a.store.Stats(r.Context(), a.registry.ActiveSince())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- idempotency ---

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the cached response for a repeated
// X-Idempotency-Key, so trigger retries do not queue duplicate scans.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idem.Get(r.Context(), key); found {
			for k, vals := range resp.Headers {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.idem.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}
