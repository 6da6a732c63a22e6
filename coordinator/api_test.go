package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/morpheuslord/Startup-SBOM/coordinator/dispatch"
	"github.com/morpheuslord/Startup-SBOM/coordinator/idempotency"
	"github.com/morpheuslord/Startup-SBOM/coordinator/ingest"
	"github.com/morpheuslord/Startup-SBOM/coordinator/notify"
	"github.com/morpheuslord/Startup-SBOM/coordinator/registry"
	"github.com/morpheuslord/Startup-SBOM/coordinator/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := zap.NewNop().Sugar()
	s := store.NewMemoryStore()
	hub := notify.NewHub(16, log)
	t.Cleanup(hub.Close)

	reg := registry.New(s, 5*time.Minute)
	disp := dispatch.New(s)
	ing := ingest.New(s, hub, log)
	api := NewAPI(reg, disp, ing, s, hub, idempotency.NewMemoryCache(0, 0), 1000, 1000, log)

	mux := http.NewServeMux()
	api.Routes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body interface{}, headers map[string]string) (int, map[string]json.RawMessage) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var out map[string]json.RawMessage
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func jsonString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("unmarshal %q as string: %v", raw, err)
	}
	return s
}

func registerAgent(t *testing.T, srv *httptest.Server, agentID string) {
	t.Helper()
	status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/agents/register", map[string]string{
		"agent_id":   agentID,
		"hostname":   "web-1",
		"ip_address": "10.0.0.5",
		"os_info":    "linux/amd64",
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("register: status %d", status)
	}
}

func triggerScan(t *testing.T, srv *httptest.Server, agentID string) string {
	t.Helper()
	status, body := doJSON(t, http.MethodPost, srv.URL+"/api/scans/trigger", map[string]string{
		"agent_id":  agentID,
		"scan_type": "full",
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("trigger: status %d", status)
	}
	return jsonString(t, body["scan_id"])
}

func TestScanLifecycle(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "a1")

	scanID := triggerScan(t, srv, "a1")

	// Agent polls and sees the scan
	resp, err := http.Get(srv.URL + "/api/agents/a1/pending-scans")
	if err != nil {
		t.Fatal(err)
	}
	var pending []map[string]string
	json.NewDecoder(resp.Body).Decode(&pending)
	resp.Body.Close()
	if len(pending) != 1 || pending[0]["scan_id"] != scanID {
		t.Fatalf("pending = %+v, want [%s]", pending, scanID)
	}

	// Claim
	status, _ := doJSON(t, http.MethodPut, srv.URL+"/api/scans/"+scanID+"/results",
		map[string]string{"status": "running"}, nil)
	if status != http.StatusOK {
		t.Fatalf("claim: status %d", status)
	}

	// Duplicate claim conflicts
	status, _ = doJSON(t, http.MethodPut, srv.URL+"/api/scans/"+scanID+"/results",
		map[string]string{"status": "running"}, nil)
	if status != http.StatusConflict {
		t.Fatalf("second claim: status %d, want 409", status)
	}

	// Upload results
	report := map[string]interface{}{
		"status": "completed",
		"data": map[string]interface{}{
			"packages": []map[string]string{
				{"name": "openssl", "version": "3.0.1", "package_manager": "apt"},
			},
			"vulnerabilities": []map[string]interface{}{
				{"cve_id": "CVE-2026-1000", "severity": "low", "package_name": "openssl"},
				{"cve_id": "CVE-2026-1001", "severity": "critical", "package_name": "openssl", "cvss_score": 9.8},
			},
		},
	}
	status, _ = doJSON(t, http.MethodPut, srv.URL+"/api/scans/"+scanID+"/results", report, nil)
	if status != http.StatusOK {
		t.Fatalf("upload: status %d", status)
	}

	// Retrying the identical upload is accepted
	status, _ = doJSON(t, http.MethodPut, srv.URL+"/api/scans/"+scanID+"/results", report, nil)
	if status != http.StatusOK {
		t.Fatalf("retry upload: status %d, want 200", status)
	}

	// A contradicting terminal status is rejected
	status, _ = doJSON(t, http.MethodPut, srv.URL+"/api/scans/"+scanID+"/results",
		map[string]string{"status": "failed"}, nil)
	if status != http.StatusConflict {
		t.Fatalf("conflicting upload: status %d, want 409", status)
	}

	// Detail view
	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/scans/"+scanID, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("detail: status %d", status)
	}
	if got := jsonString(t, body["status"]); got != "completed" {
		t.Errorf("detail status = %q", got)
	}
	if got := jsonString(t, body["hostname"]); got != "web-1" {
		t.Errorf("hostname = %q, want web-1", got)
	}

	var stats scanStats
	if err := json.Unmarshal(body["stats"], &stats); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PackageCount != 1 || stats.VulnerabilityCount != 2 {
		t.Errorf("counts = %+v", stats)
	}
	if stats.CriticalCount != 1 || stats.LowCount != 1 {
		t.Errorf("severity counts = %+v", stats)
	}

	// Vulnerabilities come back severity-ordered, normalized to upper case
	var vulns []struct {
		CVEID    string `json:"cve_id"`
		Severity string `json:"severity"`
	}
	if err := json.Unmarshal(body["vulnerabilities"], &vulns); err != nil {
		t.Fatalf("vulnerabilities: %v", err)
	}
	if vulns[0].CVEID != "CVE-2026-1001" || vulns[0].Severity != "CRITICAL" {
		t.Errorf("vulns[0] = %+v, want the critical first", vulns[0])
	}
}

func TestTriggerValidation(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "a1")

	status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/scans/trigger",
		map[string]string{"agent_id": "ghost", "scan_type": "full"}, nil)
	if status != http.StatusNotFound {
		t.Errorf("trigger for ghost agent: status %d, want 404", status)
	}

	status, _ = doJSON(t, http.MethodPost, srv.URL+"/api/scans/trigger",
		map[string]string{"agent_id": "a1"}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("trigger without scan_type: status %d, want 400", status)
	}
}

func TestTriggerIdempotencyKey(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "a1")

	headers := map[string]string{"X-Idempotency-Key": "req-42"}
	body := map[string]string{"agent_id": "a1", "scan_type": "full"}

	status, first := doJSON(t, http.MethodPost, srv.URL+"/api/scans/trigger", body, headers)
	if status != http.StatusOK {
		t.Fatalf("trigger: status %d", status)
	}
	_, second := doJSON(t, http.MethodPost, srv.URL+"/api/scans/trigger", body, headers)

	if jsonString(t, first["scan_id"]) != jsonString(t, second["scan_id"]) {
		t.Errorf("retried trigger created a new scan: %s vs %s", first["scan_id"], second["scan_id"])
	}

	// Only one scan exists
	resp, err := http.Get(srv.URL + "/api/scans")
	if err != nil {
		t.Fatal(err)
	}
	var scans []json.RawMessage
	json.NewDecoder(resp.Body).Decode(&scans)
	resp.Body.Close()
	if len(scans) != 1 {
		t.Errorf("len(scans) = %d, want 1", len(scans))
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	srv := newTestServer(t)

	status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/agents/ghost/heartbeat", nil, nil)
	if status != http.StatusNotFound {
		t.Errorf("heartbeat for ghost: status %d, want 404", status)
	}
}

func TestDeleteAgentKeepsScans(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "a1")
	scanID := triggerScan(t, srv, "a1")

	status, _ := doJSON(t, http.MethodDelete, srv.URL+"/api/agents/a1", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("delete: status %d", status)
	}
	status, _ = doJSON(t, http.MethodGet, srv.URL+"/api/agents/a1", nil, nil)
	if status != http.StatusNotFound {
		t.Errorf("get deleted agent: status %d, want 404", status)
	}

	// The scan survives without its agent; detail omits the hostname
	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/scans/"+scanID, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("detail after delete: status %d", status)
	}
	if _, ok := body["hostname"]; ok {
		t.Errorf("detail still carries hostname after agent deletion")
	}
}

func TestListScansFilters(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "a1")
	registerAgent(t, srv, "a2")
	triggerScan(t, srv, "a1")
	triggerScan(t, srv, "a2")

	resp, err := http.Get(srv.URL + "/api/scans?agent_id=a2")
	if err != nil {
		t.Fatal(err)
	}
	var scans []struct {
		AgentID string `json:"agent_id"`
	}
	json.NewDecoder(resp.Body).Decode(&scans)
	resp.Body.Close()
	if len(scans) != 1 || scans[0].AgentID != "a2" {
		t.Errorf("filtered scans = %+v, want one for a2", scans)
	}

	status, _ := doJSON(t, http.MethodGet, srv.URL+"/api/scans?limit=bogus", nil, nil)
	if status != http.StatusBadRequest {
		t.Errorf("bad limit: status %d, want 400", status)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "a1")
	triggerScan(t, srv, "a1")

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/stats", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("stats: status %d", status)
	}

	var total int
	json.Unmarshal(body["total_agents"], &total)
	if total != 1 {
		t.Errorf("total_agents = %d, want 1", total)
	}
	var byStatus map[string]int
	json.Unmarshal(body["scans_by_status"], &byStatus)
	if byStatus["pending"] != 1 {
		t.Errorf("scans_by_status = %v", byStatus)
	}
}

func TestEventStream(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "a1")
	scanID := triggerScan(t, srv, "a1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// Complete the scan while the stream is open
	doJSON(t, http.MethodPut, srv.URL+"/api/scans/"+scanID+"/results",
		map[string]string{"status": "running"}, nil)
	status, _ := doJSON(t, http.MethodPut, srv.URL+"/api/scans/"+scanID+"/results",
		map[string]interface{}{"status": "completed", "data": map[string]interface{}{}}, nil)
	if status != http.StatusOK {
		t.Fatalf("upload: status %d", status)
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev notify.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		if ev.Type != notify.TypeScanUpdate || ev.ScanID != scanID || ev.Status != "completed" {
			t.Errorf("event = %+v", ev)
		}
		return
	}
}

func TestExportCycloneDX(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "a1")
	scanID := triggerScan(t, srv, "a1")

	doJSON(t, http.MethodPut, srv.URL+"/api/scans/"+scanID+"/results",
		map[string]string{"status": "running"}, nil)
	doJSON(t, http.MethodPut, srv.URL+"/api/scans/"+scanID+"/results", map[string]interface{}{
		"status": "completed",
		"data": map[string]interface{}{
			"packages": []map[string]string{
				{"name": "openssl", "version": "3.0.1", "package_manager": "apt"},
			},
			"vulnerabilities": []map[string]interface{}{
				{"cve_id": "CVE-2026-1001", "severity": "CRITICAL", "package_name": "openssl", "cvss_score": 9.8},
			},
		},
	}, nil)

	resp, err := http.Get(srv.URL + "/api/scans/" + scanID + "/export")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export: status %d", resp.StatusCode)
	}

	var bom struct {
		BOMFormat  string `json:"bomFormat"`
		Components []struct {
			Name    string `json:"name"`
			Version string `json:"version"`
			PURL    string `json:"purl"`
		} `json:"components"`
		Vulnerabilities []struct {
			ID string `json:"id"`
		} `json:"vulnerabilities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&bom); err != nil {
		t.Fatalf("decode bom: %v", err)
	}
	if bom.BOMFormat != "CycloneDX" {
		t.Errorf("bomFormat = %q", bom.BOMFormat)
	}
	if len(bom.Components) != 1 || bom.Components[0].Name != "openssl" {
		t.Errorf("components = %+v", bom.Components)
	}
	if !strings.HasPrefix(bom.Components[0].PURL, "pkg:deb/openssl@3.0.1") {
		t.Errorf("purl = %q", bom.Components[0].PURL)
	}
	if len(bom.Vulnerabilities) != 1 || bom.Vulnerabilities[0].ID != "CVE-2026-1001" {
		t.Errorf("vulnerabilities = %+v", bom.Vulnerabilities)
	}

	status, _ := doJSON(t, http.MethodGet, srv.URL+"/api/scans/"+scanID+"/export?format=pdf", nil, nil)
	if status != http.StatusBadRequest {
		t.Errorf("bad format: status %d, want 400", status)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("health: status %d", status)
	}
	if got := jsonString(t, body["status"]); got != "healthy" {
		t.Errorf("status = %q", got)
	}
}
