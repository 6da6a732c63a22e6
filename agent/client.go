package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/morpheuslord/Startup-SBOM/coordinator/ingest"
	"github.com/morpheuslord/Startup-SBOM/coordinator/registry"
)

// PendingScan mirrors the coordinator's pending-scan listing.
type PendingScan struct {
	ScanID     string `json:"scan_id"`
	ScanType   string `json:"scan_type"`
	TargetPath string `json:"target_path,omitempty"`
}

// Client talks to the coordinator API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Register announces the agent to the coordinator. Registration is an
// upsert, so calling it on every startup is safe.
func (c *Client) Register(ctx context.Context, cfg *Config) error {
	id := registry.Identity{
		AgentID:   cfg.AgentID,
		Hostname:  cfg.Hostname,
		IPAddress: localIP(),
		OSInfo:    cfg.OSInfo,
	}
	return c.do(ctx, http.MethodPost, "/api/agents/register", id, nil)
}

func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodPost, "/api/agents/"+agentID+"/heartbeat", nil, nil)
}

func (c *Client) PendingScans(ctx context.Context, agentID string) ([]PendingScan, error) {
	var scans []PendingScan
	err := c.do(ctx, http.MethodGet, "/api/agents/"+agentID+"/pending-scans", nil, &scans)
	return scans, err
}

// MarkRunning claims the scan. A 409 means another replica of this agent
// already claimed it.
func (c *Client) MarkRunning(ctx context.Context, scanID string) error {
	rep := ingest.Report{Status: "running"}
	return c.do(ctx, http.MethodPut, "/api/scans/"+scanID+"/results", rep, nil)
}

func (c *Client) SubmitResult(ctx context.Context, scanID string, rep *ingest.Report) error {
	return c.do(ctx, http.MethodPut, "/api/scans/"+scanID+"/results", rep, nil)
}

// localIP finds the outbound interface address. The dial never actually
// sends packets.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
