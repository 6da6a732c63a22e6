package store

import (
	"encoding/json"
	"time"
)

// Agent status values. Status is derived from last_heartbeat at read time;
// the stored column is never authoritative.
const (
	AgentActive   = "active"
	AgentInactive = "inactive"
)

// Scan status values. Transitions are one-directional:
// pending -> running -> completed | failed.
const (
	ScanPending   = "pending"
	ScanRunning   = "running"
	ScanCompleted = "completed"
	ScanFailed    = "failed"
)

// IsTerminal reports whether a scan status accepts no further transitions.
func IsTerminal(status string) bool {
	return status == ScanCompleted || status == ScanFailed
}

// Agent represents a registered scanning node.
type Agent struct {
	AgentID       string     `json:"agent_id" db:"agent_id"`
	Hostname      string     `json:"hostname" db:"hostname"`
	IPAddress     string     `json:"ip_address" db:"ip_address"`
	OSInfo        string     `json:"os_info" db:"os_info"`
	Status        string     `json:"status" db:"status"`
	LastHeartbeat *time.Time `json:"last_heartbeat" db:"last_heartbeat"`
	RegisteredAt  time.Time  `json:"registered_at" db:"registered_at"`
}

// Scan represents one unit of dispatched scanning work owned by one agent.
type Scan struct {
	ScanID       string          `json:"scan_id" db:"scan_id"`
	AgentID      string          `json:"agent_id" db:"agent_id"`
	ScanType     string          `json:"scan_type" db:"scan_type"`
	TargetPath   string          `json:"target_path,omitempty" db:"target_path"`
	Status       string          `json:"status" db:"status"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	Result       json.RawMessage `json:"result,omitempty" db:"result_json"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	StartedAt    *time.Time      `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at" db:"completed_at"`
}

// Package is one installed package reported by a scan.
// A scan's package set is replaced wholesale on every ingest.
type Package struct {
	Name           string            `json:"name" db:"name"`
	Version        string            `json:"version" db:"version"`
	PackageManager string            `json:"package_manager" db:"package_manager"`
	Architecture   string            `json:"architecture" db:"architecture"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// Vulnerability is one known CVE affecting a package reported by a scan.
type Vulnerability struct {
	CVEID          string  `json:"cve_id" db:"cve_id"`
	Severity       string  `json:"severity" db:"severity"`
	PackageName    string  `json:"package_name" db:"package_name"`
	PackageVersion string  `json:"package_version" db:"package_version"`
	Description    string  `json:"description" db:"description"`
	CVSSScore      float64 `json:"cvss_score" db:"cvss_score"`
	FixedVersion   string  `json:"fixed_version" db:"fixed_version"`
}

// SeverityRank orders severities for display: CRITICAL first, unknown last.
func SeverityRank(severity string) int {
	switch severity {
	case "CRITICAL":
		return 1
	case "HIGH":
		return 2
	case "MEDIUM":
		return 3
	case "LOW":
		return 4
	default:
		return 5
	}
}

// ScanFilter narrows ListScans. Zero values mean "no filter".
type ScanFilter struct {
	Status  string
	AgentID string
	Limit   int
}

// ResultCommit is the atomic unit written by the Result Ingestor: the
// terminal status plus the full replacement child sets.
type ResultCommit struct {
	ScanID          string
	Status          string // completed or failed
	ErrorMessage    string
	CompletedAt     time.Time
	Result          json.RawMessage
	Packages        []*Package
	Vulnerabilities []*Vulnerability
}

// Stats is the aggregate dashboard summary.
type Stats struct {
	TotalAgents               int            `json:"total_agents"`
	ActiveAgents              int            `json:"active_agents"`
	TotalScans                int            `json:"total_scans"`
	ScansByStatus             map[string]int `json:"scans_by_status"`
	ScansLast24h              int            `json:"scans_last_24h"`
	TotalVulnerabilities      int            `json:"total_vulnerabilities"`
	VulnerabilitiesBySeverity map[string]int `json:"vulnerabilities_by_severity"`
}
