package store

import (
	"context"
	"time"
)

// Store defines the persistence contract for agents, scans and their result
// sub-records. It abstracts over Postgres (durable) and an in-memory backend
// (single node, tests).
//
// Get methods return (nil, nil) when the record does not exist; mutating
// methods return ErrNotFound. Each method is a single atomic operation:
// CommitResult in particular must write the scan status together with the
// replaced package and vulnerability sets as one unit, so a partial result
// is never observable.
type Store interface {
	// Agent operations
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	// TouchAgent refreshes last_heartbeat. ErrNotFound if never registered.
	TouchAgent(ctx context.Context, agentID string, t time.Time) error
	// DeleteAgent removes the agent row only. Historical scans keep their
	// agent_id and become orphans; they are never cascade-deleted.
	DeleteAgent(ctx context.Context, agentID string) error

	// Scan operations
	CreateScan(ctx context.Context, scan *Scan) error
	GetScan(ctx context.Context, scanID string) (*Scan, error)
	// ListScans returns scans newest-first, honoring the filter.
	ListScans(ctx context.Context, f ScanFilter) ([]*Scan, error)
	// PendingScans returns an agent's pending scans oldest-first (FIFO).
	PendingScans(ctx context.Context, agentID string) ([]*Scan, error)
	// ClaimScan transitions pending -> running. ErrConflict if the scan is
	// not currently pending.
	ClaimScan(ctx context.Context, scanID string, t time.Time) error
	// CommitResult applies a terminal transition and replaces the scan's
	// child sets atomically. Returns (false, nil) when the scan already
	// carries the same terminal status (idempotent retry, nothing written),
	// ErrConflict when it carries a different terminal status or is still
	// pending, and (true, nil) when the commit was applied.
	CommitResult(ctx context.Context, c *ResultCommit) (bool, error)
	// StaleRunning returns running scans whose started_at is older than the
	// cutoff (operational query; the core never times jobs out itself).
	StaleRunning(ctx context.Context, olderThan time.Time) ([]*Scan, error)

	// Result sub-records
	ListPackages(ctx context.Context, scanID string) ([]*Package, error)
	// ListVulnerabilities returns a scan's vulnerabilities ordered by
	// descending severity (CRITICAL first).
	ListVulnerabilities(ctx context.Context, scanID string) ([]*Vulnerability, error)

	// Stats aggregates dashboard counts. activeSince is the heartbeat cutoff
	// for counting an agent as active.
	Stats(ctx context.Context, activeSince time.Time) (*Stats, error)
}
