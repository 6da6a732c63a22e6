// Package dispatch creates scan jobs and hands them to polling agents.
// Delivery is pull-only: agents discover work via PendingFor on their own
// schedule, which keeps them stateless and firewall-friendly.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/morpheuslord/Startup-SBOM/coordinator/store"
)

// ErrMissingScanType is returned when a trigger omits scan_type.
var ErrMissingScanType = errors.New("scan_type is required")

// Dispatcher creates scans in pending state and performs the claim
// transition. It deliberately does not check agent liveness on Trigger: a
// transiently-offline agent picks the work up on reconnect.
type Dispatcher struct {
	store store.Store
	now   func() time.Time
}

// New creates a Dispatcher backed by s.
func New(s store.Store) *Dispatcher {
	return &Dispatcher{store: s, now: time.Now}
}

// Trigger queues a scan for an agent. store.ErrNotFound if the agent was
// never registered; no scan row is created in that case.
func (d *Dispatcher) Trigger(ctx context.Context, agentID, scanType, targetPath string) (*store.Scan, error) {
	if scanType == "" {
		return nil, ErrMissingScanType
	}

	agent, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, store.ErrNotFound
	}

	now := d.now().UTC()
	scan := &store.Scan{
		ScanID:     newScanID(now, agentID),
		AgentID:    agentID,
		ScanType:   scanType,
		TargetPath: targetPath,
		Status:     store.ScanPending,
		CreatedAt:  now,
	}
	if err := d.store.CreateScan(ctx, scan); err != nil {
		return nil, err
	}
	return scan, nil
}

// PendingFor returns the agent's pending scans oldest first. This is the
// sole mechanism by which agents discover work.
func (d *Dispatcher) PendingFor(ctx context.Context, agentID string) ([]*store.Scan, error) {
	return d.store.PendingScans(ctx, agentID)
}

// MarkRunning claims a pending scan. store.ErrConflict if the scan is not
// currently pending, which rejects duplicate same-agent claims; cross-agent
// races cannot occur because a scan is owned by one agent_id by construction.
func (d *Dispatcher) MarkRunning(ctx context.Context, scanID string) error {
	return d.store.ClaimScan(ctx, scanID, d.now().UTC())
}

// StaleRunning lists scans that have been running longer than age. The core
// never fails them automatically; this is the operational surface for
// spotting agents that went away mid-scan.
func (d *Dispatcher) StaleRunning(ctx context.Context, age time.Duration) ([]*store.Scan, error) {
	return d.store.StaleRunning(ctx, d.now().Add(-age))
}

// newScanID builds a human-traceable id embedding creation time and the
// target agent. The uuid suffix keeps ids unique within one second; nothing
// may parse this format.
func newScanID(t time.Time, agentID string) string {
	return fmt.Sprintf("scan_%s_%s_%s", t.Format("20060102_150405"), agentID, uuid.NewString()[:8])
}
