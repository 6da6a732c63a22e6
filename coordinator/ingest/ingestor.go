// Package ingest validates and durably records reported scan results, then
// notifies observers. Ingestion is the source of truth: notification is
// best-effort and never affects the commit.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/morpheuslord/Startup-SBOM/coordinator/notify"
	"github.com/morpheuslord/Startup-SBOM/coordinator/observability"
	"github.com/morpheuslord/Startup-SBOM/coordinator/store"
)

// ErrInvalidStatus is returned for a report whose status is not terminal.
var ErrInvalidStatus = errors.New("status must be completed or failed")

const maxDescriptionLen = 500

// Report is an agent's result upload for one scan.
type Report struct {
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Data         ReportData `json:"data"`
}

// ReportData carries the structured result sets. Both lists are
// replace-on-ingest: an empty list clears prior partial data.
type ReportData struct {
	Packages        []*store.Package       `json:"packages,omitempty"`
	Vulnerabilities []*store.Vulnerability `json:"vulnerabilities,omitempty"`
}

// Ingestor commits terminal scan results and publishes ScanUpdated events.
type Ingestor struct {
	store    store.Store
	hub      *notify.Hub
	external []notify.Publisher
	log      *zap.SugaredLogger
	now      func() time.Time
}

// New creates an Ingestor. external publishers (e.g. the Redis relay) are
// optional; events to them are best-effort.
func New(s store.Store, hub *notify.Hub, log *zap.SugaredLogger, external ...notify.Publisher) *Ingestor {
	return &Ingestor{store: s, hub: hub, external: external, log: log, now: time.Now}
}

// Ingest applies a terminal transition for scanID within one atomic store
// operation: status, completed_at, error_message and the replaced package
// and vulnerability sets all land together or not at all.
//
// Re-reporting an already-matching terminal status is a no-op success so
// agents can retry uploads after a network blip; a contradicting terminal
// re-report is store.ErrConflict and changes nothing.
func (i *Ingestor) Ingest(ctx context.Context, scanID string, rep *Report) error {
	if !store.IsTerminal(rep.Status) {
		return ErrInvalidStatus
	}

	normalize(&rep.Data)

	// The raw data blob is kept as the scan's opaque result summary.
	raw, err := json.Marshal(rep.Data)
	if err != nil {
		return err
	}

	errMsg := ""
	if rep.Status == store.ScanFailed {
		errMsg = rep.ErrorMessage
	}

	commit := &store.ResultCommit{
		ScanID:          scanID,
		Status:          rep.Status,
		ErrorMessage:    errMsg,
		CompletedAt:     i.now().UTC(),
		Result:          raw,
		Packages:        rep.Data.Packages,
		Vulnerabilities: rep.Data.Vulnerabilities,
	}

	applied, err := i.store.CommitResult(ctx, commit)
	if err != nil {
		return err
	}
	if !applied {
		// Idempotent retry: stored state already matches, nothing to announce.
		return nil
	}

	observability.ScansIngested.WithLabelValues(rep.Status).Inc()
	i.publish(ctx, notify.Event{Type: notify.TypeScanUpdate, ScanID: scanID, Status: rep.Status})
	return nil
}

// publish fans the event out. Failures are logged and swallowed; they must
// never roll back or fail the ingest.
func (i *Ingestor) publish(ctx context.Context, ev notify.Event) {
	i.hub.Publish(ev)
	for _, p := range i.external {
		if err := p.Publish(ctx, ev); err != nil {
			i.log.Warnf("event publish failed for scan %s: %v", ev.ScanID, err)
			observability.EventPublishFailures.WithLabelValues("external").Inc()
		}
	}
}

func normalize(data *ReportData) {
	for _, v := range data.Vulnerabilities {
		v.Severity = strings.ToUpper(v.Severity)
		if len(v.Description) > maxDescriptionLen {
			v.Description = v.Description[:maxDescriptionLen]
		}
	}
}
