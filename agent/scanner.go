package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/morpheuslord/Startup-SBOM/coordinator/ingest"
)

// Scanner runs the configured inventory command for a scan type and shapes
// its output into a result report.
type Scanner struct {
	cfg *Config
	log *zap.SugaredLogger
}

func NewScanner(cfg *Config, log *zap.SugaredLogger) *Scanner {
	return &Scanner{cfg: cfg, log: log}
}

// Run executes the scan and always returns a terminal report: scanner
// failures become a "failed" report rather than an error, so the
// coordinator hears about them.
func (s *Scanner) Run(ctx context.Context, scan PendingScan) *ingest.Report {
	command, ok := s.cfg.Scanners[scan.ScanType]
	if !ok {
		return failedReport(fmt.Sprintf("no scanner configured for scan type %q", scan.ScanType))
	}
	if scan.TargetPath != "" {
		command = command + " " + scan.TargetPath
	}

	s.log.Infof("running scan %s: %s", scan.ScanID, command)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return failedReport(msg)
	}

	var data ingest.ReportData
	if err := json.Unmarshal(stdout.Bytes(), &data); err != nil {
		return failedReport(fmt.Sprintf("scanner produced invalid JSON: %v", err))
	}

	return &ingest.Report{Status: "completed", Data: data}
}

func failedReport(msg string) *ingest.Report {
	return &ingest.Report{Status: "failed", ErrorMessage: msg}
}
