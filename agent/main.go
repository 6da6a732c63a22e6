package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Infow("agent starting", "agent_id", cfg.AgentID, "server", cfg.ServerURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := NewClient(cfg.ServerURL)
	scanner := NewScanner(cfg, log)

	// Retry registration until the coordinator is reachable.
	reg := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithMaxElapsedTime(0),
	), ctx)
	err = backoff.RetryNotify(
		func() error { return client.Register(ctx, cfg) },
		reg,
		func(err error, next time.Duration) {
			log.Warnf("registration failed: %v (retrying in %s)", err, next)
		},
	)
	if err != nil {
		log.Infow("agent stopping before registration completed")
		return
	}
	log.Infow("registered", "agent_id", cfg.AgentID)

	go heartbeatLoop(ctx, client, cfg, log)

	pollLoop(ctx, client, scanner, cfg, log)
	log.Infow("agent stopped")
}

func heartbeatLoop(ctx context.Context, client *Client, cfg *Config, log *zap.SugaredLogger) {
	ticker := time.NewTicker(cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(ctx, cfg.AgentID); err != nil {
				log.Warnf("heartbeat failed: %v", err)
			}
		}
	}
}

// pollLoop fetches pending scans and runs them one at a time. Scans are
// delivered oldest first, so sequential execution preserves trigger order.
func pollLoop(ctx context.Context, client *Client, scanner *Scanner, cfg *Config, log *zap.SugaredLogger) {
	ticker := time.NewTicker(cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scans, err := client.PendingScans(ctx, cfg.AgentID)
			if err != nil {
				log.Warnf("poll failed: %v", err)
				continue
			}
			for _, scan := range scans {
				runScan(ctx, client, scanner, scan, log)
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

func runScan(ctx context.Context, client *Client, scanner *Scanner, scan PendingScan, log *zap.SugaredLogger) {
	// The claim races other pollers for this agent ID; losing it means
	// someone else owns the scan.
	if err := client.MarkRunning(ctx, scan.ScanID); err != nil {
		log.Warnf("could not claim scan %s: %v", scan.ScanID, err)
		return
	}

	rep := scanner.Run(ctx, scan)

	// Result uploads are idempotent on the coordinator side, so retrying
	// after a network blip is safe.
	upload := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.Retry(func() error {
		return client.SubmitResult(ctx, scan.ScanID, rep)
	}, upload)
	if err != nil {
		log.Errorf("failed to upload result for scan %s: %v", scan.ScanID, err)
		return
	}
	log.Infow("scan finished", "scan_id", scan.ScanID, "status", rep.Status)
}
