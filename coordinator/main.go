package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/morpheuslord/Startup-SBOM/coordinator/config"
	"github.com/morpheuslord/Startup-SBOM/coordinator/dispatch"
	"github.com/morpheuslord/Startup-SBOM/coordinator/idempotency"
	"github.com/morpheuslord/Startup-SBOM/coordinator/ingest"
	"github.com/morpheuslord/Startup-SBOM/coordinator/middleware"
	"github.com/morpheuslord/Startup-SBOM/coordinator/notify"
	"github.com/morpheuslord/Startup-SBOM/coordinator/registry"
	"github.com/morpheuslord/Startup-SBOM/coordinator/store"
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

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres when configured, in-memory otherwise. The memory store is
	// fine for a single coordinator; Postgres is required for HA.
	var s store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		s = pg
		log.Infow("using postgres store")
	} else {
		s = store.NewMemoryStore()
		log.Infow("using in-memory store (state is ephemeral)")
	}

	hub := notify.NewHub(cfg.EventBuffer, log)
	defer hub.Close()

	// Redis fans events out to other coordinator replicas and backs the
	// idempotency cache. Without it both fall back to process-local.
	var external []notify.Publisher
	var idem idempotency.Cache
	if cfg.RedisAddr != "" {
		relay, err := notify.NewRedisRelay(cfg.RedisAddr, "sbom:events", hostOrigin(), hub, log)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer relay.Close()
		go relay.Run(ctx)
		external = append(external, relay)

		rc, err := idempotency.NewRedisCache(cfg.RedisAddr, time.Hour)
		if err != nil {
			log.Fatalf("redis idempotency cache: %v", err)
		}
		defer rc.Close()
		idem = rc
		log.Infow("redis relay enabled", "addr", cfg.RedisAddr)
	} else {
		idem = idempotency.NewMemoryCache(0, 0)
	}

	staleness := time.Duration(cfg.HeartbeatTimeoutMin) * time.Minute
	reg := registry.New(s, staleness)
	disp := dispatch.New(s)
	ing := ingest.New(s, hub, log, external...)

	api := NewAPI(reg, disp, ing, s, hub, idem, cfg.HeartbeatRateLimit, cfg.HeartbeatRateBurst, log)

	mux := http.NewServeMux()
	api.Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// No ReadTimeout: the event stream endpoints hold connections open.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           middleware.CORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("coordinator listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
	log.Infow("coordinator stopped")
}

func hostOrigin() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "coordinator"
	}
	return hostname
}
