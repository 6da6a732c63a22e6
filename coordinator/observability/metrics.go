package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AgentsRegistered counts register calls (first-time and refresh alike).
	AgentsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sbom_agents_registered_total",
		Help: "Total number of agent registration calls",
	})

	// HeartbeatsReceived counts accepted heartbeats.
	HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sbom_heartbeats_total",
		Help: "Total number of accepted agent heartbeats",
	})

	// APIRateLimited counts requests rejected by the storm-protection limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sbom_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// ScansTriggered counts scans created in pending state.
	ScansTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sbom_scans_triggered_total",
		Help: "Total number of scans queued for agents",
	})

	// ScansIngested counts committed terminal results by status.
	ScansIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sbom_scans_ingested_total",
		Help: "Total number of scan results committed, by terminal status",
	}, []string{"status"})

	// EventsPublished counts events fanned out to observers.
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sbom_events_published_total",
		Help: "Total number of scan_update events published to the hub",
	})

	// EventsDropped counts events shed from full subscriber queues.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sbom_events_dropped_total",
		Help: "Events dropped because a subscriber queue was full",
	})

	// EventPublishFailures counts failed best-effort publishes.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sbom_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"reason"})

	// ObserversConnected tracks live event-stream subscribers.
	ObserversConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sbom_observers_connected",
		Help: "Current number of connected event-stream observers",
	})
)
