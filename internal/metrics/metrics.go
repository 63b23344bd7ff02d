package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	TelemetryReceived  prometheus.Counter
	TelemetryMalformed prometheus.Counter
	TelemetryDropped   *prometheus.CounterVec // reason label: saturated|store_error|shutdown

	Updates     *prometheus.CounterVec // source label: telemetry|manual
	StaleReport *prometheus.CounterVec // source label
	StoreErrors *prometheus.CounterVec // source label

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter

	CommandsPublished    prometheus.Counter
	CommandPublishErrors prometheus.Counter

	RouteCache *prometheus.CounterVec // result label: hit|miss

	ResolveDuration prometheus.Histogram
	InFlight        prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		TelemetryReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_telemetry_received_total",
			Help: "Total telemetry messages received.",
		}),
		TelemetryMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_telemetry_malformed_total",
			Help: "Total telemetry messages dropped because the payload could not be decoded.",
		}),
		TelemetryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_telemetry_dropped_total",
			Help: "Total well-formed telemetry messages that were not applied.",
		}, []string{"reason"}),
		Updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_updates_total",
			Help: "Total location reports committed to the state store.",
		}, []string{"source"}),
		StaleReport: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_stale_reports_total",
			Help: "Reports older than the stored location.",
		}, []string{"source"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_store_errors_total",
			Help: "State store or directory failures while applying a report.",
		}, []string{"source"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_reconnects_total",
			Help: "Total successful NATS reconnects.",
		}),
		CommandsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_commands_published_total",
			Help: "Total bus commands published.",
		}),
		CommandPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_command_publish_errors_total",
			Help: "Total bus command publish errors.",
		}),
		RouteCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_route_cache_total",
			Help: "Route geometry cache lookups.",
		}, []string{"result"}),
		ResolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_resolve_duration_seconds",
			Help:    "Duration of the resolution pipeline from route lookup to store commit.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_telemetry_in_flight",
			Help: "Telemetry reports currently being applied.",
		}),
	}

	reg.MustRegister(
		c.TelemetryReceived, c.TelemetryMalformed, c.TelemetryDropped,
		c.Updates, c.StaleReport, c.StoreErrors,
		c.NATSConnected, c.NATSReconnects,
		c.CommandsPublished, c.CommandPublishErrors,
		c.RouteCache, c.ResolveDuration, c.InFlight,
	)
	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "err", err)
		}
	}()
	slog.Info("metrics listening", "addr", addr)
	return srv
}
