package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bus-tracker/internal/api"
	"bus-tracker/internal/catalog"
	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/fleet"
	"bus-tracker/internal/ingest"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/route"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var mcol *metrics.Collector
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector()
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	var cat *catalog.Catalog
	if cfg.FleetFile != "" {
		if cat, err = catalog.Load(cfg.FleetFile); err != nil {
			fatal("fleet file", err)
		}
	}

	var (
		store  fleet.Store
		dir    fleet.Directory
		routes route.Provider
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		sqlDB := openDatabase(ctx, cfg.DatabaseURL, cat)
		defer sqlDB.Close()
		store = db.NewStateStore(sqlDB)
		dir = db.NewFleetRepository(sqlDB)
		routes = db.NewRouteRepository(sqlDB)
	default:
		if cat == nil {
			slog.Warn("no FLEET_FILE configured; every bus is unknown and has no route")
			cat, _ = catalog.Parse(nil)
		}
		store = fleet.NewMemoryStore(0)
		dir = cat
		routes = cat
	}
	slog.Info("state store ready", "backend", cfg.StoreBackend)

	routes = route.NewCachedProvider(routes, cfg.RouteCacheSize, cfg.RouteCacheTTL, wrapCacheMetrics(mcol))

	svc, err := ingest.NewService(store, dir, routes, ingest.Options{
		TelemetryPattern: cfg.TelemetrySubject,
		MaxInFlight:      cfg.TelemetryMaxInFlight,
		StoreTimeout:     cfg.TelemetryStoreTimeout,
		Metrics:          wrapIngestMetrics(mcol),
		LogSubjects:      cfg.LogNATSSubjects,
	})
	if err != nil {
		fatal("ingest", err)
	}

	// Initialize NATS client; it keeps reconnecting in the background
	pub, err := publisher.Connect(publisher.Options{
		URL:            cfg.NATSURL,
		ReconnectMin:   cfg.ReconnectMin,
		ReconnectMax:   cfg.ReconnectMax,
		CommandSubject: cfg.CommandSubject,
		LogSubjects:    cfg.LogNATSSubjects,
		Metrics:        wrapPublisherMetrics(mcol),
	})
	if err != nil {
		fatal("nats error", err)
	}
	if err := pub.SubscribeTelemetry(cfg.TelemetrySubject, svc.HandleTelemetry); err != nil {
		fatal("nats subscribe", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewServer(svc, pub),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			cancel()
		}
	}()
	slog.Info("http listening", "addr", cfg.HTTPAddr)

	// Block until context cancelled
	<-ctx.Done()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	// stop intake first so in-flight telemetry still has a connection to finish on
	pub.Unsubscribe()
	if err := svc.Close(shutdownCtx); err != nil {
		slog.Warn("telemetry workers did not finish", "err", err)
	}
	pub.Close()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	slog.Info("shutdown complete")
}

func openDatabase(ctx context.Context, dsn string, cat *catalog.Catalog) *sql.DB {
	sqlDB, err := db.Open(dsn)
	if err != nil {
		fatal("db open error", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		fatal("db ping error", err)
	}
	if err := db.EnsureSchema(ctx, sqlDB); err != nil {
		fatal("db schema error", err)
	}
	if cat != nil {
		if err := db.Seed(ctx, sqlDB, cat.Routes(), cat.Buses()); err != nil {
			fatal("db seed error", err)
		}
		slog.Info("fleet seeded", "routes", len(cat.Routes()), "buses", len(cat.Buses()))
	}
	return sqlDB
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

// wrapIngestMetrics adapts our Collector to the ingest.Metrics interface.
func wrapIngestMetrics(c *metrics.Collector) ingest.Metrics {
	if c == nil {
		return nil
	}
	return &ingestMetrics{c: c}
}

type ingestMetrics struct{ c *metrics.Collector }

func (m *ingestMetrics) TelemetryReceived()             { m.c.TelemetryReceived.Inc() }
func (m *ingestMetrics) TelemetryMalformed()            { m.c.TelemetryMalformed.Inc() }
func (m *ingestMetrics) TelemetryDropped(reason string) { m.c.TelemetryDropped.WithLabelValues(reason).Inc() }
func (m *ingestMetrics) StoreError(source fleet.Source) { m.c.StoreErrors.WithLabelValues(string(source)).Inc() }
func (m *ingestMetrics) ResolveObserve(d time.Duration) { m.c.ResolveDuration.Observe(d.Seconds()) }
func (m *ingestMetrics) InFlight(delta int)             { m.c.InFlight.Add(float64(delta)) }
func (m *ingestMetrics) Applied(source fleet.Source, stale bool) {
	m.c.Updates.WithLabelValues(string(source)).Inc()
	if stale {
		m.c.StaleReport.WithLabelValues(string(source)).Inc()
	}
}

func wrapCacheMetrics(c *metrics.Collector) route.CacheMetrics {
	if c == nil {
		return nil
	}
	return &cacheMetrics{c: c}
}

type cacheMetrics struct{ c *metrics.Collector }

func (m *cacheMetrics) RouteCacheHit()  { m.c.RouteCache.WithLabelValues("hit").Inc() }
func (m *cacheMetrics) RouteCacheMiss() { m.c.RouteCache.WithLabelValues("miss").Inc() }

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSReconnectedInc()   { p.c.NATSReconnects.Inc() }
func (p *pubMetrics) CommandPublishedInc()  { p.c.CommandsPublished.Inc() }
func (p *pubMetrics) CommandPublishErrInc() { p.c.CommandPublishErrors.Inc() }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
