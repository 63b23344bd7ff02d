package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type StoreBackend string

const (
	BackendPostgres StoreBackend = "postgres"
	BackendMemory   StoreBackend = "memory"
)

type Config struct {
	DatabaseURL  string
	StoreBackend StoreBackend
	FleetFile    string

	NATSURL          string
	TelemetrySubject string
	CommandSubject   string
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration

	TelemetryMaxInFlight  int64
	TelemetryStoreTimeout time.Duration
	RouteCacheTTL         time.Duration
	RouteCacheSize        int

	HTTPAddr        string
	MetricsAddr     string
	LogLevel        slog.Level
	LogNATSSubjects bool
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars when PGDATABASE is set
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" && os.Getenv("PGDATABASE") != "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			dsn = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	}
	cfg.DatabaseURL = dsn

	// Store backend defaults to postgres when a DSN is available
	switch v := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND"))); v {
	case "":
		if cfg.DatabaseURL != "" {
			cfg.StoreBackend = BackendPostgres
		} else {
			cfg.StoreBackend = BackendMemory
		}
	case string(BackendPostgres), string(BackendMemory):
		cfg.StoreBackend = StoreBackend(v)
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND: %q", v)
	}
	if cfg.StoreBackend == BackendPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("STORE_BACKEND=postgres requires DATABASE_URL, PG_DSN or PGDATABASE")
	}

	cfg.FleetFile = os.Getenv("FLEET_FILE")

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.TelemetrySubject = getenvDefault("TELEMETRY_SUBJECT", "fleet.bus.*.location")
	cfg.CommandSubject = getenvDefault("COMMAND_SUBJECT", "fleet.bus.%s.command")

	var err error
	if cfg.ReconnectMin, err = millis("NATS_RECONNECT_MIN_MS", time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectMax, err = millis("NATS_RECONNECT_MAX_MS", 120*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		return nil, fmt.Errorf("NATS_RECONNECT_MAX_MS must not be below NATS_RECONNECT_MIN_MS")
	}
	if cfg.TelemetryStoreTimeout, err = millis("TELEMETRY_STORE_TIMEOUT_MS", 5*time.Second); err != nil {
		return nil, err
	}

	if v := os.Getenv("TELEMETRY_MAX_IN_FLIGHT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid TELEMETRY_MAX_IN_FLIGHT: %q", v)
		}
		cfg.TelemetryMaxInFlight = n
	} else {
		cfg.TelemetryMaxInFlight = 1024
	}

	// Route cache TTL (seconds); routes edited externally show up after at most this long
	if v := os.Getenv("ROUTE_CACHE_TTL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec <= 0 {
			return nil, fmt.Errorf("invalid ROUTE_CACHE_TTL_SEC: %q", v)
		}
		cfg.RouteCacheTTL = time.Duration(sec) * time.Second
	} else {
		cfg.RouteCacheTTL = 10 * time.Second
	}
	if v := os.Getenv("ROUTE_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid ROUTE_CACHE_SIZE: %q", v)
		}
		cfg.RouteCacheSize = n
	} else {
		cfg.RouteCacheSize = 256
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":3000")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	switch v := strings.ToLower(strings.TrimSpace(getenvDefault("LOG_LEVEL", "info"))); v {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "info":
		cfg.LogLevel = slog.LevelInfo
	case "warn", "warning":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q", v)
	}

	// Debug logging for NATS subjects
	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			cfg.LogNATSSubjects = true
		default:
			cfg.LogNATSSubjects = false
		}
	}

	return cfg, nil
}

func millis(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
