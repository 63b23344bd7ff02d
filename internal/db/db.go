package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// schema holds the tables the tracker reads and writes. routes, route_stops,
// route_coverage_areas and buses are normally owned by the fleet management
// layer; they are created here so a fresh database can be seeded.
const schema = `
CREATE TABLE IF NOT EXISTS routes (
  name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS route_stops (
  route_name TEXT NOT NULL REFERENCES routes(name) ON DELETE CASCADE,
  seq        INT NOT NULL,
  name       TEXT NOT NULL,
  latitude   DOUBLE PRECISION,
  longitude  DOUBLE PRECISION,
  PRIMARY KEY (route_name, seq)
);
CREATE TABLE IF NOT EXISTS route_coverage_areas (
  route_name TEXT NOT NULL REFERENCES routes(name) ON DELETE CASCADE,
  seq        INT NOT NULL,
  label      TEXT NOT NULL,
  PRIMARY KEY (route_name, seq)
);
CREATE TABLE IF NOT EXISTS buses (
  bus_id     TEXT PRIMARY KEY,
  route_name TEXT
);
CREATE TABLE IF NOT EXISTS bus_state (
  bus_id      TEXT PRIMARY KEY,
  latitude    DOUBLE PRECISION NOT NULL,
  longitude   DOUBLE PRECISION NOT NULL,
  observed_at TIMESTAMPTZ NOT NULL,
  source      TEXT NOT NULL,
  device_id   TEXT,
  route_name  TEXT,
  stop_index  INT NOT NULL DEFAULT 0,
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema creates missing tables.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
