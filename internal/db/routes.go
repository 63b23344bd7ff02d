package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bus-tracker/internal/fleet"
	"bus-tracker/internal/route"
)

// RouteRepository reads route geometry. It implements route.Provider.
type RouteRepository struct {
	db *sql.DB
}

func NewRouteRepository(db *sql.DB) *RouteRepository { return &RouteRepository{db: db} }

func (r *RouteRepository) Route(ctx context.Context, name string) (*route.Geometry, error) {
	var got string
	err := r.db.QueryRowContext(ctx, `SELECT name FROM routes WHERE name = $1`, name).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, route.ErrRouteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	g := &route.Geometry{Name: got, Stops: []route.Stop{}, CoverageAreas: []string{}}

	rows, err := r.db.QueryContext(ctx,
		`SELECT name, latitude, longitude FROM route_stops WHERE route_name = $1 ORDER BY seq`, name)
	if err != nil {
		return nil, fmt.Errorf("query route_stops: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			s        route.Stop
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&s.Name, &lat, &lon); err != nil {
			return nil, err
		}
		if lat.Valid && lon.Valid {
			s.Latitude = &lat.Float64
			s.Longitude = &lon.Float64
		}
		g.Stops = append(g.Stops, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	crows, err := r.db.QueryContext(ctx,
		`SELECT label FROM route_coverage_areas WHERE route_name = $1 ORDER BY seq`, name)
	if err != nil {
		return nil, fmt.Errorf("query route_coverage_areas: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var label string
		if err := crows.Scan(&label); err != nil {
			return nil, err
		}
		g.CoverageAreas = append(g.CoverageAreas, label)
	}
	return g, crows.Err()
}

// FleetRepository reads bus records. It implements fleet.Directory.
type FleetRepository struct {
	db *sql.DB
}

func NewFleetRepository(db *sql.DB) *FleetRepository { return &FleetRepository{db: db} }

func (f *FleetRepository) Bus(ctx context.Context, busID string) (fleet.Bus, error) {
	var b fleet.Bus
	err := f.db.QueryRowContext(ctx,
		`SELECT bus_id, COALESCE(route_name, '') FROM buses WHERE bus_id = $1`, busID).Scan(&b.ID, &b.RouteName)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Bus{}, fleet.ErrUnknownBus
	}
	if err != nil {
		return fleet.Bus{}, fmt.Errorf("query buses: %w", err)
	}
	return b, nil
}

// Seed upserts routes and bus records in one transaction. Stops and coverage
// areas of a seeded route are replaced.
func Seed(ctx context.Context, db *sql.DB, routes []*route.Geometry, buses []fleet.Bus) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, g := range routes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO routes (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, g.Name); err != nil {
			return fmt.Errorf("seed route %q: %w", g.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM route_stops WHERE route_name = $1`, g.Name); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM route_coverage_areas WHERE route_name = $1`, g.Name); err != nil {
			return err
		}
		for i, s := range g.Stops {
			var lat, lon sql.NullFloat64
			if s.HasCoordinates() {
				lat = sql.NullFloat64{Float64: *s.Latitude, Valid: true}
				lon = sql.NullFloat64{Float64: *s.Longitude, Valid: true}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO route_stops (route_name, seq, name, latitude, longitude) VALUES ($1, $2, $3, $4, $5)`,
				g.Name, i, s.Name, lat, lon); err != nil {
				return fmt.Errorf("seed stop %q of %q: %w", s.Name, g.Name, err)
			}
		}
		for i, label := range g.CoverageAreas {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO route_coverage_areas (route_name, seq, label) VALUES ($1, $2, $3)`,
				g.Name, i, label); err != nil {
				return fmt.Errorf("seed coverage area %q of %q: %w", label, g.Name, err)
			}
		}
	}
	for _, b := range buses {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO buses (bus_id, route_name) VALUES ($1, NULLIF($2, ''))
ON CONFLICT (bus_id) DO UPDATE SET route_name = EXCLUDED.route_name`, b.ID, b.RouteName); err != nil {
			return fmt.Errorf("seed bus %q: %w", b.ID, err)
		}
	}
	return tx.Commit()
}
