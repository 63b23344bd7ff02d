package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bus-tracker/internal/fleet"
)

// StateStore is a fleet.Store on PostgreSQL. Each upsert runs in its own
// transaction holding a transaction-scoped advisory lock keyed by the bus id,
// so writers for one bus serialize while other buses proceed in parallel.
type StateStore struct {
	db *sql.DB
}

func NewStateStore(db *sql.DB) *StateStore { return &StateStore{db: db} }

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const stateColumns = `bus_id, latitude, longitude, observed_at, source, COALESCE(device_id, ''), COALESCE(route_name, ''), stop_index`

func scanState(row scanner) (fleet.BusState, error) {
	var (
		st     fleet.BusState
		source string
	)
	err := row.Scan(&st.BusID, &st.Location.Latitude, &st.Location.Longitude, &st.Location.ObservedAt,
		&source, &st.Location.DeviceID, &st.RouteName, &st.StopIndex)
	if err != nil {
		return fleet.BusState{}, err
	}
	st.Location.Source = fleet.Source(source)
	st.Location.ObservedAt = st.Location.ObservedAt.UTC()
	return st, nil
}

func getState(ctx context.Context, q queryer, busID string) (fleet.BusState, bool, error) {
	st, err := scanState(q.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM bus_state WHERE bus_id = $1`, busID))
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.BusState{}, false, nil
	}
	if err != nil {
		return fleet.BusState{}, false, fmt.Errorf("query bus_state: %w", err)
	}
	return st, true, nil
}

func (s *StateStore) Get(ctx context.Context, busID string) (fleet.BusState, bool, error) {
	return getState(ctx, s.db, busID)
}

func (s *StateStore) Upsert(ctx context.Context, busID string, u fleet.Update) (fleet.UpsertResult, error) {
	// stored timestamps have microsecond precision
	u.Location.ObservedAt = u.Location.ObservedAt.UTC().Truncate(time.Microsecond)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fleet.UpsertResult{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, busID); err != nil {
		return fleet.UpsertResult{}, fmt.Errorf("lock bus %s: %w", busID, err)
	}
	cur, ok, err := getState(ctx, tx, busID)
	if err != nil {
		return fleet.UpsertResult{}, err
	}
	res := fleet.Apply(busID, cur, ok, u)
	st := res.State
	_, err = tx.ExecContext(ctx, `
INSERT INTO bus_state (bus_id, latitude, longitude, observed_at, source, device_id, route_name, stop_index, updated_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, now())
ON CONFLICT (bus_id) DO UPDATE SET
  latitude = EXCLUDED.latitude,
  longitude = EXCLUDED.longitude,
  observed_at = EXCLUDED.observed_at,
  source = EXCLUDED.source,
  device_id = EXCLUDED.device_id,
  route_name = EXCLUDED.route_name,
  stop_index = EXCLUDED.stop_index,
  updated_at = now()`,
		st.BusID, st.Location.Latitude, st.Location.Longitude, st.Location.ObservedAt,
		string(st.Location.Source), st.Location.DeviceID, st.RouteName, st.StopIndex)
	if err != nil {
		return fleet.UpsertResult{}, fmt.Errorf("write bus_state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fleet.UpsertResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (s *StateStore) List(ctx context.Context) ([]fleet.BusState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM bus_state ORDER BY bus_id`)
	if err != nil {
		return nil, fmt.Errorf("query bus_state: %w", err)
	}
	defer rows.Close()
	var out []fleet.BusState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
