package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/fleet"
	"bus-tracker/internal/route"
)

// openTestDB connects to TEST_DATABASE_URL and resets the tracker tables.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	conn, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, Ping(ctx, conn))
	require.NoError(t, EnsureSchema(ctx, conn))
	_, err = conn.ExecContext(ctx, `TRUNCATE bus_state, buses, route_coverage_areas, route_stops, routes`)
	require.NoError(t, err)
	return conn
}

func f(v float64) *float64 { return &v }

func TestSeedAndRead(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	g := &route.Geometry{
		Name: "A→B",
		Stops: []route.Stop{
			{Name: "A", Latitude: f(12.9), Longitude: f(77.5)},
			{Name: "Depot"},
		},
		CoverageAreas: []string{"A", "Depot"},
	}
	require.NoError(t, Seed(ctx, conn, []*route.Geometry{g}, []fleet.Bus{{ID: "BUS1", RouteName: "A→B"}, {ID: "BUS2"}}))
	// seeding twice replaces stops instead of duplicating them
	require.NoError(t, Seed(ctx, conn, []*route.Geometry{g}, nil))

	routes := NewRouteRepository(conn)
	got, err := routes.Route(ctx, "A→B")
	require.NoError(t, err)
	assert.Equal(t, g.CoverageAreas, got.CoverageAreas)
	require.Len(t, got.Stops, 2)
	assert.Equal(t, 12.9, *got.Stops[0].Latitude)
	assert.False(t, got.Stops[1].HasCoordinates())

	_, err = routes.Route(ctx, "missing")
	assert.ErrorIs(t, err, route.ErrRouteNotFound)

	buses := NewFleetRepository(conn)
	b, err := buses.Bus(ctx, "BUS1")
	require.NoError(t, err)
	assert.Equal(t, "A→B", b.RouteName)
	b, err = buses.Bus(ctx, "BUS2")
	require.NoError(t, err)
	assert.Equal(t, "", b.RouteName)
	_, err = buses.Bus(ctx, "BUS9")
	assert.ErrorIs(t, err, fleet.ErrUnknownBus)
}

func latIndex(l fleet.Location) int { return int(l.Latitude) }

func TestStateStoreLastWriterByTime(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	s := NewStateStore(conn)
	t1 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	_, ok, err := s.Get(ctx, "BUS1")
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := s.Upsert(ctx, "BUS1", fleet.Update{
		RouteName: "r",
		Location:  fleet.Location{Latitude: 2, Longitude: 1, ObservedAt: t2, Source: fleet.SourceTelemetry, DeviceID: "d1"},
		Resolve:   latIndex,
	})
	require.NoError(t, err)
	assert.False(t, res.Stale)

	res, err = s.Upsert(ctx, "BUS1", fleet.Update{
		RouteName: "r",
		Location:  fleet.Location{Latitude: 1, Longitude: 1, ObservedAt: t1, Source: fleet.SourceManual},
		Resolve:   latIndex,
	})
	require.NoError(t, err)
	assert.True(t, res.Stale)

	st, ok, err := s.Get(ctx, "BUS1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, st.Location.ObservedAt.Equal(t2))
	assert.Equal(t, 2, st.StopIndex)
	assert.Equal(t, "d1", st.Location.DeviceID)
	assert.Equal(t, fleet.SourceTelemetry, st.Location.Source)
}

func TestStateStoreConcurrentBuses(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	s := NewStateStore(conn)
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func(i, j int) {
				defer wg.Done()
				_, err := s.Upsert(ctx, fmt.Sprintf("BUS%d", i), fleet.Update{
					Location: fleet.Location{Latitude: float64(j), ObservedAt: now.Add(time.Duration(j) * time.Second), Source: fleet.SourceTelemetry},
					Resolve:  latIndex,
				})
				assert.NoError(t, err)
			}(i, j)
		}
	}
	wg.Wait()

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 50)
	for _, st := range all {
		assert.Equal(t, 3.0, st.Location.Latitude, st.BusID)
		assert.Equal(t, 3, st.StopIndex, st.BusID)
	}
}

func TestStateStoreCancelled(t *testing.T) {
	conn := openTestDB(t)
	s := NewStateStore(conn)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Upsert(ctx, "BUS1", fleet.Update{Location: fleet.Location{ObservedAt: time.Now()}})
	assert.Error(t, err)
	_, ok, err := s.Get(context.Background(), "BUS1")
	require.NoError(t, err)
	assert.False(t, ok)
}
