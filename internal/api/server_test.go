package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/catalog"
	"bus-tracker/internal/fleet"
	"bus-tracker/internal/ingest"
	"bus-tracker/internal/route"
)

const fleetYAML = `
routes:
  - name: Outer
    stops:
      - {name: Depot, lat: 12.9000, long: 77.5}
      - {name: Market (North), lat: 12.9200, long: 77.5}
      - {name: Campus, lat: 12.9400, long: 77.5}
    coverageAreas: [Depot, market, Lake]
buses:
  - id: BUS1
    route: Outer
  - id: BUS2
    route: Outer
`

type fakeCommands struct {
	mu   sync.Mutex
	sent map[string]json.RawMessage
	err  error
}

func (f *fakeCommands) PublishCommand(busID string, cmd json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent[busID] = cmd
	return nil
}

func (f *fakeCommands) Connected() bool { return f.err == nil }

func newTestServer(t *testing.T) (*Server, *fakeCommands) {
	t.Helper()
	cat, err := catalog.Parse([]byte(fleetYAML))
	require.NoError(t, err)
	svc, err := ingest.NewService(fleet.NewMemoryStore(4), cat, route.NewCachedProvider(cat, 8, time.Minute, nil), ingest.Options{})
	require.NoError(t, err)
	cmds := &fakeCommands{sent: map[string]json.RawMessage{}}
	return NewServer(svc, cmds), cmds
}

func do(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

var asAdmin = map[string]string{headerRole: "admin"}

func TestUpdateLocation(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodPost, "/api/buses/location",
		`{"busId":"BUS1","latitude":12.9201,"longitude":77.5}`, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		Message        string                `json:"message"`
		BusID          string                `json:"busId"`
		RouteName      string                `json:"routeName"`
		StopIndex      int                   `json:"stopIndex"`
		Stale          bool                  `json:"stale"`
		Location       fleet.Location        `json:"location"`
		CoveragePoints []route.CoveragePoint `json:"coveragePoints"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bus location updated", resp.Message)
	assert.Equal(t, "BUS1", resp.BusID)
	assert.Equal(t, "Outer", resp.RouteName)
	assert.Equal(t, 1, resp.StopIndex)
	assert.False(t, resp.Stale)
	assert.InDelta(t, 12.9201, resp.Location.Latitude, 1e-9)
	assert.Equal(t, fleet.SourceManual, resp.Location.Source)

	require.Len(t, resp.CoveragePoints, 3)
	assert.Equal(t, "Depot", resp.CoveragePoints[0].Label)
	assert.Equal(t, route.StatusPassed, resp.CoveragePoints[0].Status)
	assert.Equal(t, "Market (North)", resp.CoveragePoints[1].Label)
	assert.Equal(t, route.StatusCurrent, resp.CoveragePoints[1].Status)
	assert.Equal(t, "Lake", resp.CoveragePoints[2].Label)
	assert.Nil(t, resp.CoveragePoints[2].Latitude)
	assert.Equal(t, route.StatusUpcoming, resp.CoveragePoints[2].Status)
}

func TestUpdateLocationNullCoordinatesInJSON(t *testing.T) {
	s, _ := newTestServer(t)
	do(s, http.MethodPost, "/api/buses/location", `{"busId":"BUS1","latitude":12.9,"longitude":77.5}`, asAdmin)

	rec := do(s, http.MethodGet, "/api/buses/BUS1/coverage", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"latitude": null`)
}

func TestUpdateLocationErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		headers map[string]string
		want    int
	}{
		{"no identity", `{"busId":"BUS1","latitude":12.9,"longitude":77.5}`, nil, http.StatusUnauthorized},
		{"bad json", `{"busId":`, asAdmin, http.StatusBadRequest},
		{"missing latitude", `{"busId":"BUS1","longitude":77.5}`, asAdmin, http.StatusBadRequest},
		{"missing bus", `{"latitude":12.9,"longitude":77.5}`, asAdmin, http.StatusBadRequest},
		{"out of range", `{"busId":"BUS1","latitude":91,"longitude":77.5}`, asAdmin, http.StatusBadRequest},
		{"unknown bus", `{"busId":"BUS9","latitude":12.9,"longitude":77.5}`, asAdmin, http.StatusNotFound},
		{"driver of other bus", `{"busId":"BUS1","latitude":12.9,"longitude":77.5}`,
			map[string]string{headerRole: "driver", headerBus: "BUS2"}, http.StatusForbidden},
		{"other role", `{"busId":"BUS1","latitude":12.9,"longitude":77.5}`,
			map[string]string{headerRole: "student"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t)
			rec := do(s, http.MethodPost, "/api/buses/location", tt.body, tt.headers)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestUpdateLocationDriverOwnBus(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodPost, "/api/buses/location", `{"busId":"BUS2","latitude":0,"longitude":0}`,
		map[string]string{headerRole: "Driver", headerBus: "BUS2"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestBusLocation(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodGet, "/api/buses/BUS1/location", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	do(s, http.MethodPost, "/api/buses/location", `{"busId":"BUS1","latitude":12.94,"longitude":77.5}`, asAdmin)
	rec = do(s, http.MethodGet, "/api/buses/BUS1/location", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		BusID          string                `json:"busId"`
		StopIndex      int                   `json:"stopIndex"`
		Location       fleet.Location        `json:"location"`
		LastUpdated    time.Time             `json:"lastUpdated"`
		CoveragePoints []route.CoveragePoint `json:"coveragePoints"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "BUS1", resp.BusID)
	assert.Equal(t, 2, resp.StopIndex)
	assert.True(t, resp.LastUpdated.Equal(resp.Location.ObservedAt))
	require.Len(t, resp.CoveragePoints, 3)
	assert.Equal(t, route.StatusCurrent, resp.CoveragePoints[2].Status)
}

func TestCoverageWithoutState(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodGet, "/api/buses/BUS2/coverage", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		CoveragePoints []route.CoveragePoint `json:"coveragePoints"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.CoveragePoints, 3)
	assert.Equal(t, route.StatusCurrent, resp.CoveragePoints[0].Status)
}

func TestListLocations(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodGet, "/api/buses/locations", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"buses": []`)

	do(s, http.MethodPost, "/api/buses/location", `{"busId":"BUS2","latitude":12.9,"longitude":77.5}`, asAdmin)
	do(s, http.MethodPost, "/api/buses/location", `{"busId":"BUS1","latitude":12.9,"longitude":77.5}`, asAdmin)
	rec = do(s, http.MethodGet, "/api/buses/locations", "", nil)

	var resp struct {
		Buses []fleet.BusState `json:"buses"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Buses, 2)
	assert.Equal(t, "BUS1", resp.Buses[0].BusID)
	assert.Equal(t, "BUS2", resp.Buses[1].BusID)
}

func TestRoute(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(s, http.MethodGet, "/api/routes/Outer", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Name          string       `json:"name"`
		Stops         []route.Stop `json:"stops"`
		CoverageAreas []string     `json:"coverageAreas"`
		Polyline      string       `json:"polyline"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Outer", resp.Name)
	assert.Len(t, resp.Stops, 3)
	assert.Equal(t, []string{"Depot", "market", "Lake"}, resp.CoverageAreas)
	assert.NotEmpty(t, resp.Polyline)

	rec = do(s, http.MethodGet, "/api/routes/Nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCommand(t *testing.T) {
	s, cmds := newTestServer(t)

	rec := do(s, http.MethodPost, "/api/buses/BUS1/command", `{"action":"return_to_depot"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(s, http.MethodPost, "/api/buses/BUS1/command", `{"action":"return_to_depot"}`,
		map[string]string{headerRole: "driver", headerBus: "BUS1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(s, http.MethodPost, "/api/buses/BUS1/command", `{"action":`, asAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodPost, "/api/buses/BUS1/command", `{"action":"return_to_depot"}`, asAdmin)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"action":"return_to_depot"}`, string(cmds.sent["BUS1"]))

	cmds.err = errors.New("nats: connection closed")
	rec = do(s, http.MethodPost, "/api/buses/BUS1/command", `{"action":"stop"}`, asAdmin)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCommandWithoutChannel(t *testing.T) {
	cat, err := catalog.Parse([]byte(fleetYAML))
	require.NoError(t, err)
	svc, err := ingest.NewService(fleet.NewMemoryStore(1), cat, cat, ingest.Options{})
	require.NoError(t, err)
	s := NewServer(svc, nil)

	rec := do(s, http.MethodPost, "/api/buses/BUS1/command", `{}`, asAdmin)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","nats":false}`, rec.Body.String())
}

func TestStoreUnavailable(t *testing.T) {
	cat, err := catalog.Parse([]byte(fleetYAML))
	require.NoError(t, err)
	svc, err := ingest.NewService(downStore{fleet.NewMemoryStore(1)}, cat, cat, ingest.Options{})
	require.NoError(t, err)
	s := NewServer(svc, nil)

	rec := do(s, http.MethodPost, "/api/buses/location", `{"busId":"BUS1","latitude":12.9,"longitude":77.5}`, asAdmin)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type downStore struct{ fleet.Store }

func (downStore) Upsert(context.Context, string, fleet.Update) (fleet.UpsertResult, error) {
	return fleet.UpsertResult{}, errors.New("dial tcp: connection refused")
}

// writeAfterGetStore commits a second manual update right after the first Get.
type writeAfterGetStore struct {
	fleet.Store
	once  sync.Once
	write func()
}

func (s *writeAfterGetStore) Get(ctx context.Context, busID string) (fleet.BusState, bool, error) {
	st, ok, err := s.Store.Get(ctx, busID)
	if s.write != nil {
		s.once.Do(s.write)
	}
	return st, ok, err
}

func currentIndex(pts []route.CoveragePoint) int {
	for i, p := range pts {
		if p.Status == route.StatusCurrent {
			return i
		}
	}
	return -1
}

func TestBusLocationConsistentWithConcurrentWrite(t *testing.T) {
	cat, err := catalog.Parse([]byte(fleetYAML))
	require.NoError(t, err)
	store := &writeAfterGetStore{Store: fleet.NewMemoryStore(1)}
	svc, err := ingest.NewService(store, cat, cat, ingest.Options{})
	require.NoError(t, err)
	s := NewServer(svc, nil)

	rec := do(s, http.MethodPost, "/api/buses/location", `{"busId":"BUS1","latitude":12.9,"longitude":77.5}`, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	store.write = func() {
		time.Sleep(time.Millisecond)
		_, err := svc.ManualUpdate(context.Background(), ingest.Actor{Role: "admin"}, "BUS1", 12.92, 77.5)
		assert.NoError(t, err)
	}

	rec = do(s, http.MethodGet, "/api/buses/BUS1/location", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		StopIndex      int                   `json:"stopIndex"`
		CoveragePoints []route.CoveragePoint `json:"coveragePoints"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, resp.StopIndex, currentIndex(resp.CoveragePoints), rec.Body.String())

	st, ok, err := svc.BusState(context.Background(), "BUS1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, st.StopIndex, "concurrent write committed")
}
