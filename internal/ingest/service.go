package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"bus-tracker/internal/fleet"
	"bus-tracker/internal/route"
)

var (
	ErrForbidden       = errors.New("not allowed to update this bus")
	ErrInvalidLocation = errors.New("invalid location")
)

// Metrics receives ingestion events. A nil Metrics disables reporting.
type Metrics interface {
	TelemetryReceived()
	TelemetryMalformed()
	TelemetryDropped(reason string)
	Applied(source fleet.Source, stale bool)
	StoreError(source fleet.Source)
	ResolveObserve(d time.Duration)
	InFlight(delta int)
}

type Options struct {
	// TelemetryPattern is the subscription pattern used to extract bus ids.
	TelemetryPattern string
	// MaxInFlight bounds concurrently applied telemetry reports; excess
	// messages are dropped.
	MaxInFlight int64
	// StoreTimeout bounds a single telemetry write.
	StoreTimeout time.Duration
	Metrics      Metrics
	LogSubjects  bool
}

// Service is the ingestion gateway: telemetry and manual reports both flow
// through apply, which looks up the bus route, resolves the stop index and
// commits to the state store.
type Service struct {
	store   fleet.Store
	dir     fleet.Directory
	routes  route.Provider
	metrics Metrics
	now     func() time.Time

	pattern      SubjectPattern
	storeTimeout time.Duration
	logSubjects  bool

	sem    *semaphore.Weighted
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewService(store fleet.Store, dir fleet.Directory, routes route.Provider, opts Options) (*Service, error) {
	if opts.TelemetryPattern == "" {
		opts.TelemetryPattern = "fleet.bus.*.location"
	}
	pattern, err := NewSubjectPattern(opts.TelemetryPattern)
	if err != nil {
		return nil, err
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1024
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &Service{
		store:        store,
		dir:          dir,
		routes:       routes,
		metrics:      opts.Metrics,
		now:          time.Now,
		pattern:      pattern,
		storeTimeout: opts.StoreTimeout,
		logSubjects:  opts.LogSubjects,
		sem:          semaphore.NewWeighted(opts.MaxInFlight),
	}, nil
}

// Result is a committed report together with the timeline derived from the
// same route snapshot used for the commit.
type Result struct {
	State    fleet.BusState        `json:"state"`
	Stale    bool                  `json:"stale"`
	Coverage []route.CoveragePoint `json:"coveragePoints"`
}

func (s *Service) apply(ctx context.Context, rep fleet.LocationReport) (Result, error) {
	start := time.Now()
	bus, err := s.dir.Bus(ctx, rep.BusID)
	switch {
	case errors.Is(err, fleet.ErrUnknownBus):
		if rep.Source == fleet.SourceManual {
			return Result{}, err
		}
		// telemetry for unregistered buses is kept without a route
		bus = fleet.Bus{ID: rep.BusID}
	case err != nil:
		return Result{}, fmt.Errorf("lookup bus %s: %w", rep.BusID, err)
	}

	g, err := route.Lookup(ctx, s.routes, bus.RouteName)
	if err != nil {
		return Result{}, fmt.Errorf("lookup route %q: %w", bus.RouteName, err)
	}

	res, err := s.store.Upsert(ctx, rep.BusID, fleet.Update{
		RouteName: bus.RouteName,
		Location:  rep.Location(),
		Resolve: func(l fleet.Location) int {
			return route.StopIndexAt(route.Point{Lat: l.Latitude, Lon: l.Longitude}, g)
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("store bus %s: %w", rep.BusID, err)
	}
	if s.metrics != nil {
		s.metrics.ResolveObserve(time.Since(start))
		s.metrics.Applied(rep.Source, res.Stale)
	}
	slog.Debug("location applied",
		"bus", rep.BusID, "source", rep.Source, "stop_index", res.State.StopIndex, "stale", res.Stale)
	return Result{State: res.State, Stale: res.Stale, Coverage: route.Project(g, res.State.StopIndex)}, nil
}

// Actor is the already authenticated caller of a manual update.
type Actor struct {
	Role  string // admin|driver
	BusID string // bus assigned to a driver
}

func authorize(a Actor, busID string) error {
	switch a.Role {
	case "admin":
		return nil
	case "driver":
		if a.BusID != "" && a.BusID == busID {
			return nil
		}
	}
	return ErrForbidden
}

// ManualUpdate applies a location submitted by a driver or admin and returns
// the committed state with its coverage timeline. Nothing is written unless
// the store commit succeeds.
func (s *Service) ManualUpdate(ctx context.Context, actor Actor, busID string, lat, lon float64) (Result, error) {
	if err := authorize(actor, busID); err != nil {
		return Result{}, err
	}
	if err := ValidateCoordinates(lat, lon); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	rep := fleet.LocationReport{
		BusID:      busID,
		Latitude:   lat,
		Longitude:  lon,
		ObservedAt: s.now(),
		Source:     fleet.SourceManual,
	}
	res, err := s.apply(ctx, rep)
	if err != nil {
		if !errors.Is(err, fleet.ErrUnknownBus) && s.metrics != nil {
			s.metrics.StoreError(fleet.SourceManual)
		}
		return Result{}, err
	}
	return res, nil
}

// BusState returns the stored state for a bus; ok is false when none exists.
func (s *Service) BusState(ctx context.Context, busID string) (fleet.BusState, bool, error) {
	return s.store.Get(ctx, busID)
}

// CoverageTimeline projects the rider-facing timeline for a bus. A bus with
// no stored state falls back to its assigned route at stop index 0; a bus
// without a route yields an empty timeline.
func (s *Service) CoverageTimeline(ctx context.Context, busID string) ([]route.CoveragePoint, error) {
	_, cov, _, err := s.BusView(ctx, busID)
	return cov, err
}

// BusView reads the stored state once and projects the coverage timeline from
// that same snapshot, so the position, stop index and timeline always agree.
// ok is false when the bus has no stored state; the timeline then follows the
// bus's assigned route at stop index 0.
func (s *Service) BusView(ctx context.Context, busID string) (fleet.BusState, []route.CoveragePoint, bool, error) {
	st, ok, err := s.store.Get(ctx, busID)
	if err != nil {
		return fleet.BusState{}, nil, false, err
	}
	routeName := st.RouteName
	if !ok {
		bus, err := s.dir.Bus(ctx, busID)
		if errors.Is(err, fleet.ErrUnknownBus) {
			return fleet.BusState{}, []route.CoveragePoint{}, false, nil
		}
		if err != nil {
			return fleet.BusState{}, nil, false, err
		}
		routeName = bus.RouteName
	}
	g, err := route.Lookup(ctx, s.routes, routeName)
	if err != nil {
		return fleet.BusState{}, nil, false, err
	}
	return st, route.Project(g, st.StopIndex), ok, nil
}

func (s *Service) List(ctx context.Context) ([]fleet.BusState, error) {
	return s.store.List(ctx)
}

// Route exposes route geometry for read paths.
func (s *Service) Route(ctx context.Context, name string) (*route.Geometry, error) {
	return s.routes.Route(ctx, name)
}
