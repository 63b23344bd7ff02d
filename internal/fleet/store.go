package fleet

import "context"

// Update describes one write into the state store. Resolve maps whichever
// location ends up authoritative to a stop index; it must be pure.
type Update struct {
	RouteName string
	Location  Location
	Resolve   func(Location) int
}

// UpsertResult is the committed state. Stale is set when the incoming location
// was not newer than the stored one and therefore left the location untouched.
type UpsertResult struct {
	State BusState
	Stale bool
}

// Store holds one BusState per bus. Upsert is linearizable per bus: the stored
// location only moves forward in ObservedAt and the stop index is always
// recomputed from the stored location within the same critical section.
type Store interface {
	Get(ctx context.Context, busID string) (BusState, bool, error)
	Upsert(ctx context.Context, busID string, u Update) (UpsertResult, error)
	List(ctx context.Context) ([]BusState, error)
}

// Directory resolves fleet membership and route assignments.
type Directory interface {
	Bus(ctx context.Context, busID string) (Bus, error)
}

// Apply computes the next state from the current one (ok=false when no state
// exists yet). Shared by every Store implementation.
func Apply(busID string, current BusState, ok bool, u Update) UpsertResult {
	next := current
	next.BusID = busID
	stale := ok && !u.Location.ObservedAt.After(current.Location.ObservedAt)
	if !stale {
		next.Location = u.Location
	}
	next.RouteName = u.RouteName
	next.StopIndex = 0
	if u.Resolve != nil {
		next.StopIndex = u.Resolve(next.Location)
	}
	return UpsertResult{State: next, Stale: stale}
}
