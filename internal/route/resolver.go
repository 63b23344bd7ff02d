package route

// ArrivalThresholdMeters is the distance below which a bus counts as being at a stop.
const ArrivalThresholdMeters = 500.0

// ResolveStopIndex decides a bus's stop index from the nearest-stop match.
//
// Within the arrival threshold the bus is at the nearest stop. Otherwise it is
// between stops and is assumed to have passed the one before the nearest.
// previousIndex is accepted for interface stability but does not influence the
// result: a bus far from every stop right after the terminus can appear to move
// backwards.
func ResolveStopIndex(previousIndex int, nearest Nearest, g *Geometry) int {
	if g == nil || len(g.Stops) == 0 {
		return 0
	}
	if !nearest.Found() {
		return 0
	}
	if nearest.Distance < ArrivalThresholdMeters {
		return nearest.Index
	}
	return max(0, nearest.Index-1)
}

// StopIndexAt runs the matcher and the resolver for a single location.
func StopIndexAt(p Point, g *Geometry) int {
	if g == nil || len(g.Stops) == 0 {
		return 0
	}
	return ResolveStopIndex(0, NearestStop(p, g.Stops), g)
}
