package route

import (
	"regexp"
	"strings"
)

var (
	parenthetical = regexp.MustCompile(`\(.*?\)`)
	nonAlnum      = regexp.MustCompile(`[^0-9a-zA-Z ]`)
)

func normalizeName(name string) string {
	s := parenthetical.ReplaceAllString(name, "")
	s = nonAlnum.ReplaceAllString(s, "")
	return strings.ToLower(strings.TrimSpace(s))
}

// Project builds the rider-facing timeline for a route at the given stop index.
// Each coverage label is resolved to a stop by exact normalized name, then by
// containment; unmatched labels keep the label with nil coordinates. Order is
// the label's position, and status compares that position to stopIndex.
func Project(g *Geometry, stopIndex int) []CoveragePoint {
	if g == nil {
		return []CoveragePoint{}
	}
	normStops := make([]string, len(g.Stops))
	for i, s := range g.Stops {
		normStops[i] = normalizeName(s.Name)
	}

	points := make([]CoveragePoint, 0, len(g.CoverageAreas))
	for order, label := range g.CoverageAreas {
		cp := CoveragePoint{Label: label, Order: order, Status: statusFor(order, stopIndex)}
		if i := matchStop(normalizeName(label), normStops); i >= 0 {
			s := g.Stops[i]
			cp.Label = s.Name
			cp.Latitude = copyFloat(s.Latitude)
			cp.Longitude = copyFloat(s.Longitude)
		}
		points = append(points, cp)
	}
	return points
}

func matchStop(norm string, normStops []string) int {
	// an empty key would contain-match every stop
	if norm == "" {
		return -1
	}
	for i, s := range normStops {
		if s == norm {
			return i
		}
	}
	for i, s := range normStops {
		if strings.Contains(s, norm) {
			return i
		}
	}
	return -1
}

func statusFor(order, stopIndex int) CoverageStatus {
	switch {
	case order < stopIndex:
		return StatusPassed
	case order == stopIndex:
		return StatusCurrent
	default:
		return StatusUpcoming
	}
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
