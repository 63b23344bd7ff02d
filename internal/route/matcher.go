package route

import "math"

const earthRadiusMeters = 6371000.0

// Nearest is the result of matching a point against a route's stops.
// Distance is +Inf when no stop has coordinates.
type Nearest struct {
	Index    int
	Distance float64 // meters
}

// Found reports whether the match refers to an actual stop.
func (n Nearest) Found() bool { return !math.IsInf(n.Distance, 1) }

// NearestStop returns the index of the stop closest to p and the great-circle
// distance to it. Stops without coordinates are skipped.
func NearestStop(p Point, stops []Stop) Nearest {
	best := Nearest{Index: 0, Distance: math.Inf(1)}
	for i, s := range stops {
		if !s.HasCoordinates() {
			continue
		}
		d := Haversine(p.Lat, p.Lon, *s.Latitude, *s.Longitude)
		if d < best.Distance {
			best = Nearest{Index: i, Distance: d}
		}
	}
	return best
}

// Haversine returns the great-circle distance in meters between two points
// given in degrees, on a sphere of radius earthRadiusMeters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	sinDPhi := math.Sin((phi2 - phi1) / 2)
	sinDLambda := math.Sin((lon2 - lon1) * math.Pi / 360)
	h := sinDPhi*sinDPhi + math.Cos(phi1)*math.Cos(phi2)*sinDLambda*sinDLambda
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(min(1, h)))
}
