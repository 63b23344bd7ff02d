package route

import "errors"

// ErrRouteNotFound is returned by a Provider when the named route does not exist.
var ErrRouteNotFound = errors.New("route not found")

type Stop struct {
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude"`  // nil when the stop has no coordinates
	Longitude *float64 `json:"longitude"` // nil when the stop has no coordinates
}

// HasCoordinates reports whether both coordinates are defined.
func (s Stop) HasCoordinates() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// Geometry is a read-only snapshot of a route's ordered stops and its
// rider-facing coverage area labels.
type Geometry struct {
	Name          string   `json:"name"`
	Stops         []Stop   `json:"stops"`
	CoverageAreas []string `json:"coverageAreas"`
}

type Point struct {
	Lat float64
	Lon float64
}

type CoverageStatus string

const (
	StatusPassed   CoverageStatus = "passed"
	StatusCurrent  CoverageStatus = "current"
	StatusUpcoming CoverageStatus = "upcoming"
)

type CoveragePoint struct {
	Label     string         `json:"label"`
	Latitude  *float64       `json:"latitude"`
	Longitude *float64       `json:"longitude"`
	Order     int            `json:"order"`
	Status    CoverageStatus `json:"status"`
}
