package route

import "github.com/twpayne/go-polyline"

// EncodedPolyline returns the Google encoded polyline through the route's
// stops that have coordinates, in route order.
func (g *Geometry) EncodedPolyline() string {
	if g == nil {
		return ""
	}
	coords := make([][]float64, 0, len(g.Stops))
	for _, s := range g.Stops {
		if !s.HasCoordinates() {
			continue
		}
		coords = append(coords, []float64{*s.Latitude, *s.Longitude})
	}
	if len(coords) == 0 {
		return ""
	}
	return string(polyline.EncodeCoords(coords))
}
