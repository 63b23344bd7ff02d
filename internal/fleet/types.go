package fleet

import (
	"errors"
	"time"
)

// ErrUnknownBus is returned by a Directory for a bus without a fleet record.
var ErrUnknownBus = errors.New("unknown bus")

type Source string

const (
	SourceTelemetry Source = "telemetry"
	SourceManual    Source = "manual"
)

// LocationReport is a single position observation, consumed once by the
// resolution pipeline.
type LocationReport struct {
	BusID      string
	Latitude   float64
	Longitude  float64
	ObservedAt time.Time
	Source     Source
	DeviceID   string // optional
}

func (r LocationReport) Location() Location {
	return Location{
		Latitude:   r.Latitude,
		Longitude:  r.Longitude,
		ObservedAt: r.ObservedAt,
		Source:     r.Source,
		DeviceID:   r.DeviceID,
	}
}

type Location struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	ObservedAt time.Time `json:"observedAt"`
	Source     Source    `json:"source,omitempty"`
	DeviceID   string    `json:"deviceId,omitempty"`
}

// BusState is the authoritative per-bus position and route progress.
type BusState struct {
	BusID     string   `json:"busId"`
	Location  Location `json:"location"`
	RouteName string   `json:"routeName,omitempty"`
	StopIndex int      `json:"stopIndex"`
}

// Bus is a fleet record as known to the external fleet registry.
type Bus struct {
	ID        string
	RouteName string // empty when no route is assigned
}
