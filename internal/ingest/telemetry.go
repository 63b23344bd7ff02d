package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"bus-tracker/internal/fleet"
)

var ErrMalformedPayload = errors.New("malformed telemetry payload")

// SubjectPattern matches telemetry subjects such as fleet.bus.BUS1.location
// against a pattern with a single wildcard token (* or +) holding the bus id.
// Tokens may be separated by '.' or '/'.
type SubjectPattern struct {
	tokens   []string
	wildcard int
}

func splitSubject(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '/' })
}

func NewSubjectPattern(pattern string) (SubjectPattern, error) {
	tokens := splitSubject(pattern)
	wildcard := -1
	for i, t := range tokens {
		if t == "*" || t == "+" {
			if wildcard >= 0 {
				return SubjectPattern{}, fmt.Errorf("subject pattern %q has more than one wildcard", pattern)
			}
			wildcard = i
		}
	}
	if wildcard < 0 {
		return SubjectPattern{}, fmt.Errorf("subject pattern %q has no wildcard token", pattern)
	}
	return SubjectPattern{tokens: tokens, wildcard: wildcard}, nil
}

// BusID extracts the bus id from a concrete subject.
func (p SubjectPattern) BusID(subject string) (string, bool) {
	tokens := splitSubject(subject)
	if len(tokens) != len(p.tokens) {
		return "", false
	}
	for i, t := range p.tokens {
		if i == p.wildcard {
			continue
		}
		if tokens[i] != t {
			return "", false
		}
	}
	return tokens[p.wildcard], tokens[p.wildcard] != ""
}

// coord accepts a JSON number or a numeric string.
type coord float64

func (c *coord) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return err
		}
		*c = coord(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*c = coord(v)
	return nil
}

// telemetryPayload accepts both key spellings emitted by the on-board devices.
type telemetryPayload struct {
	Latitude  *coord          `json:"latitude"`
	Lat       *coord          `json:"lat"`
	Longitude *coord          `json:"longitude"`
	Long      *coord          `json:"long"`
	DeviceID  json.RawMessage `json:"device_id"`
}

// DecodeTelemetry turns an inbound message into a telemetry LocationReport
// stamped with the arrival time. JSON objects are decoded as the flat device
// payload; anything else is tried as a GTFS-Realtime VehiclePosition.
func DecodeTelemetry(p SubjectPattern, subject string, data []byte, receivedAt time.Time) (fleet.LocationReport, error) {
	busID, ok := p.BusID(subject)
	if !ok {
		return fleet.LocationReport{}, fmt.Errorf("%w: unexpected subject %q", ErrMalformedPayload, subject)
	}
	var (
		lat, lon float64
		deviceID string
		err      error
	)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		lat, lon, deviceID, err = decodeJSON(trimmed)
	} else {
		lat, lon, deviceID, err = decodeVehiclePosition(data)
	}
	if err != nil {
		return fleet.LocationReport{}, err
	}
	if err := ValidateCoordinates(lat, lon); err != nil {
		return fleet.LocationReport{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return fleet.LocationReport{
		BusID:      busID,
		Latitude:   lat,
		Longitude:  lon,
		ObservedAt: receivedAt,
		Source:     fleet.SourceTelemetry,
		DeviceID:   deviceID,
	}, nil
}

func decodeJSON(data []byte) (lat, lon float64, deviceID string, err error) {
	var pl telemetryPayload
	if err := json.Unmarshal(data, &pl); err != nil {
		return 0, 0, "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	latV := firstCoord(pl.Latitude, pl.Lat)
	lonV := firstCoord(pl.Longitude, pl.Long)
	if latV == nil || lonV == nil {
		return 0, 0, "", fmt.Errorf("%w: missing latitude or longitude", ErrMalformedPayload)
	}
	return float64(*latV), float64(*lonV), rawString(pl.DeviceID), nil
}

func decodeVehiclePosition(data []byte) (lat, lon float64, deviceID string, err error) {
	var vp gtfs.VehiclePosition
	if err := proto.Unmarshal(data, &vp); err != nil {
		return 0, 0, "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	pos := vp.GetPosition()
	if pos == nil {
		return 0, 0, "", fmt.Errorf("%w: vehicle position without coordinates", ErrMalformedPayload)
	}
	return float64(pos.GetLatitude()), float64(pos.GetLongitude()), vp.GetVehicle().GetId(), nil
}

func firstCoord(cs ...*coord) *coord {
	for _, c := range cs {
		if c != nil {
			return c
		}
	}
	return nil
}

// rawString renders a JSON string or number as text; null and other kinds are empty.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// ValidateCoordinates rejects non-finite or out-of-range coordinates.
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range", lat)
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %v out of range", lon)
	}
	return nil
}
