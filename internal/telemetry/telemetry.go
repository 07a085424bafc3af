// Package telemetry holds the wire schema of the vehicle telemetry feed: how
// subjects address vehicles and how payloads are validated into samples.
package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"fleet-tracker/internal/model"
)

var (
	// ErrMalformed marks input that can never be processed and must be dropped.
	ErrMalformed = errors.New("malformed telemetry")
	// ErrFromFuture marks a sample stamped further ahead of the receiver's
	// clock than the configured skew allows.
	ErrFromFuture = errors.New("telemetry timestamp in the future")
)

// maxTimestamp is 9999-12-31T23:59:59Z, the last instant that still encodes
// as RFC 3339.
const maxTimestamp = 253402300799

// DefaultSubject is the dotted form of vehicles/{vehicleId}/telemetry.
const DefaultSubject = "vehicles.*.telemetry"

// Pattern is a subject pattern with exactly one single-token wildcard that
// carries the vehicle id.
type Pattern struct {
	raw      string
	tokens   []string
	idxToken int
}

func ParsePattern(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	tokens := strings.Split(s, ".")
	idx := -1
	for i, tok := range tokens {
		switch {
		case tok == "":
			return Pattern{}, fmt.Errorf("subject pattern %q has an empty token", s)
		case tok == ">":
			return Pattern{}, fmt.Errorf("subject pattern %q: '>' is not supported", s)
		case tok == "*":
			if idx >= 0 {
				return Pattern{}, fmt.Errorf("subject pattern %q has more than one wildcard", s)
			}
			idx = i
		}
	}
	if idx < 0 {
		return Pattern{}, fmt.Errorf("subject pattern %q has no vehicle wildcard", s)
	}
	return Pattern{raw: s, tokens: tokens, idxToken: idx}, nil
}

// String returns the pattern in a form suitable for subscribing.
func (p Pattern) String() string { return p.raw }

// VehicleID extracts the vehicle id from a concrete subject.
func (p Pattern) VehicleID(subject string) (string, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != len(p.tokens) {
		return "", false
	}
	for i, tok := range p.tokens {
		if i == p.idxToken {
			if parts[i] == "" {
				return "", false
			}
			continue
		}
		if parts[i] != tok {
			return "", false
		}
	}
	return parts[p.idxToken], true
}

// Subject renders the concrete subject for a vehicle.
func (p Pattern) Subject(vehicleID string) string {
	out := make([]string, len(p.tokens))
	copy(out, p.tokens)
	out[p.idxToken] = SubjectToken(vehicleID)
	return strings.Join(out, ".")
}

// SubjectToken makes s safe to use as a single NATS subject token.
func SubjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

// Payload is the JSON body published by vehicles. Pointers distinguish a
// missing field from a zero value.
type Payload struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Speed     *float64 `json:"speed"`
	Timestamp *float64 `json:"timestamp"` // seconds since epoch
	Heading   *float64 `json:"heading,omitempty"`
}

// Decode validates a raw payload for vehicle and returns the typed sample.
// Every failure wraps ErrMalformed.
func Decode(vehicle string, data []byte) (model.TelemetrySample, error) {
	if strings.TrimSpace(vehicle) == "" {
		return model.TelemetrySample{}, fmt.Errorf("%w: empty vehicle id", ErrMalformed)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return model.TelemetrySample{}, fmt.Errorf("%w: payload is not a JSON object", ErrMalformed)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return model.TelemetrySample{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p.Sample(vehicle)
}

// Sample checks required fields and ranges.
func (p Payload) Sample(vehicle string) (model.TelemetrySample, error) {
	var missing []string
	if p.Latitude == nil {
		missing = append(missing, "latitude")
	}
	if p.Longitude == nil {
		missing = append(missing, "longitude")
	}
	if p.Speed == nil {
		missing = append(missing, "speed")
	}
	if p.Timestamp == nil {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return model.TelemetrySample{}, fmt.Errorf("%w: missing %s", ErrMalformed, strings.Join(missing, ", "))
	}

	if ts := *p.Timestamp; ts <= 0 || ts > maxTimestamp || math.IsNaN(ts) {
		return model.TelemetrySample{}, fmt.Errorf("%w: invalid timestamp %v", ErrMalformed, ts)
	}

	s := model.TelemetrySample{
		VehicleNumber: vehicle,
		Latitude:      *p.Latitude,
		Longitude:     *p.Longitude,
		Speed:         *p.Speed,
		Timestamp:     unixSeconds(*p.Timestamp),
	}
	if !s.Position().Valid() {
		return model.TelemetrySample{}, fmt.Errorf("%w: position (%v, %v) out of range", ErrMalformed, s.Latitude, s.Longitude)
	}
	if s.Speed < 0 || math.IsNaN(s.Speed) || math.IsInf(s.Speed, 0) {
		return model.TelemetrySample{}, fmt.Errorf("%w: invalid speed %v", ErrMalformed, s.Speed)
	}
	if p.Heading != nil {
		h := *p.Heading
		if h < 0 || h > 360 {
			return model.TelemetrySample{}, fmt.Errorf("%w: heading %v out of range", ErrMalformed, h)
		}
		s.Heading = &h
	}
	return s, nil
}

// CheckSkew rejects a sample stamped more than maxSkew after now. A zero
// maxSkew disables the check.
func CheckSkew(s model.TelemetrySample, now time.Time, maxSkew time.Duration) error {
	if maxSkew <= 0 {
		return nil
	}
	if ahead := s.Timestamp.Sub(now); ahead > maxSkew {
		return fmt.Errorf("%w: %s ahead of receiver clock", ErrFromFuture, ahead.Round(time.Second))
	}
	return nil
}

// Encode renders a sample back into the wire payload.
func Encode(s model.TelemetrySample) ([]byte, error) {
	lat, lon, speed := s.Latitude, s.Longitude, s.Speed
	ts := float64(s.Timestamp.UnixNano()) / float64(time.Second)
	return json.Marshal(Payload{
		Latitude:  &lat,
		Longitude: &lon,
		Speed:     &speed,
		Timestamp: &ts,
		Heading:   s.Heading,
	})
}

func unixSeconds(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC()
}
