package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrMalformedFix = errors.New("malformed fix")

// DecodeFix parses a raw fix document as received from a device.
func DecodeFix(raw []byte) (Point, error) {
	var fix RawFix
	if err := json.Unmarshal(raw, &fix); err != nil {
		return Point{}, fmt.Errorf("%w: %v", ErrMalformedFix, err)
	}
	return fix.Parse()
}

// Parse converts the string fields of a raw fix into a Point.
func (r RawFix) Parse() (Point, error) {
	lat, err := parseFloat("lat", r.Lat)
	if err != nil {
		return Point{}, err
	}
	lng, err := parseFloat("lon", r.Lon)
	if err != nil {
		return Point{}, err
	}
	acc, err := parseFloat("acc", r.Acc)
	if err != nil {
		return Point{}, err
	}
	alt := 0.0
	if strings.TrimSpace(r.Alt) != "" {
		if alt, err = parseFloat("alt", r.Alt); err != nil {
			return Point{}, err
		}
	}
	ts, err := ParseSeconds("timestamp", r.Timestamp)
	if err != nil {
		return Point{}, err
	}
	start, err := ParseSeconds("starttimestamp", r.StartTimestamp)
	if err != nil {
		return Point{}, err
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return Point{}, fmt.Errorf("%w: coordinates out of range (%v, %v)", ErrMalformedFix, lat, lng)
	}
	if acc < 0 {
		return Point{}, fmt.Errorf("%w: negative accuracy %v", ErrMalformedFix, acc)
	}

	return Point{
		Lat:            lat,
		Lng:            lng,
		Accuracy:       acc,
		Alt:            alt,
		Timestamp:      ts,
		StartTimestamp: start,
		Provider:       r.Prov,
	}, nil
}

func parseFloat(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s=%q", ErrMalformedFix, field, s)
	}
	return v, nil
}

// maxSeconds keeps a timestamp convertible to milliseconds.
const maxSeconds = math.MaxInt64 / 1000

// ParseSeconds reads a raw fix field holding unix seconds. Integral and
// fractional values are accepted; fractions are truncated.
func ParseSeconds(field, s string) (int64, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		if v > maxSeconds || v < -maxSeconds {
			return 0, fmt.Errorf("%w: %s=%q out of range", ErrMalformedFix, field, s)
		}
		return v, nil
	}
	v, err := parseFloat(field, s)
	if err != nil {
		return 0, err
	}
	if v > maxSeconds || v < -maxSeconds {
		return 0, fmt.Errorf("%w: %s=%q out of range", ErrMalformedFix, field, s)
	}
	return int64(v), nil
}
