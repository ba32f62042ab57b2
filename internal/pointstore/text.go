package pointstore

import (
	"strconv"
	"strings"
)

// TextRecord is one line of a concatenated text log: either a segment marker
// or a point belonging to the most recent marker.
type TextRecord struct {
	Segment   int64
	Marker    bool
	Timestamp int64
	Lat       float64
	Lng       float64
}

// ParseText walks a concatenated text log and calls fn for every marker and
// well-formed point line. Malformed lines are skipped. Iteration stops early
// when fn returns false.
func ParseText(data string, fn func(TextRecord) bool) {
	var segment int64
	for len(data) > 0 {
		var line string
		if i := strings.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			line, data = data, ""
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#log") {
			start, err := strconv.ParseInt(strings.TrimSpace(line[len("#log"):]), 10, 64)
			if err != nil {
				continue
			}
			segment = start
			if !fn(TextRecord{Segment: segment, Marker: true}) {
				return
			}
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			continue
		}
		ts, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		lng, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			continue
		}
		if !fn(TextRecord{Segment: segment, Timestamp: ts, Lat: lat, Lng: lng}) {
			return
		}
	}
}
