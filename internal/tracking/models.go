package tracking

import (
	"encoding/json"
	"time"
)

type Tracking struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started"`
}

// Segment is one continuous recording session ("log") of a tracking. It is
// addressed externally by the unix second it started at.
type Segment struct {
	ID             int64     `json:"id"`
	TrackingID     int64     `json:"tracking_id"`
	Started        time.Time `json:"started"`
	Last           time.Time `json:"last"`
	DistanceMeters float64   `json:"distance"`
	Active         bool      `json:"active"`
}

func (s Segment) Key() int64 {
	return s.Started.Unix()
}

// RawFix carries the device-reported fields exactly as received.
type RawFix struct {
	Lat            string `json:"lat"`
	Lon            string `json:"lon"`
	Sat            string `json:"sat,omitempty"`
	Alt            string `json:"alt"`
	Acc            string `json:"acc"`
	Dir            string `json:"dir,omitempty"`
	Prov           string `json:"prov"`
	Spd            string `json:"spd,omitempty"`
	Timestamp      string `json:"timestamp"`
	TimeOffset     string `json:"timeoffset,omitempty"`
	Time           string `json:"time,omitempty"`
	StartTimestamp string `json:"starttimestamp"`
	Date           string `json:"date,omitempty"`
	Batt           string `json:"batt,omitempty"`
}

// Point is a typed fix. Produced by parsing a RawFix and, after smoothing,
// emitted as a filtered point.
type Point struct {
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	Accuracy       float64 `json:"accuracy"`
	Alt            float64 `json:"alt"`
	Timestamp      int64   `json:"timestamp"`
	StartTimestamp int64   `json:"startTimestamp"`
	Provider       string  `json:"provider"`
}

// RawPointMsg is the value of a message on the raw fix topic.
type RawPointMsg struct {
	Key   string          `json:"key"`
	Point json.RawMessage `json:"point"`
}

// PointMsg is the value of a message on the filtered point topic.
type PointMsg struct {
	Key   string `json:"key"`
	Point Point  `json:"point"`
}

// SegmentUpdateMsg is published whenever a segment's distance or last fix
// time changes.
type SegmentUpdateMsg struct {
	Key      string  `json:"key"`
	LogID    int64   `json:"logId"`
	Started  int64   `json:"started"`
	Distance float64 `json:"distance"`
	Last     int64   `json:"last"`
}
