package filter

import "gpsrelay/internal/tracking"

const (
	ProviderGPS     = "gps"
	ProviderNetwork = "network"

	// maxProviderAge is how many seconds a competing provider's last sample
	// stays relevant.
	maxProviderAge = 11
)

// ProviderFusion picks between the gps and network location sources of one
// segment, preferring the more accurate one while both are fresh.
type ProviderFusion struct {
	segment     int64
	active      string
	gpsLast     *tracking.Point
	networkLast *tracking.Point
}

// Filter returns the fix and true when it should be forwarded to the
// smoother. Rejected fixes still update their provider's last sample.
func (f *ProviderFusion) Filter(p tracking.Point) (tracking.Point, bool) {
	if p.StartTimestamp != f.segment {
		f.segment = p.StartTimestamp
		f.gpsLast = nil
		f.networkLast = nil
	}

	other := f.networkLast
	switch p.Provider {
	case ProviderGPS:
		f.gpsLast = &p
	case ProviderNetwork:
		other = f.gpsLast
		f.networkLast = &p
	}

	if other == nil {
		f.active = p.Provider
		return p, true
	}

	if p.Timestamp > other.Timestamp+maxProviderAge {
		f.active = p.Provider
		return p, true
	}

	if p.Accuracy < other.Accuracy {
		f.active = p.Provider
	} else {
		f.active = other.Provider
	}
	if p.Provider == f.active {
		return p, true
	}
	return tracking.Point{}, false
}

// Active is the provider whose fixes are currently forwarded.
func (f *ProviderFusion) Active() string {
	return f.active
}
