package filter

import (
	"gpsrelay/internal/shared/geo"
	"gpsrelay/internal/tracking"
)

const (
	DefaultMinAccuracy  = 1.0
	DefaultProcessNoise = 1.0
)

// Options tune the positional smoother.
type Options struct {
	// MinAccuracy is the floor, in meters, applied to reported accuracy.
	MinAccuracy float64
	// ProcessNoise is how fast, in meters per second, the position
	// uncertainty grows between fixes.
	ProcessNoise float64
}

func (o Options) withDefaults() Options {
	if o.MinAccuracy <= 0 {
		o.MinAccuracy = DefaultMinAccuracy
	}
	if o.ProcessNoise <= 0 {
		o.ProcessNoise = DefaultProcessNoise
	}
	return o
}

// kalmanState is a single-variance Kalman estimate of a position.
type kalmanState struct {
	lat, lng   float64
	variance   float64
	lastMillis int64
}

func seedKalman(p tracking.Point) *kalmanState {
	return &kalmanState{
		lat:        p.Lat,
		lng:        p.Lng,
		variance:   p.Accuracy * p.Accuracy,
		lastMillis: p.Timestamp * 1000,
	}
}

func (k *kalmanState) update(p tracking.Point, opts Options) {
	accuracy := p.Accuracy
	if accuracy < opts.MinAccuracy {
		accuracy = opts.MinAccuracy
	}

	fixMillis := p.Timestamp * 1000
	if dt := fixMillis - k.lastMillis; dt > 0 {
		k.variance += float64(dt) * opts.ProcessNoise * opts.ProcessNoise / 1000
		k.lastMillis = fixMillis
	}

	gain := k.variance / (k.variance + accuracy*accuracy)
	k.lat += gain * (p.Lat - k.lat)
	k.lng += gain * (p.Lng - k.lng)
	k.variance *= 1 - gain
}

// Smoother runs the Kalman estimate of one segment and accumulates the
// distance travelled by the smoothed position.
type Smoother struct {
	opts     Options
	segment  int64
	state    *kalmanState
	count    int
	distance float64
	lastStep float64
}

func NewSmoother(opts Options) *Smoother {
	return &Smoother{opts: opts.withDefaults()}
}

// Process feeds one accepted fix and returns the smoothed position.
func (s *Smoother) Process(p tracking.Point) (lat, lng float64) {
	s.count++

	if s.state == nil || s.segment != p.StartTimestamp {
		s.state = seedKalman(p)
		s.segment = p.StartTimestamp
		s.distance = 0
		s.lastStep = 0
		return s.state.lat, s.state.lng
	}

	oldLat, oldLng := s.state.lat, s.state.lng
	s.state.update(p, s.opts)
	s.lastStep = geo.HaversineMeters(oldLat, oldLng, s.state.lat, s.state.lng)
	s.distance += s.lastStep
	return s.state.lat, s.state.lng
}

// Distance is the cumulative smoothed distance of the segment in meters.
func (s *Smoother) Distance() float64 { return s.distance }

// LastStep is the distance added by the most recent fix.
func (s *Smoother) LastStep() float64 { return s.lastStep }
