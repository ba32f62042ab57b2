package filter

import "gpsrelay/internal/tracking"

// Engine is the per-segment filter pipeline: a monotonic timestamp guard,
// provider fusion and the positional smoother.
type Engine struct {
	fusion        ProviderFusion
	smoother      *Smoother
	lastTimestamp int64
	started       bool
}

func NewEngine(opts Options) *Engine {
	return &Engine{smoother: NewSmoother(opts)}
}

// Process returns the smoothed point for p, or false when p is a duplicate,
// arrives out of order, or loses provider fusion.
func (e *Engine) Process(p tracking.Point) (tracking.Point, bool) {
	if e.started && p.Timestamp <= e.lastTimestamp {
		return tracking.Point{}, false
	}

	accepted, ok := e.fusion.Filter(p)
	if !ok {
		return tracking.Point{}, false
	}

	e.started = true
	e.lastTimestamp = accepted.Timestamp
	out := accepted
	out.Lat, out.Lng = e.smoother.Process(accepted)
	return out, true
}

func (e *Engine) clone() *Engine {
	c := *e
	smoother := *e.smoother
	if smoother.state != nil {
		state := *smoother.state
		smoother.state = &state
	}
	c.smoother = &smoother
	return &c
}

// LastTimestamp is the timestamp of the last accepted fix.
func (e *Engine) LastTimestamp() int64 { return e.lastTimestamp }

func (e *Engine) Distance() float64 { return e.smoother.Distance() }

func (e *Engine) LastStep() float64 { return e.smoother.LastStep() }
