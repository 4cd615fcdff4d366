package pipeline

import "time"

const (
	rateSamples    = 10
	rateMultiplier = 4
)

// RateController adapts the capture interval to observed inference latency.
// Every rateSamples observations the average is recomputed and, when enabled,
// the interval becomes max(avg*rateMultiplier, floor).
type RateController struct {
	interval time.Duration
	floor    time.Duration
	enabled  bool

	sum     time.Duration
	samples int
	average time.Duration
}

// NewRateController starts at initial, never going below floor
func NewRateController(initial, floor time.Duration, enabled bool) *RateController {
	return &RateController{
		interval: initial,
		floor:    floor,
		enabled:  enabled,
	}
}

// Observe records one latency sample. It returns the interval to use next and
// whether the average was recomputed.
func (r *RateController) Observe(latency time.Duration) (time.Duration, bool) {
	r.sum += latency
	r.samples++
	if r.samples < rateSamples {
		return r.interval, false
	}

	avg := r.sum / rateSamples
	r.average = avg
	r.sum = 0
	r.samples = 0

	if r.enabled && avg > 0 {
		r.interval = max(avg*rateMultiplier, r.floor)
	}
	return r.interval, true
}

// Interval returns the current capture interval
func (r *RateController) Interval() time.Duration {
	return r.interval
}

// Average returns the last computed average latency, zero before the first window completes
func (r *RateController) Average() time.Duration {
	return r.average
}

// Enabled reports whether adaptation is on
func (r *RateController) Enabled() bool {
	return r.enabled
}

// SetEnabled turns adaptation on or off. Disabling freezes the current interval.
func (r *RateController) SetEnabled(enabled bool) {
	r.enabled = enabled
}

// SetInterval overrides the current interval
func (r *RateController) SetInterval(d time.Duration) {
	r.interval = d
}
