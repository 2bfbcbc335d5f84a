package poll

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

const (
	// Immediate schedules the next tick as soon as the runtime allows.
	Immediate time.Duration = 0

	// Never disables automatic ticks. Stopped and disposed polls use it.
	Never time.Duration = math.MaxInt64

	// DefaultJitter is the jitter quantity used when jitter is simply "on".
	DefaultJitter = 0.25

	DefaultInterval = time.Second
	DefaultMin      = 100 * time.Millisecond
)

// Frequency describes how often a poll ticks and how it backs off.
//
// Zero fields are resolved to defaults by New/SetFrequency:
//   - Interval: 1s
//   - Max: 10x Interval (Never when Interval is Never)
//   - Min: 100ms, or Interval when that is smaller
//   - Jitter: 0 (disabled)
//
// A validated Frequency is never mutated in place; use SetFrequency to replace it.
type Frequency struct {
	Interval time.Duration
	Jitter   float64
	Max      time.Duration
	Min      time.Duration
}

// WithDefaults returns f with zero fields resolved.
func (f Frequency) WithDefaults() Frequency {
	if f.Interval == 0 {
		f.Interval = DefaultInterval
	}
	if f.Max == 0 {
		switch {
		case f.Interval == Never:
			f.Max = Never
		case f.Interval > Never/10:
			f.Max = Never
		default:
			f.Max = f.Interval * 10
		}
	}
	if f.Min == 0 {
		f.Min = DefaultMin
		if f.Interval < f.Min {
			f.Min = f.Interval
		}
	}
	return f
}

// Validate enforces Min <= Interval <= Max.
func (f Frequency) Validate() error {
	if f.Interval < 0 || f.Min < 0 || f.Max < 0 {
		return fmt.Errorf("%w: durations must be >= 0 (interval=%s min=%s max=%s)", ErrInvalidFrequency, fmtInterval(f.Interval), fmtInterval(f.Min), fmtInterval(f.Max))
	}
	if f.Min > f.Max {
		return fmt.Errorf("%w: min %s exceeds max %s", ErrInvalidFrequency, fmtInterval(f.Min), fmtInterval(f.Max))
	}
	if f.Min > f.Interval {
		return fmt.Errorf("%w: min %s exceeds interval %s", ErrInvalidFrequency, fmtInterval(f.Min), fmtInterval(f.Interval))
	}
	if f.Interval > f.Max {
		return fmt.Errorf("%w: interval %s exceeds max %s", ErrInvalidFrequency, fmtInterval(f.Interval), fmtInterval(f.Max))
	}
	if math.IsNaN(f.Jitter) || math.IsInf(f.Jitter, 0) {
		return fmt.Errorf("%w: jitter must be finite", ErrInvalidFrequency)
	}
	return nil
}

// NextInterval applies jitter to base and clamps the result to [min, max].
//
// A zero jitter returns base unchanged. Otherwise abs(jitter) is the fraction of
// base that may be added or subtracted, with a uniformly random sign.
// Never is returned as-is. A nil rng uses the global source.
func NextInterval(base time.Duration, jitter float64, min, max time.Duration, rng *rand.Rand) time.Duration {
	if base == Never {
		return Never
	}
	if base < 0 {
		base = 0
	}
	if jitter == 0 {
		return base
	}
	q := math.Abs(jitter)

	var r float64
	var negative bool
	if rng != nil {
		r = rng.Float64()
		negative = rng.Intn(2) == 0
	} else {
		r = rand.Float64()
		negative = rand.Intn(2) == 0
	}

	delta := math.Round(r * float64(base) * q)
	if negative {
		delta = -delta
	}
	d := float64(base) + delta
	if d < float64(min) {
		return min
	}
	if d >= float64(max) {
		return max
	}
	return time.Duration(d)
}

// backoffBase returns the pre-jitter interval that follows a failure.
// Consecutive failures double the previous interval up to f.Max.
func backoffBase(prev Phase, prevInterval time.Duration, f Frequency) time.Duration {
	if prev != PhaseRejected || prevInterval == Never || prevInterval <= 0 {
		return f.Interval
	}
	if prevInterval > f.Max/2 {
		return f.Max
	}
	d := prevInterval * 2
	if d > f.Max {
		d = f.Max
	}
	return d
}

func fmtInterval(d time.Duration) string {
	if d == Never {
		return "never"
	}
	return d.String()
}
