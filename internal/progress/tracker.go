package progress

import "time"

// Report is what a poller sees.
type Report struct {
	Fraction float64
	ETA      time.Duration
}

// Tracker remembers the highest fraction handed out for one job so that a
// slower-than-predicted block never makes the reported progress go backwards.
// It is not synchronized; the owner serializes access.
type Tracker struct {
	est  *Estimator
	high float64
}

// NewTracker starts tracking at zero.
func NewTracker(est *Estimator) *Tracker {
	return &Tracker{est: est}
}

// Observe computes the current estimate and clamps it to the high-water mark.
func (t *Tracker) Observe(s Sample, r Rate, now time.Time) Report {
	fraction, eta := t.est.Estimate(s, r, now)
	if fraction < t.high {
		fraction = t.high
		eta = t.est.ETA(fraction, s.TotalChars, r)
	}
	t.high = fraction
	return Report{Fraction: fraction, ETA: eta}
}

// Finish pins the tracker at completion.
func (t *Tracker) Finish() Report {
	t.high = 1
	return Report{Fraction: 1}
}

// High returns the highest fraction reported so far.
func (t *Tracker) High() float64 { return t.high }
