// Package transmission implements TransmissionTask and TransmissionCoordinator
// (spec.md §4.4): the unit that drives a payload through either a
// ReliableChannel or a raw Transport, chunk by chunk, with cancel/pause
// control and throttled progress reporting.
package transmission

import "time"

// ProgressThrottle gates progress callbacks so a tight per-chunk loop
// doesn't flood the UI: it allows at most one report per interval, except
// the final report (isFinal) which always passes through. Grounded on
// original_source/Common/ProgressReportingStrategy.h's time-and-delta gate.
type ProgressThrottle struct {
	interval time.Duration
	lastTime time.Time
	fired    bool
}

// NewProgressThrottle builds a throttle with the given minimum interval
// between reports. An interval of zero reports every call.
func NewProgressThrottle(interval time.Duration) *ProgressThrottle {
	return &ProgressThrottle{interval: interval}
}

// Allow reports whether a progress update should fire now. isFinal always
// allows through so the last chunk's progress is never swallowed.
func (p *ProgressThrottle) Allow(now time.Time, isFinal bool) bool {
	if isFinal {
		p.lastTime = now
		p.fired = true
		return true
	}
	if !p.fired || now.Sub(p.lastTime) >= p.interval {
		p.lastTime = now
		p.fired = true
		return true
	}
	return false
}

// Progress is the value handed to a TransmissionTask's OnProgress callback.
type Progress struct {
	BytesDone  uint64
	BytesTotal uint64
}

// Percent returns the completion fraction in [0,100], or 0 if BytesTotal is 0.
func (p Progress) Percent() float64 {
	if p.BytesTotal == 0 {
		return 0
	}
	return float64(p.BytesDone) / float64(p.BytesTotal) * 100
}

// Result is handed to a TransmissionTask's OnComplete callback once the
// task reaches a terminal state.
type Result struct {
	FinalState TaskState
	Err        error
	Duration   time.Duration
}
