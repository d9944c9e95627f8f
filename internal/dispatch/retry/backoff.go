// Package retry maps attempt counts onto backoff delays for dispatch and
// status polling.
package retry

import "time"

// Schedule is a finite ordered backoff table indexed by attempt number.
// Attempts beyond the table length clamp to the last entry.
type Schedule struct {
	delays []time.Duration
}

func NewSchedule(delays []time.Duration) Schedule {
	copied := make([]time.Duration, len(delays))
	copy(copied, delays)
	return Schedule{delays: copied}
}

// DefaultDispatchSchedule covers transient send failures, which are expected
// to clear quickly.
func DefaultDispatchSchedule() Schedule {
	return NewSchedule([]time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour})
}

// DefaultPollSchedule covers delivery confirmation, which routinely takes
// days on the receiving side.
func DefaultPollSchedule() Schedule {
	return NewSchedule([]time.Duration{
		time.Minute, 5 * time.Minute, 10 * time.Minute, 30 * time.Minute,
		time.Hour, 6 * time.Hour, 24 * time.Hour, 7 * 24 * time.Hour,
	})
}

// NextDelay returns the delay for the given attempt count, clamped to the
// last table entry.
func (s Schedule) NextDelay(attempt int) time.Duration {
	if len(s.delays) == 0 {
		return 0
	}
	idx := attempt
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.delays) {
		idx = len(s.delays) - 1
	}
	return s.delays[idx]
}

// NextRetryAt computes the next attempt time from now.
func (s Schedule) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(s.NextDelay(attempt))
}

func (s Schedule) Len() int { return len(s.delays) }
