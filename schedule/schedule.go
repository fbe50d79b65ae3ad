// Package schedule models the noise schedules (sigmas) that drive a
// sampling run: monotonically non-increasing noise levels, one per step
// boundary, final entry conventionally 0.
package schedule

import "math"

// Schedule is an ordered sequence of noise levels. Immutable once
// constructed; length is step_count+1.
type Schedule []float64

// Steps returns the number of sampling steps the schedule describes.
func (s Schedule) Steps() int {
	if len(s) < 2 {
		return 0
	}
	return len(s) - 1
}

// ClosestIndex returns the index whose value has the smallest absolute
// difference to level. The scan replaces the best index only on a
// strictly smaller difference, so duplicate values resolve to the
// lowest index. Returns 0 for an empty schedule.
func (s Schedule) ClosestIndex(level float64) int {
	minDiff := math.Inf(1)
	matched := 0
	for i, v := range s {
		diff := math.Abs(v - level)
		if diff < minDiff {
			minDiff = diff
			matched = i
		}
	}
	return matched
}

// Progress maps a noise level onto [0,1] sampling progress via the
// closest schedule index. Degenerate schedules (fewer than two entries)
// yield 0 rather than an error.
func (s Schedule) Progress(level float64) float64 {
	total := len(s) - 1
	if total <= 0 {
		return 0
	}
	p := float64(s.ClosestIndex(level)) / float64(total)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Linear builds the plain flow-matching schedule: steps+1 levels from
// 1 down to 0.
func Linear(steps int) Schedule {
	s := make(Schedule, steps+1)
	for i := 0; i <= steps; i++ {
		s[i] = 1 - float64(i)/float64(steps)
	}
	return s
}

// timeSNRShift biases a [0,1] noise level toward high noise for
// shift > 1; shift == 1 is the identity.
func timeSNRShift(shift, t float64) float64 {
	return shift * t / (1 + (shift-1)*t)
}

// Shifted builds a discrete-flow schedule with the given time-SNR
// shift applied to each linear level. shift=1 reproduces Linear.
func Shifted(steps int, shift float64) Schedule {
	s := Linear(steps)
	for i, v := range s {
		s[i] = timeSNRShift(shift, v)
	}
	return s
}

// SigmaMin and SigmaMax report the schedule bounds (last non-zero and
// first entry for a conventional descending schedule).
func (s Schedule) SigmaMax() float64 {
	if len(s) == 0 {
		return 0
	}
	return s[0]
}

func (s Schedule) SigmaMin() float64 {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] > 0 {
			return s[i]
		}
	}
	return 0
}
