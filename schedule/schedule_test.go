package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClosestIndex(t *testing.T) {
	t.Run("picks nearest level", func(t *testing.T) {
		s := Schedule{1.0, 0.5, 0.0}
		assert.Equal(t, 1, s.ClosestIndex(0.49))
		assert.Equal(t, 0, s.ClosestIndex(0.9))
		assert.Equal(t, 2, s.ClosestIndex(0.1))
	})

	t.Run("first minimal difference wins on duplicates", func(t *testing.T) {
		s := Schedule{1.0, 0.5, 0.5, 0.0}
		assert.Equal(t, 1, s.ClosestIndex(0.5))
	})

	t.Run("empty schedule yields zero", func(t *testing.T) {
		assert.Equal(t, 0, Schedule{}.ClosestIndex(0.3))
	})
}

func TestProgress(t *testing.T) {
	t.Run("maps matched index onto [0,1]", func(t *testing.T) {
		s := Schedule{1.0, 0.5, 0.0}
		assert.Equal(t, 0.5, s.Progress(0.49))
		assert.Equal(t, 0.0, s.Progress(1.0))
		assert.Equal(t, 1.0, s.Progress(0.0))
	})

	t.Run("degenerate schedules yield zero", func(t *testing.T) {
		assert.Equal(t, 0.0, Schedule{}.Progress(0.5))
		assert.Equal(t, 0.0, Schedule{0.7}.Progress(0.5))
	})
}

func TestLinear(t *testing.T) {
	s := Linear(4)
	assert.Len(t, s, 5)
	assert.Equal(t, 1.0, s[0])
	assert.Equal(t, 0.0, s[4])
	assert.Equal(t, 4, s.Steps())
	for i := 1; i < len(s); i++ {
		assert.Less(t, s[i], s[i-1])
	}
}

func TestShifted(t *testing.T) {
	t.Run("shift one is identity", func(t *testing.T) {
		lin := Linear(10)
		shifted := Shifted(10, 1.0)
		for i := range lin {
			assert.InDelta(t, lin[i], shifted[i], 1e-12)
		}
	})

	t.Run("larger shift biases toward high noise", func(t *testing.T) {
		s := Shifted(2, 3.0)
		// timeSNRShift(3, 0.5) = 1.5/2
		assert.InDelta(t, 0.75, s[1], 1e-12)
		assert.Equal(t, 1.0, s[0])
		assert.Equal(t, 0.0, s[2])
	})

	t.Run("remains monotonically non-increasing", func(t *testing.T) {
		s := Shifted(25, 3.0)
		for i := 1; i < len(s); i++ {
			assert.LessOrEqual(t, s[i], s[i-1])
		}
	})
}

func TestSigmaBounds(t *testing.T) {
	s := Schedule{0.9, 0.4, 0.1, 0.0}
	assert.Equal(t, 0.9, s.SigmaMax())
	assert.Equal(t, 0.1, s.SigmaMin())
	assert.Equal(t, 0.0, Schedule{}.SigmaMax())
	assert.Equal(t, 0.0, Schedule{0, 0}.SigmaMin())
}

func TestApplyAdjustments(t *testing.T) {
	base := Schedule{1.0, 0.6, 0.3, 0.0}

	t.Run("valid adjustments replace levels", func(t *testing.T) {
		got := ApplyAdjustments(base, "[1.0, 0.5, 0.2, 0.0]")
		assert.Equal(t, Schedule{1.0, 0.5, 0.2, 0.0}, got)
	})

	t.Run("malformed json falls back to original", func(t *testing.T) {
		got := ApplyAdjustments(base, "not json")
		assert.Equal(t, base, got)
	})

	t.Run("length mismatch falls back to original", func(t *testing.T) {
		got := ApplyAdjustments(base, "[1.0, 0.5]")
		assert.Equal(t, base, got)
	})

	t.Run("trailing zero is preserved", func(t *testing.T) {
		got := ApplyAdjustments(base, "[1.0, 0.5, 0.2, 0.1]")
		assert.Equal(t, 0.0, got[len(got)-1])
	})

	t.Run("no trailing zero is not forced", func(t *testing.T) {
		s := Schedule{1.0, 0.5}
		got := ApplyAdjustments(s, "[0.9, 0.4]")
		assert.Equal(t, Schedule{0.9, 0.4}, got)
	})

	t.Run("does not mutate input", func(t *testing.T) {
		_ = ApplyAdjustments(base, "[9, 9, 9, 9]")
		assert.Equal(t, Schedule{1.0, 0.6, 0.3, 0.0}, base)
	})
}
