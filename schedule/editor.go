package schedule

import "encoding/json"

// ApplyAdjustments overrides a schedule with hand-edited levels encoded
// as a JSON float array. Malformed input or a length mismatch falls
// back to the original schedule untouched — editing is advisory and
// must never break a run. When the original schedule ends in 0 the
// adjusted one is forced to as well.
func ApplyAdjustments(s Schedule, adjustments string) Schedule {
	var values []float64
	if err := json.Unmarshal([]byte(adjustments), &values); err != nil {
		values = nil
	}

	out := make(Schedule, len(s))
	if len(values) != len(s) {
		copy(out, s)
	} else {
		copy(out, values)
	}

	if len(s) > 0 && s[len(s)-1] == 0 {
		out[len(out)-1] = 0
	}
	return out
}
