package domain

// LogicalTime is the monotonically non-decreasing counter supplied by the
// execution environment. All expiration and timelock arithmetic uses logical
// time; wall-clock timestamps appear only on emitted events for display.
type LogicalTime uint64

// LogicalDuration is a span measured in logical-time units.
type LogicalDuration uint64

// Add advances t by d, saturating at the maximum representable time so a
// huge validity period never wraps into the past.
func (t LogicalTime) Add(d LogicalDuration) LogicalTime {
	sum := t + LogicalTime(d)
	if sum < t {
		return ^LogicalTime(0)
	}
	return sum
}

// After reports whether t is strictly later than other.
func (t LogicalTime) After(other LogicalTime) bool { return t > other }

// Before reports whether t is strictly earlier than other.
func (t LogicalTime) Before(other LogicalTime) bool { return t < other }
