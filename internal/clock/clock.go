package clock

import "time"

// Clock reports the current time. All persisted timestamps are UTC.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// System returns the wall clock
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
