package api

import "time"

// Clock abstracts time for retry delays and polling waits so tests can run
// with a fake clock instead of sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// RealClock returns a Clock backed by the wall clock.
func RealClock() Clock {
	return realClock{}
}
