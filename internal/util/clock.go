package util

import "time"

// Clock abstracts time retrieval so hashing is reproducible in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Stamp normalises t to UTC with microsecond precision, the resolution every
// backend round-trips exactly.
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
