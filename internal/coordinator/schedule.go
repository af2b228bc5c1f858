package coordinator

import (
	"fmt"
	"time"
)

// NextRun returns the first occurrence of the "HH:MM" wall time in loc that
// is strictly after now.
func NextRun(now time.Time, queryTime string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.Parse("15:04", queryTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid query time %q: %w", queryTime, err)
	}

	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	if !next.After(now) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, t.Hour(), t.Minute(), 0, 0, loc)
	}
	return next, nil
}
