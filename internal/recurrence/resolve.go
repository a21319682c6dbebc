package recurrence

import (
	"fmt"
	"time"
)

// Resolve returns the next instant matching spec that is strictly after now.
//
// The computation happens in now's location. A candidate equal to now belongs
// to the next cycle. The candidate is re-checked in absolute time after every
// shift, so wall-clock anomalies (DST gaps and folds) can never yield an
// instant at or before now.
func Resolve(spec Spec, now time.Time) (time.Time, error) {
	if err := spec.Validate(); err != nil {
		return time.Time{}, err
	}
	loc := now.Location()
	y, mo, d := now.Date()

	var (
		next    time.Time
		advance func(time.Time) time.Time
	)
	switch spec.Granularity() {
	case Hourly:
		next = time.Date(y, mo, d, now.Hour(), spec.Minute, 0, 0, loc)
		advance = func(t time.Time) time.Time {
			ty, tm, td := t.Date()
			return time.Date(ty, tm, td, t.Hour()+1, spec.Minute, 0, 0, loc)
		}
	case Daily:
		next = time.Date(y, mo, d, *spec.Hour, spec.Minute, 0, 0, loc)
		advance = func(t time.Time) time.Time {
			ty, tm, td := t.Date()
			return time.Date(ty, tm, td+1, *spec.Hour, spec.Minute, 0, 0, loc)
		}
	case Weekly:
		shift := *spec.Weekday - int(now.Weekday())
		next = time.Date(y, mo, d+shift, *spec.Hour, spec.Minute, 0, 0, loc)
		advance = func(t time.Time) time.Time {
			ty, tm, td := t.Date()
			return time.Date(ty, tm, td+7, *spec.Hour, spec.Minute, 0, 0, loc)
		}
	default:
		return time.Time{}, fmt.Errorf("%w: unknown granularity", ErrInvalid)
	}

	// time.Date can fold a nonexistent wall time onto an instant that does not
	// move forward; bound the loop so a broken zone cannot spin forever.
	for i := 0; !next.After(now); i++ {
		if i > maxAdvance {
			return now.Truncate(time.Minute).Add(spec.Period()), nil
		}
		next = advance(next)
	}
	return next, nil
}

const maxAdvance = 16

// MustResolve is Resolve for specs already validated by the caller.
func MustResolve(spec Spec, now time.Time) time.Time {
	t, err := Resolve(spec, now)
	if err != nil {
		panic(err)
	}
	return t
}

// Preview returns the next n occurrences after now.
func Preview(spec Spec, now time.Time, n int) ([]time.Time, error) {
	out := make([]time.Time, 0, n)
	t := now
	for i := 0; i < n; i++ {
		next, err := Resolve(spec, t)
		if err != nil {
			return nil, err
		}
		out = append(out, next)
		t = next
	}
	return out, nil
}
