package recurrence

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/robfig/cron/v3"
)

// starBit mirrors robfig/cron's marker for a field written as "*".
const starBit = 1 << 63

// ParseCron converts a standard 5-field cron expression into a Spec.
//
// Only the shapes a Spec can express are accepted: a single minute, an
// optional single hour, "*" for day-of-month and month, and an optional
// single day-of-week (which then requires an hour).
//
//	"15 * * * *"  -> Everyday XX:15
//	"30 9 * * *"  -> Everyday 09:30
//	"0 20 * * 1"  -> Every Monday 20:00
func ParseCron(expr string) (Spec, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "@") || strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return Spec{}, fmt.Errorf("%w: descriptors and time zones are not supported in %q", ErrInvalid, expr)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	ss, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return Spec{}, fmt.Errorf("%w: unsupported schedule %q", ErrInvalid, expr)
	}
	if ss.Dom&starBit == 0 || ss.Month&starBit == 0 {
		return Spec{}, fmt.Errorf("%w: day-of-month and month must be '*' in %q", ErrInvalid, expr)
	}

	minute, ok := single(ss.Minute)
	if !ok {
		return Spec{}, fmt.Errorf("%w: exactly one minute is required in %q", ErrInvalid, expr)
	}
	spec := Spec{Minute: minute}

	if ss.Hour&starBit == 0 {
		h, ok := single(ss.Hour)
		if !ok {
			return Spec{}, fmt.Errorf("%w: at most one hour is allowed in %q", ErrInvalid, expr)
		}
		spec.Hour = intPtr(h)
	}
	if ss.Dow&starBit == 0 {
		d, ok := single(ss.Dow)
		if !ok {
			return Spec{}, fmt.Errorf("%w: at most one day of week is allowed in %q", ErrInvalid, expr)
		}
		spec.Weekday = intPtr(d % 7)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func single(field uint64) (int, bool) {
	if field&starBit != 0 {
		return 0, false
	}
	if bits.OnesCount64(field) != 1 {
		return 0, false
	}
	return bits.TrailingZeros64(field), true
}
