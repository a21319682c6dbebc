package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is returned for specs that violate a range or the
// weekday-requires-hour invariant.
var ErrInvalid = errors.New("invalid recurrence")

// Granularity is derived from which optional fields of a Spec are set.
type Granularity int

const (
	Hourly Granularity = iota
	Daily
	Weekly
)

func (g Granularity) String() string {
	switch g {
	case Hourly:
		return "hourly"
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	default:
		return "unknown"
	}
}

// Period is the distance between two consecutive occurrences (ignoring DST).
func (g Granularity) Period() time.Duration {
	switch g {
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Spec is a partial wall-clock time: a minute, optionally an hour, and
// optionally a day of week (0 = Sunday). Weekday requires Hour.
//
// JSON keys follow the tours.json layout: {"minutes":0,"hours":20,"day":1}.
type Spec struct {
	Minute  int  `json:"minutes"`
	Hour    *int `json:"hours,omitempty"`
	Weekday *int `json:"day,omitempty"`
}

// HourlyAt returns a spec that fires every hour at minute m.
func HourlyAt(m int) Spec { return Spec{Minute: m} }

// DailyAt returns a spec that fires every day at h:m.
func DailyAt(h, m int) Spec { return Spec{Minute: m, Hour: intPtr(h)} }

// WeeklyAt returns a spec that fires every week on day at h:m.
func WeeklyAt(day time.Weekday, h, m int) Spec {
	return Spec{Minute: m, Hour: intPtr(h), Weekday: intPtr(int(day))}
}

func intPtr(v int) *int { return &v }

func (s Spec) Granularity() Granularity {
	switch {
	case s.Weekday != nil:
		return Weekly
	case s.Hour != nil:
		return Daily
	default:
		return Hourly
	}
}

func (s Spec) Period() time.Duration { return s.Granularity().Period() }

// Validate checks field ranges and the granularity invariant.
func (s Spec) Validate() error {
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("%w: minute %d out of range 0-59", ErrInvalid, s.Minute)
	}
	if s.Hour != nil && (*s.Hour < 0 || *s.Hour > 23) {
		return fmt.Errorf("%w: hour %d out of range 0-23", ErrInvalid, *s.Hour)
	}
	if s.Weekday != nil {
		if s.Hour == nil {
			return fmt.Errorf("%w: weekly timing requires an hour", ErrInvalid)
		}
		if *s.Weekday < 0 || *s.Weekday > 6 {
			return fmt.Errorf("%w: day %d out of range 0-6", ErrInvalid, *s.Weekday)
		}
	}
	return nil
}

// Clone returns a copy that shares no pointers with s.
func (s Spec) Clone() Spec {
	out := Spec{Minute: s.Minute}
	if s.Hour != nil {
		out.Hour = intPtr(*s.Hour)
	}
	if s.Weekday != nil {
		out.Weekday = intPtr(*s.Weekday)
	}
	return out
}

func (s Spec) Equal(o Spec) bool {
	return s.Minute == o.Minute && eqPtr(s.Hour, o.Hour) && eqPtr(s.Weekday, o.Weekday)
}

func eqPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Get returns the value of f and whether it is set. Minute is always set.
func (s Spec) Get(f Field) (int, bool) {
	switch f {
	case Minute:
		return s.Minute, true
	case Hour:
		if s.Hour == nil {
			return 0, false
		}
		return *s.Hour, true
	case Weekday:
		if s.Weekday == nil {
			return 0, false
		}
		return *s.Weekday, true
	}
	return 0, false
}

// String renders the timing the way room admins read it:
// "Every Monday 20:00", "Everyday 09:30", "Everyday XX:15".
func (s Spec) String() string {
	var b strings.Builder
	if s.Weekday != nil && *s.Weekday >= 0 && *s.Weekday <= 6 {
		b.WriteString("Every ")
		b.WriteString(time.Weekday(*s.Weekday).String())
		b.WriteString(" ")
	} else {
		b.WriteString("Everyday ")
	}
	if s.Hour != nil {
		b.WriteString(pad2(*s.Hour))
	} else {
		b.WriteString("XX")
	}
	b.WriteString(":")
	b.WriteString(pad2(s.Minute))
	return b.String()
}

// Cron renders the equivalent 5-field cron expression.
func (s Spec) Cron() string {
	hour, dow := "*", "*"
	if s.Hour != nil {
		hour = strconv.Itoa(*s.Hour)
	}
	if s.Weekday != nil {
		dow = strconv.Itoa(*s.Weekday)
	}
	return strconv.Itoa(s.Minute) + " " + hour + " * * " + dow
}

func pad2(v int) string {
	if v >= 0 && v < 10 {
		return "0" + strconv.Itoa(v)
	}
	return strconv.Itoa(v)
}
