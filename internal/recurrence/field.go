package recurrence

import (
	"fmt"
	"strings"
)

// Field names one component of a Spec.
type Field int

const (
	Minute Field = iota
	Hour
	Weekday
)

func (f Field) String() string {
	switch f {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Weekday:
		return "day"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}

// Cycle is the number of distinct values of the field.
func (f Field) Cycle() int {
	switch f {
	case Hour:
		return 24
	case Weekday:
		return 7
	default:
		return 60
	}
}

// InRange reports whether v is a legal value for f.
func (f Field) InRange(v int) bool { return v >= 0 && v < f.Cycle() }

// ParseField maps user-facing names to a Field.
func ParseField(name string) (Field, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "minute", "minutes", "min", "m":
		return Minute, nil
	case "hour", "hours", "h":
		return Hour, nil
	case "day", "weekday", "dow", "d":
		return Weekday, nil
	default:
		return 0, fmt.Errorf("unknown timing field %q (use minute, hour or day)", name)
	}
}

// ParseWeekday accepts 0-6 or an English day name ("mon", "Monday").
func ParseWeekday(s string) (int, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) == 1 && s[0] >= '0' && s[0] <= '6' {
		return int(s[0] - '0'), true
	}
	if len(s) < 3 {
		return 0, false
	}
	for i, name := range weekdayNames {
		if strings.HasPrefix(name, s) {
			return i, true
		}
	}
	return 0, false
}

var weekdayNames = [...]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}
