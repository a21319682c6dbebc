package ruleset

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"autotour/internal/recurrence"
)

var (
	// ErrOutOfRange is returned when an op names a rule index that does not exist.
	ErrOutOfRange = errors.New("rule index out of range")
	// ErrInvalidValue is returned when an op would produce an invalid timing.
	ErrInvalidValue = errors.New("invalid value")
)

// Op is a single draft edit. The set of variants is closed.
type Op interface {
	apply(rs RuleSet) (RuleSet, error)
	fmt.Stringer
}

// Apply runs op against a copy of rs. On error the returned set is nil and
// rs is untouched.
func Apply(rs RuleSet, op Op) (RuleSet, error) {
	if op == nil {
		return nil, fmt.Errorf("%w: nil op", ErrInvalidValue)
	}
	out, err := op.apply(rs.Clone())
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddRule appends a rule.
type AddRule struct {
	Rule Rule
}

func (o AddRule) apply(rs RuleSet) (RuleSet, error) {
	if err := o.Rule.Timing.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return append(rs, o.Rule.Clone()), nil
}

func (o AddRule) String() string { return "add " + o.Rule.Timing.String() }

// DeleteRule removes the rule at Index.
type DeleteRule struct {
	Index int
}

func (o DeleteRule) apply(rs RuleSet) (RuleSet, error) {
	if err := checkIndex(rs, o.Index); err != nil {
		return nil, err
	}
	return append(rs[:o.Index], rs[o.Index+1:]...), nil
}

func (o DeleteRule) String() string { return fmt.Sprintf("delete %d", o.Index) }

// SetField sets one timing field to an exact value.
type SetField struct {
	Index int
	Field recurrence.Field
	Value int
}

func (o SetField) apply(rs RuleSet) (RuleSet, error) {
	if err := checkIndex(rs, o.Index); err != nil {
		return nil, err
	}
	if !o.Field.InRange(o.Value) {
		return nil, fmt.Errorf("%w: %s %d out of range 0-%d", ErrInvalidValue, o.Field, o.Value, o.Field.Cycle()-1)
	}
	t := &rs[o.Index].Timing
	if err := setField(t, o.Field, o.Value); err != nil {
		return nil, err
	}
	return rs, nil
}

func (o SetField) String() string { return fmt.Sprintf("set %d %s %d", o.Index, o.Field, o.Value) }

// SetFieldText is the lenient path used for chat input. Non-negative
// integers wrap around the field's cycle; anything else clears the field.
type SetFieldText struct {
	Index int
	Field recurrence.Field
	Raw   string
}

func (o SetFieldText) apply(rs RuleSet) (RuleSet, error) {
	if err := checkIndex(rs, o.Index); err != nil {
		return nil, err
	}
	t := &rs[o.Index].Timing
	v, ok := parseLenient(o.Field, o.Raw)
	if !ok {
		if err := clearField(t, o.Field); err != nil {
			return nil, err
		}
		return rs, nil
	}
	if err := setField(t, o.Field, v); err != nil {
		return nil, err
	}
	return rs, nil
}

func (o SetFieldText) String() string {
	return fmt.Sprintf("set %d %s %q", o.Index, o.Field, o.Raw)
}

// ClearField drops the hour (and with it the weekday) or the weekday.
type ClearField struct {
	Index int
	Field recurrence.Field
}

func (o ClearField) apply(rs RuleSet) (RuleSet, error) {
	if err := checkIndex(rs, o.Index); err != nil {
		return nil, err
	}
	if err := clearField(&rs[o.Index].Timing, o.Field); err != nil {
		return nil, err
	}
	return rs, nil
}

func (o ClearField) String() string { return fmt.Sprintf("clear %d %s", o.Index, o.Field) }

// SetTiming replaces the whole timing of a rule.
type SetTiming struct {
	Index int
	Spec  recurrence.Spec
}

func (o SetTiming) apply(rs RuleSet) (RuleSet, error) {
	if err := checkIndex(rs, o.Index); err != nil {
		return nil, err
	}
	if err := o.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	rs[o.Index].Timing = o.Spec.Clone()
	return rs, nil
}

func (o SetTiming) String() string { return fmt.Sprintf("timing %d %s", o.Index, o.Spec) }

// SetParam stores an opaque parameter. An empty value deletes the key.
type SetParam struct {
	Index int
	Key   string
	Value string
}

func (o SetParam) apply(rs RuleSet) (RuleSet, error) {
	if err := checkIndex(rs, o.Index); err != nil {
		return nil, err
	}
	key := strings.TrimSpace(o.Key)
	if key == "" {
		return nil, fmt.Errorf("%w: empty parameter name", ErrInvalidValue)
	}
	r := &rs[o.Index]
	if o.Value == "" {
		delete(r.Params, key)
		return rs, nil
	}
	if r.Params == nil {
		r.Params = Params{}
	}
	r.Params[key] = o.Value
	return rs, nil
}

func (o SetParam) String() string { return fmt.Sprintf("param %d %s=%q", o.Index, o.Key, o.Value) }

func checkIndex(rs RuleSet, i int) error {
	if i < 0 || i >= len(rs) {
		return fmt.Errorf("%w: %d (have %d rules)", ErrOutOfRange, i, len(rs))
	}
	return nil
}

func setField(t *recurrence.Spec, f recurrence.Field, v int) error {
	switch f {
	case recurrence.Minute:
		t.Minute = v
	case recurrence.Hour:
		t.Hour = &v
	case recurrence.Weekday:
		if t.Hour == nil {
			return fmt.Errorf("%w: set an hour before the day", ErrInvalidValue)
		}
		t.Weekday = &v
	default:
		return fmt.Errorf("%w: unknown field %s", ErrInvalidValue, f)
	}
	return nil
}

func clearField(t *recurrence.Spec, f recurrence.Field) error {
	switch f {
	case recurrence.Minute:
		return fmt.Errorf("%w: minute cannot be cleared", ErrInvalidValue)
	case recurrence.Hour:
		t.Hour = nil
		t.Weekday = nil
	case recurrence.Weekday:
		t.Weekday = nil
	default:
		return fmt.Errorf("%w: unknown field %s", ErrInvalidValue, f)
	}
	return nil
}

// LeadingInt reads the integer that s starts with, ignoring surrounding
// space and anything after the digits: "12abc" is 12, "-3 " is -3.
func LeadingInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseLenient(f recurrence.Field, raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if f == recurrence.Weekday {
		if d, ok := recurrence.ParseWeekday(raw); ok {
			return d, true
		}
	}
	n, ok := LeadingInt(raw)
	if !ok || n < 0 {
		return 0, false
	}
	return n % f.Cycle(), true
}
