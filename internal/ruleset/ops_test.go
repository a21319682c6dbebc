package ruleset

import (
	"testing"
	"time"

	"autotour/internal/recurrence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() RuleSet {
	return RuleSet{
		{Timing: recurrence.WeeklyAt(time.Monday, 20, 0), Params: Params{"format": "gen8ou"}},
		{Timing: recurrence.DailyAt(9, 30), Params: Params{"format": "gen9ubers", "playercap": "16"}},
		{Timing: recurrence.HourlyAt(15)},
	}
}

func TestApplyDoesNotTouchInput(t *testing.T) {
	t.Parallel()
	rs := sample()
	before := rs.Clone()

	out, err := Apply(rs, SetParam{Index: 0, Key: "format", Value: "gen7ou"})
	require.NoError(t, err)
	assert.Equal(t, "gen7ou", out[0].Params["format"])
	assert.True(t, before.Equal(rs), "input mutated: %v", rs)

	_, err = Apply(rs, SetFieldText{Index: 1, Field: recurrence.Hour, Raw: "x"})
	require.NoError(t, err)
	assert.True(t, before.Equal(rs))
}

func TestDeleteRule(t *testing.T) {
	t.Parallel()
	rs := sample()

	out, err := Apply(rs, DeleteRule{Index: 1})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[1].Timing.Equal(recurrence.HourlyAt(15)))

	for _, idx := range []int{-1, 3, 10} {
		out, err := Apply(rs, DeleteRule{Index: idx})
		assert.ErrorIs(t, err, ErrOutOfRange)
		assert.Nil(t, out)
	}
	assert.Len(t, rs, 3)
}

func TestSetFieldStrict(t *testing.T) {
	t.Parallel()
	rs := sample()

	out, err := Apply(rs, SetField{Index: 2, Field: recurrence.Hour, Value: 7})
	require.NoError(t, err)
	assert.Equal(t, recurrence.Daily, out[2].Timing.Granularity())

	tests := []struct {
		name string
		op   SetField
	}{
		{name: "minute too large", op: SetField{Index: 0, Field: recurrence.Minute, Value: 60}},
		{name: "hour negative", op: SetField{Index: 0, Field: recurrence.Hour, Value: -1}},
		{name: "weekday out of range", op: SetField{Index: 0, Field: recurrence.Weekday, Value: 7}},
		{name: "weekday without hour", op: SetField{Index: 2, Field: recurrence.Weekday, Value: 3}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(rs, tt.op)
			assert.ErrorIs(t, err, ErrInvalidValue)
		})
	}
	_, err = Apply(rs, SetField{Index: 5, Field: recurrence.Minute, Value: 1})
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSetFieldTextLenient(t *testing.T) {
	t.Parallel()
	rs := sample()

	tests := []struct {
		name string
		op   SetFieldText
		want recurrence.Spec
	}{
		{name: "minute wraps", op: SetFieldText{Index: 1, Field: recurrence.Minute, Raw: "75"}, want: recurrence.DailyAt(9, 15)},
		{name: "hour wraps", op: SetFieldText{Index: 1, Field: recurrence.Hour, Raw: "25"}, want: recurrence.DailyAt(1, 30)},
		{name: "negative hour clears", op: SetFieldText{Index: 1, Field: recurrence.Hour, Raw: "-1"}, want: recurrence.HourlyAt(30)},
		{name: "junk hour clears weekday too", op: SetFieldText{Index: 0, Field: recurrence.Hour, Raw: "later"}, want: recurrence.HourlyAt(0)},
		{name: "day by name", op: SetFieldText{Index: 1, Field: recurrence.Weekday, Raw: "fri"}, want: recurrence.WeeklyAt(time.Friday, 9, 30)},
		{name: "leading digits", op: SetFieldText{Index: 1, Field: recurrence.Hour, Raw: "12abc"}, want: recurrence.DailyAt(12, 30)},
		{name: "trailing space", op: SetFieldText{Index: 1, Field: recurrence.Minute, Raw: "5 "}, want: recurrence.DailyAt(9, 5)},
		{name: "day wraps", op: SetFieldText{Index: 1, Field: recurrence.Weekday, Raw: "8"}, want: recurrence.WeeklyAt(time.Monday, 9, 30)},
		{name: "junk day clears", op: SetFieldText{Index: 0, Field: recurrence.Weekday, Raw: "none"}, want: recurrence.DailyAt(20, 0)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			out, err := Apply(rs, tt.op)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(out[tt.op.Index].Timing), "got %s want %s", out[tt.op.Index].Timing, tt.want)
		})
	}

	_, err := Apply(rs, SetFieldText{Index: 0, Field: recurrence.Minute, Raw: "abc"})
	assert.ErrorIs(t, err, ErrInvalidValue)
	_, err = Apply(rs, SetFieldText{Index: 2, Field: recurrence.Weekday, Raw: "2"})
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestClearAndSetTiming(t *testing.T) {
	t.Parallel()
	rs := sample()

	out, err := Apply(rs, ClearField{Index: 0, Field: recurrence.Weekday})
	require.NoError(t, err)
	assert.Equal(t, recurrence.Daily, out[0].Timing.Granularity())

	out, err = Apply(rs, ClearField{Index: 0, Field: recurrence.Hour})
	require.NoError(t, err)
	assert.Equal(t, recurrence.Hourly, out[0].Timing.Granularity())

	_, err = Apply(rs, ClearField{Index: 0, Field: recurrence.Minute})
	assert.ErrorIs(t, err, ErrInvalidValue)

	out, err = Apply(rs, SetTiming{Index: 2, Spec: recurrence.WeeklyAt(time.Saturday, 18, 45)})
	require.NoError(t, err)
	assert.Equal(t, "Every Saturday 18:45", out[2].Timing.String())

	bad := recurrence.Spec{Minute: 99}
	_, err = Apply(rs, SetTiming{Index: 2, Spec: bad})
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestAddRuleAndParams(t *testing.T) {
	t.Parallel()
	var rs RuleSet

	rule := Rule{Timing: recurrence.DailyAt(20, 0), Params: Params{"format": "gen8ou"}}
	out, err := Apply(rs, AddRule{Rule: rule})
	require.NoError(t, err)
	require.Len(t, out, 1)

	rule.Params["format"] = "changed"
	assert.Equal(t, "gen8ou", out[0].Params["format"], "added rule must not alias caller params")

	out, err = Apply(out, SetParam{Index: 0, Key: "autostart", Value: "5"})
	require.NoError(t, err)
	assert.Equal(t, "autostart=5, format=gen8ou", out[0].Params.String())

	out, err = Apply(out, SetParam{Index: 0, Key: "autostart", Value: ""})
	require.NoError(t, err)
	_, ok := out[0].Params["autostart"]
	assert.False(t, ok)

	_, err = Apply(out, SetParam{Index: 0, Key: " ", Value: "x"})
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = Apply(out, AddRule{Rule: Rule{Timing: recurrence.Spec{Minute: -3}}})
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()
	rs := sample()
	cp := rs.Clone()
	require.True(t, rs.Equal(cp))

	cp[1].Params["format"] = "other"
	*cp[0].Timing.Hour = 1
	assert.Equal(t, "gen9ubers", rs[1].Params["format"])
	assert.Equal(t, 20, *rs[0].Timing.Hour)
	assert.False(t, rs.Equal(cp))
}

func TestLeadingInt(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"12abc", 12, true},
		{" 5 ", 5, true},
		{"-3x", -3, true},
		{"+7", 7, true},
		{"abc", 0, false},
		{"-", 0, false},
		{"", 0, false},
		{"99999999999999999999", 0, false},
	}
	for _, tt := range tests {
		got, ok := LeadingInt(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
