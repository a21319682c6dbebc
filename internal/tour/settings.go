// Package tour is the tournament side of autotour: the params a rule
// carries, their validation, and the action that announces a tournament
// when a rule fires.
package tour

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"autotour/internal/recurrence"
	"autotour/internal/ruleset"
)

// Param keys understood by the announcer.
const (
	KeyFormat        = "format"
	KeyPlayerCap     = "playercap"
	KeyAutoStart     = "autostart"
	KeyAutoDQ        = "autodq"
	KeyForceTimer    = "forcetimer"
	KeyAllowScouting = "allowscouting"
)

const DefaultFormat = "[Gen 8] OU"

var (
	ErrUnknownKey = errors.New("unknown tour setting")
	ErrNoFormat   = errors.New("tour format is not set")
	// ErrToggle is returned by Normalize for "toggle"; the caller resolves it
	// against the current value with Toggle.
	ErrToggle = errors.New("toggle needs the current value")
)

// Keys lists the settings in display order.
func Keys() []string {
	return []string{KeyFormat, KeyPlayerCap, KeyAutoStart, KeyAutoDQ, KeyForceTimer, KeyAllowScouting}
}

func IsKey(k string) bool {
	switch strings.ToLower(strings.TrimSpace(k)) {
	case KeyFormat, KeyPlayerCap, KeyAutoStart, KeyAutoDQ, KeyForceTimer, KeyAllowScouting:
		return true
	}
	return false
}

// Settings is the typed view of a rule's params. Zero ints mean unset.
type Settings struct {
	Format        string
	PlayerCap     int
	AutoStart     int // minutes
	AutoDQ        int // minutes
	ForceTimer    *bool
	AllowScouting *bool
}

// FromParams reads p leniently; malformed values count as unset.
func FromParams(p ruleset.Params) Settings {
	s := Settings{Format: strings.TrimSpace(p[KeyFormat])}
	if n, err := strconv.Atoi(p[KeyPlayerCap]); err == nil && n >= 2 {
		s.PlayerCap = n
	}
	if n, err := strconv.Atoi(p[KeyAutoStart]); err == nil && n > 0 {
		s.AutoStart = n
	}
	if n, err := strconv.Atoi(p[KeyAutoDQ]); err == nil && n > 0 {
		s.AutoDQ = n
	}
	if b, ok := parseSwitch(p[KeyForceTimer]); ok {
		s.ForceTimer = &b
	}
	if b, ok := parseSwitch(p[KeyAllowScouting]); ok {
		s.AllowScouting = &b
	}
	return s
}

// Params renders s back to rule params, leaving unset values out.
func (s Settings) Params() ruleset.Params {
	p := ruleset.Params{}
	if s.Format != "" {
		p[KeyFormat] = s.Format
	}
	if s.PlayerCap >= 2 {
		p[KeyPlayerCap] = strconv.Itoa(s.PlayerCap)
	}
	if s.AutoStart > 0 {
		p[KeyAutoStart] = strconv.Itoa(s.AutoStart)
	}
	if s.AutoDQ > 0 {
		p[KeyAutoDQ] = strconv.Itoa(s.AutoDQ)
	}
	if s.ForceTimer != nil {
		p[KeyForceTimer] = strconv.FormatBool(*s.ForceTimer)
	}
	if s.AllowScouting != nil {
		p[KeyAllowScouting] = strconv.FormatBool(*s.AllowScouting)
	}
	return p
}

// Timer reports whether battles are force-timed (off unless set).
func (s Settings) Timer() bool { return s.ForceTimer != nil && *s.ForceTimer }

// Scouting reports whether scouting is allowed (on unless set).
func (s Settings) Scouting() bool { return s.AllowScouting == nil || *s.AllowScouting }

// Normalize validates one param value and returns its canonical form. An
// empty result removes the param: out-of-range numbers are dropped rather
// than rejected.
func Normalize(key, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case KeyFormat:
		if value == "" {
			return "", errors.New("format must not be empty")
		}
		return value, nil
	case KeyPlayerCap:
		return minInt(value, 2), nil
	case KeyAutoStart, KeyAutoDQ:
		return minInt(value, 0), nil
	case KeyForceTimer, KeyAllowScouting:
		if strings.EqualFold(value, "toggle") {
			return "", ErrToggle
		}
		b, ok := parseSwitch(value)
		if !ok {
			return "", fmt.Errorf("%s: want on, off or toggle, got %q", key, value)
		}
		return strconv.FormatBool(b), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
}

// Toggle returns the flipped value of a switch setting in p.
func Toggle(p ruleset.Params, key string) (string, error) {
	s := FromParams(p)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case KeyForceTimer:
		return strconv.FormatBool(!s.Timer()), nil
	case KeyAllowScouting:
		return strconv.FormatBool(!s.Scouting()), nil
	default:
		return "", fmt.Errorf("%w: %q is not a switch", ErrUnknownKey, key)
	}
}

func minInt(value string, lo int) string {
	n, ok := ruleset.LeadingInt(value)
	if !ok || n < lo {
		return ""
	}
	return strconv.Itoa(n)
}

func parseSwitch(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "yes", "1":
		return true, true
	case "off", "false", "no", "0":
		return false, true
	}
	return false, false
}

// Defaults seeds rules created with /autotour add.
type Defaults struct {
	Format string
	Hour   int
	Minute int
}

// StandardDefaults is used when no defaults are configured.
var StandardDefaults = Defaults{Format: DefaultFormat, Hour: 20, Minute: 0}

func (d Defaults) withFallbacks() Defaults {
	if d == (Defaults{}) {
		return StandardDefaults
	}
	if strings.TrimSpace(d.Format) == "" {
		d.Format = DefaultFormat
	}
	if d.Hour < 0 || d.Hour > 23 {
		d.Hour = 20
	}
	if d.Minute < 0 || d.Minute > 59 {
		d.Minute = 0
	}
	return d
}

// DefaultRule is the rule appended by /autotour add: daily at the default
// time with the default format, inheriting every other setting from the
// last rule in rs.
func DefaultRule(rs ruleset.RuleSet, d Defaults) ruleset.Rule {
	d = d.withFallbacks()
	p := ruleset.Params{}
	if n := len(rs); n > 0 {
		p = rs[n-1].Params.Clone()
		if p == nil {
			p = ruleset.Params{}
		}
	}
	p[KeyFormat] = d.Format
	return ruleset.Rule{Timing: recurrence.DailyAt(d.Hour, d.Minute), Params: p}
}

// Describe explains the settings the way /autotour rules shows them.
func Describe(s Settings) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	if s.PlayerCap > 0 {
		line("Capacity: %d", s.PlayerCap)
		line("A maximum of %d players can take part in the tournament.", s.PlayerCap)
	} else {
		line("Capacity: unset")
		line("There is no upper limit on the number of participants.")
	}
	if s.Scouting() {
		line("Scouting: allowed")
		line("Players can watch other tournament battles.")
	} else {
		line("Scouting: banned")
		line("Players can't watch other tournament battles.")
	}
	if s.Timer() {
		line("Force timer: on")
		line("All battles will be timed.")
	} else {
		line("Force timer: off")
		line("The timer is opt-in.")
	}
	if s.AutoStart > 0 {
		line("Auto-start: %d", s.AutoStart)
		line("The tournament will automatically start in %d minute(s).", s.AutoStart)
	} else {
		line("Auto-start: unset")
		line("The tournament will not start automatically.")
	}
	if s.AutoDQ > 0 {
		line("Auto-disqualify: %d", s.AutoDQ)
		line("Inactive players will be disqualified in %d minute(s).", s.AutoDQ)
	} else {
		line("Auto-disqualify: unset")
		line("Inactive players will not be disqualified automatically.")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Summary is the one-line form used in rule listings.
func Summary(s Settings) string {
	parts := []string{}
	if s.PlayerCap > 0 {
		parts = append(parts, fmt.Sprintf("cap %d", s.PlayerCap))
	}
	if s.AutoStart > 0 {
		parts = append(parts, fmt.Sprintf("autostart %dm", s.AutoStart))
	}
	if s.AutoDQ > 0 {
		parts = append(parts, fmt.Sprintf("autodq %dm", s.AutoDQ))
	}
	if s.Timer() {
		parts = append(parts, "forcetimer")
	}
	if !s.Scouting() {
		parts = append(parts, "no scouting")
	}
	if len(parts) == 0 {
		return "default rules"
	}
	return strings.Join(parts, ", ")
}
