// Package ruleset holds the per-room list of recurring rules and the edit
// operations that drafts are built from.
package ruleset

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"autotour/internal/recurrence"
)

// Params are the action-specific settings of a rule. The scheduler never
// interprets them.
type Params map[string]string

func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p Params) String() string {
	var b strings.Builder
	for i, k := range p.Keys() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(p[k])
	}
	return b.String()
}

// Rule is one recurring event. Its identity is its index in a RuleSet.
type Rule struct {
	Timing recurrence.Spec `json:"timing"`
	Params Params          `json:"params,omitempty"`
}

func (r Rule) Clone() Rule {
	return Rule{Timing: r.Timing.Clone(), Params: r.Params.Clone()}
}

func (r Rule) Equal(o Rule) bool {
	return r.Timing.Equal(o.Timing) && maps.Equal(r.Params, o.Params)
}

// RuleSet is ordered for display only; firing order comes from timing.
type RuleSet []Rule

// Clone returns a deep copy. The result never aliases rs.
func (rs RuleSet) Clone() RuleSet {
	if rs == nil {
		return nil
	}
	out := make(RuleSet, len(rs))
	for i, r := range rs {
		out[i] = r.Clone()
	}
	return out
}

func (rs RuleSet) Equal(o RuleSet) bool {
	if len(rs) != len(o) {
		return false
	}
	for i := range rs {
		if !rs[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Validate checks every rule's timing.
func (rs RuleSet) Validate() error {
	for i, r := range rs {
		if err := r.Timing.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}
