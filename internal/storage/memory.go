package storage

import (
	"context"
	"sync"

	"autotour/internal/ruleset"
)

// Memory is a process-local Store.
type Memory struct {
	mu      sync.Mutex
	rules   map[string]ruleset.RuleSet
	audit   []AuditEntry
	saves   int
	saveErr error
}

func NewMemory() *Memory {
	return &Memory{rules: map[string]ruleset.RuleSet{}}
}

func (m *Memory) Load(ctx context.Context) (map[string]ruleset.RuleSet, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAll(m.rules), nil
}

func (m *Memory) Save(ctx context.Context, all map[string]ruleset.RuleSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.rules = cloneAll(all)
	m.saves++
	return nil
}

// SetSaveErr makes subsequent saves fail with err (nil restores them).
func (m *Memory) SetSaveErr(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}

// Saves counts successful saves.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// Audit returns a copy of the recorded audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) RecentAudit(ctx context.Context, tenant string, limit int) ([]AuditEntry, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	return lastForTenant(m.audit, tenant, limit), nil
}

func (m *Memory) Close() error { return nil }

func cloneAll(in map[string]ruleset.RuleSet) map[string]ruleset.RuleSet {
	out := make(map[string]ruleset.RuleSet, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

// lastForTenant walks entries backwards and returns up to limit matches.
func lastForTenant(entries []AuditEntry, tenant string, limit int) []AuditEntry {
	var out []AuditEntry
	for i := len(entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if entries[i].Tenant == tenant {
			out = append(out, entries[i])
		}
	}
	return out
}
