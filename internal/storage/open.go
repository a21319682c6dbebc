package storage

import (
	"context"
	"fmt"
	"strings"

	"autotour/internal/ruleset"
	logx "autotour/pkg/logx"
)

// Store persists the tenant -> rule set map (it satisfies
// configstore.Backend) and the audit trail.
type Store interface {
	Load(ctx context.Context) (map[string]ruleset.RuleSet, error)
	Save(ctx context.Context, all map[string]ruleset.RuleSet) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries for tenant, newest first.
	RecentAudit(ctx context.Context, tenant string, limit int) ([]AuditEntry, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
