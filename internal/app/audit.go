package app

import (
	"context"
	"fmt"
	"time"

	"autotour/internal/bot"
	"autotour/internal/eventbus"
	"autotour/internal/scheduler"
	"autotour/internal/storage"
	"autotour/internal/tour"
	logx "autotour/pkg/logx"
)

// auditLoop persists commits and firings until ctx ends.
func (a *App) auditLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			entry, ok := auditEntry(e)
			if !ok {
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				continue
			}
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			err := a.store.AppendAudit(wctx, entry)
			cancel()
			if err != nil {
				a.log.Warn("audit append failed", logx.String("tenant", entry.Tenant), logx.String("action", entry.Action), logx.Err(err))
			}
		}
	}
}

// auditEntry maps a bus event to the audit record it produces.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	entry := storage.AuditEntry{At: e.Time, Tenant: e.Tenant}
	switch e.Type {
	case eventbus.TourFired, eventbus.TourFailed:
		f, ok := e.Data.(scheduler.Fired)
		if !ok {
			return storage.AuditEntry{}, false
		}
		entry.Action = storage.ActionFired
		if f.Err != nil {
			entry.Action = storage.ActionFailed
			entry.Error = f.Err.Error()
		}
		entry.Detail = fmt.Sprintf("rule %d: %s", f.RuleIndex, tour.FromParams(f.Params).Format)
		entry.TookMS = f.Took.Milliseconds()
	case eventbus.RulesCommitted:
		c, ok := e.Data.(bot.Committed)
		if !ok {
			return storage.AuditEntry{}, false
		}
		entry.Action = storage.ActionCommit
		entry.Actor = c.Editor
		entry.Detail = fmt.Sprintf("%d rule(s)", c.Rules)
	default:
		return storage.AuditEntry{}, false
	}
	return entry, true
}
