package app

import (
	"context"
	"slices"
	"strings"

	"autotour/internal/config"
	"autotour/internal/eventbus"
	logx "autotour/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if a.applyConfig(lastApplied, newCfg) {
				lastApplied = newCfg
			}
		}
	}
}

// applyConfig hot-applies newCfg and reports whether it was accepted.
// Storage and token changes need a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) bool {
	s, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return false
	}
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return true
	}

	a.logs.Apply(s.Logging)
	a.disp.SetOwners(s.Owners)
	a.announcer.SetRate(s.AnnounceRate)
	a.autotour.SetDefaults(s.Tour)
	a.autotour.SetLocation(s.Location)

	a.setMu.Lock()
	prev := a.settings
	a.settings = s
	a.setMu.Unlock()

	if slices.Contains(sections, "scheduler") {
		if err := a.reg.Reconfigure(a.schedulerOptions(s)...); err != nil {
			a.log.Error("rescheduling after config change failed", logx.Err(err))
		}
	}
	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if s.Token != prev.Token || s.PollTimeout != prev.PollTimeout {
		a.log.Warn("telegram connection settings changed; restart required for changes to take effect")
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	return true
}
