package config

import (
	"reflect"
	"sort"
	"strings"

	logx "autotour/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe log
// fields describing the new values. The bot token is never logged; only
// whether it changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	tokenChanged := strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)
	if tokenChanged ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", tokenChanged),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.guard_band", strings.TrimSpace(newCfg.Scheduler.GuardBand)),
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
		)
	}

	// Storage changes only take effect on restart.
	so, sn := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(so.Driver) != strings.TrimSpace(sn.Driver) ||
		strings.TrimSpace(so.Path) != strings.TrimSpace(sn.Path) ||
		strings.TrimSpace(so.BusyTimeout) != strings.TrimSpace(sn.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(sn.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(sn.Path) != ""),
			logx.Bool("storage.restart_required", true),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tour, newCfg.Tour) {
		changed = append(changed, "tour")
		attrs = append(attrs,
			logx.String("tour.default_format", strings.TrimSpace(newCfg.Tour.DefaultFormat)),
			logx.Any("tour.announce_rate_per_sec", newCfg.Tour.AnnounceRatePerSec),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
