package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"autotour/internal/scheduler"
	"autotour/internal/storage"
	"autotour/internal/tour"
	kit "autotour/internal/transport"
	logx "autotour/pkg/logx"
)

// Settings is Config with every field parsed and defaulted.
type Settings struct {
	Token       string
	Owners      []int64
	GroupLog    kit.ChatTarget // zero if unset
	PollTimeout time.Duration

	Logging logx.Config

	Location     *time.Location
	GuardBand    time.Duration
	PollInterval time.Duration

	Storage storage.Config

	Tour         tour.Defaults
	AnnounceRate float64
}

const defaultAnnounceRate = 1.0

// ParseDuration parses a Go duration string. Empty means def; negative
// values are rejected. path names the field in errors.
func ParseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Resolve validates cfg and returns the parsed settings. All problems are
// reported together.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, errors.New("config is nil")
	}
	var (
		s    Settings
		errs []error
		err  error
	)
	check := func(e error) {
		if e != nil {
			errs = append(errs, e)
		}
	}

	s.Token = strings.TrimSpace(cfg.Telegram.Token)
	s.Owners = append([]int64(nil), cfg.Telegram.OwnerUserIDs...)
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		s.GroupLog, err = kit.ParseChatTarget(g)
		check(wrap("telegram.group_log", err))
	}
	s.PollTimeout, err = ParseDuration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	check(err)

	lc := cfg.Logging
	if lc.Level != "" && !logx.ValidLevel(lc.Level) {
		check(fmt.Errorf("logging.level: unknown level %q", lc.Level))
	}
	if lc.Telegram.MinLevel != "" && !logx.ValidLevel(lc.Telegram.MinLevel) {
		check(fmt.Errorf("logging.telegram.min_level: unknown level %q", lc.Telegram.MinLevel))
	}
	if lc.Telegram.Enabled && s.GroupLog.ChatID == 0 {
		check(errors.New("logging.telegram.enabled needs telegram.group_log"))
	}
	thread := lc.Telegram.ThreadID
	if thread == 0 {
		thread = s.GroupLog.ThreadID
	}
	s.Logging = logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled,
			ChatID:     s.GroupLog.ChatID,
			ThreadID:   thread,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}

	s.Location = time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, lerr := time.LoadLocation(tz)
		if lerr != nil {
			check(fmt.Errorf("scheduler.timezone: %w", lerr))
		} else {
			s.Location = loc
		}
	}
	s.GuardBand, err = ParseDuration("scheduler.guard_band", cfg.Scheduler.GuardBand, scheduler.DefaultGuardBand)
	check(err)
	s.PollInterval, err = ParseDuration("scheduler.poll_interval", cfg.Scheduler.PollInterval, scheduler.DefaultPollInterval)
	check(err)
	if err == nil && s.PollInterval == 0 {
		check(errors.New("scheduler.poll_interval must be > 0"))
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", "file", "sqlite", "sqlite3", "memory", "mem":
	default:
		check(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	busy, err := ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	check(err)
	s.Storage = storage.Config{Driver: driver, Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}
	if s.Storage.Path == "" && driver != "memory" && driver != "mem" {
		s.Storage.Path = "./data/autotour.json"
		if driver == "sqlite" || driver == "sqlite3" {
			s.Storage.Path = "./data/autotour.db"
		}
	}

	s.Tour = tour.StandardDefaults
	if f := strings.TrimSpace(cfg.Tour.DefaultFormat); f != "" {
		s.Tour.Format = f
	}
	if h := cfg.Tour.DefaultHour; h != nil {
		if *h < 0 || *h > 23 {
			check(fmt.Errorf("tour.default_hour: %d out of range 0-23", *h))
		} else {
			s.Tour.Hour = *h
		}
	}
	if m := cfg.Tour.DefaultMinute; m != nil {
		if *m < 0 || *m > 59 {
			check(fmt.Errorf("tour.default_minute: %d out of range 0-59", *m))
		} else {
			s.Tour.Minute = *m
		}
	}
	s.AnnounceRate = cfg.Tour.AnnounceRatePerSec
	switch {
	case s.AnnounceRate < 0:
		check(errors.New("tour.announce_rate_per_sec must be >= 0"))
	case s.AnnounceRate == 0:
		s.AnnounceRate = defaultAnnounceRate
	}

	if err := errors.Join(errs...); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// SchedulerOptions are the scheduler options these settings imply.
func (s Settings) SchedulerOptions() []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithLocation(s.Location),
		scheduler.WithGuardBand(s.GuardBand),
		scheduler.WithPollInterval(s.PollInterval),
	}
}

func wrap(path string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", path, err)
}
