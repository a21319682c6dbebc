// Package config loads the autotour configuration file (JSON or YAML) and
// hot-reloads it.
package config

// Config is the on-disk configuration. Durations are Go duration strings.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Tour      TourConfig      `json:"tour"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat that receives forwarded log lines,
	// "<chat_id>" or "<chat_id>:<thread_id>".
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig tunes the per-room wait loop.
type SchedulerConfig struct {
	// Timezone rules are evaluated in (IANA name); empty means local time.
	Timezone     string `json:"timezone,omitempty"`
	GuardBand    string `json:"guard_band,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
}

// StorageConfig selects where committed rules and the audit trail live.
//
//	"storage": { "driver": "sqlite", "path": "./data/autotour.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TourConfig seeds new rules and throttles announcements.
type TourConfig struct {
	DefaultFormat string `json:"default_format,omitempty"`
	// DefaultHour and DefaultMinute are pointers so 0 (midnight) can be
	// told apart from "not set".
	DefaultHour        *int    `json:"default_hour,omitempty"`
	DefaultMinute      *int    `json:"default_minute,omitempty"`
	AnnounceRatePerSec float64 `json:"announce_rate_per_sec,omitempty"`
}
