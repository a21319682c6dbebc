package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotour/internal/scheduler"
)

const sampleJSON = `{
  "telegram": {"token": "t", "owner_user_ids": [42], "group_log": "-100:7"},
  "logging": {"level": "debug", "telegram": {"enabled": true, "min_level": "warn"}},
  "scheduler": {"timezone": "UTC", "guard_band": "1s"},
  "storage": {"driver": "sqlite"},
  "tour": {"default_format": "[Gen 9] OU", "default_hour": 0}
}`

const sampleYAML = `
telegram:
  token: t
  owner_user_ids: [42]
  group_log: "-100:7"
logging:
  level: debug
  telegram:
    enabled: true
    min_level: warn
scheduler:
  timezone: UTC
  guard_band: 1s
storage:
  driver: sqlite
tour:
  default_format: "[Gen 9] OU"
  default_hour: 0
`

func TestDecodeJSONAndYAMLAgree(t *testing.T) {
	t.Parallel()
	fromJSON, err := Decode("autotour.json", []byte(sampleJSON))
	require.NoError(t, err)
	fromYAML, err := Decode("autotour.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, fromJSON, fromYAML)
	assert.Equal(t, contentHash(fromJSON), contentHash(fromYAML))

	require.NotNil(t, fromJSON.Tour.DefaultHour)
	assert.Equal(t, 0, *fromJSON.Tour.DefaultHour)
	assert.Nil(t, fromJSON.Tour.DefaultMinute)
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"telegram": {"tokn": "x"}}`))
	assert.ErrorContains(t, err, "tokn")

	_, err = Decode("c.yml", []byte("plugins:\n  echo: {}\n"))
	assert.ErrorContains(t, err, "plugins")

	_, err = Decode("c.json", []byte(`{} {}`))
	assert.ErrorContains(t, err, "trailing data")

	cfg, err := Decode("c.yaml", []byte(""))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	s, err := Resolve(&Config{})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, s.PollTimeout)
	assert.Equal(t, time.Local, s.Location)
	assert.Equal(t, scheduler.DefaultGuardBand, s.GuardBand)
	assert.Equal(t, scheduler.DefaultPollInterval, s.PollInterval)
	assert.Equal(t, "./data/autotour.json", s.Storage.Path)
	assert.Equal(t, "[Gen 8] OU", s.Tour.Format)
	assert.Equal(t, 20, s.Tour.Hour)
	assert.Equal(t, 0, s.Tour.Minute)
	assert.Equal(t, 1.0, s.AnnounceRate)
	assert.Len(t, s.SchedulerOptions(), 3)
}

func TestResolveSample(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("autotour.json", []byte(sampleJSON))
	require.NoError(t, err)
	s, err := Resolve(cfg)
	require.NoError(t, err)

	assert.Equal(t, int64(-100), s.GroupLog.ChatID)
	assert.Equal(t, 7, s.GroupLog.ThreadID)
	assert.True(t, s.Logging.Chat.Enabled)
	assert.Equal(t, int64(-100), s.Logging.Chat.ChatID)
	assert.Equal(t, 7, s.Logging.Chat.ThreadID, "thread falls back to the group log thread")
	assert.Equal(t, time.UTC, s.Location)
	assert.Equal(t, time.Second, s.GuardBand)
	assert.Equal(t, "./data/autotour.db", s.Storage.Path)
	assert.Equal(t, "[Gen 9] OU", s.Tour.Format)
	assert.Equal(t, 0, s.Tour.Hour, "explicit midnight is kept")
}

func TestResolveReportsEveryProblem(t *testing.T) {
	t.Parallel()
	hour := 24
	cfg := &Config{
		Telegram:  TelegramConfig{GroupLog: "chat", PollTimeout: "-1s"},
		Logging:   LoggingConfig{Level: "loud"},
		Scheduler: SchedulerConfig{Timezone: "Mars/Olympus", PollInterval: "0s"},
		Storage:   StorageConfig{Driver: "postgres"},
		Tour:      TourConfig{DefaultHour: &hour, AnnounceRatePerSec: -1},
	}
	_, err := Resolve(cfg)
	require.Error(t, err)
	for _, want := range []string{
		"telegram.group_log",
		"telegram.poll_timeout",
		"logging.level",
		"scheduler.timezone",
		"scheduler.poll_interval",
		"storage.driver",
		"tour.default_hour",
		"tour.announce_rate_per_sec",
	} {
		assert.ErrorContains(t, err, want)
	}

	_, err = Resolve(nil)
	assert.Error(t, err)
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "secret-1"}, Storage: StorageConfig{Driver: "file"}}
	newCfg := &Config{
		Telegram:  TelegramConfig{Token: "secret-2"},
		Scheduler: SchedulerConfig{Timezone: "Asia/Tokyo"},
		Storage:   StorageConfig{Driver: "file"},
	}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	assert.Equal(t, []string{"scheduler", "telegram"}, changed)
	assert.NotEmpty(t, attrs)

	changed, attrs = SummarizeChange(newCfg, newCfg)
	assert.Empty(t, changed)
	assert.Empty(t, attrs)

	changed, _ = SummarizeChange(nil, &Config{Tour: TourConfig{DefaultFormat: "x"}})
	assert.Equal(t, []string{"tour"}, changed)
}

func TestEnvOverridesToken(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(EnvToken+"=from-env\n"), 0o600))
	cfgPath := filepath.Join(dir, "autotour.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"telegram": {"token": "from-file"}}`), 0o600))

	t.Setenv(EnvToken, "")
	require.NoError(t, os.Unsetenv(EnvToken))
	require.NoError(t, LoadEnvFile(envPath))
	require.NoError(t, LoadEnvFile(filepath.Join(dir, "missing.env")))

	cfg, err := NewManager(cfgPath).Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestReloadSkipsUnchangedAndRejected(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "autotour.yaml")
	writeConfig(t, path, "logging:\n  level: info\n")

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Same content, different formatting.
	writeConfig(t, path, "logging: {level: info}\n")
	ok, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "trace" {
			return errors.New("no tracing in production")
		}
		return nil
	})
	writeConfig(t, path, "logging: {level: trace}\n")
	_, err = m.Reload(context.Background())
	assert.ErrorContains(t, err, "no tracing")
	assert.Equal(t, "info", m.Get().Logging.Level)

	writeConfig(t, path, "logging: {level: warn}\n")
	ok, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	got := <-sub
	assert.Equal(t, "warn", got.Logging.Level)

	writeConfig(t, path, "logging: {level: [broken\n")
	_, err = m.Reload(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "warn", m.Get().Logging.Level)
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	m.publish(&Config{Tour: TourConfig{DefaultFormat: "old"}})
	m.publish(&Config{Tour: TourConfig{DefaultFormat: "new"}})
	assert.Equal(t, "new", (<-sub).Tour.DefaultFormat)

	m.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
}

func TestWatchPublishesFileChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "autotour.json")
	writeConfig(t, path, `{"tour": {"default_format": "a"}}`)

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// The watcher may not be registered yet, so keep touching the file.
	require.Eventually(t, func() bool {
		writeConfig(t, path, `{"tour": {"default_format": "b"}}`)
		select {
		case cfg := <-sub:
			return cfg.Tour.DefaultFormat == "b"
		case <-time.After(400 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
