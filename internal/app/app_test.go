package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotour/internal/bot"
	"autotour/internal/eventbus"
	"autotour/internal/recurrence"
	"autotour/internal/ruleset"
	"autotour/internal/scheduler"
	"autotour/internal/storage"
	kit "autotour/internal/transport"
)

type fakeAdapter struct {
	mu   sync.Mutex
	out  chan<- kit.Update
	sent []string
	menu []kit.BotCommand
}

func (f *fakeAdapter) Start(_ context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) replies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeAdapter) say(from int64, text string) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	out <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: -100, FromID: from, Text: text, IsGroup: true}}
}

const testConfig = `{
  "telegram": {"owner_user_ids": [42]},
  "logging": {"level": "error"},
  "scheduler": {"timezone": "UTC"},
  "storage": {"driver": "memory"},
  "tour": {"default_format": "[Gen 9] OU"}
}`

func startApp(t *testing.T) (*App, *fakeAdapter) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autotour.json")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	ad := &fakeAdapter{}
	a, err := New(path, WithAdapter(ad))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a, ad
}

func TestCommandsScheduleRoomAndAudit(t *testing.T) {
	a, ad := startApp(t)

	require.Eventually(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return len(ad.menu) == 1 && ad.menu[0].Command == "autotour"
	}, 2*time.Second, 10*time.Millisecond)

	ad.say(42, "/autotour add")
	require.Eventually(t, func() bool { return len(ad.replies()) == 1 }, 2*time.Second, 10*time.Millisecond)
	ad.say(42, "/autotour save")
	require.Eventually(t, func() bool { return len(ad.replies()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Auto tour config updated.", ad.replies()[1])

	require.Eventually(t, func() bool {
		return slicesEqual(a.reg.Tenants(), []string{"-100"})
	}, 2*time.Second, 10*time.Millisecond)
	snap, ok := a.reg.Status("-100")
	require.True(t, ok)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, 20, snap.Pending[0].Next.Hour())

	require.Eventually(t, func() bool {
		entries, err := a.store.RecentAudit(context.Background(), "-100", 5)
		return err == nil && len(entries) == 1 && entries[0].Action == storage.ActionCommit && entries[0].Actor == "42"
	}, 2*time.Second, 10*time.Millisecond)

	// Non-owners can look but not edit.
	ad.say(7, "/autotour delete 0")
	require.Eventually(t, func() bool { return len(ad.replies()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Only bot owners can edit auto tours.", ad.replies()[2])
	assert.Len(t, a.rules.Committed("-100"), 1)
}

func TestApplyConfigReschedulesAndRejectsInvalid(t *testing.T) {
	a, _ := startApp(t)
	events, unsub := a.bus.Subscribe(4, eventbus.ConfigReloaded)
	defer unsub()

	require.NoError(t, a.rules.Commit(context.Background(), "-100", ruleset.RuleSet{{
		Timing: recurrence.DailyAt(20, 0),
		Params: ruleset.Params{"format": "[Gen 9] OU"},
	}}))
	require.Eventually(t, func() bool { return len(a.reg.Tenants()) == 1 }, 2*time.Second, 10*time.Millisecond)

	oldCfg := a.cfgm.Get()
	tokyo := *oldCfg
	tokyo.Scheduler.Timezone = "Asia/Tokyo"
	require.True(t, a.applyConfig(oldCfg, &tokyo))
	assert.Equal(t, "Asia/Tokyo", a.Settings().Location.String())

	snap, ok := a.reg.Status("-100")
	require.True(t, ok)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, "Asia/Tokyo", snap.Pending[0].Next.Location().String())
	assert.Equal(t, 20, snap.Pending[0].Next.Hour())

	select {
	case e := <-events:
		assert.Equal(t, []string{"scheduler"}, e.Data)
	case <-time.After(time.Second):
		t.Fatal("no config.reloaded event")
	}

	broken := tokyo
	broken.Scheduler.Timezone = "Nowhere/Atlantis"
	assert.False(t, a.applyConfig(&tokyo, &broken))
	assert.Equal(t, "Asia/Tokyo", a.Settings().Location.String())

	assert.True(t, a.applyConfig(&tokyo, &tokyo))
	select {
	case e := <-events:
		t.Fatalf("unexpected event for a no-op reload: %v", e.Data)
	default:
	}
}

func slicesEqual(a, b []string) bool {
	return strings.Join(a, ",") == strings.Join(b, ",")
}

func TestAuditEntry(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, time.March, 4, 20, 0, 0, 0, time.UTC)
	fired := scheduler.Fired{RuleIndex: 1, Params: ruleset.Params{"format": "[Gen 9] OU"}, Took: 1500 * time.Millisecond}

	tests := []struct {
		name  string
		event eventbus.Event
		want  storage.AuditEntry
		ok    bool
	}{
		{
			name:  "fired",
			event: eventbus.Event{Type: eventbus.TourFired, Tenant: "-1", Time: at, Data: fired},
			want:  storage.AuditEntry{At: at, Tenant: "-1", Action: storage.ActionFired, Detail: "rule 1: [Gen 9] OU", TookMS: 1500},
			ok:    true,
		},
		{
			name: "failed",
			event: eventbus.Event{Type: eventbus.TourFailed, Tenant: "-1", Time: at, Data: scheduler.Fired{
				Params: ruleset.Params{"format": "x"}, Err: errors.New("chat not found"),
			}},
			want: storage.AuditEntry{At: at, Tenant: "-1", Action: storage.ActionFailed, Detail: "rule 0: x", Error: "chat not found"},
			ok:   true,
		},
		{
			name:  "commit",
			event: eventbus.Event{Type: eventbus.RulesCommitted, Tenant: "-1", Time: at, Data: bot.Committed{Editor: "42", Rules: 2}},
			want:  storage.AuditEntry{At: at, Tenant: "-1", Actor: "42", Action: storage.ActionCommit, Detail: "2 rule(s)"},
			ok:    true,
		},
		{name: "config reload", event: eventbus.Event{Type: eventbus.ConfigReloaded}},
		{name: "wrong payload", event: eventbus.Event{Type: eventbus.TourFired, Data: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := auditEntry(tt.event)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
