package tour

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotour/internal/ruleset"
	kit "autotour/internal/transport"
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []sent
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return kit.MessageRef{}, errors.New("flood wait")
	}
	f.sent = append(f.sent, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.sent)}, nil
}

func TestAnnouncerSendsToRoom(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	a := NewAnnouncer(fs, 0)
	err := a.Invoke(context.Background(), "-1001:7", ruleset.Params{KeyFormat: "[Gen 8] OU", KeyPlayerCap: "32"})
	require.NoError(t, err)

	require.Len(t, fs.sent, 1)
	assert.Equal(t, kit.ChatTarget{ChatID: -1001, ThreadID: 7}, fs.sent[0].to)
	assert.Contains(t, fs.sent[0].text, "Creating <b>[Gen 8] OU</b> tournament")
	assert.Contains(t, fs.sent[0].text, "cap 32")
}

func TestAnnouncerFailures(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	a := NewAnnouncer(fs, 5)

	err := a.Invoke(context.Background(), "lobby", ruleset.Params{KeyFormat: "x"})
	assert.ErrorIs(t, err, kit.ErrBadTarget)

	err = a.Invoke(context.Background(), "-5", ruleset.Params{KeyPlayerCap: "8"})
	assert.ErrorIs(t, err, ErrNoFormat)
	assert.Empty(t, fs.sent)
}

func TestAnnouncerRetriesOnce(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fails: 1}
	a := NewAnnouncer(fs, 0)
	require.NoError(t, a.Invoke(context.Background(), "-5", ruleset.Params{KeyFormat: "x"}))
	assert.Len(t, fs.sent, 1)

	fs.fails = 5
	err := a.Invoke(context.Background(), "-5", ruleset.Params{KeyFormat: "x"})
	assert.ErrorContains(t, err, "flood wait")
}
