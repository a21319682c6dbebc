package bot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "autotour/internal/transport"
	logx "autotour/pkg/logx"
)

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{in: "/autotour", name: "autotour", args: []string{}, ok: true},
		{in: "/AutoTour@my_bot set 0 format '[Gen 8] OU'", name: "autotour", args: []string{"set", "0", "format", "[Gen 8] OU"}, ok: true},
		{in: `/at set 0 format "" `, name: "at", args: []string{"set", "0", "format", ""}, ok: true},
		{in: "hello", ok: false},
		{in: "/", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, args, ok := splitCommand(tt.in)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.args, args)
		})
	}
}

func message(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: -100, ThreadID: 3, FromID: from, Text: text}}
}

func TestDispatchLoopRoutesAndRecovers(t *testing.T) {
	t.Parallel()
	out := &fakeSender{}
	d := NewDispatcher(logx.Nop(), out, []int64{7}, WithWorkers(2))

	got := make(chan *Request, 4)
	d.Register(
		Command{Name: "echo", Aliases: []string{"e"}, Handle: func(ctx context.Context, req *Request) error {
			got <- req
			return req.Reply(ctx, "ok "+req.Verb)
		}},
		Command{Name: "boom", Handle: func(context.Context, *Request) error { panic("boom") }},
	)
	assert.Equal(t, []kit.BotCommand{{Command: "boom"}, {Command: "echo"}}, d.MenuCommands())

	updates := make(chan kit.Update)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.DispatchLoop(ctx, updates) }()

	updates <- message(7, "just chatting")
	updates <- message(7, "/unknown")
	updates <- message(7, "/boom")
	updates <- message(7, "/E@bot Ping pong")

	var req *Request
	select {
	case req = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("command not dispatched")
	}
	assert.Equal(t, "ping", req.Verb)
	assert.Equal(t, []string{"pong"}, req.Args)
	assert.Equal(t, "-100:3", req.Tenant)
	assert.Equal(t, "7", req.Editor)
	assert.True(t, req.Owner)
	assert.NotEmpty(t, req.ID)
	require.Eventually(t, func() bool { return out.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ok ping", out.last())

	d.SetOwners(nil)
	updates <- message(7, "/echo again")
	select {
	case req = <-got:
		assert.False(t, req.Owner)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher died after a panicking handler")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
	assert.Nil(t, d.Supervisor())
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()
	h := Chain(func(ctx context.Context, _ *Request) error {
		<-ctx.Done()
		return ctx.Err()
	}, MWPanicRecover(logx.Nop()), MWRequestLog(logx.Nop()), MWTimeout(20*time.Millisecond))
	err := h(context.Background(), &Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
