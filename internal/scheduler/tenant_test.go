package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotour/internal/eventbus"
	"autotour/internal/recurrence"
	"autotour/internal/ruleset"
)

// nearBoundary returns a clock whose next minute boundary is lead away in
// real time, and that boundary.
func nearBoundary(lead time.Duration) (func() time.Time, time.Time) {
	wall := time.Now().UTC()
	boundary := wall.Truncate(time.Minute).Add(2 * time.Minute)
	offset := boundary.Add(-lead).Sub(wall)
	return func() time.Time { return time.Now().Add(offset) }, boundary
}

type call struct {
	params ruleset.Params
	at     time.Time
}

type recordingAction struct {
	mu    sync.Mutex
	clock func() time.Time
	calls []call
	fn    func(params ruleset.Params) error
}

func (a *recordingAction) Invoke(_ context.Context, _ string, params ruleset.Params) error {
	a.mu.Lock()
	a.calls = append(a.calls, call{params: params, at: a.clock()})
	fn := a.fn
	a.mu.Unlock()
	if fn != nil {
		return fn(params)
	}
	return nil
}

func (a *recordingAction) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *recordingAction) snapshot() []call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]call(nil), a.calls...)
}

func rule(minute int, name string) ruleset.Rule {
	return ruleset.Rule{Timing: recurrence.HourlyAt(minute), Params: ruleset.Params{"name": name}}
}

func newTenant(t *testing.T, rs ruleset.RuleSet, action Action, clock func() time.Time, opts ...Option) *Tenant {
	t.Helper()
	opts = append([]Option{WithClock(clock), WithLocation(time.UTC)}, opts...)
	tn, err := New("room", rs, action, opts...)
	require.NoError(t, err)
	t.Cleanup(tn.Stop)
	return tn
}

func TestFiresOnceAtBoundaryAndReschedules(t *testing.T) {
	t.Parallel()
	clock, boundary := nearBoundary(200 * time.Millisecond)
	act := &recordingAction{clock: clock}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TourFired)
	defer unsub()

	tn := newTenant(t, ruleset.RuleSet{rule(boundary.Minute(), "a")}, act, clock, WithBus(bus))
	next, ok := tn.Next()
	require.True(t, ok)
	require.True(t, boundary.Equal(next.Next), "first occurrence %s, want %s", next.Next, boundary)

	tn.Start(context.Background())
	require.Eventually(t, func() bool { return act.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	calls := act.snapshot()
	assert.False(t, calls[0].at.Before(boundary), "fired early: %s < %s", calls[0].at, boundary)
	assert.Equal(t, "a", calls[0].params["name"])

	require.Eventually(t, func() bool {
		o, ok := tn.Next()
		return ok && o.Next.Equal(boundary.Add(time.Hour))
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return tn.State() == Armed }, time.Second, time.Millisecond)

	ev := <-events
	assert.Equal(t, "room", ev.Tenant)
	fired, ok := ev.Data.(Fired)
	require.True(t, ok)
	assert.True(t, boundary.Equal(fired.Scheduled))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, act.count(), "must not fire twice for one boundary")
	snap := tn.Snapshot()
	assert.Equal(t, uint64(1), snap.Fired)
	assert.Zero(t, snap.Failed)
}

func TestTiesFireInRuleOrder(t *testing.T) {
	t.Parallel()
	clock, boundary := nearBoundary(150 * time.Millisecond)
	act := &recordingAction{clock: clock}
	rs := ruleset.RuleSet{
		rule((boundary.Minute()+30)%60, "later"),
		rule(boundary.Minute(), "first"),
		rule(boundary.Minute(), "second"),
	}
	tn := newTenant(t, rs, act, clock)
	tn.Start(context.Background())

	require.Eventually(t, func() bool { return act.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	calls := act.snapshot()
	assert.Equal(t, "first", calls[0].params["name"])
	assert.Equal(t, "second", calls[1].params["name"])

	snap := tn.Snapshot()
	require.Len(t, snap.Pending, 3)
	assert.Equal(t, 0, snap.Pending[0].RuleIndex)
	for i := 1; i < len(snap.Pending); i++ {
		assert.False(t, snap.Pending[i].Next.Before(snap.Pending[i-1].Next))
	}
}

func TestFailuresAndPanicsStillReschedule(t *testing.T) {
	t.Parallel()
	clock, boundary := nearBoundary(150 * time.Millisecond)
	act := &recordingAction{clock: clock, fn: func(p ruleset.Params) error {
		if p["name"] == "panics" {
			panic("kaboom")
		}
		return errors.New("room is gone")
	}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TourFailed)
	defer unsub()

	tn := newTenant(t, ruleset.RuleSet{rule(boundary.Minute(), "errors"), rule(boundary.Minute(), "panics")}, act, clock, WithBus(bus))
	tn.Start(context.Background())

	require.Eventually(t, func() bool {
		snap := tn.Snapshot()
		if snap.Failed != 2 {
			return false
		}
		for _, o := range snap.Pending {
			if !o.Next.Equal(boundary.Add(time.Hour)) {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, tn.Snapshot().LastError, "panic: kaboom")
	for i := 0; i < 2; i++ {
		ev := <-events
		fired := ev.Data.(Fired)
		assert.ErrorIs(t, fired.Err, ErrActionFailed)
	}
	assert.NotEqual(t, Stopped, tn.State())
}

func TestStopWhileArmedWaitsForLoop(t *testing.T) {
	t.Parallel()
	clock, boundary := nearBoundary(time.Hour)
	act := &recordingAction{clock: clock}
	tn := newTenant(t, ruleset.RuleSet{rule(boundary.Minute(), "a")}, act, clock)
	tn.Start(context.Background())
	require.Eventually(t, func() bool { return tn.State() == Armed }, time.Second, time.Millisecond)

	tn.Stop()
	select {
	case <-tn.Done():
	default:
		t.Fatal("Stop returned before the loop exited")
	}
	assert.Equal(t, Stopped, tn.State())
	tn.Stop()
	tn.Start(context.Background())
	assert.Equal(t, Stopped, tn.State())
	assert.Zero(t, act.count())
}

func TestStopDuringFiringReturnsImmediately(t *testing.T) {
	t.Parallel()
	clock, boundary := nearBoundary(100 * time.Millisecond)
	entered := make(chan struct{})
	release := make(chan struct{})
	act := &recordingAction{clock: clock, fn: func(ruleset.Params) error {
		close(entered)
		<-release
		return nil
	}}
	tn := newTenant(t, ruleset.RuleSet{rule(boundary.Minute(), "slow")}, act, clock)
	tn.Start(context.Background())

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("action never invoked")
	}
	assert.Equal(t, Firing, tn.State())

	stopped := make(chan struct{})
	go func() {
		tn.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on an in-flight firing")
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tn.Wait(ctx))
	assert.Equal(t, Stopped, tn.State())
	assert.Equal(t, 1, act.count())
	assert.Equal(t, uint64(1), tn.Snapshot().Fired)
}

func TestStopFromInsideAction(t *testing.T) {
	t.Parallel()
	clock, boundary := nearBoundary(100 * time.Millisecond)
	var tn *Tenant
	act := &recordingAction{clock: clock}
	act.fn = func(ruleset.Params) error {
		tn.Stop()
		return nil
	}
	tn = newTenant(t, ruleset.RuleSet{rule(boundary.Minute(), "self")}, act, clock)
	tn.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tn.Wait(ctx))
	assert.Equal(t, 1, act.count())
}

func TestEmptyRuleSetIsIdle(t *testing.T) {
	t.Parallel()
	act := &recordingAction{clock: time.Now}
	tn := newTenant(t, nil, act, time.Now)
	assert.Equal(t, Idle, tn.State())
	tn.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Idle, tn.State())
	_, ok := tn.Next()
	assert.False(t, ok)

	tn.Stop()
	assert.Equal(t, Stopped, tn.State())
}

func TestContextCancelEndsLoop(t *testing.T) {
	t.Parallel()
	clock, boundary := nearBoundary(time.Hour)
	act := &recordingAction{clock: clock}
	tn := newTenant(t, ruleset.RuleSet{rule(boundary.Minute(), "a")}, act, clock)
	ctx, cancel := context.WithCancel(context.Background())
	tn.Start(ctx)
	cancel()

	wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
	defer wcancel()
	require.NoError(t, tn.Wait(wctx))
	assert.Equal(t, Stopped, tn.State())
}

func TestNewRejectsInvalidTiming(t *testing.T) {
	t.Parallel()
	_, err := New("room", ruleset.RuleSet{{Timing: recurrence.Spec{Minute: 61}}}, ActionFunc(func(context.Context, string, ruleset.Params) error { return nil }))
	assert.ErrorIs(t, err, recurrence.ErrInvalid)

	_, err = New("room", nil, nil)
	assert.Error(t, err)
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()
	tn, err := New("room", ruleset.RuleSet{rule(0, "a")}, ActionFunc(func(context.Context, string, ruleset.Params) error { return nil }))
	require.NoError(t, err)
	tn.Stop()
	<-tn.Done()
	assert.Equal(t, Stopped, tn.State())
}

func TestNewResolvesStrictlyAfterNow(t *testing.T) {
	t.Parallel()
	clock, boundary := nearBoundary(-100 * time.Millisecond)
	act := &recordingAction{clock: clock}
	tn := newTenant(t, ruleset.RuleSet{rule(boundary.Minute(), "a")}, act, clock)
	next, ok := tn.Next()
	require.True(t, ok)
	assert.True(t, boundary.Add(time.Hour).Equal(next.Next), "got %s", next.Next)
}

func TestOverdueExcludesFiringOccurrence(t *testing.T) {
	t.Parallel()
	clock, boundary := nearBoundary(100 * time.Millisecond)
	entered := make(chan struct{})
	release := make(chan struct{})
	act := &recordingAction{clock: clock, fn: func(p ruleset.Params) error {
		if p["name"] == "a" {
			close(entered)
			<-release
		}
		return nil
	}}
	tn := newTenant(t, ruleset.RuleSet{rule(boundary.Minute(), "a"), rule(boundary.Minute(), "b")}, act, clock)
	tn.Start(context.Background())

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("action never invoked")
	}
	tn.Stop()
	overdue := tn.Overdue()
	close(release)

	require.Len(t, overdue, 1)
	assert.Equal(t, 1, overdue[0].RuleIndex)
	assert.Equal(t, "b", overdue[0].Rule.Params["name"])
	assert.True(t, boundary.Equal(overdue[0].Next))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tn.Wait(ctx))
	assert.Equal(t, 1, act.count(), "stopped tenant must not start the tied rule")
}

func TestCarryoverFiresHandedOverOccurrence(t *testing.T) {
	t.Parallel()
	clock, boundary := nearBoundary(-2 * time.Second)
	act := &recordingAction{clock: clock}
	carry := []Occurrence{
		{RuleIndex: 1, Rule: rule(boundary.Minute(), "b"), Next: boundary},
		{RuleIndex: 0, Rule: rule(boundary.Minute(), "gone"), Next: boundary},
	}
	rs := ruleset.RuleSet{rule(boundary.Minute(), "a"), rule(boundary.Minute(), "b")}
	tn := newTenant(t, rs, act, clock, WithCarryover(carry))

	snap := tn.Snapshot()
	require.Len(t, snap.Pending, 2)
	assert.Equal(t, 1, snap.Pending[0].RuleIndex)
	assert.True(t, boundary.Equal(snap.Pending[0].Next), "handed over instant is kept")
	assert.True(t, boundary.Add(time.Hour).Equal(snap.Pending[1].Next), "unmatched rule resolves from now")

	tn.Start(context.Background())
	require.Eventually(t, func() bool { return act.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "b", act.snapshot()[0].params["name"])
	require.Eventually(t, func() bool {
		o, ok := tn.Next()
		return ok && o.Next.Equal(boundary.Add(time.Hour))
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, act.count())
}
