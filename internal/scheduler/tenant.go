// Package scheduler runs one room's recurring rules.
//
// A Tenant keeps one pending occurrence per rule in a min-heap. Its loop
// sleeps on a coarse timer until GuardBand before the earliest occurrence,
// then polls every PollInterval until the wall clock reaches it. An
// occurrence never fires early; after firing it is rescheduled from
// max(now, scheduled) so a late wake-up skips missed cycles instead of
// replaying them.
//
// New resolves every rule strictly after the current instant. The one
// exception is a replacement built WithCarryover: occurrences the previous
// scheduler had due but not yet started keep their instant, even if it is
// already past, and fire right away.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"autotour/internal/eventbus"
	"autotour/internal/recurrence"
	"autotour/internal/ruleset"
	logx "autotour/pkg/logx"
)

const (
	DefaultGuardBand    = 500 * time.Millisecond
	DefaultPollInterval = 10 * time.Millisecond
)

// ErrActionFailed wraps errors and panics raised by an Action.
var ErrActionFailed = errors.New("action failed")

// Action is what a rule does when it fires. params is a private copy.
type Action interface {
	Invoke(ctx context.Context, tenant string, params ruleset.Params) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, tenant string, params ruleset.Params) error

func (f ActionFunc) Invoke(ctx context.Context, tenant string, params ruleset.Params) error {
	return f(ctx, tenant, params)
}

type State int

const (
	Idle State = iota
	Armed
	Firing
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Firing:
		return "firing"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Fired is the payload of tour.fired and tour.failed events.
type Fired struct {
	RuleIndex int
	Params    ruleset.Params
	Scheduled time.Time
	Took      time.Duration
	Err       error
}

type options struct {
	guardBand    time.Duration
	pollInterval time.Duration
	loc          *time.Location
	now          func() time.Time
	log          logx.Logger
	bus          eventbus.Bus
	carry        []Occurrence
}

type Option func(*options)

func WithGuardBand(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.guardBand = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithLocation sets the time zone wall-clock rules are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.loc = loc
		}
	}
}

// WithClock replaces time.Now. Timers still run on real time, so a clock
// must advance at real speed (a fixed offset is fine).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

// WithCarryover hands over occurrences a replaced scheduler had due but not
// started (see Tenant.Overdue). Each one is matched to an equal rule and
// keeps its instant; unmatched ones are dropped.
func WithCarryover(occs []Occurrence) Option {
	return func(o *options) { o.carry = append([]Occurrence(nil), occs...) }
}

func defaultOptions() options {
	return options{
		guardBand:    DefaultGuardBand,
		pollInterval: DefaultPollInterval,
		loc:          time.Local,
		now:          time.Now,
		log:          logx.Nop(),
	}
}

// Snapshot is a point-in-time view of a Tenant.
type Snapshot struct {
	Tenant      string
	State       State
	Pending     []Occurrence
	Fired       uint64
	Failed      uint64
	LastFiredAt time.Time
	LastError   string
}

// Tenant owns the schedule loop of one room.
type Tenant struct {
	id     string
	action Action
	opts   options
	log    logx.Logger

	mu       sync.Mutex
	pending  occurrenceHeap
	state    State
	started  bool
	stopping bool
	fired    uint64
	failed   uint64
	lastAt   time.Time
	lastErr  string
	inflight *Occurrence

	stopOnce sync.Once
	doneOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New computes the first occurrence of every rule. Rules with invalid
// timing are rejected.
func New(tenant string, rs ruleset.RuleSet, action Action, opts ...Option) (*Tenant, error) {
	if action == nil {
		return nil, errors.New("scheduler: nil action")
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	t := &Tenant{
		id:     tenant,
		action: action,
		opts:   o,
		log:    o.log.With(logx.String("tenant", tenant)),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	now := t.now()
	used := make([]bool, len(o.carry))
	for i, r := range rs {
		next, err := recurrence.Resolve(r.Timing, now)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		for j, c := range o.carry {
			if used[j] || !c.Rule.Equal(r) || !c.Next.Before(next) {
				continue
			}
			used[j] = true
			next = c.Next.In(o.loc)
			break
		}
		t.pending.push(&Occurrence{RuleIndex: i, Rule: r.Clone(), Next: next})
	}
	return t, nil
}

func (t *Tenant) ID() string { return t.id }

// Overdue returns pending occurrences whose instant has been reached but
// that have not started firing, in firing order. The occurrence currently
// firing is excluded. Meant to be read after Stop, to seed a replacement.
func (t *Tenant) Overdue() []Occurrence {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Occurrence
	for _, o := range t.pending {
		if o == t.inflight || o.Next.After(now) {
			continue
		}
		out = append(out, Occurrence{RuleIndex: o.RuleIndex, Rule: o.Rule.Clone(), Next: o.Next})
	}
	sortOccurrences(out)
	return out
}

func (t *Tenant) now() time.Time { return t.opts.now().In(t.opts.loc) }

// Start launches the loop. The action receives ctx; canceling ctx also
// ends the loop. Start after Stop is a no-op.
func (t *Tenant) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started || t.stopping {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()
	go t.loop(ctx)
}

// Stop cancels the pending wait and waits for the loop to exit. If a
// firing is in progress it returns at once; the loop exits right after
// that firing without re-arming. Stop is idempotent and safe to call from
// inside the action.
func (t *Tenant) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })

	t.mu.Lock()
	t.stopping = true
	firing := t.state == Firing
	if !t.started {
		t.state = Stopped
		t.doneOnce.Do(func() { close(t.done) })
	}
	t.mu.Unlock()

	if firing {
		return
	}
	<-t.done
}

// Done is closed when the loop has exited.
func (t *Tenant) Done() <-chan struct{} { return t.done }

// Wait blocks until the loop exits or ctx ends.
func (t *Tenant) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tenant) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Next returns the earliest pending occurrence.
func (t *Tenant) Next() (Occurrence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.pending.peek()
	if !ok {
		return Occurrence{}, false
	}
	return Occurrence{RuleIndex: o.RuleIndex, Rule: o.Rule.Clone(), Next: o.Next}, true
}

func (t *Tenant) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{
		Tenant:      t.id,
		State:       t.state,
		Pending:     make([]Occurrence, 0, len(t.pending)),
		Fired:       t.fired,
		Failed:      t.failed,
		LastFiredAt: t.lastAt,
		LastError:   t.lastErr,
	}
	for _, o := range t.pending {
		snap.Pending = append(snap.Pending, Occurrence{RuleIndex: o.RuleIndex, Rule: o.Rule.Clone(), Next: o.Next})
	}
	sortOccurrences(snap.Pending)
	return snap
}

func sortOccurrences(occs []Occurrence) {
	sort.Slice(occs, func(i, j int) bool {
		a, b := occs[i], occs[j]
		if a.Next.Equal(b.Next) {
			return a.RuleIndex < b.RuleIndex
		}
		return a.Next.Before(b.Next)
	})
}

func (t *Tenant) loop(ctx context.Context) {
	defer func() {
		t.mu.Lock()
		t.state = Stopped
		t.mu.Unlock()
		t.doneOnce.Do(func() { close(t.done) })
		t.log.Debug("tenant loop stopped")
	}()

	for {
		t.mu.Lock()
		if t.stopping {
			t.mu.Unlock()
			return
		}
		head, ok := t.pending.peek()
		if !ok {
			t.state = Idle
			t.mu.Unlock()
			select {
			case <-t.stopCh:
			case <-ctx.Done():
			}
			return
		}
		t.state = Armed
		next := head.Next
		t.mu.Unlock()

		t.log.Debug("armed", logx.Int("rule", head.RuleIndex), logx.Time("next", next))
		if !t.sleepUntil(ctx, next) {
			return
		}

		t.mu.Lock()
		if t.stopping {
			t.mu.Unlock()
			return
		}
		t.state = Firing
		t.inflight = head
		occ := Occurrence{RuleIndex: head.RuleIndex, Rule: head.Rule.Clone(), Next: head.Next}
		t.mu.Unlock()

		t.fire(ctx, occ)

		t.mu.Lock()
		t.reschedule(head)
		t.inflight = nil
		t.mu.Unlock()
	}
}

// sleepUntil waits for next in two phases: a coarse timer up to GuardBand
// before next, then polling. It returns false when stopped or canceled.
func (t *Tenant) sleepUntil(ctx context.Context, next time.Time) bool {
	if coarse := next.Sub(t.now()) - t.opts.guardBand; coarse > 0 {
		timer := time.NewTimer(coarse)
		select {
		case <-t.stopCh:
			timer.Stop()
			return false
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(t.opts.pollInterval)
	defer ticker.Stop()
	for t.now().Before(next) {
		select {
		case <-t.stopCh:
			return false
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

func (t *Tenant) fire(ctx context.Context, occ Occurrence) {
	start := t.now()
	err := t.invoke(ctx, occ.Rule.Params.Clone())
	took := t.now().Sub(start)

	t.mu.Lock()
	t.lastAt = start
	if err != nil {
		t.failed++
		t.lastErr = err.Error()
	} else {
		t.fired++
		t.lastErr = ""
	}
	t.mu.Unlock()

	ev := eventbus.Event{
		Type:   eventbus.TourFired,
		Tenant: t.id,
		Time:   start,
		Data:   Fired{RuleIndex: occ.RuleIndex, Params: occ.Rule.Params.Clone(), Scheduled: occ.Next, Took: took, Err: err},
	}
	if err != nil {
		ev.Type = eventbus.TourFailed
		t.log.Warn("tour action failed", logx.Int("rule", occ.RuleIndex), logx.Time("scheduled", occ.Next), logx.Err(err))
	} else {
		t.log.Info("tour fired", logx.Int("rule", occ.RuleIndex), logx.Time("scheduled", occ.Next), logx.Duration("took", took))
	}
	if t.opts.bus != nil {
		t.opts.bus.Publish(ev)
	}
}

func (t *Tenant) invoke(ctx context.Context, params ruleset.Params) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("tour action panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("%w: panic: %v", ErrActionFailed, r)
		}
	}()
	if err := t.action.Invoke(ctx, t.id, params); err != nil {
		return fmt.Errorf("%w: %w", ErrActionFailed, err)
	}
	return nil
}

// reschedule moves head to its next occurrence. Caller holds t.mu and head
// is still the heap top (only the loop mutates the heap).
func (t *Tenant) reschedule(head *Occurrence) {
	base := t.now()
	if head.Next.After(base) {
		base = head.Next
	}
	next, err := recurrence.Resolve(head.Rule.Timing, base)
	if err != nil {
		t.log.Error("dropping rule with unresolvable timing", logx.Int("rule", head.RuleIndex), logx.Err(err))
		t.pending.popTop()
		return
	}
	head.Next = next
	t.pending.fixTop()
}
