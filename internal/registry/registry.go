// Package registry keeps one running scheduler per room and swaps it
// whenever that room's committed rules change.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"autotour/internal/configstore"
	"autotour/internal/ruleset"
	"autotour/internal/scheduler"
	logx "autotour/pkg/logx"
)

var ErrClosed = errors.New("registry closed")

// Source is the committed side of the config store.
type Source interface {
	Tenants() []string
	Committed(tenant string) ruleset.RuleSet
	Subscribe(fn configstore.Listener) (unsubscribe func())
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }

// WithSchedulerOptions sets the options every tenant scheduler is built with.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(r *Registry) { r.schedOpts = append([]scheduler.Option(nil), opts...) }
}

type Registry struct {
	action scheduler.Action
	log    logx.Logger

	// applyMu serializes replacements so two commits for a room never race.
	applyMu sync.Mutex

	mu        sync.Mutex
	ctx       context.Context
	schedOpts []scheduler.Option
	tenants   map[string]*scheduler.Tenant
	rules     map[string]ruleset.RuleSet
	unsub     func()
	closed    bool
}

func New(action scheduler.Action, opts ...Option) *Registry {
	r := &Registry{
		action:  action,
		log:     logx.Nop(),
		ctx:     context.Background(),
		tenants: map[string]*scheduler.Tenant{},
		rules:   map[string]ruleset.RuleSet{},
	}
	for _, fn := range opts {
		fn(r)
	}
	return r
}

// Init subscribes to src and starts a scheduler for every room that has
// committed rules. Schedulers run under ctx.
func (r *Registry) Init(ctx context.Context, src Source) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.ctx = ctx
	r.mu.Unlock()

	unsub := src.Subscribe(func(tenant string, rs ruleset.RuleSet) {
		if err := r.Apply(tenant, rs); err != nil && !errors.Is(err, ErrClosed) {
			r.log.Error("apply committed rules failed", logx.String("tenant", tenant), logx.Err(err))
		}
	})
	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()

	var errs []error
	for _, tenant := range src.Tenants() {
		// Read and apply under applyMu so a concurrent commit cannot be
		// overwritten by the older snapshot.
		r.applyMu.Lock()
		err := r.applyLocked(tenant, src.Committed(tenant))
		r.applyMu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	r.log.Info("registry ready", logx.Int("tenants", len(r.Tenants())))
	return errors.Join(errs...)
}

// Apply replaces the scheduler of tenant with one built from rs. An empty
// rs unregisters the tenant.
func (r *Registry) Apply(tenant string, rs ruleset.RuleSet) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	return r.applyLocked(tenant, rs)
}

func (r *Registry) applyLocked(tenant string, rs ruleset.RuleSet) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	old := r.tenants[tenant]
	delete(r.tenants, tenant)
	delete(r.rules, tenant)
	ctx := r.ctx
	opts := append([]scheduler.Option(nil), r.schedOpts...)
	r.mu.Unlock()

	// The old loop is stopped before the new one computes its first
	// occurrences. An in-flight firing keeps running and is not repeated;
	// anything else the old loop had due is handed over.
	if old != nil {
		old.Stop()
		opts = append(opts, scheduler.WithCarryover(old.Overdue()))
	}
	if len(rs) == 0 {
		if old != nil {
			r.log.Info("tenant unregistered", logx.String("tenant", tenant))
		}
		return nil
	}

	tn, err := scheduler.New(tenant, rs, r.action, opts...)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		tn.Stop()
		return ErrClosed
	}
	r.tenants[tenant] = tn
	r.rules[tenant] = rs.Clone()
	r.mu.Unlock()

	tn.Start(ctx)
	if next, ok := tn.Next(); ok {
		r.log.Info("tenant scheduled",
			logx.String("tenant", tenant),
			logx.Int("rules", len(rs)),
			logx.Time("next", next.Next),
			logx.Bool("replaced", old != nil),
		)
	}
	return nil
}

// Reconfigure rebuilds every scheduler with new options, for example after
// the time zone or guard band changed.
func (r *Registry) Reconfigure(opts ...scheduler.Option) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.mu.Lock()
	r.schedOpts = append([]scheduler.Option(nil), opts...)
	current := make(map[string]ruleset.RuleSet, len(r.rules))
	for k, v := range r.rules {
		current[k] = v
	}
	r.mu.Unlock()

	var errs []error
	for _, tenant := range sortedKeys(current) {
		if err := r.applyLocked(tenant, current[tenant]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) Status(tenant string) (scheduler.Snapshot, bool) {
	r.mu.Lock()
	tn := r.tenants[tenant]
	r.mu.Unlock()
	if tn == nil {
		return scheduler.Snapshot{}, false
	}
	return tn.Snapshot(), true
}

// Tenants lists registered rooms in sorted order.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tenants))
	for k := range r.tenants {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Teardown stops every scheduler and waits for their loops, including
// in-flight firings, until ctx ends.
func (r *Registry) Teardown(ctx context.Context) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	unsub := r.unsub
	all := r.tenants
	r.tenants = map[string]*scheduler.Tenant{}
	r.rules = map[string]ruleset.RuleSet{}
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, tn := range all {
		tn := tn
		g.Go(func() error {
			tn.Stop()
			return tn.Wait(gctx)
		})
	}
	err := g.Wait()
	r.log.Info("registry stopped", logx.Int("tenants", len(all)), logx.Err(err))
	return err
}

func sortedKeys(m map[string]ruleset.RuleSet) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
