// Package configstore keeps the committed rule sets of every room and the
// per-editor drafts that are edited before being committed.
//
// Commits are persisted before they become visible: a failed save leaves
// both memory and listeners untouched.
package configstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"autotour/internal/ruleset"
	logx "autotour/pkg/logx"
)

var (
	// ErrPersistence wraps backend failures during Commit.
	ErrPersistence = errors.New("persistence failed")
	// ErrNoSession is returned when an editor has no open edit session.
	ErrNoSession = errors.New("no edit session")
	// ErrDraftChanged is returned by CommitEdit when the draft was mutated
	// while it was being committed. The committed rules are the older draft;
	// the session stays open with the newer one.
	ErrDraftChanged = errors.New("draft changed while saving")
)

// Backend loads and saves the whole tenant -> rule set map.
type Backend interface {
	Load(ctx context.Context) (map[string]ruleset.RuleSet, error)
	Save(ctx context.Context, all map[string]ruleset.RuleSet) error
}

// Listener observes a committed change. rs is empty when the tenant was removed.
type Listener func(tenant string, rs ruleset.RuleSet)

// ParamFilter normalises a parameter value before it reaches a draft.
// Returning an error rejects the edit.
type ParamFilter func(key, value string) (string, error)

type Option func(*Store)

func WithLogger(log logx.Logger) Option { return func(s *Store) { s.log = log } }

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithParamFilter(f ParamFilter) Option { return func(s *Store) { s.filter = f } }

// Session is a snapshot of an editor's open draft.
type Session struct {
	ID      string
	Editor  string
	Tenant  string
	Started time.Time
	Updated time.Time
	Draft   ruleset.RuleSet
}

type session struct {
	id      string
	editor  string
	tenant  string
	started time.Time
	updated time.Time
	draft   ruleset.RuleSet
	rev     uint64
}

func (s *session) snapshot() Session {
	return Session{
		ID:      s.id,
		Editor:  s.editor,
		Tenant:  s.tenant,
		Started: s.started,
		Updated: s.updated,
		Draft:   s.draft.Clone(),
	}
}

type Store struct {
	backend Backend
	log     logx.Logger
	now     func() time.Time
	filter  ParamFilter

	// commitMu serialises persistence and listener fan-out so listeners
	// observe commits in order.
	commitMu sync.Mutex

	mu        sync.RWMutex
	committed map[string]ruleset.RuleSet
	sessions  map[string]*session
	listeners map[uint64]Listener
	nextID    uint64
}

// Open loads the persisted configuration. Rules with invalid timing are
// dropped with a warning.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("configstore: nil backend")
	}
	s := &Store{
		backend:   backend,
		log:       logx.Nop(),
		now:       time.Now,
		committed: map[string]ruleset.RuleSet{},
		sessions:  map[string]*session{},
		listeners: map[uint64]Listener{},
	}
	for _, o := range opts {
		o(s)
	}
	all, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrPersistence, err)
	}
	s.committed = s.sanitize(all)
	s.log.Info("rules loaded", logx.Int("tenants", len(s.committed)))
	return s, nil
}

func (s *Store) sanitize(all map[string]ruleset.RuleSet) map[string]ruleset.RuleSet {
	out := make(map[string]ruleset.RuleSet, len(all))
	for tenant, rs := range all {
		kept := make(ruleset.RuleSet, 0, len(rs))
		for i, r := range rs {
			if err := r.Timing.Validate(); err != nil {
				s.log.Warn("dropping invalid rule", logx.String("tenant", tenant), logx.Int("index", i), logx.Err(err))
				continue
			}
			kept = append(kept, r.Clone())
		}
		if len(kept) > 0 {
			out[tenant] = kept
		}
	}
	return out
}

// Committed returns a copy of the tenant's committed rules (empty if none).
func (s *Store) Committed(tenant string) ruleset.RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed[tenant].Clone()
}

// Tenants lists tenants with committed rules, sorted.
func (s *Store) Tenants() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.committed))
	for t := range s.committed {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Subscribe registers fn for every successful commit and returns a function
// that removes it.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Commit replaces the tenant's rules. An empty rs removes the tenant.
func (s *Store) Commit(ctx context.Context, tenant string, rs ruleset.RuleSet) error {
	if tenant == "" {
		return errors.New("configstore: empty tenant")
	}
	if err := rs.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ruleset.ErrInvalidValue, err)
	}
	rs = rs.Clone()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.RLock()
	next := make(map[string]ruleset.RuleSet, len(s.committed)+1)
	for t, v := range s.committed {
		next[t] = v.Clone()
	}
	s.mu.RUnlock()
	if len(rs) == 0 {
		delete(next, tenant)
	} else {
		next[tenant] = rs
	}

	if err := s.backend.Save(ctx, next); err != nil {
		s.log.Error("commit not persisted", logx.String("tenant", tenant), logx.Err(err))
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.mu.Lock()
	s.committed = next
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.log.Info("rules committed", logx.String("tenant", tenant), logx.Int("rules", len(rs)))
	for _, fn := range listeners {
		fn(tenant, rs.Clone())
	}
	return nil
}

func (s *Store) listenersLocked() []Listener {
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.listeners[id])
	}
	return out
}

// Reload re-reads the backend and notifies listeners for every tenant whose
// rules changed.
func (s *Store) Reload(ctx context.Context) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	all, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: load: %v", ErrPersistence, err)
	}
	next := s.sanitize(all)

	s.mu.Lock()
	prev := s.committed
	s.committed = next
	listeners := s.listenersLocked()
	s.mu.Unlock()

	changed := make([]string, 0)
	for t, rs := range next {
		if !rs.Equal(prev[t]) {
			changed = append(changed, t)
		}
	}
	for t := range prev {
		if _, ok := next[t]; !ok {
			changed = append(changed, t)
		}
	}
	sort.Strings(changed)
	s.log.Info("rules reloaded", logx.Int("tenants", len(next)), logx.Int("changed", len(changed)))
	for _, t := range changed {
		for _, fn := range listeners {
			fn(t, next[t].Clone())
		}
	}
	return nil
}
