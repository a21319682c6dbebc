package configstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"autotour/internal/ruleset"
	logx "autotour/pkg/logx"
)

// BeginEdit opens a draft for editor on tenant, seeded from the committed
// rules. An open session on the same tenant is returned as is; a session on
// another tenant is discarded first.
func (s *Store) BeginEdit(editor, tenant string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.sessions[editor]; ok {
		if cur.tenant == tenant {
			return cur.snapshot()
		}
		s.log.Info("edit session discarded", logx.String("editor", editor), logx.String("tenant", cur.tenant), logx.String("session", cur.id))
	}
	now := s.now()
	sess := &session{
		id:      uuid.NewString(),
		editor:  editor,
		tenant:  tenant,
		started: now,
		updated: now,
		draft:   s.committed[tenant].Clone(),
	}
	s.sessions[editor] = sess
	s.log.Debug("edit session started", logx.String("editor", editor), logx.String("tenant", tenant), logx.String("session", sess.id))
	return sess.snapshot()
}

// Session returns the editor's open session.
func (s *Store) Session(editor string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[editor]
	if !ok {
		return Session{}, false
	}
	return sess.snapshot(), true
}

// Draft returns a copy of the editor's draft.
func (s *Store) Draft(editor string) (ruleset.RuleSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[editor]
	if !ok {
		return nil, false
	}
	return sess.draft.Clone(), true
}

// Mutate applies op to the editor's draft. The draft is unchanged on error.
func (s *Store) Mutate(editor string, op ruleset.Op) (ruleset.RuleSet, error) {
	if sp, ok := op.(ruleset.SetParam); ok && s.filter != nil && sp.Value != "" {
		v, err := s.filter(sp.Key, sp.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ruleset.ErrInvalidValue, err)
		}
		sp.Value = v
		op = sp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[editor]
	if !ok {
		return nil, ErrNoSession
	}
	next, err := ruleset.Apply(sess.draft, op)
	if err != nil {
		return nil, err
	}
	sess.draft = next
	sess.updated = s.now()
	sess.rev++
	return next.Clone(), nil
}

// CommitEdit commits the editor's draft to the session's tenant and closes
// the session. On persistence failure the session stays open for a retry.
func (s *Store) CommitEdit(ctx context.Context, editor string) (Session, error) {
	s.mu.RLock()
	cur, ok := s.sessions[editor]
	if !ok {
		s.mu.RUnlock()
		return Session{}, ErrNoSession
	}
	sess, rev := cur.snapshot(), cur.rev
	s.mu.RUnlock()

	if err := s.Commit(ctx, sess.Tenant, sess.Draft); err != nil {
		return sess, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok = s.sessions[editor]
	if !ok || cur.id != sess.ID {
		return sess, nil
	}
	if cur.rev != rev {
		s.log.Warn("draft changed during commit", logx.String("editor", editor), logx.String("session", sess.ID))
		return sess, ErrDraftChanged
	}
	delete(s.sessions, editor)
	return sess, nil
}

// CancelEdit discards the editor's draft. It reports whether one existed.
func (s *Store) CancelEdit(editor string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[editor]; !ok {
		return false
	}
	delete(s.sessions, editor)
	return true
}
