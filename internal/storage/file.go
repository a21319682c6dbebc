package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"autotour/internal/ruleset"
	logx "autotour/pkg/logx"
)

// fileStore keeps rules in <prefix>.tours.json and the audit trail in
// <prefix>.audit.jsonl.
//
// Save writes the whole map to a temp file and renames it over the old one,
// so a crash never leaves a half-written rules file behind.
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	rulesPath string
	auditPath string
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s := &fileStore{
		log:       log,
		rulesPath: prefix + ".tours.json",
		auditPath: auditPath,
		auditFile: af,
	}
	// Seed an empty rules file so operators can find and edit it.
	if _, err := os.Stat(s.rulesPath); errors.Is(err, os.ErrNotExist) {
		if err := s.Save(context.Background(), map[string]ruleset.RuleSet{}); err != nil {
			_ = af.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *fileStore) Load(ctx context.Context) (map[string]ruleset.RuleSet, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.rulesPath)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]ruleset.RuleSet{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]ruleset.RuleSet{}
	if len(strings.TrimSpace(string(b))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.rulesPath, err)
	}
	return out, nil
}

func (s *fileStore) Save(ctx context.Context, all map[string]ruleset.RuleSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.rulesPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.rulesPath)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) RecentAudit(ctx context.Context, tenant string, limit int) ([]AuditEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.auditPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn last line after a crash is skipped.
			s.log.Debug("skipping audit line", logx.Err(err))
			continue
		}
		if e.Tenant == tenant {
			all = append(all, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lastForTenant(all, tenant, limit), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}
