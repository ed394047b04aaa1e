package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cheersbot/internal/broadcast"
	logx "cheersbot/pkg/logx"
)

// fileStore keeps everything under one directory.
//
// Files:
//   - schedules/<tenant>.json (one document per tenant, replaced atomically)
//   - outcomes.jsonl          (append-only JSON Lines)
//   - audit.jsonl             (append-only JSON Lines)
//   - counters.json           (latest snapshot, replaced atomically)
type fileStore struct {
	log logx.Logger
	dir string

	mu          sync.Mutex
	outcomeFile *os.File
	auditFile   *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Join(dir, "schedules"), 0o755); err != nil {
		return nil, err
	}

	of, err := os.OpenFile(filepath.Join(dir, "outcomes.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = of.Close()
		return nil, err
	}
	return &fileStore{log: log, dir: dir, outcomeFile: of, auditFile: af}, nil
}

func (s *fileStore) schedulePath(t broadcast.TenantID) string {
	return filepath.Join(s.dir, "schedules", url.PathEscape(string(t))+".json")
}

func (s *fileStore) LoadSchedule(_ context.Context, tenant broadcast.TenantID) (broadcast.TenantSchedule, error) {
	var out broadcast.TenantSchedule
	b, err := os.ReadFile(s.schedulePath(tenant))
	if errors.Is(err, os.ErrNotExist) {
		return out, ErrNotFound
	}
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (s *fileStore) SaveSchedule(_ context.Context, sc broadcast.TenantSchedule) error {
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.schedulePath(sc.Tenant), b)
}

func (s *fileStore) DeleteSchedule(_ context.Context, tenant broadcast.TenantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.schedulePath(tenant))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *fileStore) ListSchedules(_ context.Context) ([]broadcast.TenantSchedule, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "schedules"))
	if err != nil {
		return nil, err
	}
	out := make([]broadcast.TenantSchedule, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, "schedules", name))
		if err != nil {
			return nil, err
		}
		var sc broadcast.TenantSchedule
		if err := json.Unmarshal(b, &sc); err != nil {
			// One corrupt document must not hide every other tenant.
			s.log.Warn("skipping unreadable schedule", logx.String("file", name), logx.Err(err))
			continue
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out, nil
}

func (s *fileStore) AppendOutcome(_ context.Context, o broadcast.PlaybackOutcome) error {
	return s.appendLine(&s.outcomeFile, o)
}

func (s *fileStore) RecentOutcomes(_ context.Context, tenant broadcast.TenantID, limit int) ([]broadcast.PlaybackOutcome, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	all, err := readLines[broadcast.PlaybackOutcome](filepath.Join(s.dir, "outcomes.jsonl"))
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]broadcast.PlaybackOutcome, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].Tenant == tenant {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return s.appendLine(&s.auditFile, e)
}

func (s *fileStore) appendLine(fp **os.File, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if *fp == nil {
		return ErrDisabled
	}
	_, err = (*fp).Write(b)
	return err
}

func (s *fileStore) SaveCounters(_ context.Context, c broadcast.Counters) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(filepath.Join(s.dir, "counters.json"), b)
}

func (s *fileStore) LoadCounters(_ context.Context) (broadcast.Counters, error) {
	var c broadcast.Counters
	b, err := os.ReadFile(filepath.Join(s.dir, "counters.json"))
	if errors.Is(err, os.ErrNotExist) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	err = json.Unmarshal(b, &c)
	return c, err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.outcomeFile != nil {
		errs = append(errs, s.outcomeFile.Close())
		s.outcomeFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

// readLines decodes a JSON Lines file, skipping malformed lines.
func readLines[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var v T
		if json.Unmarshal([]byte(line), &v) == nil {
			out = append(out, v)
		}
	}
	return out, sc.Err()
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
