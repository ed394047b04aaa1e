package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"cheersbot/internal/broadcast"
	logx "cheersbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and ":memory:" is
	// per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.OutcomeRetention, pruneEvery: 200}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadSchedule(ctx context.Context, tenant broadcast.TenantID) (broadcast.TenantSchedule, error) {
	var out broadcast.TenantSchedule
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM schedules WHERE tenant = ?`, string(tenant)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return out, ErrNotFound
	}
	if err != nil {
		return out, err
	}
	err = json.Unmarshal([]byte(doc), &out)
	return out, err
}

func (s *sqliteStore) SaveSchedule(ctx context.Context, sc broadcast.TenantSchedule) error {
	b, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(tenant, doc, updated_at) VALUES(?,?,?)
		 ON CONFLICT(tenant) DO UPDATE SET doc=excluded.doc, updated_at=excluded.updated_at`,
		string(sc.Tenant), string(b), sc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, tenant broadcast.TenantID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE tenant = ?`, string(tenant))
	return err
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]broadcast.TenantSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant, doc FROM schedules ORDER BY tenant`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []broadcast.TenantSchedule
	for rows.Next() {
		var tenant, doc string
		if err := rows.Scan(&tenant, &doc); err != nil {
			return nil, err
		}
		var sc broadcast.TenantSchedule
		if err := json.Unmarshal([]byte(doc), &sc); err != nil {
			s.log.Warn("skipping unreadable schedule", logx.String("tenant", tenant), logx.Err(err))
			continue
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o broadcast.PlaybackOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(id, at, tenant, destination, payload, result, trigger_kind, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		o.ID, o.At.UTC().Format(time.RFC3339Nano), string(o.Tenant), nullStr(string(o.Destination)),
		nullStr(string(o.Payload)), string(o.Result), string(o.Trigger), nullStr(o.Error),
	)
	if err == nil && s.retention > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_ = s.pruneOutcomes(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) pruneOutcomes(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM outcomes WHERE seq <= (SELECT MAX(seq) FROM outcomes) - ?`, s.retention)
	return err
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, tenant broadcast.TenantID, limit int) ([]broadcast.PlaybackOutcome, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, destination, payload, result, trigger_kind, err FROM outcomes
		 WHERE tenant = ? ORDER BY seq DESC LIMIT ?`, string(tenant), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []broadcast.PlaybackOutcome
	for rows.Next() {
		var (
			o                  broadcast.PlaybackOutcome
			at, result, trig   string
			dest, payload, msg sql.NullString
		)
		if err := rows.Scan(&o.ID, &at, &dest, &payload, &result, &trig, &msg); err != nil {
			return nil, err
		}
		o.Tenant = tenant
		o.At, _ = time.Parse(time.RFC3339Nano, at)
		o.Destination = broadcast.DestinationID(dest.String)
		o.Payload = broadcast.PayloadRef(payload.String)
		o.Result = broadcast.Result(result)
		o.Trigger = broadcast.TriggerKind(trig)
		o.Error = msg.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveCounters(ctx context.Context, c broadcast.Counters) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO counters(id, doc) VALUES(1, ?)
		 ON CONFLICT(id) DO UPDATE SET doc=excluded.doc`, string(b))
	return err
}

func (s *sqliteStore) LoadCounters(ctx context.Context) (broadcast.Counters, error) {
	var c broadcast.Counters
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM counters WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	err = json.Unmarshal([]byte(doc), &c)
	return c, err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, tenant, command, args, ok, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.Tenant,
		e.Command, nullStr(e.Args), e.OK, nullStr(e.Error),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
