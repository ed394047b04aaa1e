package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cheersbot/internal/broadcast"
	logx "cheersbot/pkg/logx"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisTimeout  = 5 * time.Second
	defaultRedisKeep     = 1000
	defaultRedisPrefix   = "cheersbot"
	redisAuditKeepFactor = 10
)

// redisStore keys:
//   - <prefix>:schedule:<tenant>  JSON document
//   - <prefix>:tenants            set of tenants with a document
//   - <prefix>:outcomes:<tenant>  list, newest first, trimmed
//   - <prefix>:audit              list, newest first, trimmed
//   - <prefix>:counters           JSON snapshot
type redisStore struct {
	client goredis.UniversalClient
	log    logx.Logger
	prefix string
	keep   int64
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	rc := cfg.Redis
	if len(rc.Addrs) == 0 {
		return nil, errors.New("storage.redis.addrs is required for redis driver")
	}
	timeout := rc.Timeout
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}

	// go-redis picks the topology: MasterName means Sentinel, several
	// addrs mean Cluster, one addr means standalone.
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        rc.Addrs,
		MasterName:   rc.MasterName,
		Username:     rc.Username,
		Password:     rc.Password,
		DB:           rc.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisStore(client, rc.KeyPrefix, cfg.OutcomeRetention, log), nil
}

func newRedisStore(client goredis.UniversalClient, prefix string, keep int, log logx.Logger) *redisStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if keep <= 0 {
		keep = defaultRedisKeep
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, log: log, prefix: prefix, keep: int64(keep)}
}

func (s *redisStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *redisStore) LoadSchedule(ctx context.Context, tenant broadcast.TenantID) (broadcast.TenantSchedule, error) {
	var out broadcast.TenantSchedule
	b, err := s.client.Get(ctx, s.key("schedule", string(tenant))).Bytes()
	if errors.Is(err, goredis.Nil) {
		return out, ErrNotFound
	}
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(b, &out)
	return out, err
}

func (s *redisStore) SaveSchedule(ctx context.Context, sc broadcast.TenantSchedule) error {
	b, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	_, err = s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, s.key("schedule", string(sc.Tenant)), b, 0)
		p.SAdd(ctx, s.key("tenants"), string(sc.Tenant))
		return nil
	})
	return err
}

func (s *redisStore) DeleteSchedule(ctx context.Context, tenant broadcast.TenantID) error {
	_, err := s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, s.key("schedule", string(tenant)))
		p.SRem(ctx, s.key("tenants"), string(tenant))
		return nil
	})
	return err
}

func (s *redisStore) ListSchedules(ctx context.Context) ([]broadcast.TenantSchedule, error) {
	tenants, err := s.client.SMembers(ctx, s.key("tenants")).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(tenants)
	out := make([]broadcast.TenantSchedule, 0, len(tenants))
	for _, t := range tenants {
		b, err := s.client.Get(ctx, s.key("schedule", t)).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var sc broadcast.TenantSchedule
		if err := json.Unmarshal(b, &sc); err != nil {
			s.log.Warn("skipping unreadable schedule", logx.String("tenant", t), logx.Err(err))
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

func (s *redisStore) AppendOutcome(ctx context.Context, o broadcast.PlaybackOutcome) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	k := s.key("outcomes", string(o.Tenant))
	_, err = s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.LPush(ctx, k, b)
		p.LTrim(ctx, k, 0, s.keep-1)
		return nil
	})
	return err
}

func (s *redisStore) RecentOutcomes(ctx context.Context, tenant broadcast.TenantID, limit int) ([]broadcast.PlaybackOutcome, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.key("outcomes", string(tenant)), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]broadcast.PlaybackOutcome, 0, len(raw))
	for _, r := range raw {
		var o broadcast.PlaybackOutcome
		if json.Unmarshal([]byte(r), &o) == nil {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *redisStore) SaveCounters(ctx context.Context, c broadcast.Counters) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("counters"), b, 0).Err()
}

func (s *redisStore) LoadCounters(ctx context.Context) (broadcast.Counters, error) {
	var c broadcast.Counters
	b, err := s.client.Get(ctx, s.key("counters")).Bytes()
	if errors.Is(err, goredis.Nil) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	err = json.Unmarshal(b, &c)
	return c, err
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	k := s.key("audit")
	_, err = s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.LPush(ctx, k, b)
		p.LTrim(ctx, k, 0, s.keep*redisAuditKeepFactor-1)
		return nil
	})
	return err
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
