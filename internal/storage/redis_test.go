package storage

import (
	"context"
	"fmt"
	"testing"

	"cheersbot/internal/broadcast"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T, prefix string, keep int) (*redisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	st := newRedisStore(client, prefix, keep, nopLogger())
	t.Cleanup(func() { _ = st.Close() })
	return st, mr
}

func TestRedisStore(t *testing.T) {
	t.Parallel()

	st, _ := newTestRedisStore(t, "", 0)
	exerciseStore(t, st)
}

func TestRedisStore_Open(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	st, err := Open(Config{Driver: "redis", Redis: RedisConfig{Addrs: []string{mr.Addr()}, KeyPrefix: "cb:"}}, nopLogger())
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	defer st.Close()

	if err := st.SaveSchedule(context.Background(), broadcast.NewSchedule("-5", "p")); err != nil {
		t.Fatalf("SaveSchedule error = %v", err)
	}
	if !mr.Exists("cb:schedule:-5") {
		t.Fatalf("key cb:schedule:-5 missing; keys = %v", mr.Keys())
	}
	if ok, _ := mr.SIsMember("cb:tenants", "-5"); !ok {
		t.Fatalf("tenant -5 not in cb:tenants")
	}
}

func TestRedisStore_TrimsOutcomes(t *testing.T) {
	t.Parallel()

	st, mr := newTestRedisStore(t, "t", 3)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		o := broadcast.PlaybackOutcome{ID: fmt.Sprint(i), Tenant: "-1", Result: broadcast.ResultSuccess, Trigger: broadcast.TriggerAuto}
		if err := st.AppendOutcome(ctx, o); err != nil {
			t.Fatalf("AppendOutcome error = %v", err)
		}
	}
	items, err := mr.List("t:outcomes:-1")
	if err != nil {
		t.Fatalf("List error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("stored outcomes = %d, want 3", len(items))
	}
	got, _ := st.RecentOutcomes(ctx, "-1", 10)
	if len(got) != 3 || got[0].ID != "7" {
		t.Fatalf("RecentOutcomes = %+v, want newest 7 first", got)
	}
}

func TestRedisStore_SkipsCorruptSchedule(t *testing.T) {
	t.Parallel()

	st, mr := newTestRedisStore(t, "t", 0)
	ctx := context.Background()
	if err := st.SaveSchedule(ctx, broadcast.NewSchedule("-1", "p")); err != nil {
		t.Fatalf("SaveSchedule error = %v", err)
	}
	_ = mr.Set("t:schedule:-2", "{")
	_, _ = mr.SAdd("t:tenants", "-2")

	list, err := st.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules error = %v", err)
	}
	if len(list) != 1 || list[0].Tenant != "-1" {
		t.Fatalf("ListSchedules = %v, want [-1]", tenantsOf(list))
	}
}
