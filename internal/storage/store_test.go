package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cheersbot/internal/broadcast"
)

// exerciseStore runs the behavior every driver must share.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 20, 0, 0, time.UTC)

	if _, err := st.LoadSchedule(ctx, "-100"); !errors.Is(err, broadcast.ErrNotFound) {
		t.Fatalf("LoadSchedule(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := st.LoadCounters(ctx); !errors.Is(err, broadcast.ErrNotFound) {
		t.Fatalf("LoadCounters(empty) error = %v, want ErrNotFound", err)
	}

	a := broadcast.NewSchedule("-100", "Cheers_Bitch")
	a.Policy = broadcast.FixedOffsets(broadcast.Offset{Minutes: -360, Label: "UTC-06:00 (CST)"})
	a.AddBlacklist("afk")
	a.SetPayload("Skal", false)
	a.LogThreadID = 7
	a.UpdatedAt = at
	b := broadcast.NewSchedule("-200", "Cheers_Bitch")
	b.Enabled = false
	b.UpdatedAt = at

	for _, sc := range []broadcast.TenantSchedule{b, a} {
		if err := st.SaveSchedule(ctx, sc); err != nil {
			t.Fatalf("SaveSchedule(%s) error = %v", sc.Tenant, err)
		}
	}

	got, err := st.LoadSchedule(ctx, "-100")
	if err != nil {
		t.Fatalf("LoadSchedule error = %v", err)
	}
	if got.Policy.Kind != broadcast.PolicyFixedOffsets || len(got.Policy.Offsets) != 1 || got.Policy.Offsets[0].Minutes != -360 {
		t.Fatalf("Policy = %+v, want one -360 offset", got.Policy)
	}
	if !got.Blacklisted("afk") || got.PayloadEnabled("Skal") || got.LogThreadID != 7 {
		t.Fatalf("schedule round trip lost fields: %+v", got)
	}
	if !got.UpdatedAt.Equal(at) {
		t.Fatalf("UpdatedAt = %v, want %v", got.UpdatedAt, at)
	}

	list, err := st.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules error = %v", err)
	}
	if len(list) != 2 || list[0].Tenant != "-100" || list[1].Tenant != "-200" {
		t.Fatalf("ListSchedules = %v, want [-100 -200]", tenantsOf(list))
	}
	if list[1].Enabled {
		t.Fatalf("-200 Enabled = true, want false")
	}

	if err := st.DeleteSchedule(ctx, "-200"); err != nil {
		t.Fatalf("DeleteSchedule error = %v", err)
	}
	if err := st.DeleteSchedule(ctx, "-200"); err != nil {
		t.Fatalf("DeleteSchedule(again) error = %v, want nil", err)
	}
	list, _ = st.ListSchedules(ctx)
	if len(list) != 1 {
		t.Fatalf("ListSchedules after delete = %v, want [-100]", tenantsOf(list))
	}

	for i := 0; i < 5; i++ {
		o := broadcast.PlaybackOutcome{
			ID:          fmt.Sprintf("o%d", i),
			Tenant:      "-100",
			Destination: "lobby",
			Payload:     "Cheers_Bitch",
			Result:      broadcast.ResultSuccess,
			Trigger:     broadcast.TriggerAuto,
			At:          at.Add(time.Duration(i) * time.Hour),
		}
		if err := st.AppendOutcome(ctx, o); err != nil {
			t.Fatalf("AppendOutcome error = %v", err)
		}
	}
	if err := st.AppendOutcome(ctx, broadcast.PlaybackOutcome{
		ID: "other", Tenant: "-300", Result: broadcast.ResultConnectFailed, Trigger: broadcast.TriggerManual,
		Error: "dial failed", At: at,
	}); err != nil {
		t.Fatalf("AppendOutcome error = %v", err)
	}

	recent, err := st.RecentOutcomes(ctx, "-100", 3)
	if err != nil {
		t.Fatalf("RecentOutcomes error = %v", err)
	}
	if len(recent) != 3 || recent[0].ID != "o4" || recent[2].ID != "o2" {
		t.Fatalf("RecentOutcomes = %+v, want o4,o3,o2", recent)
	}
	if recent[0].Destination != "lobby" || !recent[0].At.Equal(at.Add(4*time.Hour)) {
		t.Fatalf("RecentOutcomes[0] = %+v", recent[0])
	}
	other, _ := st.RecentOutcomes(ctx, "-300", 10)
	if len(other) != 1 || other[0].Error != "dial failed" || other[0].Result != broadcast.ResultConnectFailed {
		t.Fatalf("RecentOutcomes(-300) = %+v", other)
	}

	c := broadcast.Counters{
		GlobalAuto: 5, GlobalManual: 1, Starvation: 2,
		PerPayload: map[broadcast.PayloadRef]uint64{"Cheers_Bitch": 5},
		PerTenant:  map[broadcast.TenantID]uint64{"-100": 5},
		PerResult:  map[broadcast.Result]uint64{broadcast.ResultSuccess: 5, broadcast.ResultConnectFailed: 1},
	}
	if err := st.SaveCounters(ctx, c); err != nil {
		t.Fatalf("SaveCounters error = %v", err)
	}
	gc, err := st.LoadCounters(ctx)
	if err != nil {
		t.Fatalf("LoadCounters error = %v", err)
	}
	if gc.GlobalAuto != 5 || gc.GlobalManual != 1 || gc.Starvation != 2 || gc.PerTenant["-100"] != 5 || gc.PerResult[broadcast.ResultConnectFailed] != 1 {
		t.Fatalf("LoadCounters = %+v, want %+v", gc, c)
	}

	if err := st.AppendAudit(ctx, AuditEntry{ActorID: 42, Tenant: "-100", Command: "policy", Args: "offsets UTC-6", OK: true}); err != nil {
		t.Fatalf("AppendAudit error = %v", err)
	}
}

func tenantsOf(list []broadcast.TenantSchedule) []broadcast.TenantID {
	out := make([]broadcast.TenantID, 0, len(list))
	for _, s := range list {
		out = append(out, s.Tenant)
	}
	return out
}

func TestOpen_Disabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, nopLogger())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "mongo"}, nopLogger()); err == nil {
		t.Fatalf("Open(mongo) error = nil, want error")
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		if _, err := Open(Config{Driver: driver}, nopLogger()); err == nil {
			t.Fatalf("Open(%s, no path) error = nil, want error", driver)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, nopLogger()); err == nil {
		t.Fatalf("Open(redis, no addrs) error = nil, want error")
	}
}
