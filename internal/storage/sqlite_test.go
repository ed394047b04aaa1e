package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"cheersbot/internal/broadcast"
)

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "db", "cheers.db")}, nopLogger())
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cheers.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "sqlite", Path: path}, nopLogger())
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	if err := st.SaveSchedule(ctx, broadcast.NewSchedule("-1", "p")); err != nil {
		t.Fatalf("SaveSchedule error = %v", err)
	}
	_ = st.Close()

	st, err = Open(Config{Driver: "sqlite", Path: path}, nopLogger())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer st.Close()
	if _, err := st.LoadSchedule(ctx, "-1"); err != nil {
		t.Fatalf("LoadSchedule after reopen error = %v", err)
	}
}

func TestSQLiteStore_PrunesOutcomes(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "sqlite", Path: ":memory:", OutcomeRetention: 10}, nopLogger())
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 200; i++ {
		o := broadcast.PlaybackOutcome{ID: fmt.Sprint(i), Tenant: "-1", Result: broadcast.ResultSuccess, Trigger: broadcast.TriggerAuto, At: time.Now()}
		if err := st.AppendOutcome(ctx, o); err != nil {
			t.Fatalf("AppendOutcome error = %v", err)
		}
	}
	got, err := st.RecentOutcomes(ctx, "-1", 100)
	if err != nil {
		t.Fatalf("RecentOutcomes error = %v", err)
	}
	if len(got) != 10 || got[0].ID != "199" {
		t.Fatalf("RecentOutcomes len = %d first = %q, want 10 and 199", len(got), got[0].ID)
	}
}
