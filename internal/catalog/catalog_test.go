package catalog

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"cheersbot/internal/broadcast"
	logx "cheersbot/pkg/logx"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("OggS"), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestCatalog_Scan(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, n := range []string{"Skal.ogg", "Cheers_Bitch.ogg", "Prost.OPUS", "notes.txt", ".hidden.ogg"} {
		touch(t, dir, n)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.ogg"), 0o755); err != nil {
		t.Fatal(err)
	}

	c, err := New(dir, logx.Nop())
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	got, _ := c.ListAvailable(context.Background())
	want := []broadcast.PayloadRef{"Cheers_Bitch", "Prost", "Skal"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ListAvailable = %v, want %v", got, want)
	}
	if p, ok := c.Path("Prost"); !ok || p != filepath.Join(dir, "Prost.OPUS") {
		t.Fatalf("Path(Prost) = %q, %v", p, ok)
	}
	if _, ok := c.Path("notes"); ok {
		t.Fatalf("Path(notes) ok = true, want false")
	}
}

func TestCatalog_MissingDir(t *testing.T) {
	t.Parallel()

	c, err := New(filepath.Join(t.TempDir(), "nope"), logx.Nop())
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	got, _ := c.ListAvailable(context.Background())
	if len(got) != 0 {
		t.Fatalf("ListAvailable = %v, want empty", got)
	}
}

func TestCatalog_ListIsCopy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	touch(t, dir, "A.ogg")
	c, _ := New(dir, logx.Nop())
	got, _ := c.ListAvailable(context.Background())
	got[0] = "mutated"
	again, _ := c.ListAvailable(context.Background())
	if again[0] != "A" {
		t.Fatalf("ListAvailable shares backing array")
	}
}

func TestCatalog_Watch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir, logx.Nop())
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Watch(ctx) }()

	// Re-touch once a second in case the watcher was not registered yet; the
	// gap exceeds the refresh debounce.
	deadline := time.Now().Add(6 * time.Second)
	for time.Now().Before(deadline) {
		touch(t, dir, "New.ogg")
		for i := 0; i < 20; i++ {
			time.Sleep(50 * time.Millisecond)
			if _, ok := c.Path("New"); ok {
				return
			}
		}
	}
	t.Fatalf("watch did not pick up New.ogg")
}
