package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cheersbot/internal/broadcast"
	"cheersbot/internal/eventbus"
	kit "cheersbot/internal/transport"
	logx "cheersbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []sent
	got   chan struct{}
}

type sent struct {
	to   kit.ChatTarget
	text string
}

func newFakeSender() *fakeSender { return &fakeSender{got: make(chan struct{}, 16)} }

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return kit.MessageRef{}, errors.New("flood wait")
	}
	f.sent = append(f.sent, sent{to: to, text: text})
	f.got <- struct{}{}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) snapshot() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func resolveAll(t broadcast.TenantID) (kit.ChatTarget, bool) {
	if t == "unknown" {
		return kit.ChatTarget{}, false
	}
	return kit.ChatTarget{ChatID: -100, ThreadID: 9}, true
}

func testConfig() Config {
	return Config{Enabled: true, Workers: 1, QueueSize: 8, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond, DedupWindow: time.Minute}
}

func waitSent(t *testing.T, f *fakeSender) {
	t.Helper()
	select {
	case <-f.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for send")
	}
}

func TestNotify_DeliversToResolvedTarget(t *testing.T) {
	t.Parallel()

	f := newFakeSender()
	s := New(testConfig(), f, resolveAll, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	s.Notify("-100", "Join Failed", "Could not join lobby")
	waitSent(t, f)

	got := f.snapshot()
	if len(got) != 1 {
		t.Fatalf("sent = %d, want 1", len(got))
	}
	if got[0].to.ChatID != -100 || got[0].to.ThreadID != 9 {
		t.Fatalf("target = %+v, want chat -100 thread 9", got[0].to)
	}
	if !strings.Contains(got[0].text, "Join Failed\nCould not join lobby") || !strings.HasPrefix(got[0].text, "⚠️ ") {
		t.Fatalf("text = %q", got[0].text)
	}
}

func TestNotify_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	f := newFakeSender()
	f.fails = 2
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(testConfig(), f, resolveAll, logx.Nop(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	s.Notify("-100", "Playing Sound", "Played Cheers_Bitch")
	waitSent(t, f)

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeNotifySent {
			t.Fatalf("event = %q, want %q", ev.Type, eventbus.TypeNotifySent)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no bus event")
	}
}

func TestNotify_Dedup(t *testing.T) {
	t.Parallel()

	f := newFakeSender()
	s := New(testConfig(), f, resolveAll, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	for i := 0; i < 3; i++ {
		s.Notify("-100", "Join Failed", "same body")
	}
	s.Notify("-100", "Join Failed", "other body")
	s.Stop(context.Background())

	if got := len(f.snapshot()); got != 2 {
		t.Fatalf("sent = %d, want 2", got)
	}
}

func TestEnqueue_States(t *testing.T) {
	t.Parallel()

	n := kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "x"}

	disabled := New(Config{}, newFakeSender(), resolveAll, logx.Nop(), nil)
	if err := disabled.Enqueue(context.Background(), "t", n); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Enqueue error = %v, want ErrDisabled", err)
	}

	notStarted := New(testConfig(), newFakeSender(), resolveAll, logx.Nop(), nil)
	if err := notStarted.Enqueue(context.Background(), "t", n); !errors.Is(err, ErrStopped) {
		t.Fatalf("unstarted Enqueue error = %v, want ErrStopped", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := notStarted.Enqueue(ctx, "t", n); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Enqueue error = %v, want context.Canceled", err)
	}
}

func TestNotify_UnknownTargetIsDropped(t *testing.T) {
	t.Parallel()

	f := newFakeSender()
	s := New(testConfig(), f, resolveAll, logx.Nop(), nil)
	s.Start(context.Background())
	s.Notify("unknown", "Playing Sound", "x")
	s.Stop(context.Background())

	if got := len(f.snapshot()); got != 0 {
		t.Fatalf("sent = %d, want 0", got)
	}
}

func TestRetryDelay_Capped(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("retryDelay(%d) = %v, want (0, 1s]", attempt, d)
		}
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n    kit.Notification
		want string
	}{
		{kit.Notification{Title: "T", Text: "B"}, "T\nB"},
		{kit.Notification{Title: "T"}, "T"},
		{kit.Notification{Text: " B "}, "B"},
		{kit.Notification{Priority: 9, Text: "x"}, "🚨 x"},
	}
	for _, tt := range tests {
		if got := render(tt.n); got != tt.want {
			t.Fatalf("render(%+v) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
