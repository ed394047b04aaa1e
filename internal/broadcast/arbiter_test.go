package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	a := NewArbiter(nil)
	const n = 64
	var (
		wg    sync.WaitGroup
		won   atomic.Int32
		busy  atomic.Int32
		start = make(chan struct{})
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := a.Acquire("t1", TriggerAuto)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, ErrBusy):
				busy.Add(1)
			default:
				t.Errorf("Acquire error = %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if won.Load() != 1 || busy.Load() != n-1 {
		t.Fatalf("won=%d busy=%d, want 1 and %d", won.Load(), busy.Load(), n-1)
	}
	if got := a.State("t1"); got != StateConnecting {
		t.Fatalf("State = %s, want connecting", got)
	}
}

func TestTenantsDoNotBlockEachOther(t *testing.T) {
	t.Parallel()

	a := NewArbiter(nil)
	if _, err := a.Acquire("t1", TriggerAuto); err != nil {
		t.Fatalf("Acquire(t1): %v", err)
	}
	if _, err := a.Acquire("t2", TriggerAuto); err != nil {
		t.Fatalf("Acquire(t2) while t1 held: %v", err)
	}
	if got := a.Active(); got != 2 {
		t.Fatalf("Active = %d, want 2", got)
	}
}

func TestLeaseTransitions(t *testing.T) {
	t.Parallel()

	a := NewArbiter(nil)
	l, err := a.Acquire("t1", TriggerManual)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Transition(StatePlaying); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("connecting->playing err = %v, want ErrIllegalTransition", err)
	}
	for _, to := range []State{StateConnected, StatePlaying, StateDisconnecting} {
		if err := l.Transition(to); err != nil {
			t.Fatalf("Transition(%s): %v", to, err)
		}
		if got := a.State("t1"); got != to {
			t.Fatalf("State = %s, want %s", got, to)
		}
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); !errors.Is(err, ErrLeaseRevoked) {
		t.Fatalf("second Release err = %v, want ErrLeaseRevoked", err)
	}
	if got := a.State("t1"); got != StateIdle {
		t.Fatalf("State after release = %s, want idle", got)
	}
}

func TestReleaseFromMidLifecycleStillFrees(t *testing.T) {
	t.Parallel()

	a := NewArbiter(nil)
	l, _ := a.Acquire("t1", TriggerAuto)
	_ = l.Transition(StateConnected)
	if err := l.Release(); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("Release from connected err = %v, want ErrIllegalTransition", err)
	}
	if _, err := a.Acquire("t1", TriggerAuto); err != nil {
		t.Fatalf("Acquire after forced release: %v", err)
	}
}

func TestParkAndClaim(t *testing.T) {
	t.Parallel()

	a := NewArbiter(nil)
	if _, err := a.Claim("t1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Claim on idle err = %v, want ErrNotConnected", err)
	}

	l, _ := a.Acquire("t1", TriggerAuto)
	if err := a.Park(&Session{Lease: l}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("Park while connecting err = %v, want ErrIllegalTransition", err)
	}
	if _, err := a.Claim("t1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("Claim while connecting err = %v, want ErrBusy", err)
	}

	_ = l.Transition(StateConnected)
	sess := &Session{Lease: l, Destination: "lounge"}
	if err := a.Park(sess); err != nil {
		t.Fatalf("Park: %v", err)
	}
	if _, err := a.Acquire("t1", TriggerAuto); !errors.Is(err, ErrBusy) {
		t.Fatalf("Acquire while parked err = %v, want ErrBusy", err)
	}
	got, err := a.Claim("t1")
	if err != nil || got != sess {
		t.Fatalf("Claim = %v, %v; want parked session", got, err)
	}
	if _, err := a.Claim("t1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Claim err = %v, want ErrBusy", err)
	}
}

func TestSweepReleasesStaleLeases(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 5, 4, 10, 15, 0, 0, time.UTC))
	a := NewArbiter(clk)

	stale, _ := a.Acquire("stale", TriggerAuto)
	_ = stale.Transition(StateConnected)
	_ = a.Park(&Session{Lease: stale, Destination: "lounge"})

	clk.Advance(20 * time.Minute)
	fresh, _ := a.Acquire("fresh", TriggerAuto)

	expired := a.Sweep(15 * time.Minute)
	if len(expired) != 1 || expired[0].Tenant != "stale" || expired[0].Parked == nil {
		t.Fatalf("Sweep = %+v, want parked stale lease", expired)
	}
	if expired[0].HeldFor != 20*time.Minute || expired[0].State != StateConnected {
		t.Fatalf("expired = %+v, want held 20m in connected", expired[0])
	}
	if got := a.State("stale"); got != StateIdle {
		t.Fatalf("stale State = %s, want idle", got)
	}
	if err := stale.Transition(StatePlaying); !errors.Is(err, ErrLeaseRevoked) {
		t.Fatalf("revoked lease Transition err = %v, want ErrLeaseRevoked", err)
	}
	if got := fresh.State(); got != StateConnecting {
		t.Fatalf("fresh lease state = %s, want connecting", got)
	}
}
