package broadcast

import (
	"fmt"
	"sync"
	"time"

	logx "cheersbot/pkg/logx"
)

type Action string

const (
	ActionJoin Action = "join"
	ActionPlay Action = "play"
)

// FireEvent is one scheduled trigger instance. At is the boundary instant in
// UTC, truncated to the second.
type FireEvent struct {
	Tenant TenantID
	Action Action
	At     time.Time
	// Offset is the frame (minutes from UTC) that matched.
	Offset int
}

// Boundaries are the minute-of-hour marks that fire Join and Play.
type Boundaries struct {
	JoinMinute int
	PlayMinute int
}

var DefaultBoundaries = Boundaries{JoinMinute: 15, PlayMinute: 20}

func (b Boundaries) Validate() error {
	if b.JoinMinute < 0 || b.PlayMinute > 59 || b.JoinMinute >= b.PlayMinute {
		return fmt.Errorf("invalid boundaries join=%d play=%d: need 0 <= join < play <= 59", b.JoinMinute, b.PlayMinute)
	}
	return nil
}

// ScheduleSource is the read side of the Registry.
type ScheduleSource interface {
	Snapshot() map[TenantID]TenantSchedule
}

type fireKey struct {
	tenant TenantID
	action Action
}

// TriggerEngine turns clock ticks into fire events. Matching is exact: a
// tick that misses the boundary second misses the cycle. The last fired
// boundary per tenant and action makes repeated ticks for the same second
// harmless.
type TriggerEngine struct {
	src ScheduleSource
	log logx.Logger

	mu     sync.Mutex
	bounds Boundaries
	last   map[fireKey]time.Time
	// broken remembers the last reported error per tenant so a bad schedule
	// is logged once, not every second.
	broken map[TenantID]string
}

func NewTriggerEngine(src ScheduleSource, bounds Boundaries, log logx.Logger) *TriggerEngine {
	return &TriggerEngine{
		src:    src,
		log:    log,
		bounds: bounds,
		last:   map[fireKey]time.Time{},
		broken: map[TenantID]string{},
	}
}

func (t *TriggerEngine) SetBoundaries(b Boundaries) {
	t.mu.Lock()
	t.bounds = b
	t.mu.Unlock()
}

// Tick evaluates every schedule at now and returns the events due. A broken
// schedule is logged and skipped; it never stops the others.
func (t *TriggerEngine) Tick(now time.Time) []FireEvent {
	at := now.UTC().Truncate(time.Second)
	snap := t.src.Snapshot()

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []FireEvent
	for id, s := range snap {
		evs, err := t.evaluate(id, s, at)
		if err != nil {
			if msg := err.Error(); t.broken[id] != msg {
				t.broken[id] = msg
				t.log.Warn("schedule evaluation failed", logx.Tenant(string(id)), logx.Err(err))
			}
			continue
		}
		delete(t.broken, id)
		out = append(out, evs...)
	}
	return out
}

func (t *TriggerEngine) evaluate(id TenantID, s TenantSchedule, at time.Time) (evs []FireEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			evs, err = nil, &ScheduleError{Tenant: id, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if !s.Enabled || s.Policy.Kind == PolicyManual {
		return nil, nil
	}
	if s.Tenant != id {
		return nil, &ScheduleError{Tenant: id, Err: fmt.Errorf("schedule carries tenant %q", s.Tenant)}
	}
	if err := s.Policy.Validate(); err != nil {
		return nil, &ScheduleError{Tenant: id, Err: err}
	}

	for _, off := range s.Policy.Frames() {
		local := InOffset(at, off)
		if local.Second() != 0 {
			continue
		}
		var action Action
		switch local.Minute() {
		case t.bounds.JoinMinute:
			action = ActionJoin
		case t.bounds.PlayMinute:
			action = ActionPlay
		default:
			continue
		}
		if ev, ok := t.claim(id, action, at, off); ok {
			evs = append(evs, ev)
		}
	}
	return evs, nil
}

// claim records a boundary as fired. Boundaries at or before the last fired
// one (redundant ticks, clock steps backwards) are refused.
func (t *TriggerEngine) claim(id TenantID, action Action, at time.Time, off int) (FireEvent, bool) {
	k := fireKey{tenant: id, action: action}
	if last, ok := t.last[k]; ok && !at.After(last) {
		return FireEvent{}, false
	}
	t.last[k] = at
	return FireEvent{Tenant: id, Action: action, At: at, Offset: off}, true
}

// CatchUp returns a Join for every enabled tenant whose frame is currently
// between the join and play marks. It is meant to run once at startup.
func (t *TriggerEngine) CatchUp(now time.Time) []FireEvent {
	at := now.UTC().Truncate(time.Second)
	snap := t.src.Snapshot()

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []FireEvent
	for id, s := range snap {
		if !s.Enabled || s.Policy.Validate() != nil {
			continue
		}
		for _, off := range s.Policy.Frames() {
			m := InOffset(at, off).Minute()
			if m < t.bounds.JoinMinute || m >= t.bounds.PlayMinute {
				continue
			}
			if ev, ok := t.claim(id, ActionJoin, at, off); ok {
				out = append(out, ev)
			}
			break
		}
	}
	return out
}

// Forget drops dedup state for a removed tenant.
func (t *TriggerEngine) Forget(id TenantID) {
	t.mu.Lock()
	delete(t.last, fireKey{tenant: id, action: ActionJoin})
	delete(t.last, fireKey{tenant: id, action: ActionPlay})
	delete(t.broken, id)
	t.mu.Unlock()
}
