package broadcast

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StatePlaying
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePlaying:
		return "playing"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Idle is reached only through Lease.Release.
var transitions = map[State][]State{
	StateConnecting:    {StateConnected},
	StateConnected:     {StatePlaying, StateDisconnecting},
	StatePlaying:       {StateDisconnecting},
	StateDisconnecting: {},
}

func canTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Arbiter owns every tenant's resource state. Each tenant has its own slot
// and lock; nothing is held across tenants.
type Arbiter struct {
	clock Clock
	slots sync.Map // TenantID -> *slot
}

type slot struct {
	mu     sync.Mutex
	state  State
	lease  *Lease
	parked *Session
}

// Lease is exclusive access to one tenant's voice resource. Release must be
// called exactly once by the holder.
type Lease struct {
	slot       *slot
	Tenant     TenantID
	Trigger    TriggerKind
	AcquiredAt time.Time
}

// Session is a connected lease parked between a Join and its Play.
type Session struct {
	Lease       *Lease
	Conn        Connection
	Destination DestinationID
	ConnectedAt time.Time
}

func NewArbiter(clock Clock) *Arbiter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Arbiter{clock: clock}
}

func (a *Arbiter) slotFor(t TenantID) *slot {
	if s, ok := a.slots.Load(t); ok {
		return s.(*slot)
	}
	s, _ := a.slots.LoadOrStore(t, &slot{})
	return s.(*slot)
}

func (a *Arbiter) State(t TenantID) State {
	s := a.slotFor(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Acquire moves an Idle tenant to Connecting and returns its lease, or
// ErrBusy when any lifecycle is outstanding.
func (a *Arbiter) Acquire(t TenantID, trigger TriggerKind) (*Lease, error) {
	s := a.slotFor(t)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle || s.lease != nil {
		return nil, ErrBusy
	}
	l := &Lease{slot: s, Tenant: t, Trigger: trigger, AcquiredAt: a.clock.Now()}
	s.state = StateConnecting
	s.lease = l
	return l, nil
}

func (l *Lease) held() bool { return l.slot.lease == l }

// State reports the current state, or Idle once the lease is gone.
func (l *Lease) State() State {
	l.slot.mu.Lock()
	defer l.slot.mu.Unlock()
	if !l.held() {
		return StateIdle
	}
	return l.slot.state
}

// Transition advances the state machine one step.
func (l *Lease) Transition(to State) error {
	l.slot.mu.Lock()
	defer l.slot.mu.Unlock()
	if !l.held() {
		return ErrLeaseRevoked
	}
	if !canTransition(l.slot.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, l.slot.state, to)
	}
	l.slot.state = to
	return nil
}

// Release returns the tenant to Idle. Releasing from anything but Connecting
// or Disconnecting still frees the tenant but reports the skipped states.
func (l *Lease) Release() error {
	l.slot.mu.Lock()
	defer l.slot.mu.Unlock()
	if !l.held() {
		return ErrLeaseRevoked
	}
	from := l.slot.state
	l.slot.state = StateIdle
	l.slot.lease = nil
	l.slot.parked = nil
	if from != StateConnecting && from != StateDisconnecting {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, StateIdle)
	}
	return nil
}

// Park hands a Connected session to the arbiter until Claim.
func (a *Arbiter) Park(sess *Session) error {
	l := sess.Lease
	l.slot.mu.Lock()
	defer l.slot.mu.Unlock()
	if !l.held() {
		return ErrLeaseRevoked
	}
	if l.slot.state != StateConnected {
		return fmt.Errorf("%w: park in %s", ErrIllegalTransition, l.slot.state)
	}
	l.slot.parked = sess
	return nil
}

// Claim takes the parked session. It returns ErrNotConnected when the
// tenant is Idle and ErrBusy when a lifecycle is running without a parked
// session.
func (a *Arbiter) Claim(t TenantID) (*Session, error) {
	s := a.slotFor(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.parked != nil:
		sess := s.parked
		s.parked = nil
		return sess, nil
	case s.state == StateIdle:
		return nil, ErrNotConnected
	default:
		return nil, ErrBusy
	}
}

// Expired describes a lease the starvation guard force-released.
type Expired struct {
	Tenant  TenantID
	State   State
	HeldFor time.Duration
	// Parked is set when the lease was idling between Join and Play; its
	// connection now belongs to the caller.
	Parked *Session
}

// Sweep force-releases every lease held longer than ceiling.
func (a *Arbiter) Sweep(ceiling time.Duration) []Expired {
	now := a.clock.Now()
	var out []Expired
	a.slots.Range(func(k, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if l := s.lease; l != nil && now.Sub(l.AcquiredAt) > ceiling {
			out = append(out, Expired{Tenant: l.Tenant, State: s.state, HeldFor: now.Sub(l.AcquiredAt), Parked: s.parked})
			s.state = StateIdle
			s.lease = nil
			s.parked = nil
		}
		s.mu.Unlock()
		return true
	})
	return out
}

// Drain detaches every parked session, for shutdown.
func (a *Arbiter) Drain() []*Session {
	var out []*Session
	a.slots.Range(func(k, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if s.parked != nil {
			out = append(out, s.parked)
			s.parked = nil
			s.state = StateIdle
			s.lease = nil
		}
		s.mu.Unlock()
		return true
	})
	return out
}

// Active counts tenants that are not Idle.
func (a *Arbiter) Active() int {
	n := 0
	a.slots.Range(func(k, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if s.state != StateIdle {
			n++
		}
		s.mu.Unlock()
		return true
	})
	return n
}
