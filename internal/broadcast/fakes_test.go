package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memStore struct {
	mu sync.Mutex
	m  map[TenantID]TenantSchedule
}

func newMemStore() *memStore { return &memStore{m: map[TenantID]TenantSchedule{}} }

func (s *memStore) LoadSchedule(_ context.Context, t TenantID) (TenantSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[t]
	if !ok {
		return TenantSchedule{}, ErrNotFound
	}
	return v.Clone(), nil
}

func (s *memStore) SaveSchedule(_ context.Context, v TenantSchedule) error {
	s.mu.Lock()
	s.m[v.Tenant] = v.Clone()
	s.mu.Unlock()
	return nil
}

func (s *memStore) DeleteSchedule(_ context.Context, t TenantID) error {
	s.mu.Lock()
	delete(s.m, t)
	s.mu.Unlock()
	return nil
}

func (s *memStore) ListSchedules(context.Context) ([]TenantSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TenantSchedule, 0, len(s.m))
	for _, v := range s.m {
		out = append(out, v.Clone())
	}
	return out, nil
}

type fakeDirectory struct {
	mu    sync.Mutex
	cands map[TenantID][]Candidate
	err   error
}

func (d *fakeDirectory) set(t TenantID, c ...Candidate) {
	d.mu.Lock()
	if d.cands == nil {
		d.cands = map[TenantID][]Candidate{}
	}
	d.cands[t] = c
	d.mu.Unlock()
}

func (d *fakeDirectory) Candidates(_ context.Context, t TenantID) ([]Candidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return append([]Candidate(nil), d.cands[t]...), nil
}

// fakeTransport hands out fakeConns. gate, when set, blocks Connect until
// closed so tests can hold a lease open.
type fakeTransport struct {
	mu            sync.Mutex
	connectErr    error
	playErr       error
	disconnectErr error
	hangPlay      bool
	gate          chan struct{}
	entered       chan struct{}

	connects    []DestinationID
	plays       []PayloadRef
	disconnects int
}

func (f *fakeTransport) Connect(ctx context.Context, _ TenantID, dest DestinationID) (Connection, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, dest)
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &fakeConn{t: f}, nil
}

func (f *fakeTransport) snapshot() (connects []DestinationID, plays []PayloadRef, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DestinationID(nil), f.connects...), append([]PayloadRef(nil), f.plays...), f.disconnects
}

type fakeConn struct{ t *fakeTransport }

func (c *fakeConn) Play(ctx context.Context, p PayloadRef) error {
	c.t.mu.Lock()
	c.t.plays = append(c.t.plays, p)
	hang, err := c.t.hangPlay, c.t.playErr
	c.t.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (c *fakeConn) Disconnect(context.Context) error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	c.t.disconnects++
	return c.t.disconnectErr
}

type fakeCatalog struct {
	refs []PayloadRef
	err  error
}

func (c fakeCatalog) ListAvailable(context.Context) ([]PayloadRef, error) {
	return append([]PayloadRef(nil), c.refs...), c.err
}

type note struct {
	tenant      TenantID
	title, body string
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (n *recordingNotifier) Notify(t TenantID, title, body string) {
	n.mu.Lock()
	n.notes = append(n.notes, note{tenant: t, title: title, body: body})
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []note {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]note(nil), n.notes...)
}

var errBoom = errors.New("boom")

type countingHeartbeat struct{ n atomic.Int64 }

func (h *countingHeartbeat) Beat() { h.n.Add(1) }
