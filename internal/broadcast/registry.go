package broadcast

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"

	logx "cheersbot/pkg/logx"
)

// Registry holds every tenant schedule in an immutable snapshot. Readers
// never lock; writers serialize on mu, persist, then swap the snapshot, so
// no reader observes a half-applied edit.
type Registry struct {
	log   logx.Logger
	store ConfigStore
	clock Clock

	mu             sync.Mutex
	defaultPayload PayloadRef
	snap           atomic.Pointer[map[TenantID]TenantSchedule]
}

func NewRegistry(store ConfigStore, clock Clock, defaultPayload PayloadRef, log logx.Logger) *Registry {
	if clock == nil {
		clock = SystemClock{}
	}
	r := &Registry{log: log, store: store, clock: clock, defaultPayload: defaultPayload}
	empty := map[TenantID]TenantSchedule{}
	r.snap.Store(&empty)
	return r
}

// Load replaces the snapshot with everything in the store. Invalid schedules
// are kept so the trigger loop reports them per tick instead of dropping them
// silently.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	list, err := r.store.ListSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("load schedules: %w", err)
	}
	next := make(map[TenantID]TenantSchedule, len(list))
	for _, s := range list {
		s.NormalizeBlacklist()
		if err := s.Validate(); err != nil {
			r.log.Warn("stored schedule is invalid", logx.Tenant(string(s.Tenant)), logx.Err(err))
		}
		next[s.Tenant] = s
	}

	r.mu.Lock()
	r.snap.Store(&next)
	r.mu.Unlock()
	return len(next), nil
}

func (r *Registry) SetDefaultPayload(p PayloadRef) {
	r.mu.Lock()
	r.defaultPayload = p
	r.mu.Unlock()
}

// Snapshot returns the current read-only view. Callers must not modify it.
func (r *Registry) Snapshot() map[TenantID]TenantSchedule {
	return *r.snap.Load()
}

func (r *Registry) Get(tenant TenantID) (TenantSchedule, bool) {
	s, ok := r.Snapshot()[tenant]
	if !ok {
		return TenantSchedule{}, false
	}
	return s.Clone(), true
}

// Tenants lists tenant ids in sorted order.
func (r *Registry) Tenants() []TenantID {
	snap := r.Snapshot()
	out := make([]TenantID, 0, len(snap))
	for t := range snap {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Ensure returns the tenant's schedule, creating and persisting the default
// one on first interaction.
func (r *Registry) Ensure(ctx context.Context, tenant TenantID) (TenantSchedule, error) {
	if s, ok := r.Get(tenant); ok {
		return s, nil
	}
	return r.Update(ctx, tenant, func(*TenantSchedule) error { return nil })
}

// Update applies fn to a copy of the tenant's schedule, validates and
// persists the result, then publishes it. An error from any step leaves the
// visible schedule untouched.
func (r *Registry) Update(ctx context.Context, tenant TenantID, fn func(*TenantSchedule) error) (TenantSchedule, error) {
	if tenant == "" {
		return TenantSchedule{}, ErrUnknownTenant
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.snap.Load()
	next, ok := cur[tenant]
	if ok {
		next = next.Clone()
	} else {
		var err error
		next, err = r.loadOrDefault(ctx, tenant)
		if err != nil {
			return TenantSchedule{}, err
		}
	}

	if err := fn(&next); err != nil {
		return TenantSchedule{}, err
	}
	next.Tenant = tenant
	next.NormalizeBlacklist()
	if err := next.Validate(); err != nil {
		return TenantSchedule{}, &ScheduleError{Tenant: tenant, Err: err}
	}
	next.UpdatedAt = r.clock.Now()

	if r.store != nil {
		if err := r.store.SaveSchedule(ctx, next); err != nil {
			return TenantSchedule{}, fmt.Errorf("save schedule %s: %w", tenant, err)
		}
	}

	m := maps.Clone(cur)
	m[tenant] = next
	r.snap.Store(&m)
	return next.Clone(), nil
}

func (r *Registry) loadOrDefault(ctx context.Context, tenant TenantID) (TenantSchedule, error) {
	if r.store != nil {
		s, err := r.store.LoadSchedule(ctx, tenant)
		switch {
		case err == nil:
			return s, nil
		case !errors.Is(err, ErrNotFound):
			return TenantSchedule{}, fmt.Errorf("load schedule %s: %w", tenant, err)
		}
	}
	return NewSchedule(tenant, r.defaultPayload), nil
}

// Delete forgets a tenant entirely.
func (r *Registry) Delete(ctx context.Context, tenant TenantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store != nil {
		if err := r.store.DeleteSchedule(ctx, tenant); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("delete schedule %s: %w", tenant, err)
		}
	}
	cur := *r.snap.Load()
	if _, ok := cur[tenant]; !ok {
		return nil
	}
	m := maps.Clone(cur)
	delete(m, tenant)
	r.snap.Store(&m)
	return nil
}
