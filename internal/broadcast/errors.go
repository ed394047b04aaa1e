package broadcast

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a tenant already has a lifecycle in flight.
	ErrBusy = errors.New("tenant voice resource busy")
	// ErrLeaseRevoked is returned by a lease that the starvation guard
	// force-released.
	ErrLeaseRevoked  = errors.New("lease revoked")
	ErrNotConnected  = errors.New("no parked session")
	ErrUnknownTenant = errors.New("unknown tenant")
	// ErrNotFound is returned by a ConfigStore that holds no schedule for a
	// tenant.
	ErrNotFound  = errors.New("schedule not found")
	ErrNoPayload = errors.New("no payload available")
	ErrStopped   = errors.New("engine stopped")
	// ErrIllegalTransition signals a lifecycle bug: a state was skipped.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// ScheduleError carries a per-tenant evaluation failure. The trigger loop
// logs it and moves on to the next tenant.
type ScheduleError struct {
	Tenant TenantID
	Err    error
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("schedule %s: %v", e.Tenant, e.Err)
}

func (e *ScheduleError) Unwrap() error { return e.Err }
