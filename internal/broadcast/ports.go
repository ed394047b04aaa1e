package broadcast

import "context"

// ConfigStore persists tenant schedules.
type ConfigStore interface {
	LoadSchedule(ctx context.Context, tenant TenantID) (TenantSchedule, error)
	SaveSchedule(ctx context.Context, s TenantSchedule) error
	DeleteSchedule(ctx context.Context, tenant TenantID) error
	ListSchedules(ctx context.Context) ([]TenantSchedule, error)
}

// OutcomeStore records outcomes and counter snapshots. It is optional.
type OutcomeStore interface {
	AppendOutcome(ctx context.Context, o PlaybackOutcome) error
	SaveCounters(ctx context.Context, c Counters) error
	LoadCounters(ctx context.Context) (Counters, error)
}

// Candidate is a destination and its current occupant count.
type Candidate struct {
	Destination DestinationID
	Occupants   int
}

// Directory lists a tenant's voice destinations.
type Directory interface {
	Candidates(ctx context.Context, tenant TenantID) ([]Candidate, error)
}

type VoiceTransport interface {
	Connect(ctx context.Context, tenant TenantID, dest DestinationID) (Connection, error)
}

// Connection is one live voice session.
type Connection interface {
	// Play blocks until the payload finished or ctx is done.
	Play(ctx context.Context, payload PayloadRef) error
	Disconnect(ctx context.Context) error
}

type PayloadCatalog interface {
	ListAvailable(ctx context.Context) ([]PayloadRef, error)
}

// NotificationSink is fire-and-forget.
type NotificationSink interface {
	Notify(tenant TenantID, title, body string)
}

// Metrics mirrors outcome counters into an external collector.
type Metrics interface {
	ObserveOutcome(o PlaybackOutcome)
	ObserveFire(action Action)
	ObserveBusy(action Action)
	ObserveStarvation()
	SetInFlight(n int)
}

// Heartbeat is pinged after every trigger tick, such as a service-manager
// watchdog.
type Heartbeat interface {
	Beat()
}

type nopHeartbeat struct{}

func (nopHeartbeat) Beat() {}

type nopMetrics struct{}

func (nopMetrics) ObserveOutcome(PlaybackOutcome) {}
func (nopMetrics) ObserveFire(Action)             {}
func (nopMetrics) ObserveBusy(Action)             {}
func (nopMetrics) ObserveStarvation()             {}
func (nopMetrics) SetInFlight(int)                {}

type nopNotifier struct{}

func (nopNotifier) Notify(TenantID, string, string) {}
