package broadcast

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "cheersbot/pkg/logx"
)

type Result string

const (
	ResultSuccess               Result = "success"
	ResultConnectFailed         Result = "connect_failed"
	ResultPlaybackFailed        Result = "playback_failed"
	ResultNoEligibleDestination Result = "no_eligible_destination"
)

type TriggerKind string

const (
	TriggerAuto   TriggerKind = "auto"
	TriggerManual TriggerKind = "manual"
)

// PlaybackOutcome is immutable once produced.
type PlaybackOutcome struct {
	ID          string        `json:"id"`
	Tenant      TenantID      `json:"tenant"`
	Destination DestinationID `json:"destination,omitempty"`
	Payload     PayloadRef    `json:"payload,omitempty"`
	Result      Result        `json:"result"`
	Trigger     TriggerKind   `json:"trigger"`
	Error       string        `json:"error,omitempty"`
	At          time.Time     `json:"at"`
}

func newOutcome(tenant TenantID, trigger TriggerKind, at time.Time) PlaybackOutcome {
	return PlaybackOutcome{ID: uuid.NewString(), Tenant: tenant, Trigger: trigger, At: at}
}

// Counters is a snapshot of outcome aggregates.
type Counters struct {
	GlobalAuto   uint64                `json:"global_auto"`
	GlobalManual uint64                `json:"global_manual"`
	PerPayload   map[PayloadRef]uint64 `json:"per_payload"`
	PerTenant    map[TenantID]uint64   `json:"per_tenant"`
	PerResult    map[Result]uint64     `json:"per_result"`
	// Starvation counts leases force-released by the guard.
	Starvation uint64 `json:"starvation"`
}

func (c Counters) clone() Counters {
	c.PerPayload = maps.Clone(c.PerPayload)
	c.PerTenant = maps.Clone(c.PerTenant)
	c.PerResult = maps.Clone(c.PerResult)
	return c
}

// OutcomeSink aggregates outcomes. Trigger counts include every recorded
// outcome; per-tenant and per-payload counts include successful plays only.
type OutcomeSink struct {
	log     logx.Logger
	notify  NotificationSink
	store   OutcomeStore
	metrics Metrics

	mu sync.Mutex
	c  Counters
}

func NewOutcomeSink(log logx.Logger, notify NotificationSink, store OutcomeStore, metrics Metrics) *OutcomeSink {
	if notify == nil {
		notify = nopNotifier{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &OutcomeSink{
		log:     log,
		notify:  notify,
		store:   store,
		metrics: metrics,
		c: Counters{
			PerPayload: map[PayloadRef]uint64{},
			PerTenant:  map[TenantID]uint64{},
			PerResult:  map[Result]uint64{},
		},
	}
}

// Restore seeds counters from a persisted snapshot.
func (s *OutcomeSink) Restore(c Counters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.GlobalAuto += c.GlobalAuto
	s.c.GlobalManual += c.GlobalManual
	s.c.Starvation += c.Starvation
	for k, v := range c.PerPayload {
		s.c.PerPayload[k] += v
	}
	for k, v := range c.PerTenant {
		s.c.PerTenant[k] += v
	}
	for k, v := range c.PerResult {
		s.c.PerResult[k] += v
	}
}

func (s *OutcomeSink) Record(o PlaybackOutcome) {
	s.mu.Lock()
	switch o.Trigger {
	case TriggerManual:
		s.c.GlobalManual++
	default:
		s.c.GlobalAuto++
	}
	s.c.PerResult[o.Result]++
	if o.Result == ResultSuccess {
		s.c.PerTenant[o.Tenant]++
		if o.Payload != "" {
			s.c.PerPayload[o.Payload]++
		}
	}
	s.mu.Unlock()

	s.metrics.ObserveOutcome(o)
	s.logOutcome(o)

	// Counters are already updated; failures past this point are cosmetic.
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.store.AppendOutcome(ctx, o); err != nil {
			s.log.Warn("outcome persist failed", logx.Tenant(string(o.Tenant)), logx.Err(err))
		}
		cancel()
	}
	if title, body, ok := describe(o); ok {
		s.notify.Notify(o.Tenant, title, body)
	}
}

func (s *OutcomeSink) noteStarvation() {
	s.mu.Lock()
	s.c.Starvation++
	s.mu.Unlock()
	s.metrics.ObserveStarvation()
}

func (s *OutcomeSink) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.clone()
}

func (s *OutcomeSink) logOutcome(o PlaybackOutcome) {
	fields := []logx.Field{
		logx.Tenant(string(o.Tenant)),
		logx.String("dest", string(o.Destination)),
		logx.String("payload", string(o.Payload)),
		logx.String("trigger", string(o.Trigger)),
		logx.String("outcome_id", o.ID),
	}
	if o.Error != "" {
		fields = append(fields, logx.String("error", o.Error))
	}
	switch o.Result {
	case ResultSuccess:
		s.log.Info("broadcast played", fields...)
	case ResultNoEligibleDestination:
		s.log.Debug("no eligible destination", fields...)
	default:
		s.log.Warn("broadcast failed", append(fields, logx.String("result", string(o.Result)))...)
	}
}

// describe renders the tenant-facing notification. NoEligibleDestination is
// silent.
func describe(o PlaybackOutcome) (title, body string, ok bool) {
	at := o.At.UTC().Format("15:04:05")
	switch o.Result {
	case ResultSuccess:
		return "Playing Sound", fmt.Sprintf("Played %s in %s at %s UTC.", o.Payload, o.Destination, at), true
	case ResultConnectFailed:
		if o.Destination == "" {
			return "Join Failed", fmt.Sprintf("Could not look up voice rooms: %s", o.Error), true
		}
		return "Join Failed", fmt.Sprintf(
			"Could not join %s: %s\nCheck the bot's permissions for that room, or exclude it with /blacklist add %s",
			o.Destination, o.Error, o.Destination), true
	case ResultPlaybackFailed:
		return "Playback Failed", fmt.Sprintf("Playback in %s failed at %s UTC: %s", o.Destination, at, o.Error), true
	default:
		return "", "", false
	}
}
