package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"cheersbot/internal/eventbus"
	rtsup "cheersbot/internal/runtime/supervisor"
	logx "cheersbot/pkg/logx"
)

// Options are the engine timings. Zero values take the defaults below.
type Options struct {
	Boundaries Boundaries

	Tick              time.Duration // 1s
	ConnectTimeout    time.Duration // 15s
	PlayTimeout       time.Duration // 5m, watchdog for a stuck player
	Grace             time.Duration // pause before disconnecting, 0 disables
	DisconnectTimeout time.Duration // 10s
	// LeaseCeiling must exceed the longest lifecycle a lease can cover: the
	// join-to-play gap plus every bounded step after it.
	LeaseCeiling time.Duration // 15m
	QueueSize    int           // 1024
	CatchUp      bool
}

func (o Options) withDefaults() Options {
	if o.Boundaries == (Boundaries{}) {
		o.Boundaries = DefaultBoundaries
	}
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&o.Tick, time.Second)
	def(&o.ConnectTimeout, 15*time.Second)
	def(&o.PlayTimeout, 5*time.Minute)
	def(&o.DisconnectTimeout, 10*time.Second)
	def(&o.LeaseCeiling, 15*time.Minute)
	if o.Grace < 0 {
		o.Grace = 0
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	return o
}

func (o Options) Validate() error {
	o = o.withDefaults()
	if err := o.Boundaries.Validate(); err != nil {
		return err
	}
	if longest := o.longestLifecycle(); o.LeaseCeiling <= longest {
		return fmt.Errorf("lease ceiling %s must exceed the longest lifecycle %s (join-to-play gap plus connect, play, grace and disconnect timeouts)",
			o.LeaseCeiling, longest)
	}
	return nil
}

// longestLifecycle is how long a scheduled lease may legitimately be held.
// The sweep must never release a lease whose lifecycle still owns a
// connection.
func (o Options) longestLifecycle() time.Duration {
	gap := time.Duration(o.Boundaries.PlayMinute-o.Boundaries.JoinMinute) * time.Minute
	return gap + o.ConnectTimeout + o.PlayTimeout + o.Grace + o.DisconnectTimeout
}

type Deps struct {
	Log       logx.Logger
	Clock     Clock
	Registry  *Registry
	Directory Directory
	Transport VoiceTransport
	Catalog   PayloadCatalog
	Outcomes  *OutcomeSink
	Notifier  NotificationSink
	Bus       eventbus.Bus
	Metrics   Metrics
	Heartbeat Heartbeat
}

// Engine drives the trigger loop and runs one lifecycle per fire event.
type Engine struct {
	log       logx.Logger
	clock     Clock
	reg       *Registry
	dir       Directory
	transport VoiceTransport
	catalog   PayloadCatalog
	outcomes  *OutcomeSink
	notify    NotificationSink
	bus       eventbus.Bus
	metrics   Metrics
	heartbeat Heartbeat

	opts    atomic.Pointer[Options]
	trig    *TriggerEngine
	arb     *Arbiter
	sel     *Selector
	events  chan FireEvent
	rndMu   sync.Mutex
	rnd     *rand.Rand
	sleepFn func(ctx context.Context, d time.Duration)

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

func NewEngine(opts Options, d Deps) (*Engine, error) {
	if d.Registry == nil || d.Directory == nil || d.Transport == nil || d.Catalog == nil {
		return nil, errors.New("broadcast: registry, directory, transport and catalog are required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if d.Clock == nil {
		d.Clock = SystemClock{}
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.New()
	}
	if d.Heartbeat == nil {
		d.Heartbeat = nopHeartbeat{}
	}
	if d.Outcomes == nil {
		d.Outcomes = NewOutcomeSink(d.Log, d.Notifier, nil, d.Metrics)
	}

	log := d.Log.With(logx.Comp("broadcast"))
	e := &Engine{
		log:       log,
		clock:     d.Clock,
		reg:       d.Registry,
		dir:       d.Directory,
		transport: d.Transport,
		catalog:   d.Catalog,
		outcomes:  d.Outcomes,
		notify:    d.Notifier,
		bus:       d.Bus,
		metrics:   d.Metrics,
		heartbeat: d.Heartbeat,
		trig:      NewTriggerEngine(d.Registry, opts.Boundaries, log),
		arb:       NewArbiter(d.Clock),
		sel:       NewSelector(d.Registry),
		events:    make(chan FireEvent, opts.QueueSize),
		rnd:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		sleepFn:   sleepCtx,
	}
	e.opts.Store(&opts)
	return e, nil
}

func (e *Engine) options() Options { return *e.opts.Load() }

// Apply swaps timings at runtime. The tick interval and queue size only
// change on restart.
func (e *Engine) Apply(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	opts = opts.withDefaults()
	e.opts.Store(&opts)
	e.trig.SetBoundaries(opts.Boundaries)
	return nil
}

func (e *Engine) Arbiter() *Arbiter { return e.arb }
func (e *Engine) Registry() *Registry { return e.reg }
func (e *Engine) Counters() Counters { return e.outcomes.Counters() }
func (e *Engine) Outcomes() *OutcomeSink { return e.outcomes }
func (e *Engine) Trigger() *TriggerEngine { return e.trig }
func (e *Engine) Directory() Directory { return e.dir }
func (e *Engine) Catalog() PayloadCatalog { return e.catalog }
func (e *Engine) Boundaries() Boundaries { return e.options().Boundaries }

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sup != nil {
		return nil
	}
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(e.log),
		rtsup.WithCancelOnError(false),
	)
	e.sup = sup

	sup.GoRestart("broadcast.tick", e.tickLoop, rtsup.WithRestartBackoff(100*time.Millisecond, 2*time.Second))
	sup.GoRestart("broadcast.dispatch", e.dispatchLoop, rtsup.WithRestartBackoff(100*time.Millisecond, 2*time.Second))

	if e.options().CatchUp {
		for _, ev := range e.trig.CatchUp(e.clock.Now()) {
			e.log.Info("startup catch-up join", logx.Tenant(string(ev.Tenant)), logx.Int("offset", ev.Offset))
			e.enqueue(ev)
		}
	}
	e.log.Info("broadcast engine started", logx.Int("tenants", len(e.reg.Snapshot())))
	return nil
}

// Stop halts the loops, waits for lifecycles and disconnects parked
// sessions.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	sup := e.sup
	e.sup = nil
	e.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)

	for _, sess := range e.arb.Drain() {
		e.disconnect(ctx, sess.Lease.Tenant, sess.Conn)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Tick evaluates schedules at now and queues due events without blocking.
func (e *Engine) Tick(now time.Time) []FireEvent {
	evs := e.trig.Tick(now)
	for _, ev := range evs {
		e.metrics.ObserveFire(ev.Action)
		e.enqueue(ev)
	}
	return evs
}

func (e *Engine) enqueue(ev FireEvent) {
	select {
	case e.events <- ev:
	default:
		e.log.Error("fire event dropped, queue full",
			logx.Tenant(string(ev.Tenant)), logx.String("action", string(ev.Action)))
	}
}

// tickLoop wakes just after each whole second so boundary seconds are not
// skipped by ticker drift.
func (e *Engine) tickLoop(ctx context.Context) error {
	for {
		now := e.clock.Now()
		tick := e.options().Tick
		wait := now.Truncate(tick).Add(tick).Sub(now) + 5*time.Millisecond
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		e.Tick(e.clock.Now())
		e.heartbeat.Beat()
	}
}

func (e *Engine) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			e.mu.Lock()
			sup := e.sup
			e.mu.Unlock()
			if sup == nil {
				return ErrStopped
			}
			sup.Go0("broadcast.lifecycle", func(ctx context.Context) { e.Fire(ctx, ev) })
		}
	}
}

// Fire runs the lifecycle step for one event synchronously.
func (e *Engine) Fire(ctx context.Context, ev FireEvent) {
	switch ev.Action {
	case ActionJoin:
		e.join(ctx, ev)
	case ActionPlay:
		e.play(ctx, ev)
	default:
		e.log.Warn("unknown fire action", logx.Tenant(string(ev.Tenant)), logx.String("action", string(ev.Action)))
	}
	e.metrics.SetInFlight(e.arb.Active())
}

// SweepStale is the starvation guard: leases held past the ceiling are
// force-released and parked connections closed.
func (e *Engine) SweepStale(ctx context.Context) int {
	expired := e.arb.Sweep(e.options().LeaseCeiling)
	for _, x := range expired {
		e.log.Error("starvation guard released lease",
			logx.Tenant(string(x.Tenant)),
			logx.String("state", x.State.String()),
			logx.Duration("held_for", x.HeldFor),
			logx.Bool("parked", x.Parked != nil),
		)
		e.outcomes.noteStarvation()
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeStarvation, Data: x.Tenant})
		if x.Parked != nil {
			e.disconnect(ctx, x.Tenant, x.Parked.Conn)
		}
	}
	e.metrics.SetInFlight(e.arb.Active())
	return len(expired)
}

// Forget removes a tenant's schedule and its trigger state.
func (e *Engine) Forget(ctx context.Context, tenant TenantID) error {
	if err := e.reg.Delete(ctx, tenant); err != nil {
		return err
	}
	e.trig.Forget(tenant)
	return nil
}

func (e *Engine) intn(n int) int {
	e.rndMu.Lock()
	defer e.rndMu.Unlock()
	return e.rnd.IntN(n)
}

func (e *Engine) record(o PlaybackOutcome) {
	e.outcomes.Record(o)
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeOutcome, Time: o.At, Data: o})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
