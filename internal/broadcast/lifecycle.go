package broadcast

import (
	"context"
	"errors"
	"fmt"

	"cheersbot/internal/eventbus"
	logx "cheersbot/pkg/logx"
)

// join leases the tenant, picks a destination and connects. On success the
// session is parked Connected until the Play fire claims it.
func (e *Engine) join(ctx context.Context, ev FireEvent) {
	log := e.log.With(logx.Tenant(string(ev.Tenant)), logx.String("action", string(ActionJoin)))
	sched, ok := e.reg.Get(ev.Tenant)
	if !ok || !sched.Enabled {
		log.Debug("join skipped, tenant gone or disabled")
		return
	}

	lease, err := e.arb.Acquire(ev.Tenant, TriggerAuto)
	if err != nil {
		e.metrics.ObserveBusy(ActionJoin)
		log.Debug("join skipped", logx.Err(err))
		return
	}

	o := newOutcome(ev.Tenant, TriggerAuto, e.clock.Now())
	dest, ok := e.choose(ctx, log, lease, &o)
	if !ok {
		e.record(o)
		return
	}

	conn, err := e.connect(ctx, lease, dest)
	if err != nil {
		o.Result, o.Error = ResultConnectFailed, err.Error()
		e.record(o)
		return
	}

	sess := &Session{Lease: lease, Conn: conn, Destination: dest, ConnectedAt: e.clock.Now()}
	if err := e.arb.Park(sess); err != nil {
		// Revoked between connect and park; the connection is ours to close.
		log.Warn("park failed", logx.Err(err))
		e.disconnect(ctx, ev.Tenant, conn)
		return
	}
	log.Info("joined destination", logx.String("dest", string(dest)))
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeJoined, Data: ev})
	e.notify.Notify(ev.Tenant, "Joined Voice Channel", fmt.Sprintf("Joined %s, playing at :%02d.", dest, e.options().Boundaries.PlayMinute))
}

// play claims the parked session, plays, disconnects and records the
// outcome. With nothing parked it does nothing.
func (e *Engine) play(ctx context.Context, ev FireEvent) {
	log := e.log.With(logx.Tenant(string(ev.Tenant)), logx.String("action", string(ActionPlay)))
	sess, err := e.arb.Claim(ev.Tenant)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			e.metrics.ObserveBusy(ActionPlay)
		}
		log.Debug("play skipped", logx.Err(err))
		return
	}
	o := newOutcome(ev.Tenant, sess.Lease.Trigger, e.clock.Now())
	o.Destination = sess.Destination
	e.record(e.perform(ctx, log, sess, o))
}

// TriggerManualBroadcast connects to dest, plays and disconnects in one
// call. An empty dest is picked by the selector once the lease is held.
// It returns ErrBusy without an outcome when the tenant is occupied.
func (e *Engine) TriggerManualBroadcast(ctx context.Context, tenant TenantID, dest DestinationID) (PlaybackOutcome, error) {
	if _, err := e.reg.Ensure(ctx, tenant); err != nil {
		return PlaybackOutcome{}, err
	}
	log := e.log.With(logx.Tenant(string(tenant)), logx.String("action", "manual"))
	lease, err := e.arb.Acquire(tenant, TriggerManual)
	if err != nil {
		return PlaybackOutcome{}, err
	}

	o := newOutcome(tenant, TriggerManual, e.clock.Now())
	if dest == "" {
		var ok bool
		if dest, ok = e.choose(ctx, log, lease, &o); !ok {
			e.record(o)
			return o, nil
		}
	}
	o.Destination = dest
	conn, err := e.connect(ctx, lease, dest)
	if err != nil {
		o.Result, o.Error = ResultConnectFailed, err.Error()
		e.record(o)
		return o, nil
	}
	sess := &Session{Lease: lease, Conn: conn, Destination: dest, ConnectedAt: e.clock.Now()}
	o = e.perform(ctx, log, sess, o)
	e.record(o)
	return o, nil
}

// choose lists candidates and runs the selector under a held lease. When
// nothing is eligible the lease is released and o carries the result.
func (e *Engine) choose(ctx context.Context, log logx.Logger, lease *Lease, o *PlaybackOutcome) (DestinationID, bool) {
	cands, err := e.dir.Candidates(ctx, lease.Tenant)
	if err != nil {
		e.release(log, lease)
		o.Result, o.Error = ResultConnectFailed, fmt.Sprintf("list destinations: %v", err)
		return "", false
	}
	dest, ok := e.sel.Select(lease.Tenant, cands)
	if !ok {
		e.release(log, lease)
		o.Result = ResultNoEligibleDestination
		return "", false
	}
	o.Destination = dest
	return dest, true
}

// connect runs Connecting -> Connected. On failure the lease is released.
func (e *Engine) connect(ctx context.Context, lease *Lease, dest DestinationID) (Connection, error) {
	cctx, cancel := context.WithTimeout(ctx, e.options().ConnectTimeout)
	defer cancel()

	conn, err := e.transport.Connect(cctx, lease.Tenant, dest)
	if err == nil && conn == nil {
		err = errors.New("transport returned no connection")
	}
	if err != nil {
		e.release(e.log.With(logx.Tenant(string(lease.Tenant))), lease)
		return nil, err
	}
	if err := lease.Transition(StateConnected); err != nil {
		e.disconnect(ctx, lease.Tenant, conn)
		e.release(e.log.With(logx.Tenant(string(lease.Tenant))), lease)
		return nil, err
	}
	return conn, nil
}

// perform runs Connected -> Playing -> Disconnecting -> Idle. It always
// ends with the lease released, whatever fails along the way.
func (e *Engine) perform(ctx context.Context, log logx.Logger, sess *Session, o PlaybackOutcome) PlaybackOutcome {
	lease := sess.Lease
	opts := e.options()
	defer e.release(log, lease)

	payload, err := e.pickPayload(ctx, lease.Tenant)
	if err != nil {
		o.Result, o.Error = ResultPlaybackFailed, err.Error()
		_ = lease.Transition(StateDisconnecting)
		e.disconnect(ctx, lease.Tenant, sess.Conn)
		return o
	}
	o.Payload = payload

	if err := lease.Transition(StatePlaying); err != nil {
		o.Result, o.Error = ResultPlaybackFailed, err.Error()
		e.disconnect(ctx, lease.Tenant, sess.Conn)
		return o
	}

	pctx, cancel := context.WithTimeout(ctx, opts.PlayTimeout)
	err = sess.Conn.Play(pctx, payload)
	watchdog := errors.Is(pctx.Err(), context.DeadlineExceeded)
	cancel()

	o.Result = ResultSuccess
	switch {
	case watchdog:
		o.Result, o.Error = ResultPlaybackFailed, fmt.Sprintf("playback watchdog fired after %s", opts.PlayTimeout)
	case err != nil:
		o.Result, o.Error = ResultPlaybackFailed, err.Error()
	}

	if err := lease.Transition(StateDisconnecting); err != nil {
		log.Warn("lease lost during playback", logx.Err(err))
	}
	e.sleepFn(ctx, opts.Grace)
	e.disconnect(ctx, lease.Tenant, sess.Conn)
	o.At = e.clock.Now()
	return o
}

func (e *Engine) pickPayload(ctx context.Context, tenant TenantID) (PayloadRef, error) {
	sched, ok := e.reg.Get(tenant)
	if !ok {
		return "", ErrUnknownTenant
	}
	var available []PayloadRef
	if sched.Mode == ModeRandom {
		var err error
		if available, err = e.catalog.ListAvailable(ctx); err != nil {
			return "", fmt.Errorf("list payloads: %w", err)
		}
	}
	return ChoosePayload(sched, available, e.intn)
}

// disconnect is best-effort and survives a cancelled parent context.
func (e *Engine) disconnect(ctx context.Context, tenant TenantID, conn Connection) {
	if conn == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.options().DisconnectTimeout)
	defer cancel()
	if err := conn.Disconnect(dctx); err != nil {
		e.log.Warn("disconnect failed", logx.Tenant(string(tenant)), logx.Err(err))
	}
}

func (e *Engine) release(log logx.Logger, lease *Lease) {
	if err := lease.Release(); err != nil {
		log.Warn("lease release", logx.Err(err))
	}
}
