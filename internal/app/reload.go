package app

import (
	"context"
	"strings"
	"time"

	"cheersbot/internal/config"
	"cheersbot/internal/eventbus"
	logx "cheersbot/pkg/logx"
)

// startReload fans accepted configs out to the running components.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest version is applied.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.Summarize(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)
	if len(ch.NeedsRestart) > 0 {
		a.log.Warn("config change requires restart to take effect",
			logx.String("sections", strings.Join(ch.NeedsRestart, ",")))
	}

	// group_log lives under telegram but only feeds the log sink.
	if ch.LoggingChanged || prev.Telegram.GroupLog != next.Telegram.GroupLog {
		a.logs.Apply(mapLogging(next))
	}
	a.router.SetOwners(next.Telegram.OwnerUserIDs)

	if ch.BroadcastChange {
		opts, err := mapBroadcast(next)
		if err == nil {
			err = a.engine.Apply(opts)
		}
		if err != nil {
			a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
		} else {
			a.engine.Registry().SetDefaultPayload(defaultPayload(next))
			if prev.Broadcast.Tick != next.Broadcast.Tick || prev.Broadcast.QueueSize != next.Broadcast.QueueSize {
				a.log.Warn("broadcast.tick and broadcast.queue_size apply on restart")
			}
		}
	}

	if ch.NotifierChanged {
		a.applyNotifier(ctx, next)
	}

	if ch.CatalogChanged {
		switch {
		case prev.Catalog.Dir != next.Catalog.Dir:
			a.log.Warn("catalog.dir changed; restart required", logx.String("dir", next.Catalog.Dir))
		default:
			if err := a.catalog.Refresh(); err != nil {
				a.log.Warn("catalog refresh failed", logx.Err(err))
			}
			if prev.Catalog.Watch != next.Catalog.Watch {
				a.log.Warn("catalog.watch applies on restart")
			}
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReload, Time: time.Now(), Data: ch.Sections})
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, next *config.Config) {
	nc, err := mapNotifier(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	was := a.notif.Enabled()
	a.notif.Apply(nc)
	switch {
	case was && !nc.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !was && nc.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}
