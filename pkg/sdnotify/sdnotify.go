// Package sdnotify reports readiness and watchdog pings to systemd over
// NOTIFY_SOCKET. Outside a notify unit every call is a no-op.
package sdnotify

import (
	"sync/atomic"
	"time"

	logx "cheersbot/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

type Notifier struct {
	log logx.Logger
	now func() time.Time

	// every is half of WatchdogSec, 0 when the unit has no watchdog.
	every time.Duration
	last  atomic.Int64
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{log: log.With(logx.Comp("sdnotify")), now: time.Now}
	wd, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog settings ignored", logx.Err(err))
	}
	if wd > 0 {
		n.every = wd / 2
		n.log.Info("systemd watchdog enabled", logx.Duration("interval", wd))
	}
	return n
}

// WatchdogInterval is how often Beat actually pings; 0 means never.
func (n *Notifier) WatchdogInterval() time.Duration { return n.every }

func (n *Notifier) Ready()            { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping()         { n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Status(msg string) { n.send("STATUS=" + msg) }

// Beat pings the watchdog at most once per interval. The trigger loop calls
// it after every tick, so a wedged loop stops the pings.
func (n *Notifier) Beat() {
	if n.every <= 0 {
		return
	}
	now := n.now().UnixNano()
	last := n.last.Load()
	if last != 0 && time.Duration(now-last) < n.every {
		return
	}
	if !n.last.CompareAndSwap(last, now) {
		return
	}
	n.send(daemon.SdNotifyWatchdog)
}

func (n *Notifier) send(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}
