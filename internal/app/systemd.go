package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "watchbot/pkg/logx"
)

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
	sdWatchdog = daemon.SdNotifyWatchdog
)

// notifySystemd is a no-op outside a systemd unit with NOTIFY_SOCKET set.
func notifySystemd(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Debug("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Trace("systemd notified", logx.String("state", state))
	}
}

// startSystemd reports readiness and, when the unit sets WatchdogSec, keeps
// the watchdog fed at half its interval.
func (a *App) startSystemd() {
	notifySystemd(a.log, sdReady)

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				notifySystemd(a.log, sdWatchdog)
			}
		}
	})
}
