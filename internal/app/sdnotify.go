package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"supd/pkg/logx"
)

const (
	sdReady     = daemon.SdNotifyReady
	sdStopping  = daemon.SdNotifyStopping
	sdReloading = daemon.SdNotifyReloading
)

// sdNotify is a no-op outside a Type=notify unit.
func sdNotify(state string) {
	_, _ = daemon.SdNotify(false, state)
}

// startSystemdNotify reports readiness and keeps the watchdog fed when the unit asks for it.
func (a *App) startSystemdNotify() {
	if sent, err := daemon.SdNotify(false, sdReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.group.Go("systemd.watchdog", func(ctx context.Context) error {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				sdNotify(daemon.SdNotifyWatchdog)
			}
		}
	})
}
