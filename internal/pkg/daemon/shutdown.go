package daemon

import (
	"context"

	"github.com/godbus/dbus/v5"
	log "github.com/sirupsen/logrus"
)

// WatchShutdown finalizes a staged deployment when logind announces
// PrepareForShutdown, the point where the bootloader entry must be written.
// Blocks until ctx is done.
func (r *Runtime) WatchShutdown(ctx context.Context) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.login1.Manager"),
		dbus.WithMatchMember("PrepareForShutdown"),
	); err != nil {
		return err
	}

	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if len(sig.Body) != 1 {
				continue
			}
			starting, _ := sig.Body[0].(bool)
			if !starting {
				continue
			}
			staged, err := r.sysroot.StagedDeployment()
			if err != nil || staged == nil {
				continue
			}
			log.WithField("deployment", staged.ID).Info("finalizing staged deployment for shutdown")
			if err := r.sysroot.FinalizeStaged(context.Background()); err != nil {
				log.WithError(err).Error("finalizing staged deployment")
			}
		}
	}
}
