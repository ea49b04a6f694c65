package daemon

import (
	"github.com/coreos/go-systemd/v22/login1"
	"github.com/pkg/errors"
)

// rebootViaLogind asks logind for an orderly reboot, the same path
// `systemctl reboot` takes.
func rebootViaLogind() error {
	conn, err := login1.New()
	if err != nil {
		return errors.Wrap(err, "connecting to logind")
	}
	defer conn.Close()
	conn.Reboot(false)
	return nil
}
