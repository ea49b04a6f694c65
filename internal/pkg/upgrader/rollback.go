package upgrader

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
	"github.com/coreos/rpm-ostree/internal/pkg/ostree"
)

// Rollback moves the rollback deployment to the front of the boot order.
// When only a pending deployment exists, the booted deployment is the
// rollback target, so successive rollbacks toggle between the two.
func Rollback(ctx context.Context, sysroot ostree.Sysroot, osname string) error {
	if staged, err := sysroot.StagedDeployment(); err != nil {
		return err
	} else if staged != nil {
		return errdefs.New(errdefs.StagedDeploymentExists, "cannot rollback with a staged deployment; finalize or clean it up first")
	}

	if osname == "" {
		booted, err := sysroot.BootedDeployment()
		if err != nil {
			return err
		}
		osname = booted.OSName
	}

	pending, rollback, err := sysroot.PendingAndRollback(osname)
	if err != nil {
		return err
	}

	var target *ostree.Deployment
	switch {
	case rollback != nil:
		target = rollback
	case pending != nil:
		booted, err := sysroot.BootedDeployment()
		if err != nil {
			return err
		}
		target = booted
	default:
		return errdefs.New(errdefs.NoRollbackDeployment, "no rollback deployment found")
	}

	deployments, err := sysroot.Deployments()
	if err != nil {
		return err
	}
	reordered := make([]ostree.Deployment, 0, len(deployments))
	reordered = append(reordered, *target)
	for _, d := range deployments {
		if d.ID != target.ID {
			reordered = append(reordered, d)
		}
	}

	log.WithField("target", target.ID).Info("moving deployment to the front of the boot order")
	return sysroot.WriteDeployments(ctx, reordered)
}
