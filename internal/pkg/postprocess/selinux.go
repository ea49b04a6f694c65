package postprocess

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/coreos/rpm-ostree/internal/pkg/bashexec"
	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
)

var semanageStoreRe = regexp.MustCompile(`(?m)^#?\s*store-root\s*=.*$`)

// PrepareSELinux bakes the policy into the image: the policy store moves
// from /var/lib/selinux into /usr/etc/selinux, the policy is rebuilt so no
// first-boot work remains, and semanage is pointed at the new store root.
func PrepareSELinux(ctx context.Context, rootfsDir string, cfg Config) error {
	if !cfg.SELinux {
		return nil
	}

	varStore := filepath.Join(rootfsDir, "var/lib/selinux")
	etcSelinux := filepath.Join(rootfsDir, "usr/etc/selinux")
	if fi, err := os.Lstat(varStore); err == nil && fi.IsDir() {
		if err := os.MkdirAll(etcSelinux, 0755); err != nil {
			return err
		}
		entries, err := os.ReadDir(varStore)
		if err != nil {
			return err
		}
		for _, ent := range entries {
			dest := filepath.Join(etcSelinux, ent.Name())
			if _, err := os.Lstat(dest); err == nil {
				continue
			}
			if err := os.Rename(filepath.Join(varStore, ent.Name()), dest); err != nil {
				return errors.Wrap(err, "moving selinux store")
			}
		}
		if err := os.RemoveAll(varStore); err != nil {
			return err
		}
	}

	policies, err := filepath.Glob(filepath.Join(etcSelinux, "*/policy"))
	if err != nil {
		return err
	}
	if len(policies) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		sandbox := &bashexec.Sandbox{RootfsDir: rootfsDir}
		if err := sandbox.Run("semodule", "-nB"); err != nil {
			return errdefs.Wrap(errdefs.PolicyLoadFailure, err, "rebuilding selinux policy")
		}
	}

	semanageConf := filepath.Join(etcSelinux, "semanage.conf")
	if data, err := os.ReadFile(semanageConf); err == nil {
		rewritten := semanageStoreRe.ReplaceAll(data, []byte("store-root=/etc/selinux"))
		if !semanageStoreRe.Match(data) {
			rewritten = append(rewritten, []byte("\nstore-root=/etc/selinux\n")...)
		}
		if err := os.WriteFile(semanageConf, rewritten, 0644); err != nil {
			return err
		}
	}

	// Touch compiled policy files so PCRE caches regenerate on first boot.
	now := time.Now()
	bins, err := filepath.Glob(filepath.Join(etcSelinux, "*/contexts/files/*.bin"))
	if err != nil {
		return err
	}
	for _, bin := range bins {
		if err := os.Chtimes(bin, now, now); err != nil {
			log.WithError(err).WithField("path", bin).Warn("touching policy cache")
		}
	}
	return nil
}
