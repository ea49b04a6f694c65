// Package postprocess converts an RPM-installed tree into an ostree-ready
// rootfs: filesystem layout normalization, passwd/group and rpmdb
// relocation, tmpfiles synthesis, kernel/initramfs handling and SELinux
// preparation. Every stage is idempotent; the integration marker
// short-circuits a second full run.
package postprocess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/coreos/rpm-ostree/internal/pkg/passwd"
	"github.com/coreos/rpm-ostree/internal/pkg/tmpfiles"
)

// Config tunes the pipeline.
type Config struct {
	// KeepInEtcUsers/Groups are entries kept in /usr/etc while also being
	// copied to /usr/lib.
	KeepInEtcUsers  map[string]bool
	KeepInEtcGroups map[string]bool
	// DracutArgs are passed to the initramfs generator; the default is
	// --no-hostonly.
	DracutArgs []string
	// BootLocation places kernel/initramfs under /usr/lib/modules
	// ("modules", the default) or /usr/lib/ostree-boot ("new").
	BootLocation string
	// MachineIDCompat keeps an empty /usr/etc/machine-id; when false the
	// file is removed entirely.
	MachineIDCompat bool
	// SELinux enables the policy preparation stage.
	SELinux bool
}

// Run executes all stages in order on rootfsDir. A present integration
// marker makes the pipeline a no-op.
func Run(ctx context.Context, rootfsDir string, cfg Config) error {
	if _, err := os.Stat(filepath.Join(rootfsDir, tmpfiles.IntegrationConf)); err == nil {
		log.Debug("rootfs already postprocessed, skipping")
		return nil
	}

	stages := []struct {
		name string
		run  func() error
	}{
		{"normalize rootfs", func() error { return NormalizeRootfs(rootfsDir) }},
		{"migrate passwd", func() error { return MigratePasswd(rootfsDir, cfg) }},
		{"rewrite nsswitch", func() error { return RewriteNsswitch(rootfsDir) }},
		{"relocate rpmdb", func() error { return RelocateRpmdb(rootfsDir) }},
		{"synthesize tmpfiles", func() error { return SynthesizeVar(rootfsDir) }},
		{"process kernel", func() error { return ProcessKernel(ctx, rootfsDir, cfg) }},
		{"prepare selinux", func() error { return PrepareSELinux(ctx, rootfsDir, cfg) }},
		{"cleanup leftovers", func() error { return CleanupLeftovers(rootfsDir) }},
	}
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.WithField("stage", stage.name).Debug("postprocessing")
		if err := stage.run(); err != nil {
			return errors.Wrapf(err, "postprocess stage %q", stage.name)
		}
	}

	marker := filepath.Join(rootfsDir, tmpfiles.IntegrationConf)
	if err := os.MkdirAll(filepath.Dir(marker), 0755); err != nil {
		return err
	}
	return os.WriteFile(marker, []byte("# File created by rpm-ostree, see rpm-ostree(1)\n"), 0644)
}

// NormalizeRootfs creates the canonical top-level layout: empty mount
// points, the /var indirection symlinks, and /etc relocated to /usr/etc.
func NormalizeRootfs(rootfsDir string) error {
	for _, dir := range []string{"dev", "proc", "run", "sys", "var", "sysroot", "usr/lib", "boot"} {
		if err := os.MkdirAll(filepath.Join(rootfsDir, dir), 0755); err != nil {
			return err
		}
	}

	links := []struct{ target, name string }{
		{"/opt", "var/opt"},
		{"/srv", "var/srv"},
		{"/mnt", "var/mnt"},
		{"/root", "var/roothome"},
		{"/home", "var/home"},
		{"/media", "run/media"},
		{"/ostree", "sysroot/ostree"},
		{"/tmp", "sysroot/tmp"},
	}
	for _, l := range links {
		name := filepath.Join(rootfsDir, l.name)
		if fi, err := os.Lstat(name); err == nil {
			if fi.IsDir() {
				// A package shipped real content; keep it and let tmpfiles
				// synthesis handle it.
				continue
			}
			if err := os.Remove(name); err != nil {
				return err
			}
		}
		if err := os.Symlink(l.target, name); err != nil && !os.IsExist(err) {
			return err
		}
	}
	for _, top := range []string{"opt", "mnt", "media", "home", "srv", "root", "tmp", "ostree"} {
		name := filepath.Join(rootfsDir, top)
		if fi, err := os.Lstat(name); err == nil && fi.IsDir() {
			entries, _ := os.ReadDir(name)
			if len(entries) == 0 {
				if err := os.Remove(name); err != nil {
					return err
				}
			}
		}
	}

	etc := filepath.Join(rootfsDir, "etc")
	usrEtc := filepath.Join(rootfsDir, "usr/etc")
	if _, err := os.Lstat(etc); err == nil {
		if _, err := os.Lstat(usrEtc); os.IsNotExist(err) {
			if err := os.Rename(etc, usrEtc); err != nil {
				return errors.Wrap(err, "relocating /etc")
			}
		}
	}
	return nil
}

// MigratePasswd splits the passwd and group databases between /usr/etc and
// /usr/lib.
func MigratePasswd(rootfsDir string, cfg Config) error {
	if err := passwd.MigrateUsers(rootfsDir, cfg.KeepInEtcUsers); err != nil {
		return err
	}
	return passwd.MigrateGroups(rootfsDir, cfg.KeepInEtcGroups)
}

var nsswitchRe = regexp.MustCompile(`(?m)^(passwd|group|shadow|gshadow):(\s+)files(.*)$`)

// RewriteNsswitch points the user databases at nss-altfiles. Idempotent:
// lines already naming altfiles are untouched.
func RewriteNsswitch(rootfsDir string) error {
	path := filepath.Join(rootfsDir, "usr/etc/nsswitch.conf")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	rewritten := nsswitchRe.ReplaceAllFunc(data, func(line []byte) []byte {
		m := nsswitchRe.FindSubmatch(line)
		if regexp.MustCompile(`\baltfiles\b`).Match(m[3]) {
			return line
		}
		return []byte(fmt.Sprintf("%s:%sfiles altfiles%s", m[1], m[2], m[3]))
	})
	return os.WriteFile(path, rewritten, 0644)
}

// RelocateRpmdb moves the package database to /usr/share/rpm, leaving a
// compatibility symlink and a macro pinning _dbpath.
func RelocateRpmdb(rootfsDir string) error {
	oldDB := filepath.Join(rootfsDir, "var/lib/rpm")
	newDB := filepath.Join(rootfsDir, "usr/share/rpm")

	if fi, err := os.Lstat(oldDB); err == nil && fi.IsDir() {
		if _, err := os.Lstat(newDB); os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(newDB), 0755); err != nil {
				return err
			}
			if err := os.Rename(oldDB, newDB); err != nil {
				return errors.Wrap(err, "relocating rpmdb")
			}
		}
	}
	if _, err := os.Lstat(oldDB); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(oldDB), 0755); err != nil {
			return err
		}
		if err := os.Symlink("../../usr/share/rpm", oldDB); err != nil && !os.IsExist(err) {
			return err
		}
	}

	macroDir := filepath.Join(rootfsDir, "usr/lib/rpm/macros.d")
	if err := os.MkdirAll(macroDir, 0755); err != nil {
		return err
	}
	macro := "%_dbpath /usr/share/rpm\n"
	return os.WriteFile(filepath.Join(macroDir, "macros.rpm-ostree"), []byte(macro), 0644)
}

// SynthesizeVar converts the remaining /var content into tmpfiles.d
// entries and empties the tree.
func SynthesizeVar(rootfsDir string) error {
	confPath := filepath.Join(rootfsDir, tmpfiles.AutovarConf)
	if err := os.MkdirAll(filepath.Dir(confPath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(confPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if err := tmpfiles.Synthesize(rootfsDir, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	varDir := filepath.Join(rootfsDir, "var")
	entries, err := os.ReadDir(varDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, ent := range entries {
		if err := os.RemoveAll(filepath.Join(varDir, ent.Name())); err != nil {
			return err
		}
	}
	return nil
}

// CleanupLeftovers removes lock and scratch files that must not be part of
// a commit.
func CleanupLeftovers(rootfsDir string) error {
	patterns := []string{
		"usr/etc/selinux/*/semanage.trans.LOCK",
		"usr/etc/selinux/*/semanage.read.LOCK",
		"usr/share/rpm/__db.*",
		"usr/share/rpm/.dbenv.lock",
		"usr/share/rpm/.rpm.lock",
	}
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(rootfsDir, pattern))
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}
