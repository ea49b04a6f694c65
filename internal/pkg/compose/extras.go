package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/coreos/rpm-ostree/internal/pkg/bashexec"
)

// applyExtras runs the remaining treefile-driven tree mutations after the
// postprocess pipeline: unit enablement, default target, os-release version
// mutation, extra files and the postprocess script.
func (c *Composer) applyExtras(rootfsDir, version string) error {
	tf := c.treefile

	if len(tf.Units) > 0 {
		wantsDir := filepath.Join(rootfsDir, "usr/etc/systemd/system/multi-user.target.wants")
		if err := os.MkdirAll(wantsDir, 0755); err != nil {
			return err
		}
		for _, unit := range tf.Units {
			link := filepath.Join(wantsDir, unit)
			if err := os.Symlink("/usr/lib/systemd/system/"+unit, link); err != nil && !os.IsExist(err) {
				return errors.Wrapf(err, "enabling unit %s", unit)
			}
		}
	}

	if tf.DefaultTarget != "" {
		link := filepath.Join(rootfsDir, "usr/etc/systemd/system/default.target")
		if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
			return err
		}
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Symlink("/usr/lib/systemd/system/"+tf.DefaultTarget, link); err != nil {
			return err
		}
	}

	if tf.MutateOSRelease != "" && version != "" {
		if err := mutateOSRelease(rootfsDir, tf.MutateOSRelease, version); err != nil {
			return err
		}
	}

	for _, pair := range tf.AddFiles {
		if len(pair) != 2 {
			return errors.Errorf("add-files entries must be [source, destination] pairs, got %v", pair)
		}
		src, dest := pair[0], strings.TrimPrefix(pair[1], "/")
		data, err := os.ReadFile(src)
		if err != nil {
			return errors.Wrapf(err, "add-files %s", src)
		}
		full := filepath.Join(rootfsDir, dest)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(full, data, 0644); err != nil {
			return err
		}
	}

	if tf.PostprocessScript != "" {
		script, err := os.ReadFile(tf.PostprocessScript)
		if err != nil {
			return errors.Wrapf(err, "reading postprocess script")
		}
		log.WithField("script", tf.PostprocessScript).Info("running postprocess script")
		// Compose scripts run host-side with the scratch rootfs as cwd.
		name := filepath.Base(tf.PostprocessScript)
		if err := bashexec.RunIn(rootfsDir, name, string(script)); err != nil {
			return err
		}
	}

	return nil
}

// mutateOSRelease rewrites VERSION/PRETTY_NAME in os-release to carry the
// compose version, replacing occurrences of the base version string.
func mutateOSRelease(rootfsDir, baseVersion, version string) error {
	for _, rel := range []string{"usr/lib/os-release", "usr/etc/os-release"} {
		path := filepath.Join(rootfsDir, rel)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		var out []string
		for _, line := range strings.Split(string(data), "\n") {
			switch {
			case strings.HasPrefix(line, "VERSION="), strings.HasPrefix(line, "PRETTY_NAME="):
				line = strings.ReplaceAll(line, baseVersion, version)
			case strings.HasPrefix(line, "VERSION_ID="):
				// unchanged; the id tracks the release, not the build
			case strings.HasPrefix(line, "OSTREE_VERSION="):
				line = fmt.Sprintf("OSTREE_VERSION=%q", version)
			}
			out = append(out, line)
		}
		joined := strings.Join(out, "\n")
		if !strings.Contains(joined, "OSTREE_VERSION=") {
			joined = strings.TrimRight(joined, "\n") + fmt.Sprintf("\nOSTREE_VERSION=%q\n", version)
		}
		if err := os.WriteFile(path, []byte(joined), 0644); err != nil {
			return err
		}
	}
	return nil
}
