// Package tmpfiles converts a package-installed /var tree into tmpfiles.d
// entries so deployments can regenerate /var on boot, and replays such
// entries into a tree.
package tmpfiles

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// AutovarConf is the file synthesized entries are written to, relative to
// the rootfs.
const AutovarConf = "usr/lib/tmpfiles.d/rpm-ostree-1-autovar.conf"

// IntegrationConf marks a rootfs as already postprocessed, relative to the
// rootfs.
const IntegrationConf = "usr/lib/tmpfiles.d/rpm-ostree-0-integration.conf"

// Synthesize walks the /var tree under rootfsDir and emits one tmpfiles.d
// line per directory and symlink. Other entry types are skipped with a
// warning. Output ordering is deterministic.
func Synthesize(rootfsDir string, w io.Writer) error {
	varDir := filepath.Join(rootfsDir, "var")
	if _, err := os.Stat(varDir); os.IsNotExist(err) {
		return nil
	}
	return synthesizeRecurse(varDir, "/var", w)
}

func synthesizeRecurse(dir, prefix string, w io.Writer) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "reading %s", dir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, ent := range entries {
		full := filepath.Join(dir, ent.Name())
		varPath := path.Join(prefix, ent.Name())
		info, err := ent.Info()
		if err != nil {
			return err
		}
		switch {
		case info.IsDir():
			var uid, gid int
			if st, ok := sysStat(info); ok {
				uid, gid = st.uid, st.gid
			}
			fmt.Fprintf(w, "d %s 0%02o %d %d - -\n", varPath, info.Mode().Perm(), uid, gid)
			if err := synthesizeRecurse(full, varPath, w); err != nil {
				return err
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "L %s - - - - %s\n", varPath, target)
		default:
			log.WithField("path", varPath).Warn("ignoring non-directory/non-symlink content in /var")
		}
	}
	return nil
}

// Apply replays tmpfiles.d d and L entries into destRoot. Unknown entry
// types are ignored.
func Apply(conf io.Reader, destRoot string) error {
	scanner := bufio.NewScanner(conf)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		dest := filepath.Join(destRoot, fields[1])
		switch fields[0] {
		case "d", "D":
			mode := os.FileMode(0755)
			if len(fields) >= 3 && fields[2] != "-" {
				if parsed, err := strconv.ParseUint(fields[2], 8, 32); err == nil {
					mode = os.FileMode(parsed)
				}
			}
			if err := os.MkdirAll(dest, mode); err != nil {
				return err
			}
			if err := os.Chmod(dest, mode); err != nil {
				return err
			}
		case "L":
			if len(fields) < 7 {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			}
			if err := os.Symlink(fields[6], dest); err != nil && !os.IsExist(err) {
				return err
			}
		}
	}
	return scanner.Err()
}
