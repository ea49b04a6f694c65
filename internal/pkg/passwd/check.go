package passwd

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
)

// CheckSource selects where the prior entries come from.
type CheckSource struct {
	// Type is none, previous, file or data.
	Type string
	// Filename backs Type=file.
	Filename string
	// Data backs Type=data.
	Data []byte
	// Previous backs Type=previous; nil when no prior commit exists, which
	// passes the check.
	Previous []byte
}

// CheckOptions carries the escape hatches for removals.
type CheckOptions struct {
	// IgnoreRemoved lists names whose removal is allowed; "*" allows all.
	IgnoreRemoved map[string]bool
}

func (src CheckSource) resolve() ([]byte, bool, error) {
	switch src.Type {
	case "", "none":
		return nil, false, nil
	case "previous":
		if src.Previous == nil {
			// No prior commit to compare against; not strict.
			log.Debug("no previous commit for passwd/group check, skipping")
			return nil, false, nil
		}
		return src.Previous, true, nil
	case "file":
		data, err := os.ReadFile(src.Filename)
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	case "data":
		return src.Data, true, nil
	default:
		return nil, false, errdefs.Newf(errdefs.ConflictingOptions, "unknown check type %q", src.Type)
	}
}

// CheckUsers validates the new rootfs's passwd database against the prior
// source: UID/GID changes for existing names are forbidden, new names warn,
// and removals are refused unless ignored or no file in the new root is
// still owned by the removed uid.
func CheckUsers(rootfsDir string, src CheckSource, opts CheckOptions) error {
	prior, active, err := src.resolve()
	if err != nil || !active {
		return err
	}
	oldUsers, err := ParseUsers(bytes.NewReader(prior))
	if err != nil {
		return err
	}
	newData, err := readRootfsDB(rootfsDir, "passwd")
	if err != nil {
		return err
	}
	newUsers, err := ParseUsers(bytes.NewReader(newData))
	if err != nil {
		return err
	}

	newByName := map[string]User{}
	for _, u := range newUsers {
		newByName[u.Name] = u
	}
	for _, old := range oldUsers {
		cur, ok := newByName[old.Name]
		if !ok {
			if opts.IgnoreRemoved["*"] || opts.IgnoreRemoved[old.Name] {
				continue
			}
			owned, err := anyFileOwnedBy(rootfsDir, old.UID, -1)
			if err != nil {
				return err
			}
			if owned != "" {
				return errdefs.Newf(errdefs.PasswdMismatch, "user %q (uid %d) was removed but still owns %q", old.Name, old.UID, owned)
			}
			continue
		}
		if cur.UID != old.UID || cur.GID != old.GID {
			return errdefs.Newf(errdefs.PasswdMismatch, "user %q changed id: %d:%d -> %d:%d", old.Name, old.UID, old.GID, cur.UID, cur.GID)
		}
		delete(newByName, old.Name)
	}
	for name := range newByName {
		log.WithField("user", name).Warn("new user entry")
	}
	return nil
}

// CheckGroups is CheckUsers for the group database.
func CheckGroups(rootfsDir string, src CheckSource, opts CheckOptions) error {
	prior, active, err := src.resolve()
	if err != nil || !active {
		return err
	}
	oldGroups, err := ParseGroups(bytes.NewReader(prior))
	if err != nil {
		return err
	}
	newData, err := readRootfsDB(rootfsDir, "group")
	if err != nil {
		return err
	}
	newGroups, err := ParseGroups(bytes.NewReader(newData))
	if err != nil {
		return err
	}

	newByName := map[string]Group{}
	for _, g := range newGroups {
		newByName[g.Name] = g
	}
	for _, old := range oldGroups {
		cur, ok := newByName[old.Name]
		if !ok {
			if opts.IgnoreRemoved["*"] || opts.IgnoreRemoved[old.Name] {
				continue
			}
			owned, err := anyFileOwnedBy(rootfsDir, -1, old.GID)
			if err != nil {
				return err
			}
			if owned != "" {
				return errdefs.Newf(errdefs.GroupMismatch, "group %q (gid %d) was removed but still owns %q", old.Name, old.GID, owned)
			}
			continue
		}
		if cur.GID != old.GID {
			return errdefs.Newf(errdefs.GroupMismatch, "group %q changed id: %d -> %d", old.Name, old.GID, cur.GID)
		}
		delete(newByName, old.Name)
	}
	for name := range newByName {
		log.WithField("group", name).Warn("new group entry")
	}
	return nil
}

// readRootfsDB concatenates the /usr/etc and /usr/lib halves of a database.
func readRootfsDB(rootfsDir, name string) ([]byte, error) {
	var out bytes.Buffer
	for _, rel := range []string{"usr/etc/" + name, "usr/lib/" + name, "etc/" + name} {
		data, err := os.ReadFile(filepath.Join(rootfsDir, rel))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		out.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			out.WriteByte('\n')
		}
	}
	return out.Bytes(), nil
}

// anyFileOwnedBy returns a path in the rootfs owned by uid (or gid when uid
// is -1), or "" when none is.
func anyFileOwnedBy(rootfsDir string, uid, gid int) (string, error) {
	var found string
	err := filepath.WalkDir(rootfsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found != "" {
			return filepath.SkipAll
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		st, ok := sysStat(info)
		if !ok {
			return nil
		}
		if (uid >= 0 && st.uid == uid) || (gid >= 0 && st.gid == gid) {
			found = strings.TrimPrefix(path, rootfsDir)
			return filepath.SkipAll
		}
		return nil
	})
	return found, err
}
