// Package passwd handles the passwd/group split between /usr/etc and
// /usr/lib for image-based systems, and the compose-time consistency checks
// between successive trees.
package passwd

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// User is one passwd(5) entry.
type User struct {
	Name  string
	UID   int
	GID   int
	Gecos string
	Home  string
	Shell string
}

// Group is one group(5) entry.
type Group struct {
	Name    string
	GID     int
	Members []string
}

// ParseUsers reads passwd(5) lines.
func ParseUsers(r io.Reader) ([]User, error) {
	var users []User
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != 7 {
			return nil, errors.Errorf("malformed passwd entry %q", line)
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, errors.Wrapf(err, "malformed uid in %q", line)
		}
		gid, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, errors.Wrapf(err, "malformed gid in %q", line)
		}
		users = append(users, User{Name: fields[0], UID: uid, GID: gid, Gecos: fields[4], Home: fields[5], Shell: fields[6]})
	}
	return users, scanner.Err()
}

// ParseGroups reads group(5) lines.
func ParseGroups(r io.Reader) ([]Group, error) {
	var groups []Group
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != 4 {
			return nil, errors.Errorf("malformed group entry %q", line)
		}
		gid, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, errors.Wrapf(err, "malformed gid in %q", line)
		}
		var members []string
		if fields[3] != "" {
			members = strings.Split(fields[3], ",")
		}
		groups = append(groups, Group{Name: fields[0], GID: gid, Members: members})
	}
	return groups, scanner.Err()
}

func (u User) line() string {
	return fmt.Sprintf("%s:x:%d:%d:%s:%s:%s\n", u.Name, u.UID, u.GID, u.Gecos, u.Home, u.Shell)
}

func (g Group) line() string {
	return fmt.Sprintf("%s:x:%d:%s\n", g.Name, g.GID, strings.Join(g.Members, ","))
}

// MigrateUsers splits rootfsDir's /usr/etc/passwd: root stays (together
// with any name in keepInEtc, which is additionally copied), everything
// else moves to /usr/lib/passwd where nss-altfiles finds it.
func MigrateUsers(rootfsDir string, keepInEtc map[string]bool) error {
	etcPath := filepath.Join(rootfsDir, "usr/etc/passwd")
	data, err := os.ReadFile(etcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	users, err := ParseUsers(bytes.NewReader(data))
	if err != nil {
		return err
	}

	var etcBuf, libBuf bytes.Buffer
	for _, u := range users {
		switch {
		case u.Name == "root":
			etcBuf.WriteString(u.line())
		case keepInEtc[u.Name]:
			etcBuf.WriteString(u.line())
			libBuf.WriteString(u.line())
		default:
			libBuf.WriteString(u.line())
		}
	}
	if err := appendFile(filepath.Join(rootfsDir, "usr/lib/passwd"), libBuf.Bytes()); err != nil {
		return err
	}
	return os.WriteFile(etcPath, etcBuf.Bytes(), 0644)
}

// MigrateGroups is MigrateUsers for /usr/etc/group.
func MigrateGroups(rootfsDir string, keepInEtc map[string]bool) error {
	etcPath := filepath.Join(rootfsDir, "usr/etc/group")
	data, err := os.ReadFile(etcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	groups, err := ParseGroups(bytes.NewReader(data))
	if err != nil {
		return err
	}

	var etcBuf, libBuf bytes.Buffer
	for _, g := range groups {
		switch {
		case g.Name == "root" || g.Name == "wheel":
			etcBuf.WriteString(g.line())
		case keepInEtc[g.Name]:
			etcBuf.WriteString(g.line())
			libBuf.WriteString(g.line())
		default:
			libBuf.WriteString(g.line())
		}
	}
	if err := appendFile(filepath.Join(rootfsDir, "usr/lib/group"), libBuf.Bytes()); err != nil {
		return err
	}
	return os.WriteFile(etcPath, etcBuf.Bytes(), 0644)
}

func appendFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
