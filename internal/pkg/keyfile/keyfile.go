// Package keyfile implements the ordered key/value-group document format
// used by deployment origin files and yum repo configuration. Unknown keys
// survive a parse/serialize round trip in their original positions, which
// generic INI parsers do not guarantee.
package keyfile

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// File is an ordered group document.
type File struct {
	groups []*Group
}

// Group is a named, ordered entry list.
type Group struct {
	Name    string
	entries []entry
}

type entry struct {
	key   string
	value string
}

// Parse reads a key/value-group document.
func Parse(data []byte) (*File, error) {
	kf := &File{}
	var cur *Group
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, errors.Errorf("line %d: malformed group header %q", lineno, line)
			}
			cur = kf.EnsureGroup(line[1 : len(line)-1])
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, errors.Errorf("line %d: malformed entry %q", lineno, line)
		}
		if cur == nil {
			return nil, errors.Errorf("line %d: entry outside of a group", lineno)
		}
		cur.entries = append(cur.entries, entry{key: strings.TrimSpace(key), value: strings.TrimSpace(value)})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading key file")
	}
	return kf, nil
}

// Groups returns the group names in order.
func (kf *File) Groups() []string {
	out := make([]string, 0, len(kf.groups))
	for _, g := range kf.groups {
		out = append(out, g.Name)
	}
	return out
}

// Group returns the named group, or nil.
func (kf *File) Group(name string) *Group {
	for _, g := range kf.groups {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// EnsureGroup returns the named group, creating it at the end if missing.
func (kf *File) EnsureGroup(name string) *Group {
	if g := kf.Group(name); g != nil {
		return g
	}
	g := &Group{Name: name}
	kf.groups = append(kf.groups, g)
	return g
}

// Get returns the value for group/key.
func (kf *File) Get(group, key string) (string, bool) {
	g := kf.Group(group)
	if g == nil {
		return "", false
	}
	return g.Get(key)
}

// GetList splits a list value on commas and repeated keys.
func (kf *File) GetList(group, key string) []string {
	g := kf.Group(group)
	if g == nil {
		return nil
	}
	var out []string
	for _, e := range g.entries {
		if e.key != key {
			continue
		}
		for _, item := range strings.Split(e.value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

// Set writes group/key, keeping an existing entry's position.
func (kf *File) Set(group, key, value string) {
	kf.EnsureGroup(group).Set(key, value)
}

// SetList writes a comma-joined list value; an empty list deletes the key.
func (kf *File) SetList(group, key string, values []string) {
	if len(values) == 0 {
		kf.Delete(group, key)
		return
	}
	kf.Set(group, key, strings.Join(values, ","))
}

// SetBool writes a boolean value.
func (kf *File) SetBool(group, key string, v bool) {
	kf.Set(group, key, fmt.Sprintf("%v", v))
}

// Delete removes group/key if present.
func (kf *File) Delete(group, key string) {
	g := kf.Group(group)
	if g == nil {
		return
	}
	kept := g.entries[:0]
	for _, e := range g.entries {
		if e.key != key {
			kept = append(kept, e)
		}
	}
	g.entries = kept
}

// Serialize renders the document. Empty groups are omitted.
func (kf *File) Serialize() []byte {
	var b bytes.Buffer
	first := true
	for _, g := range kf.groups {
		if len(g.entries) == 0 {
			continue
		}
		if !first {
			b.WriteByte('\n')
		}
		first = false
		fmt.Fprintf(&b, "[%s]\n", g.Name)
		for _, e := range g.entries {
			fmt.Fprintf(&b, "%s=%s\n", e.key, e.value)
		}
	}
	return b.Bytes()
}

// Get returns the value for key within the group.
func (g *Group) Get(key string) (string, bool) {
	for _, e := range g.entries {
		if e.key == key {
			return e.value, true
		}
	}
	return "", false
}

// Set writes key, keeping an existing entry's position.
func (g *Group) Set(key, value string) {
	for i, e := range g.entries {
		if e.key == key {
			g.entries[i].value = value
			return
		}
	}
	g.entries = append(g.entries, entry{key: key, value: value})
}

// Keys returns the group's keys in order, without duplicates.
func (g *Group) Keys() []string {
	var out []string
	seen := map[string]bool{}
	for _, e := range g.entries {
		if !seen[e.key] {
			seen[e.key] = true
			out = append(out, e.key)
		}
	}
	return out
}
