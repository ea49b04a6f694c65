// Package nevra handles RPM package identifiers and their mapping to
// object-store cache branches.
package nevra

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NEVRA identifies an RPM package build.
type NEVRA struct {
	Name    string
	Epoch   uint64
	Version string
	Release string
	Arch    string
}

// CacheBranchPrefix is the ref namespace for imported package content.
const CacheBranchPrefix = "rpmostree/pkg/"

// String returns the canonical name-[epoch:]version-release.arch form. A zero
// epoch is omitted, matching rpm convention.
func (n NEVRA) String() string {
	if n.Epoch != 0 {
		return fmt.Sprintf("%s-%d:%s-%s.%s", n.Name, n.Epoch, n.Version, n.Release, n.Arch)
	}
	return fmt.Sprintf("%s-%s-%s.%s", n.Name, n.Version, n.Release, n.Arch)
}

// EVRA returns the [epoch:]version-release.arch part.
func (n NEVRA) EVRA() string {
	if n.Epoch != 0 {
		return fmt.Sprintf("%d:%s-%s.%s", n.Epoch, n.Version, n.Release, n.Arch)
	}
	return fmt.Sprintf("%s-%s.%s", n.Version, n.Release, n.Arch)
}

// Parse splits a name-[epoch:]version-release.arch string. Parsing works from
// the right since package names may themselves contain dashes.
func Parse(s string) (NEVRA, error) {
	archIdx := strings.LastIndex(s, ".")
	if archIdx < 0 || archIdx == len(s)-1 {
		return NEVRA{}, errors.Errorf("invalid nevra %q: missing architecture", s)
	}
	rest, arch := s[:archIdx], s[archIdx+1:]

	relIdx := strings.LastIndex(rest, "-")
	if relIdx <= 0 {
		return NEVRA{}, errors.Errorf("invalid nevra %q: missing release", s)
	}
	rest, release := rest[:relIdx], rest[relIdx+1:]

	verIdx := strings.LastIndex(rest, "-")
	if verIdx <= 0 {
		return NEVRA{}, errors.Errorf("invalid nevra %q: missing version", s)
	}
	name, evr := rest[:verIdx], rest[verIdx+1:]

	var epoch uint64
	version := evr
	if colon := strings.Index(evr, ":"); colon >= 0 {
		e, err := strconv.ParseUint(evr[:colon], 10, 64)
		if err != nil {
			return NEVRA{}, errors.Wrapf(err, "invalid nevra %q: bad epoch", s)
		}
		epoch = e
		version = evr[colon+1:]
	}
	if version == "" {
		return NEVRA{}, errors.Errorf("invalid nevra %q: empty version", s)
	}

	return NEVRA{Name: name, Epoch: epoch, Version: version, Release: release, Arch: arch}, nil
}

// CacheBranch returns the object-store ref name caching this package's
// imported content, e.g. rpmostree/pkg/vim-common/2_3A7.4.160-1.el7__3.1.x86__64.
func (n NEVRA) CacheBranch() string {
	return CacheBranchPrefix + escape(n.Name) + "/" + escape(n.EVRA())
}

// FromCacheBranch inverts CacheBranch.
func FromCacheBranch(branch string) (NEVRA, error) {
	if !strings.HasPrefix(branch, CacheBranchPrefix) {
		return NEVRA{}, errors.Errorf("invalid cache branch %q", branch)
	}
	parts := strings.Split(branch[len(CacheBranchPrefix):], "/")
	if len(parts) != 2 {
		return NEVRA{}, errors.Errorf("invalid cache branch %q", branch)
	}
	name, err := unescape(parts[0])
	if err != nil {
		return NEVRA{}, errors.Wrapf(err, "invalid cache branch %q", branch)
	}
	evra, err := unescape(parts[1])
	if err != nil {
		return NEVRA{}, errors.Wrapf(err, "invalid cache branch %q", branch)
	}
	return Parse(name + "-" + evra)
}

// escape makes a ref segment from an arbitrary rpm field. Alphanumerics,
// '-' and '.' pass through; '_' doubles; anything else becomes _XX hex.
func escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_':
			b.WriteString("__")
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02X", c)
		}
	}
	return b.String()
}

func unescape(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '_' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(s) && s[i+1] == '_' {
			b.WriteByte('_')
			i++
			continue
		}
		if i+2 >= len(s) {
			return "", errors.Errorf("truncated escape in %q", s)
		}
		v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", errors.Wrapf(err, "bad escape in %q", s)
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), nil
}
