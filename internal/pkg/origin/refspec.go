package origin

import (
	"regexp"
	"strings"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
)

// RefspecKind discriminates the refspec variants.
type RefspecKind int

const (
	// RefspecOstree follows a ref, optionally on a remote.
	RefspecOstree RefspecKind = iota
	// RefspecChecksum pins a commit checksum directly.
	RefspecChecksum
	// RefspecRojig follows a base commit delivered as an RPM.
	RefspecRojig
)

func (k RefspecKind) String() string {
	switch k {
	case RefspecChecksum:
		return "checksum"
	case RefspecRojig:
		return "rojig"
	default:
		return "ostree"
	}
}

// Refspec names the base content a deployment follows.
type Refspec struct {
	Kind RefspecKind

	// Ostree
	Remote string
	Ref    string

	// Checksum
	Checksum string

	// Rojig
	RojigRepo    string
	RojigPackage string
	RojigVersion string
}

const rojigPrefix = "rojig://"

var (
	checksumRe = regexp.MustCompile(`^[0-9a-f]{64}$`)
	refRe      = regexp.MustCompile(`^[\w\d][-._\w\d/]*$`)
)

// ParseRefspec parses any canonical refspec string form. Accepted forms:
// "remote:ref", "ref", a bare commit checksum (optionally preceded by ":"),
// and "rojig://repo:package".
func ParseRefspec(s string) (Refspec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Refspec{}, errdefs.New(errdefs.InvalidRefspec, "empty refspec")
	}

	if strings.HasPrefix(s, rojigPrefix) {
		body := s[len(rojigPrefix):]
		repo, pkg, found := strings.Cut(body, ":")
		if !found || repo == "" || pkg == "" {
			return Refspec{}, errdefs.Newf(errdefs.InvalidRefspec, "invalid rojig refspec %q; expected rojig://REPO:PACKAGE", s)
		}
		return Refspec{Kind: RefspecRojig, RojigRepo: repo, RojigPackage: pkg}, nil
	}

	// A leading ":" forces checksum interpretation; a bare checksum is also
	// accepted.
	body := strings.TrimPrefix(s, ":")
	if checksumRe.MatchString(body) {
		return Refspec{Kind: RefspecChecksum, Checksum: body}, nil
	}
	if strings.HasPrefix(s, ":") {
		return Refspec{}, errdefs.Newf(errdefs.InvalidRefspec, "invalid commit checksum %q", body)
	}

	remote, ref, found := strings.Cut(s, ":")
	if !found {
		remote, ref = "", s
	}
	if ref == "" || !refRe.MatchString(ref) || (found && remote == "") {
		return Refspec{}, errdefs.Newf(errdefs.InvalidRefspec, "invalid refspec %q", s)
	}
	return Refspec{Kind: RefspecOstree, Remote: remote, Ref: ref}, nil
}

// String returns the canonical form; parsing it returns an equal Refspec.
func (r Refspec) String() string {
	switch r.Kind {
	case RefspecChecksum:
		return r.Checksum
	case RefspecRojig:
		return rojigPrefix + r.RojigRepo + ":" + r.RojigPackage
	default:
		if r.Remote != "" {
			return r.Remote + ":" + r.Ref
		}
		return r.Ref
	}
}

// Canonicalize returns the canonical string form of s. Idempotent.
func Canonicalize(s string) (string, error) {
	r, err := ParseRefspec(s)
	if err != nil {
		return "", err
	}
	return r.String(), nil
}

// Equal reports full equality, ignoring the rojig version pin.
func (r Refspec) Equal(other Refspec) bool {
	if r.Kind != other.Kind {
		return false
	}
	switch r.Kind {
	case RefspecChecksum:
		return r.Checksum == other.Checksum
	case RefspecRojig:
		return r.RojigRepo == other.RojigRepo && r.RojigPackage == other.RojigPackage
	default:
		return r.Remote == other.Remote && r.Ref == other.Ref
	}
}
