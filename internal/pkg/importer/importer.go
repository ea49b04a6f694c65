// Package importer unpacks RPM payloads into the object store as cache
// commits keyed by NEVRA and header checksum, so identical content imports
// exactly once.
package importer

import (
	"context"
	"encoding/base64"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/sassoftware/go-rpmutils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
	"github.com/coreos/rpm-ostree/internal/pkg/nevra"
	"github.com/coreos/rpm-ostree/internal/pkg/ostree"
)

// unpackVersion is bumped when the produced tree layout changes
// incompatibly; it invalidates older cache commits.
const unpackVersion = "1"

// RPMTAG_FILECAPS; not exported by go-rpmutils.
const tagFileCaps = 5010

// Options controls an import.
type Options struct {
	// OstreeConvention rewrites /etc to /usr/etc and relocates /boot
	// kernels under /usr/lib/ostree-boot.
	OstreeConvention bool
	// SELinuxPolicyRoot, when set, labels the commit from the policy under
	// this rootfs.
	SELinuxPolicyRoot string
	// RepoChecksumRepr records the rpm-md provenance of the payload.
	RepoChecksumRepr string
}

// CacheCommit describes an imported package.
type CacheCommit struct {
	NEVRA    nevra.NEVRA
	Branch   string
	Checksum string
	// HeaderSha256 pins the package content for origin entries.
	HeaderSha256 string
}

// Importer writes package content into an object store.
type Importer struct {
	repo ostree.Repo
}

// New returns an Importer writing to repo.
func New(repo ostree.Repo) *Importer {
	return &Importer{repo: repo}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type fileMeta struct {
	user  string
	group string
	caps  string
}

// Import verifies and unpacks the RPM at rpmPath, writing its content as a
// commit on the package's cache branch. Re-importing identical bytes returns
// the existing commit.
func (im *Importer) Import(ctx context.Context, rpmPath string, opts Options) (*CacheCommit, error) {
	f, err := os.Open(rpmPath)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.RpmParseError, err, "opening %s", rpmPath)
	}
	defer f.Close()

	cr := &countingReader{r: f}
	rpm, err := rpmutils.ReadRpm(cr)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.RpmParseError, err, "parsing %s", rpmPath)
	}

	// The [lead..payload) range is kept verbatim in commit metadata so the
	// base rpmdb can later be updated without the original file.
	headerBytes := make([]byte, cr.n)
	if _, err := f.ReadAt(headerBytes, 0); err != nil {
		return nil, errdefs.Wrapf(errdefs.RpmParseError, err, "re-reading header of %s", rpmPath)
	}
	headerSha := digest.SHA256.FromBytes(headerBytes).Encoded()

	pkg, err := headerNevra(rpm.Header)
	if err != nil {
		return nil, err
	}
	branch := pkg.CacheBranch()

	// Idempotence: a matching header hash on the branch short-circuits.
	if existing, err := im.repo.ResolveRef(branch); err == nil && existing != "" {
		commit, err := im.repo.LoadCommit(existing)
		if err == nil && commit.Metadata[ostree.MetaRepoChksum+".header"] == headerSha &&
			commit.Metadata[ostree.MetaUnpackVersion] == unpackVersion {
			log.WithField("nevra", pkg.String()).Debug("reusing cached package import")
			return &CacheCommit{NEVRA: pkg, Branch: branch, Checksum: existing, HeaderSha256: headerSha}, nil
		}
	}

	metaByPath, err := fileMetaIndex(rpm.Header)
	if err != nil {
		return nil, err
	}

	tmpdir, err := os.MkdirTemp("", "rpmostree-unpack")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpdir)

	payload, err := rpm.PayloadReaderExtended()
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.RpmParseError, err, "opening payload of %s", pkg.String())
	}
	if err := im.unpackPayload(ctx, payload, tmpdir, metaByPath, opts); err != nil {
		return nil, err
	}

	metadata := map[string]string{
		ostree.MetaNevra:                  pkg.String(),
		ostree.MetaSepolicy:               opts.SELinuxPolicyRoot,
		ostree.MetaRpmHeader:              base64.StdEncoding.EncodeToString(headerBytes),
		ostree.MetaUnpackVersion:          unpackVersion,
		ostree.MetaRepoChksum:             opts.RepoChecksumRepr,
		ostree.MetaRepoChksum + ".header": headerSha,
	}
	csum, err := im.repo.WriteCommit(ctx, tmpdir, ostree.CommitOptions{
		Ref:               branch,
		Metadata:          metadata,
		SELinuxPolicyRoot: opts.SELinuxPolicyRoot,
	})
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.StoreWriteError, err, "committing %s", pkg.String())
	}

	log.WithFields(log.Fields{"nevra": pkg.String(), "commit": csum}).Info("imported package")
	return &CacheCommit{NEVRA: pkg, Branch: branch, Checksum: csum, HeaderSha256: headerSha}, nil
}

func headerNevra(hdr *rpmutils.RpmHeader) (nevra.NEVRA, error) {
	hn, err := hdr.GetNEVRA()
	if err != nil {
		return nevra.NEVRA{}, errdefs.Wrap(errdefs.RpmParseError, err, "reading package identity")
	}
	var epoch uint64
	if hn.Epoch != "" && hn.Epoch != "0" {
		if epoch, err = strconv.ParseUint(hn.Epoch, 10, 64); err != nil {
			return nevra.NEVRA{}, errdefs.Wrapf(errdefs.RpmParseError, err, "bad epoch %q", hn.Epoch)
		}
	}
	return nevra.NEVRA{Name: hn.Name, Epoch: epoch, Version: hn.Version, Release: hn.Release, Arch: hn.Arch}, nil
}

// fileMetaIndex builds path -> (user, group, fcaps) from the header, since
// the cpio stream itself carries no usable ownership data.
func fileMetaIndex(hdr *rpmutils.RpmHeader) (map[string]fileMeta, error) {
	files, err := hdr.GetFiles()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.RpmParseError, err, "reading file list")
	}
	caps, _ := hdr.GetStrings(tagFileCaps)

	index := make(map[string]fileMeta, len(files))
	for i, fi := range files {
		m := fileMeta{user: fi.UserName(), group: fi.GroupName()}
		if i < len(caps) {
			m.caps = caps[i]
		}
		index[path.Clean(fi.Name())] = m
	}
	return index, nil
}

// checkOwnership rejects non-root file owners. rpm identifies owners by
// name only; names do not portably map to numeric ids on the target.
func checkOwnership(orig string, meta fileMeta) error {
	if (meta.user == "" || meta.user == "root") && (meta.group == "" || meta.group == "root") {
		return nil
	}
	owner := meta.user
	if owner == "" || owner == "root" {
		owner = meta.group
	}
	return errdefs.Newf(errdefs.NonRootOwnershipUnsupported, "path %q marked as %s", orig, owner)
}

// translatePath applies the ostree conventions to a payload path. An empty
// return drops the entry.
func translatePath(p string, ostreeConvention bool) string {
	p = strings.TrimPrefix(path.Clean(p), ".")
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return ""
	}
	if !ostreeConvention {
		return p
	}
	switch {
	case p == "etc" || strings.HasPrefix(p, "etc/"):
		return "usr/" + p
	case p == "boot" || strings.HasPrefix(p, "boot/"):
		rest := strings.TrimPrefix(p, "boot")
		rest = strings.TrimPrefix(rest, "/")
		if rest == "" {
			return ""
		}
		return "usr/lib/ostree-boot/" + rest
	case p == "var" || strings.HasPrefix(p, "var/"):
		// /var content is regenerated via tmpfiles; drop it here.
		return ""
	}
	return p
}

func (im *Importer) unpackPayload(ctx context.Context, payload rpmutils.PayloadReader, destDir string, metaByPath map[string]fileMeta, opts Options) error {
	for {
		if err := ctx.Err(); err != nil {
			return errdefs.Wrap(errdefs.Cancelled, err, "import cancelled")
		}
		fi, err := payload.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errdefs.Wrap(errdefs.RpmParseError, err, "reading payload")
		}

		orig := path.Clean("/" + strings.TrimPrefix(fi.Name(), "."))
		meta := metaByPath[orig]
		if err := checkOwnership(orig, meta); err != nil {
			return err
		}

		rel := translatePath(fi.Name(), opts.OstreeConvention)
		if rel == "" {
			// Consume the entry body so the stream stays aligned.
			_, _ = io.Copy(io.Discard, payload)
			continue
		}
		dest := filepath.Join(destDir, rel)

		mode := os.FileMode(fi.Mode() & 0o7777)
		switch fi.Mode() & unix.S_IFMT {
		case unix.S_IFDIR:
			if err := os.MkdirAll(dest, mode|0o700); err != nil {
				return err
			}
		case unix.S_IFLNK:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(fi.Linkname(), dest); err != nil && !os.IsExist(err) {
				return err
			}
		case unix.S_IFREG:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, payload); err != nil {
				out.Close()
				return errdefs.Wrapf(errdefs.RpmParseError, err, "extracting %s", orig)
			}
			if err := out.Close(); err != nil {
				return err
			}
			if meta.caps != "" {
				encoded, err := encodeFcaps(meta.caps)
				if err != nil {
					return err
				}
				if err := unix.Setxattr(dest, "security.capability", encoded, 0); err != nil {
					return errdefs.Wrapf(errdefs.StoreWriteError, err, "setting capability on %s", orig)
				}
			}
		default:
			return errdefs.Newf(errdefs.UnsupportedCpioEntry, "unsupported payload entry %q (mode %o)", orig, fi.Mode())
		}
	}
}
