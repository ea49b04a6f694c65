package ostree

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
)

// commander runs an ostree subcommand and returns its stdout. Factored out
// as a function type so tests can substitute a fake.
type commander func(ctx context.Context, args ...string) ([]byte, error)

// CLIRepo drives a repository through the ostree binary.
type CLIRepo struct {
	path string
	run  commander
}

// OpenRepo returns a Repo for the repository at path.
func OpenRepo(path string) *CLIRepo {
	r := &CLIRepo{path: path}
	r.run = r.execOstree
	return r
}

func (r *CLIRepo) execOstree(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"--repo=" + r.path}, args...)
	log.WithField("args", full).Debug("running ostree")
	cmd := exec.CommandContext(ctx, "ostree", full...)
	out, err := cmd.Output()
	if err != nil {
		var stderr string
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = strings.TrimSpace(string(ee.Stderr))
		}
		return nil, errdefs.Wrapf(errdefs.StoreIoError, err, "ostree %s: %s", strings.Join(args, " "), stderr)
	}
	return out, nil
}

// ResolveRef returns the checksum for ref, or "" when it does not exist.
func (r *CLIRepo) ResolveRef(ref string) (string, error) {
	out, err := r.run(context.Background(), "rev-parse", ref)
	if err != nil {
		if strings.Contains(err.Error(), "No such") || strings.Contains(err.Error(), "not found") {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Pull fetches refs (or a pinned commit) from the remote.
func (r *CLIRepo) Pull(ctx context.Context, remote string, refs []string, opts PullOptions) error {
	args := []string{"pull"}
	if opts.CommitOverride != "" {
		args = append(args, remote, opts.CommitOverride)
	} else {
		args = append(args, remote)
		args = append(args, refs...)
	}
	if opts.Progress != nil {
		opts.Progress(fmt.Sprintf("Receiving objects from %s", remote))
	}
	_, err := r.run(ctx, args...)
	if err != nil {
		return errdefs.Wrapf(errdefs.NetworkError, err, "pulling %v from %s", refs, remote)
	}
	if opts.Progress != nil {
		opts.Progress("Receiving objects: done")
	}
	return nil
}

// LoadCommit reads a commit's timestamp, parent and metadata.
func (r *CLIRepo) LoadCommit(checksum string) (*Commit, error) {
	c := &Commit{Checksum: checksum, Metadata: map[string]string{}}

	out, err := r.run(context.Background(), "show", "--print-metadata-key=ostree.commit.timestamp", checksum)
	if err == nil {
		// Printed as a typed variant, e.g. "uint64 1700000000".
		fields := strings.Fields(string(out))
		if len(fields) > 0 {
			if ts, perr := strconv.ParseInt(fields[len(fields)-1], 10, 64); perr == nil {
				c.Timestamp = time.Unix(ts, 0).UTC()
			}
		}
	}
	if out, err := r.run(context.Background(), "rev-parse", checksum+"^"); err == nil {
		c.Parent = strings.TrimSpace(string(out))
	}

	out, err = r.run(context.Background(), "show", "--print-detached-metadata-key=rpmostree.serialized", checksum)
	if err == nil {
		_ = json.Unmarshal([]byte(unquoteVariant(string(out))), &c.Metadata)
	}
	for _, key := range []string{
		MetaClientLayer, MetaPackages, MetaRpmdbPkglist, MetaInputHash,
		MetaLayers, MetaRemovedBasePkgs, MetaReplacedBasePkgs,
		MetaStateSha512, MetaNevra, MetaVersion,
		MetaUnpackVersion, MetaRepoChksum + ".header",
	} {
		out, err := r.run(context.Background(), "show", "--print-metadata-key="+key, checksum)
		if err != nil {
			continue
		}
		c.Metadata[key] = unquoteVariant(string(out))
	}
	return c, nil
}

// unquoteVariant strips the GVariant string quoting ostree show prints.
func unquoteVariant(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}
	return s
}

// WriteCommit commits treeDir, optionally moving a ref, and returns the new
// checksum.
func (r *CLIRepo) WriteCommit(ctx context.Context, treeDir string, opts CommitOptions) (string, error) {
	args := []string{"commit", "--tree=dir=" + treeDir}
	if opts.Ref != "" {
		args = append(args, "--branch="+opts.Ref)
	} else {
		args = append(args, "--orphan")
	}
	if opts.Parent != "" {
		args = append(args, "--parent="+opts.Parent)
	}
	if opts.SELinuxPolicyRoot != "" {
		args = append(args, "--selinux-policy="+opts.SELinuxPolicyRoot)
	}
	if opts.GPGKeyID != "" {
		args = append(args, "--gpg-sign="+opts.GPGKeyID)
	}
	for k, v := range opts.Metadata {
		args = append(args, "--add-metadata-string="+k+"="+v)
	}
	out, err := r.run(ctx, args...)
	if err != nil {
		return "", errdefs.Wrap(errdefs.StoreWriteError, err, "committing tree")
	}
	return strings.TrimSpace(string(out)), nil
}

// CheckoutTreeAt materializes a commit under destDir.
func (r *CLIRepo) CheckoutTreeAt(ctx context.Context, checksum, destDir string, opts CheckoutOptions) error {
	args := []string{"checkout"}
	if opts.RequireHardlinks {
		args = append(args, "--require-hardlinks")
	}
	if opts.UnionIdenticalFiles {
		args = append(args, "--union-identical")
	}
	if opts.Subpath != "" {
		args = append(args, "--subpath="+opts.Subpath)
	}
	args = append(args, checksum, destDir)
	_, err := r.run(ctx, args...)
	return errors.Wrapf(err, "checking out %s", checksum)
}

// SetRef points ref at checksum.
func (r *CLIRepo) SetRef(ref, checksum string) error {
	_, err := r.run(context.Background(), "refs", "--create="+ref, checksum)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		if derr := r.DeleteRef(ref); derr != nil {
			return derr
		}
		_, err = r.run(context.Background(), "refs", "--create="+ref, checksum)
	}
	return err
}

// DeleteRef removes ref.
func (r *CLIRepo) DeleteRef(ref string) error {
	_, err := r.run(context.Background(), "refs", "--delete", ref)
	return err
}

// ListRefs returns refs under prefix mapped to their checksums.
func (r *CLIRepo) ListRefs(prefix string) (map[string]string, error) {
	out, err := r.run(context.Background(), "refs", prefix)
	if err != nil {
		return nil, err
	}
	refs := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		csum, err := r.ResolveRef(line)
		if err != nil {
			return nil, err
		}
		refs[line] = csum
	}
	return refs, nil
}

// Prune removes unreachable objects.
func (r *CLIRepo) Prune(ctx context.Context) error {
	_, err := r.run(ctx, "prune", "--refs-only")
	return err
}
