package compose

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-semver/semver"
	log "github.com/sirupsen/logrus"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
	"github.com/coreos/rpm-ostree/internal/pkg/ostree"
	"github.com/coreos/rpm-ostree/internal/pkg/passwd"
	"github.com/coreos/rpm-ostree/internal/pkg/postprocess"
	"github.com/coreos/rpm-ostree/internal/pkg/resolver"
)

// Options tunes one compose run.
type Options struct {
	// Force skips the input-hash short circuit.
	Force bool
	// CacheDir overrides the rpm-md cache location.
	CacheDir string
	// PreviousPasswd/Group back check type "previous". The prior commit's
	// own passwd and group are not read; when these are nil the check passes.
	PreviousPasswd []byte
	PreviousGroup  []byte
}

// Result of a compose.
type Result struct {
	Checksum  string
	Version   string
	Unchanged bool
}

// Composer drives one tree compose.
type Composer struct {
	repo     ostree.Repo
	backend  resolver.Backend
	treefile *Treefile
}

// New returns a Composer for the treefile.
func New(repo ostree.Repo, backend resolver.Backend, treefile *Treefile) *Composer {
	return &Composer{repo: repo, backend: backend, treefile: treefile}
}

// inputHash fingerprints the treefile plus the resolved package set; equal
// hashes mean the compose would reproduce the previous commit.
func (c *Composer) inputHash(pkgs []resolver.PackageSpec) (string, error) {
	canonical, err := c.treefile.Canonical()
	if err != nil {
		return "", err
	}
	nevras := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		nevras = append(nevras, p.NEVRA().String())
	}
	sort.Strings(nevras)

	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte("\x00"))
	h.Write([]byte(strings.Join(nevras, "\n")))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Run composes the tree into rootfsDir and commits it under the treefile's
// ref. An unchanged input set reports Unchanged without committing.
func (c *Composer) Run(ctx context.Context, rootfsDir string, repoConfigs []resolver.RepoConfig, opts Options) (*Result, error) {
	tf := c.treefile

	byID := map[string]resolver.RepoConfig{}
	for _, rc := range repoConfigs {
		byID[rc.ID] = rc
	}
	var repos []resolver.RepoConfig
	var missing []string
	for _, name := range tf.Repos {
		rc, ok := byID[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		repos = append(repos, rc)
	}
	if len(missing) > 0 {
		return nil, errdefs.Newf(errdefs.RepoNotFound, "unknown rpm-md repositories: %v", missing)
	}

	installSet := append(append([]string(nil), tf.BootstrapPackages...), tf.Packages...)
	sort.Strings(installSet)

	log.WithField("packages", len(installSet)).Info("resolving compose package set")
	pkgs, err := c.backend.Depsolve(ctx, resolver.DepsolveRequest{
		Packages:    installSet,
		Repos:       repos,
		InstallRoot: rootfsDir,
		CacheDir:    opts.CacheDir,
	})
	if err != nil {
		return nil, err
	}

	newHash, err := c.inputHash(pkgs)
	if err != nil {
		return nil, err
	}
	previous, err := c.repo.ResolveRef(tf.Ref)
	if err != nil {
		return nil, err
	}
	var previousCommit *ostree.Commit
	if previous != "" {
		previousCommit, err = c.repo.LoadCommit(previous)
		if err != nil {
			return nil, err
		}
		if prior := previousCommit.Metadata[ostree.MetaInputHash]; prior == newHash && !opts.Force {
			log.Info("no apparent changes since previous commit")
			return &Result{Checksum: previous, Unchanged: true}, nil
		} else if prior == "" {
			log.Info("previous commit found, but without rpmostree.inputhash metadata key")
		}
	}

	if err := c.installPackages(ctx, rootfsDir, pkgs, repos, opts); err != nil {
		return nil, err
	}

	cfg := postprocess.Config{
		KeepInEtcUsers:  map[string]bool{},
		KeepInEtcGroups: stringSet(tf.EtcGroupMembers),
		DracutArgs:      tf.InitramfsArgs,
		BootLocation:    tf.BootLocation,
		MachineIDCompat: tf.MachineIDCompat == nil || *tf.MachineIDCompat,
		SELinux:         tf.SELinux == nil || *tf.SELinux,
	}
	if err := postprocess.Run(ctx, rootfsDir, cfg); err != nil {
		return nil, err
	}
	if err := c.applyTreefileFilters(rootfsDir, pkgs); err != nil {
		return nil, err
	}

	if err := c.checkPasswdGroups(rootfsDir, opts); err != nil {
		return nil, err
	}

	version, err := c.nextVersion(previousCommit)
	if err != nil {
		return nil, err
	}
	if err := c.applyExtras(rootfsDir, version); err != nil {
		return nil, err
	}

	metadata := map[string]string{
		ostree.MetaInputHash: newHash,
	}
	if version != "" {
		metadata[ostree.MetaVersion] = version
	}
	if pkglist := pkglistJSON(pkgs); pkglist != "" {
		metadata[ostree.MetaRpmdbPkglist] = pkglist
	}

	commitOpts := ostree.CommitOptions{
		Ref:      tf.Ref,
		Metadata: metadata,
		GPGKeyID: tf.GPGKey,
	}
	if previous != "" {
		commitOpts.Parent = previous
	}
	if cfg.SELinux {
		commitOpts.SELinuxPolicyRoot = rootfsDir
	}
	csum, err := c.repo.WriteCommit(ctx, rootfsDir, commitOpts)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.StoreWriteError, err, "committing compose")
	}

	if tf.TouchIfChanged != "" {
		now := time.Now()
		if err := os.Chtimes(tf.TouchIfChanged, now, now); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("touch-if-changed")
		}
	}

	log.WithFields(log.Fields{"ref": tf.Ref, "commit": csum, "version": version}).Info("compose complete")
	return &Result{Checksum: csum, Version: version}, nil
}

// installPackages downloads and unpacks the resolved set into the rootfs.
// The heavy lifting happens in the backend helper, which owns librpm.
func (c *Composer) installPackages(ctx context.Context, rootfsDir string, pkgs []resolver.PackageSpec, repos []resolver.RepoConfig, opts Options) error {
	res, err := resolver.New(rootfsDir, "/", "/etc/yum.repos.d", c.backend)
	if err != nil {
		return err
	}
	defer res.Close()
	if opts.CacheDir != "" {
		res.SetCacheDir(opts.CacheDir)
	}

	install := &resolver.Install{Packages: pkgs}
	if err := res.Download(ctx, install, func(msg string) { log.Info(msg) }); err != nil {
		return err
	}

	for _, p := range install.Packages {
		if err := ctx.Err(); err != nil {
			return errdefs.Wrap(errdefs.Cancelled, err, "compose cancelled")
		}
		if err := unpackIntoRoot(p.DownloadedPath, rootfsDir); err != nil {
			return err
		}
	}
	return nil
}

// applyTreefileFilters removes files per remove-files and
// remove-from-packages.
func (c *Composer) applyTreefileFilters(rootfsDir string, pkgs []resolver.PackageSpec) error {
	for _, rel := range c.treefile.RemoveFiles {
		clean := strings.TrimPrefix(filepath.Clean("/"+rel), "/")
		if err := os.RemoveAll(filepath.Join(rootfsDir, clean)); err != nil {
			return err
		}
	}

	for _, tuple := range c.treefile.RemoveFromPackages {
		if len(tuple) < 2 {
			return errdefs.New(errdefs.ConflictingOptions, "remove-from-packages entries need a package and at least one file pattern")
		}
		pkgRe, err := regexp.Compile("^" + tuple[0] + "$")
		if err != nil {
			return err
		}
		matched := false
		for _, p := range pkgs {
			if pkgRe.MatchString(p.Name) {
				matched = true
				break
			}
		}
		if !matched {
			return errdefs.Newf(errdefs.UnknownPackage, "remove-from-packages: no package matches %q", tuple[0])
		}
		for _, filePattern := range tuple[1:] {
			fileRe, err := regexp.Compile("^" + filePattern + "$")
			if err != nil {
				return err
			}
			if err := removeMatching(rootfsDir, fileRe); err != nil {
				return err
			}
		}
	}
	return nil
}

func removeMatching(rootfsDir string, re *regexp.Regexp) error {
	return filepath.Walk(rootfsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(rootfsDir, path)
		if rerr != nil {
			return nil
		}
		if re.MatchString("/" + rel) {
			return os.RemoveAll(path)
		}
		return nil
	})
}

func (c *Composer) checkPasswdGroups(rootfsDir string, opts Options) error {
	tf := c.treefile
	if tf.CheckPasswd != nil {
		src, err := checkSource(tf.CheckPasswd, opts.PreviousPasswd)
		if err != nil {
			return err
		}
		if err := passwd.CheckUsers(rootfsDir, src, passwd.CheckOptions{IgnoreRemoved: stringSet(tf.IgnoreRemovedUsers)}); err != nil {
			return err
		}
	}
	if tf.CheckGroups != nil {
		src, err := checkSource(tf.CheckGroups, opts.PreviousGroup)
		if err != nil {
			return err
		}
		if err := passwd.CheckGroups(rootfsDir, src, passwd.CheckOptions{IgnoreRemoved: stringSet(tf.IgnoreRemovedGroups)}); err != nil {
			return err
		}
	}
	return nil
}

func checkSource(cfg *CheckConfig, previous []byte) (passwd.CheckSource, error) {
	src := passwd.CheckSource{Type: cfg.Type, Filename: cfg.Filename, Previous: previous}
	if cfg.Type == "data" {
		var lines []string
		for name, v := range cfg.Entries {
			lines = append(lines, fmt.Sprintf("%s:x:%v:%v::/:/sbin/nologin", name, v, v))
		}
		sort.Strings(lines)
		src.Data = []byte(strings.Join(lines, "\n") + "\n")
	}
	return src, nil
}

// nextVersion computes the automatic version from the previous commit's,
// e.g. 38.20230101.0 -> 38.20230101.1 under prefix 38.20230101.
func (c *Composer) nextVersion(previous *ostree.Commit) (string, error) {
	prefix := c.treefile.AutomaticVersionPrefix
	if prefix == "" {
		return "", nil
	}
	if previous == nil {
		return prefix + ".0", nil
	}
	last := previous.Metadata[ostree.MetaVersion]
	if last == "" || !strings.HasPrefix(last, prefix+".") {
		return prefix + ".0", nil
	}
	suffix := last[len(prefix)+1:]
	if n, err := strconv.Atoi(suffix); err == nil {
		return fmt.Sprintf("%s.%d", prefix, n+1), nil
	}
	// Fall back to semver patch increments for prefix-less schemes.
	if v, err := semver.NewVersion(last); err == nil {
		v.BumpPatch()
		return v.String(), nil
	}
	return prefix + ".0", nil
}

func stringSet(items []string) map[string]bool {
	out := map[string]bool{}
	for _, s := range items {
		out[s] = true
	}
	return out
}

func pkglistJSON(pkgs []resolver.PackageSpec) string {
	type entry struct {
		Nevra string `json:"nevra"`
		Name  string `json:"name"`
	}
	entries := make([]entry, 0, len(pkgs))
	for _, p := range pkgs {
		entries = append(entries, entry{Nevra: p.NEVRA().String(), Name: p.Name})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Nevra < entries[j].Nevra })
	data, err := jsonMarshal(entries)
	if err != nil {
		return ""
	}
	return string(data)
}
