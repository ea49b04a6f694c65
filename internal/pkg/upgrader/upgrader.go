// Package upgrader orchestrates one deploy-family transaction: origin
// edits, base pull, package import, layered assembly and the deployment
// write, with the failure semantics of a state machine that leaves no
// visible effect before the deploy step.
package upgrader

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/coreos/rpm-ostree/internal/pkg/assembler"
	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
	"github.com/coreos/rpm-ostree/internal/pkg/importer"
	"github.com/coreos/rpm-ostree/internal/pkg/kargs"
	"github.com/coreos/rpm-ostree/internal/pkg/nevra"
	"github.com/coreos/rpm-ostree/internal/pkg/origin"
	"github.com/coreos/rpm-ostree/internal/pkg/ostree"
	"github.com/coreos/rpm-ostree/internal/pkg/postprocess"
	"github.com/coreos/rpm-ostree/internal/pkg/resolver"
)

// Outcome distinguishes "new deployment" from "nothing to do".
type Outcome int

const (
	// OutcomeUnchanged means no new deployment was needed.
	OutcomeUnchanged Outcome = iota
	// OutcomeChanged means a new deployment was written.
	OutcomeChanged
)

// Result of a deploy transaction.
type Result struct {
	Outcome    Outcome
	Deployment *ostree.Deployment
}

// Progress receives phase transitions and messages.
type Progress func(phase, message string)

// Upgrader drives one transaction on a sysroot.
type Upgrader struct {
	sysroot ostree.Sysroot
	repo    ostree.Repo
	backend resolver.Backend

	osname   string
	merge    *ostree.Deployment
	origin   *origin.Origin
	progress Progress

	// originalOrigin detects whether edits changed anything.
	originalOrigin []byte
}

// New opens a transaction context: the sysroot and object store are opened
// and the merge deployment picked (explicit osname, else booted).
func New(sysroot ostree.Sysroot, osname string, backend resolver.Backend, progress Progress) (*Upgrader, error) {
	merge, err := sysroot.MergeDeployment(osname)
	if err != nil {
		return nil, err
	}
	if merge.Origin == nil {
		return nil, errdefs.Newf(errdefs.InvalidOrigin, "deployment %s has no origin", merge.ID)
	}
	o, err := origin.Load(merge.Origin)
	if err != nil {
		return nil, err
	}
	if progress == nil {
		progress = func(string, string) {}
	}
	return &Upgrader{
		sysroot:        sysroot,
		repo:           sysroot.Repo(),
		backend:        backend,
		osname:         merge.OSName,
		merge:          merge,
		origin:         o,
		progress:       progress,
		originalOrigin: append([]byte(nil), merge.Origin...),
	}, nil
}

// Origin exposes the working origin, mainly for inspection.
func (u *Upgrader) Origin() *origin.Origin { return u.origin }

// ApplyEdits mutates the working origin per the request. Reports whether
// the origin changed.
func (u *Upgrader) ApplyEdits(opts Options, mods Modifiers) (bool, error) {
	o := u.origin

	if mods.SetRefspec != "" {
		refspec, err := origin.ParseRefspec(mods.SetRefspec)
		if err != nil {
			return false, err
		}
		if err := o.SetRebase(refspec, mods.CustomOriginURL, mods.CustomOriginDescription); err != nil {
			return false, err
		}
	}
	if mods.RevisionIsSet {
		if err := o.SetOverrideCommit(mods.SetRevision); err != nil {
			return false, err
		}
	}

	if opts.NoLayering {
		if _, err := o.RemoveAllPackages(); err != nil {
			return false, err
		}
	}
	if opts.NoOverrides {
		if _, err := o.RemoveAllOverrides(); err != nil {
			return false, err
		}
	}

	if len(mods.InstallPackages) > 0 {
		if _, err := o.AddPackages(mods.InstallPackages, false, false); err != nil {
			return false, err
		}
	}
	if mods.UninstallAll {
		if _, err := o.RemoveAllPackages(); err != nil {
			return false, err
		}
	} else if len(mods.UninstallPackages) > 0 {
		if _, err := o.RemovePackages(mods.UninstallPackages, false); err != nil {
			return false, err
		}
	}

	if len(mods.OverrideRemove) > 0 {
		if err := o.AddOverrides(mods.OverrideRemove, origin.OverrideRemove); err != nil {
			return false, err
		}
	}
	for _, key := range mods.OverrideReset {
		if !o.RemoveOverride(key, origin.OverrideRemove) && !o.RemoveOverride(key, origin.OverrideReplaceLocal) {
			return false, errdefs.Newf(errdefs.NotLayered, "no override for %q", key)
		}
	}

	if len(mods.AppendKargs) > 0 || len(mods.DeleteKargs) > 0 || len(mods.ReplaceKargs) > 0 {
		ka := kargs.New()
		for _, k := range o.KernelArgs() {
			ka.Append(k)
		}
		for _, k := range mods.AppendKargs {
			ka.Append(k)
		}
		for _, k := range mods.DeleteKargs {
			if err := ka.Delete(k); err != nil {
				return false, err
			}
		}
		for _, k := range mods.ReplaceKargs {
			if err := ka.Replace(k); err != nil {
				return false, err
			}
		}
		o.SetKernelArgs(ka.List())
	}

	if mods.RegenerateInitramfs != nil {
		on := *mods.RegenerateInitramfs
		if opts.NoInitramfs {
			on = false
		}
		o.SetRegenerateInitramfs(on, mods.InitramfsArgs)
	} else if opts.NoInitramfs {
		o.SetRegenerateInitramfs(false, nil)
	}

	if mods.InitramfsEtcUntrackAll {
		o.UntrackAllInitramfsEtc()
	}
	if len(mods.InitramfsEtcUntrack) > 0 {
		o.UntrackInitramfsEtc(mods.InitramfsEtcUntrack)
	}
	if len(mods.InitramfsEtcTrack) > 0 {
		if _, err := o.TrackInitramfsEtc(mods.InitramfsEtcTrack); err != nil {
			return false, err
		}
	}

	return !bytes.Equal(u.origin.Serialize(), u.originalOrigin), nil
}

// baseOfMerge returns the merge deployment's base commit: its own commit,
// or the parent when the commit is a client layer.
func (u *Upgrader) baseOfMerge() (string, error) {
	commit, err := u.repo.LoadCommit(u.merge.Checksum)
	if err != nil {
		return "", err
	}
	if commit.Metadata[ostree.MetaClientLayer] == "true" && commit.Parent != "" {
		return commit.Parent, nil
	}
	return u.merge.Checksum, nil
}

// pullBase resolves and pulls the origin's base commit, returning the new
// base checksum and whether it differs from the merge deployment's base.
func (u *Upgrader) pullBase(ctx context.Context, opts Options) (string, bool, error) {
	currentBase, err := u.baseOfMerge()
	if err != nil {
		return "", false, err
	}
	if opts.NoPullBase {
		return currentBase, false, nil
	}

	u.progress("pull-base", "Receiving base commit")
	refspec := u.origin.Refspec()
	var newBase string
	switch refspec.Kind {
	case origin.RefspecChecksum:
		newBase = refspec.Checksum
		if !opts.CacheOnly {
			if err := u.repo.Pull(ctx, refspec.Remote, nil, ostree.PullOptions{CommitOverride: newBase}); err != nil {
				log.WithError(err).Debug("pinned commit not pullable, trying local resolve")
			}
		}
	case origin.RefspecRojig:
		return "", false, errdefs.Newf(errdefs.InvalidRefspec, "rojig pull for %s requires the rojig-capable backend", refspec.String())
	default:
		ref := refspec.Ref
		if override := u.origin.OverrideCommit(); override != "" {
			if !opts.CacheOnly {
				if err := u.repo.Pull(ctx, refspec.Remote, nil, ostree.PullOptions{CommitOverride: override}); err != nil {
					return "", false, err
				}
			}
			newBase = override
		} else {
			if !opts.CacheOnly {
				if err := u.repo.Pull(ctx, refspec.Remote, []string{ref}, ostree.PullOptions{}); err != nil {
					return "", false, err
				}
			}
			fullRef := ref
			if refspec.Remote != "" {
				fullRef = refspec.Remote + ":" + ref
			}
			resolved, err := u.repo.ResolveRef(fullRef)
			if err != nil {
				return "", false, err
			}
			if resolved == "" {
				resolved, err = u.repo.ResolveRef(ref)
				if err != nil {
					return "", false, err
				}
			}
			if resolved == "" {
				return "", false, errdefs.Newf(errdefs.StoreIoError, "refspec %s not found", refspec.String())
			}
			newBase = resolved
		}
	}

	if newBase != currentBase && !opts.AllowDowngrade {
		if err := u.checkDowngrade(currentBase, newBase); err != nil {
			return "", false, err
		}
	}
	return newBase, newBase != currentBase, nil
}

// checkDowngrade rejects a base commit older than the current one.
func (u *Upgrader) checkDowngrade(currentBase, newBase string) error {
	cur, err := u.repo.LoadCommit(currentBase)
	if err != nil {
		return nil
	}
	next, err := u.repo.LoadCommit(newBase)
	if err != nil {
		return nil
	}
	if !cur.Timestamp.IsZero() && !next.Timestamp.IsZero() && next.Timestamp.Before(cur.Timestamp) {
		return errdefs.Newf(errdefs.ConflictingOptions,
			"upgrade would be a downgrade (%s < %s); use allow-downgrade to permit", next.Timestamp, cur.Timestamp)
	}
	return nil
}

// basePackageNames reads the base commit's installed package names.
func (u *Upgrader) basePackageNames(base string) (map[string]bool, error) {
	commit, err := u.repo.LoadCommit(base)
	if err != nil {
		return nil, err
	}
	names := map[string]bool{}
	if data := commit.Metadata[ostree.MetaRpmdbPkglist]; data != "" {
		var entries []assembler.PkglistEntry
		if err := json.Unmarshal([]byte(data), &entries); err == nil {
			for _, e := range entries {
				names[e.Name] = true
			}
		}
	}
	return names, nil
}

// Deploy runs the state machine for one transaction.
func (u *Upgrader) Deploy(ctx context.Context, opts Options, mods Modifiers) (*Result, error) {
	originChanged, err := u.ApplyEdits(opts, mods)
	if err != nil {
		return nil, err
	}

	newBase, baseChanged, err := u.pullBase(ctx, opts)
	if err != nil {
		return nil, err
	}

	layering := u.origin.Layering()
	if layering == origin.LayeringNone && (len(mods.InstallLocalPackages) > 0 || len(mods.OverrideReplaceLocal) > 0) {
		layering = origin.LayeringLocal
	}
	if layering == origin.LayeringNone && !baseChanged && !originChanged {
		if _, desc := u.origin.CustomOrigin(); desc != "" && u.origin.Classify() == origin.RefspecChecksum {
			u.progress("finished", "Pinned to commit by custom origin: "+desc)
		} else {
			u.progress("finished", "No upgrade available.")
		}
		return &Result{Outcome: OutcomeUnchanged}, nil
	}

	finalCommit := newBase
	if layering != origin.LayeringNone {
		layers, replacements, err := u.prepareLayers(ctx, opts, mods, newBase)
		if err != nil {
			return nil, err
		}
		if opts.DownloadMetadataOnly || opts.DownloadOnly {
			u.progress("finished", "Downloaded; exiting as requested")
			return &Result{Outcome: OutcomeUnchanged}, nil
		}

		u.progress("assemble", "Assembling layered commit")
		res, err := assembler.Assemble(ctx, assembler.Request{
			Repo:         u.repo,
			BaseChecksum: newBase,
			Origin:       u.origin,
			Layers:       layers,
			Replacements: replacements,
			Postprocess:  postprocess.Config{MachineIDCompat: true},
		})
		if err != nil {
			return nil, err
		}
		finalCommit = res.Checksum
	} else if opts.DownloadMetadataOnly || opts.DownloadOnly {
		u.progress("finished", "Downloaded; exiting as requested")
		return &Result{Outcome: OutcomeUnchanged}, nil
	}

	if opts.DryRun {
		u.progress("finished", "Transaction computed; exiting as requested")
		return &Result{Outcome: OutcomeUnchanged}, nil
	}

	// Once the deployment write begins cancellation is ignored.
	u.progress("deploy", "Writing deployment")
	deployment, err := u.sysroot.Deploy(context.Background(), u.osname, finalCommit, u.origin.Serialize(), u.merge, u.origin.KernelArgs(), ostree.DeployFlags{
		Stage:            opts.Stage,
		LockFinalization: opts.LockFinalization,
	})
	if err != nil {
		return nil, err
	}

	// A rebase deletes the previous remote ref unless asked not to.
	if mods.SetRefspec != "" && !opts.SkipPurge {
		if prior, err := origin.Load(u.originalOrigin); err == nil {
			priorRefspec := prior.Refspec()
			if priorRefspec.Kind == origin.RefspecOstree && !priorRefspec.Equal(u.origin.Refspec()) {
				ref := priorRefspec.Ref
				if priorRefspec.Remote != "" {
					ref = priorRefspec.Remote + ":" + ref
				}
				if err := u.repo.DeleteRef(ref); err != nil {
					log.WithError(err).WithField("ref", ref).Warn("purging previous refspec")
				}
			}
		}
	}

	if err := u.writeUpdateDescriptor(finalCommit); err != nil {
		log.WithError(err).Warn("writing update descriptor")
	}

	u.progress("finished", "Deployment written")
	return &Result{Outcome: OutcomeChanged, Deployment: deployment}, nil
}

// prepareLayers resolves, downloads and imports every package the origin
// layers or replaces.
func (u *Upgrader) prepareLayers(ctx context.Context, opts Options, mods Modifiers, base string) ([]*importer.CacheCommit, []*importer.CacheCommit, error) {
	mergePath := filepath.Join(u.sysroot.Path(), "ostree/deploy", u.osname, "deploy",
		u.merge.Checksum+"."+strconv.Itoa(u.merge.DeploySerial))
	reposDir := filepath.Join(mergePath, "etc/yum.repos.d")

	res, err := resolver.New("/", mergePath, reposDir, u.backend)
	if err != nil {
		return nil, nil, err
	}
	defer res.Close()

	repoNames := mods.Repos
	if len(repoNames) == 0 {
		configs, err := resolver.LoadRepoConfigs(reposDir)
		if err != nil {
			return nil, nil, err
		}
		for _, rc := range configs {
			if rc.Enabled {
				repoNames = append(repoNames, rc.ID)
			}
		}
	}

	if len(u.origin.Packages()) > 0 && !opts.CacheOnly {
		u.progress("metadata", "Downloading metadata")
		if err := res.DownloadMetadata(ctx, repoNames, resolver.MetadataFlags{CacheOnly: opts.CacheOnly}); err != nil {
			return nil, nil, err
		}
	}
	if opts.DownloadMetadataOnly {
		return nil, nil, nil
	}

	baseInstalled, err := u.basePackageNames(base)
	if err != nil {
		return nil, nil, err
	}

	u.progress("depsolve", "Resolving dependencies")
	install, err := res.PrepareInstall(ctx, resolver.InstallSpec{
		Packages:      u.origin.Packages(),
		LocalPackages: mods.InstallLocalPackages,
		Repos:         repoNames,
		BaseInstalled: baseInstalled,
		AllowInactive: mods.AllowInactive,
	})
	if err != nil {
		return nil, nil, err
	}

	if !opts.CacheOnly {
		u.progress("download", "Downloading packages")
		if err := res.Download(ctx, install, func(msg string) { u.progress("download", msg) }); err != nil {
			return nil, nil, err
		}
	}

	u.progress("import", "Importing packages")
	im := importer.New(u.repo)
	commits, err := res.Import(ctx, install, im, importer.Options{OstreeConvention: true})
	if err != nil {
		return nil, nil, err
	}

	layers := commits

	// Local RPMs become pinned origin entries once their identity is known.
	if len(mods.InstallLocalPackages) > 0 && len(commits) >= len(mods.InstallLocalPackages) {
		locals := commits[len(commits)-len(mods.InstallLocalPackages):]
		var pinned []string
		for _, c := range locals {
			pinned = append(pinned, c.NEVRA.String()+":"+c.HeaderSha256)
		}
		if _, err := u.origin.AddPackages(pinned, true, true); err != nil {
			return nil, nil, err
		}
	}

	// Replacement RPMs supplied with this request are imported and recorded
	// as overrides.
	var replacements []*importer.CacheCommit
	for _, path := range mods.OverrideReplaceLocal {
		c, err := im.Import(ctx, path, importer.Options{OstreeConvention: true})
		if err != nil {
			return nil, nil, err
		}
		replacements = append(replacements, c)
		if _, ok := u.origin.ReplacementOverrides()[c.NEVRA.String()]; !ok {
			if err := u.origin.AddOverrides([]string{c.NEVRA.String() + ":" + c.HeaderSha256}, origin.OverrideReplaceLocal); err != nil {
				return nil, nil, err
			}
		}
	}

	// Layers and replacements the origin recorded in earlier transactions
	// resolve from their cache branches.
	have := map[string]bool{}
	for _, c := range append(append([]*importer.CacheCommit(nil), layers...), replacements...) {
		have[c.NEVRA.String()] = true
	}
	resolveCached := func(nevraStr, sha string) (*importer.CacheCommit, error) {
		pkg, err := nevra.Parse(nevraStr)
		if err != nil {
			return nil, err
		}
		csum, err := u.repo.ResolveRef(pkg.CacheBranch())
		if err != nil {
			return nil, err
		}
		if csum == "" {
			return nil, errdefs.Newf(errdefs.UnknownPackage, "local package %s has no cached import", nevraStr)
		}
		return &importer.CacheCommit{NEVRA: pkg, Branch: pkg.CacheBranch(), Checksum: csum, HeaderSha256: sha}, nil
	}
	for nevraStr, sha := range u.origin.LocalPackages() {
		if have[nevraStr] {
			continue
		}
		c, err := resolveCached(nevraStr, sha)
		if err != nil {
			return nil, nil, err
		}
		layers = append(layers, c)
	}
	for nevraStr, sha := range u.origin.ReplacementOverrides() {
		if have[nevraStr] {
			continue
		}
		c, err := resolveCached(nevraStr, sha)
		if err != nil {
			return nil, nil, err
		}
		replacements = append(replacements, c)
	}

	return layers, replacements, nil
}

// updateDescriptorPath is where the cached "update available" summary
// lives, relative to the sysroot.
const updateDescriptorPath = "var/lib/rpm-ostree/pending-update.json"

func (u *Upgrader) writeUpdateDescriptor(commit string) error {
	path := filepath.Join(u.sysroot.Path(), updateDescriptorPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	desc := map[string]interface{}{
		"osname":   u.osname,
		"checksum": commit,
		"origin":   string(u.origin.Serialize()),
	}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

