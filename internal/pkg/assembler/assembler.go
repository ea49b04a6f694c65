// Package assembler builds layered commits: the base commit checked out,
// override removals applied, imported package trees overlaid, the
// postprocessor run, and the result committed with metadata recording every
// layering input.
package assembler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
	"github.com/coreos/rpm-ostree/internal/pkg/importer"
	"github.com/coreos/rpm-ostree/internal/pkg/origin"
	"github.com/coreos/rpm-ostree/internal/pkg/ostree"
	"github.com/coreos/rpm-ostree/internal/pkg/postprocess"
)

// PkglistEntry records one package in a commit's rpmdb package list.
type PkglistEntry struct {
	Nevra string   `json:"nevra"`
	Name  string   `json:"name"`
	Files []string `json:"files,omitempty"`
}

// Request carries everything needed to assemble one layered commit.
type Request struct {
	Repo ostree.Repo
	// BaseChecksum is the commit the layers go on top of.
	BaseChecksum string
	Origin       *origin.Origin
	// Layers are the imported cache commits, in install order.
	Layers []*importer.CacheCommit
	// Replacements are cache commits replacing base packages.
	Replacements []*importer.CacheCommit
	// Postprocess tunes the shared pipeline stages.
	Postprocess postprocess.Config
}

// Result of an assembly.
type Result struct {
	// Checksum of the new commit; equal to the request's base when no
	// assembly work was needed.
	Checksum string
	// Unchanged is set when the base was returned as is.
	Unchanged bool
}

// Assemble builds the layered commit for req. Any failure aborts the
// temporary checkout; no refs move.
func Assemble(ctx context.Context, req Request) (*Result, error) {
	o := req.Origin
	if o.Layering() == origin.LayeringNone {
		return &Result{Checksum: req.BaseChecksum, Unchanged: true}, nil
	}

	tmpdir, err := os.MkdirTemp("", "rpmostree-assemble")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpdir)

	log.WithField("base", req.BaseChecksum).Info("assembling layered commit")
	if err := req.Repo.CheckoutTreeAt(ctx, req.BaseChecksum, tmpdir, ostree.CheckoutOptions{}); err != nil {
		return nil, errdefs.Wrap(errdefs.StoreIoError, err, "checking out base")
	}

	baseCommit, err := req.Repo.LoadCommit(req.BaseChecksum)
	if err != nil {
		return nil, err
	}
	basePkglist := parsePkglist(baseCommit.Metadata[ostree.MetaRpmdbPkglist])

	removed, err := applyRemovals(tmpdir, o.RemovalOverrides(), basePkglist)
	if err != nil {
		return nil, err
	}

	replacedOld, err := applyReplacements(ctx, req, tmpdir, basePkglist)
	if err != nil {
		return nil, err
	}

	overlaid := map[string]string{} // path -> owning package
	for _, layer := range req.Layers {
		if err := ctx.Err(); err != nil {
			return nil, errdefs.Wrap(errdefs.Cancelled, err, "assembly cancelled")
		}
		if err := overlayLayer(ctx, req.Repo, layer, tmpdir, overlaid); err != nil {
			return nil, err
		}
	}

	// The shared postprocessing stages for client layering; the full
	// normalization already happened at compose time.
	stages := []func() error{
		func() error { return postprocess.MigratePasswd(tmpdir, req.Postprocess) },
		func() error { return postprocess.RewriteNsswitch(tmpdir) },
		func() error { return postprocess.RelocateRpmdb(tmpdir) },
		func() error { return postprocess.SynthesizeVar(tmpdir) },
		func() error { return postprocess.PrepareSELinux(ctx, tmpdir, req.Postprocess) },
		func() error { return postprocess.CleanupLeftovers(tmpdir) },
	}
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, errdefs.Wrap(errdefs.Cancelled, err, "assembly cancelled")
		}
		if err := stage(); err != nil {
			return nil, err
		}
	}

	if o.RegenerateInitramfs() || len(o.InitramfsEtcFiles()) > 0 {
		if err := regenerateInitramfs(ctx, tmpdir, o); err != nil {
			return nil, err
		}
	}

	metadata, err := layerMetadata(o, req, basePkglist, removed, replacedOld)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Wrap(errdefs.Cancelled, err, "assembly cancelled")
	}
	csum, err := req.Repo.WriteCommit(ctx, tmpdir, ostree.CommitOptions{
		Parent:            req.BaseChecksum,
		Metadata:          metadata,
		SELinuxPolicyRoot: policyRoot(req.Postprocess, tmpdir),
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.StoreWriteError, err, "writing layered commit")
	}

	log.WithFields(log.Fields{"commit": csum, "parent": req.BaseChecksum}).Info("assembled layered commit")
	return &Result{Checksum: csum}, nil
}

func policyRoot(cfg postprocess.Config, tmpdir string) string {
	if cfg.SELinux {
		return tmpdir
	}
	return ""
}

func parsePkglist(data string) []PkglistEntry {
	if data == "" {
		return nil
	}
	var entries []PkglistEntry
	if err := json.Unmarshal([]byte(data), &entries); err != nil {
		log.WithError(err).Warn("unparseable rpmdb package list in base commit")
		return nil
	}
	return entries
}

// applyRemovals deletes the files of removed base packages, returning the
// removed nevras for commit metadata.
func applyRemovals(tmpdir string, removals []string, basePkglist []PkglistEntry) ([]string, error) {
	byName := map[string]PkglistEntry{}
	for _, e := range basePkglist {
		byName[e.Name] = e
	}
	var removed []string
	for _, name := range removals {
		entry, ok := byName[name]
		if !ok {
			return nil, errdefs.Newf(errdefs.UnknownPackage, "package %q not found in base", name)
		}
		for _, rel := range entry.Files {
			path := tmpdir + "/" + strings.TrimPrefix(rel, "/")
			if err := os.RemoveAll(path); err != nil {
				return nil, err
			}
		}
		removed = append(removed, entry.Nevra)
	}
	sort.Strings(removed)
	return removed, nil
}

// applyReplacements removes each replaced base package's files and overlays
// its replacement. Returns "old -> new" pairs for commit metadata.
func applyReplacements(ctx context.Context, req Request, tmpdir string, basePkglist []PkglistEntry) ([]string, error) {
	byName := map[string]PkglistEntry{}
	for _, e := range basePkglist {
		byName[e.Name] = e
	}
	overlaid := map[string]string{}
	var pairs []string
	for _, repl := range req.Replacements {
		old, ok := byName[repl.NEVRA.Name]
		if !ok {
			return nil, errdefs.Newf(errdefs.UnknownPackage, "replacement target %q not present in base", repl.NEVRA.Name)
		}
		for _, rel := range old.Files {
			if err := os.RemoveAll(tmpdir + "/" + strings.TrimPrefix(rel, "/")); err != nil {
				return nil, err
			}
		}
		if err := overlayLayer(ctx, req.Repo, repl, tmpdir, overlaid); err != nil {
			return nil, err
		}
		pairs = append(pairs, old.Nevra+" -> "+repl.NEVRA.String())
	}
	sort.Strings(pairs)
	return pairs, nil
}

func regenerateInitramfs(ctx context.Context, tmpdir string, o *origin.Origin) error {
	kernel, err := postprocess.FindKernel(tmpdir)
	if err != nil {
		return err
	}
	rel, err := postprocess.GenerateInitramfs(ctx, tmpdir, kernel.Kver, o.InitramfsArgs(), o.InitramfsEtcFiles())
	if err != nil {
		return err
	}
	kernel.InitramfsPath = rel

	if tracked := o.InitramfsEtcFiles(); len(tracked) > 0 {
		members, err := postprocess.ListInitramfsContents(tmpdir + "/" + rel)
		if err != nil {
			log.WithError(err).Warn("inspecting generated initramfs")
		} else {
			present := map[string]bool{}
			for _, m := range members {
				present[m] = true
			}
			for _, want := range tracked {
				if !present[want] {
					log.WithField("path", want).Warn("tracked /etc file missing from generated initramfs")
				}
			}
		}
	}
	return postprocess.InstallKernelPair(tmpdir, kernel, "modules")
}

func layerMetadata(o *origin.Origin, req Request, basePkglist []PkglistEntry, removed, replacedOld []string) (map[string]string, error) {
	var layerCsums []string
	var layerNevras []string
	pkglist := append([]PkglistEntry(nil), basePkglist...)
	for _, l := range append(append([]*importer.CacheCommit(nil), req.Layers...), req.Replacements...) {
		layerCsums = append(layerCsums, l.Checksum)
		layerNevras = append(layerNevras, l.NEVRA.String())
		pkglist = append(pkglist, PkglistEntry{Nevra: l.NEVRA.String(), Name: l.NEVRA.Name})
	}
	sort.Slice(pkglist, func(i, j int) bool { return pkglist[i].Nevra < pkglist[j].Nevra })

	inputNevras := append([]string(nil), layerNevras...)
	sort.Strings(inputNevras)
	h := sha256.New()
	h.Write([]byte(strings.Join(inputNevras, "\n")))
	h.Write(o.Serialize())
	inputhash := hex.EncodeToString(h.Sum(nil))

	marshal := func(v interface{}) string {
		data, _ := json.Marshal(v)
		return string(data)
	}
	return map[string]string{
		ostree.MetaClientLayer:      "true",
		ostree.MetaPackages:         marshal(o.Packages()),
		ostree.MetaRpmdbPkglist:     marshal(pkglist),
		ostree.MetaInputHash:        inputhash,
		ostree.MetaLayers:           marshal(layerCsums),
		ostree.MetaRemovedBasePkgs:  marshal(removed),
		ostree.MetaReplacedBasePkgs: marshal(replacedOld),
		ostree.MetaStateSha512:      o.StateDigest(),
	}, nil
}
