// Package resolver adapts the rpm-md package backend: repository
// configuration, metadata refresh, depsolving and payload downloads. The
// backend's rpm macro context is a per-process singleton, so resolver use is
// serialized through a process-wide mutex held from New until Close.
package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cavaliergopher/grab/v3"
	log "github.com/sirupsen/logrus"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
	"github.com/coreos/rpm-ostree/internal/pkg/importer"
	"github.com/coreos/rpm-ostree/internal/pkg/nevra"
)

// DefaultCacheDir holds downloaded metadata and payloads.
const DefaultCacheDir = "/var/cache/rpm-ostree"

// PackageSpec is one resolved package from a depsolve.
type PackageSpec struct {
	Name           string `json:"name"`
	Epoch          uint64 `json:"epoch"`
	Version        string `json:"version"`
	Release        string `json:"release"`
	Arch           string `json:"arch"`
	RepoID         string `json:"repo_id"`
	RemoteLocation string `json:"remote_location"`
	Checksum       string `json:"checksum"`

	// DownloadedPath is set once the payload is on disk.
	DownloadedPath string `json:"-"`
}

// NEVRA returns the package identity.
func (p PackageSpec) NEVRA() nevra.NEVRA {
	return nevra.NEVRA{Name: p.Name, Epoch: p.Epoch, Version: p.Version, Release: p.Release, Arch: p.Arch}
}

// MetadataFlags controls a metadata refresh.
type MetadataFlags struct {
	// Force refetches even when the cached metadata is current.
	Force bool
	// CacheOnly forbids network access.
	CacheOnly bool
}

// DepsolveRequest is handed to the backend.
type DepsolveRequest struct {
	Packages    []string     `json:"packages"`
	Repos       []RepoConfig `json:"repos"`
	InstallRoot string       `json:"install_root"`
	CacheDir    string       `json:"cache_dir"`
	Arch        string       `json:"arch"`
}

// Backend performs the metadata and depsolve work. The default
// implementation shells out to a JSON helper; tests substitute fakes.
type Backend interface {
	FetchMetadata(ctx context.Context, repos []RepoConfig, cacheDir string, flags MetadataFlags) error
	Depsolve(ctx context.Context, req DepsolveRequest) ([]PackageSpec, error)
}

// InstallSpec describes a requested package set.
type InstallSpec struct {
	// Packages are rpm-md names to depsolve.
	Packages []string
	// LocalPackages are paths to RPMs supplied by the caller.
	LocalPackages []string
	// Repos names the repositories to enable; exactly these are used.
	Repos []string
	// BaseInstalled is the package-name set already present in the base.
	BaseInstalled map[string]bool
	// AllowInactive downgrades already-installed requests to a warning.
	AllowInactive bool
}

// Install is a prepared transaction.
type Install struct {
	Packages      []PackageSpec
	LocalPackages []string
}

// rpmMacroMu serializes resolver use; the rpm macro context is global to
// the process.
var rpmMacroMu sync.Mutex

// Resolver wraps the package backend for one transaction.
type Resolver struct {
	installRoot string
	sourceRoot  string
	reposDir    string
	cacheDir    string

	backend Backend
	repos   []RepoConfig
	closed  bool
}

// New acquires the process-wide backend and loads repository configuration
// from reposDir (conventionally the merge deployment's /etc/yum.repos.d).
// The caller must Close the resolver; nested use deadlocks by design.
func New(installRoot, sourceRoot, reposDir string, backend Backend) (*Resolver, error) {
	rpmMacroMu.Lock()
	repos, err := LoadRepoConfigs(reposDir)
	if err != nil {
		rpmMacroMu.Unlock()
		return nil, err
	}
	return &Resolver{
		installRoot: installRoot,
		sourceRoot:  sourceRoot,
		reposDir:    reposDir,
		cacheDir:    DefaultCacheDir,
		backend:     backend,
		repos:       repos,
	}, nil
}

// SetCacheDir overrides the metadata/payload cache location.
func (r *Resolver) SetCacheDir(dir string) { r.cacheDir = dir }

// Close releases the process-wide backend.
func (r *Resolver) Close() {
	if !r.closed {
		r.closed = true
		rpmMacroMu.Unlock()
	}
}

// enabledRepos returns exactly the named repositories, failing with
// RepoNotFound naming every missing entry.
func (r *Resolver) enabledRepos(names []string) ([]RepoConfig, error) {
	byID := make(map[string]RepoConfig, len(r.repos))
	for _, rc := range r.repos {
		byID[rc.ID] = rc
	}
	var enabled []RepoConfig
	var missing []string
	for _, name := range names {
		rc, ok := byID[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		rc.Enabled = true
		enabled = append(enabled, rc)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errdefs.Newf(errdefs.RepoNotFound, "unknown rpm-md repositories: %v", missing)
	}
	return enabled, nil
}

// DownloadMetadata refreshes rpm-md metadata for the named repos.
func (r *Resolver) DownloadMetadata(ctx context.Context, repoNames []string, flags MetadataFlags) error {
	repos, err := r.enabledRepos(repoNames)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errdefs.Wrap(errdefs.Cancelled, err, "metadata refresh cancelled")
	}
	if err := r.backend.FetchMetadata(ctx, repos, r.cacheDir, flags); err != nil {
		return errdefs.Wrap(errdefs.NetworkError, err, "downloading rpm-md metadata")
	}
	return nil
}

// PrepareInstall depsolves the requested set into a deterministic install
// plan. Requests already satisfied by the base fail with AlreadyRequested
// unless spec.AllowInactive downgrades them to warnings.
func (r *Resolver) PrepareInstall(ctx context.Context, spec InstallSpec) (*Install, error) {
	var toSolve []string
	for _, name := range spec.Packages {
		if spec.BaseInstalled[name] {
			if spec.AllowInactive {
				log.WithField("package", name).Warn("package is already installed in the base; layering will be inactive")
			} else {
				return nil, errdefs.Newf(errdefs.AlreadyRequested, "package %q is already installed", name)
			}
		}
		toSolve = append(toSolve, name)
	}
	sort.Strings(toSolve)

	install := &Install{LocalPackages: append([]string(nil), spec.LocalPackages...)}
	if len(toSolve) > 0 {
		repos, err := r.enabledRepos(spec.Repos)
		if err != nil {
			return nil, err
		}
		pkgs, err := r.backend.Depsolve(ctx, DepsolveRequest{
			Packages:    toSolve,
			Repos:       repos,
			InstallRoot: r.installRoot,
			CacheDir:    r.cacheDir,
		})
		if err != nil {
			return nil, err
		}
		sort.Slice(pkgs, func(i, j int) bool {
			return pkgs[i].NEVRA().String() < pkgs[j].NEVRA().String()
		})
		install.Packages = pkgs
	}
	return install, nil
}

// Download fetches every resolved payload into the package cache. It is a
// cancellation boundary between transfers.
func (r *Resolver) Download(ctx context.Context, install *Install, progress func(msg string)) error {
	pkgDir := filepath.Join(r.cacheDir, "packages")
	if err := os.MkdirAll(pkgDir, 0755); err != nil {
		return err
	}

	client := grab.NewClient()
	for i := range install.Packages {
		p := &install.Packages[i]
		if err := ctx.Err(); err != nil {
			return errdefs.Wrap(errdefs.Cancelled, err, "download cancelled")
		}

		dest := filepath.Join(pkgDir, p.NEVRA().String()+".rpm")
		if _, err := os.Stat(dest); err == nil {
			p.DownloadedPath = dest
			continue
		}

		req, err := grab.NewRequest(dest, p.RemoteLocation)
		if err != nil {
			return errdefs.Wrapf(errdefs.NetworkError, err, "requesting %s", p.RemoteLocation)
		}
		req = req.WithContext(ctx)
		if progress != nil {
			progress(fmt.Sprintf("Downloading %s (%d/%d)", p.NEVRA().String(), i+1, len(install.Packages)))
		}
		resp := client.Do(req)
		if err := resp.Err(); err != nil {
			return errdefs.Wrapf(errdefs.NetworkError, err, "downloading %s", p.NEVRA().String())
		}
		p.DownloadedPath = dest
	}
	return nil
}

// Import routes every downloaded and local payload through the package
// importer, reusing cache commits where content matches.
func (r *Resolver) Import(ctx context.Context, install *Install, im *importer.Importer, opts importer.Options) ([]*importer.CacheCommit, error) {
	var commits []*importer.CacheCommit
	importOne := func(path, repoChksum string) error {
		o := opts
		o.RepoChecksumRepr = repoChksum
		commit, err := im.Import(ctx, path, o)
		if err != nil {
			return err
		}
		commits = append(commits, commit)
		return nil
	}

	for _, p := range install.Packages {
		if p.DownloadedPath == "" {
			return nil, errdefs.Newf(errdefs.StoreIoError, "package %s was not downloaded", p.NEVRA().String())
		}
		if err := importOne(p.DownloadedPath, p.Checksum); err != nil {
			return nil, err
		}
	}
	for _, path := range install.LocalPackages {
		if err := importOne(path, ""); err != nil {
			return nil, err
		}
	}
	return commits, nil
}
