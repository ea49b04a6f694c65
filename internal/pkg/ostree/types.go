// Package ostree defines the contract the update engine consumes from the
// content-addressed object store and the sysroot deployment writer, together
// with an implementation backed by the ostree command-line tools.
package ostree

import (
	"context"
	"time"
)

// Commit metadata keys written by the engine.
const (
	MetaClientLayer      = "rpmostree.clientlayer"
	MetaPackages         = "rpmostree.packages"
	MetaRpmdbPkglist     = "rpmostree.rpmdb.pkglist"
	MetaInputHash        = "rpmostree.inputhash"
	MetaLayers           = "rpmostree.layers"
	MetaRemovedBasePkgs  = "rpmostree.removed_base_pkgs"
	MetaReplacedBasePkgs = "rpmostree.replaced_base_pkgs"
	MetaStateSha512      = "rpmostree.state-sha512"
	MetaNevra            = "rpmostree.nevra"
	MetaRepoChksum       = "rpmostree.repo_chksum_repr"
	MetaSepolicy         = "rpmostree.sepolicy"
	MetaRpmHeader        = "rpmostree.metadata"
	MetaUnpackVersion    = "rpmostree.unpack_version"
	MetaVersion          = "version"
)

// Commit is a loaded commit object.
type Commit struct {
	Checksum  string
	Parent    string
	Timestamp time.Time
	// Metadata values are strings; structured values are JSON-encoded.
	Metadata map[string]string
}

// Deployment is a bootable configuration owned by the sysroot writer.
type Deployment struct {
	ID           string
	OSName       string
	Checksum     string
	DeploySerial int
	Booted       bool
	Staged       bool
	Pinned       bool
	// Origin is the raw origin file contents, nil when absent.
	Origin []byte
}

// PullOptions controls a repo pull.
type PullOptions struct {
	// CommitOverride pulls a specific commit instead of the ref tip.
	CommitOverride string
	// Progress, when set, receives coarse transfer updates.
	Progress func(message string)
}

// CheckoutOptions controls a tree checkout.
type CheckoutOptions struct {
	// RequireHardlinks fails rather than copying objects.
	RequireHardlinks bool
	// UnionIdenticalFiles merges trees, allowing files whose content is
	// identical to collide.
	UnionIdenticalFiles bool
	// Subpath checks out only the named subtree.
	Subpath string
}

// CommitOptions controls writing a commit.
type CommitOptions struct {
	Parent   string
	Ref      string
	Metadata map[string]string
	// SELinuxPolicyRoot labels files from the policy found under this
	// rootfs while committing.
	SELinuxPolicyRoot string
	GPGKeyID          string
}

// DeployFlags modifies deployment writing.
type DeployFlags struct {
	// Stage writes the deployment under /run and finalizes it on shutdown.
	Stage bool
	// LockFinalization requires an explicit finalize call even when staged.
	LockFinalization bool
}

// Repo is the content-addressed object store.
type Repo interface {
	// ResolveRef returns the checksum a ref points to, or "" when the ref
	// does not exist.
	ResolveRef(ref string) (string, error)
	Pull(ctx context.Context, remote string, refs []string, opts PullOptions) error
	LoadCommit(checksum string) (*Commit, error)
	// WriteCommit commits the tree rooted at treeDir and returns the new
	// checksum. When opts.Ref is set the ref is moved transactionally.
	WriteCommit(ctx context.Context, treeDir string, opts CommitOptions) (string, error)
	CheckoutTreeAt(ctx context.Context, checksum, destDir string, opts CheckoutOptions) error
	SetRef(ref, checksum string) error
	DeleteRef(ref string) error
	// ListRefs returns refs under the prefix mapped to checksums.
	ListRefs(prefix string) (map[string]string, error)
	// Prune removes unreachable objects.
	Prune(ctx context.Context) error
}

// Sysroot owns the deployment list and the bootloader handoff.
type Sysroot interface {
	Path() string
	Repo() Repo
	Deployments() ([]Deployment, error)
	BootedDeployment() (*Deployment, error)
	StagedDeployment() (*Deployment, error)
	// MergeDeployment picks the deployment new work merges against:
	// pending if present, else booted, for the osname (booted osname when
	// empty).
	MergeDeployment(osname string) (*Deployment, error)
	// PendingAndRollback splits the deployment list relative to the booted
	// deployment.
	PendingAndRollback(osname string) (pending, rollback *Deployment, err error)
	// Deploy writes a new deployment for the commit and origin, merging
	// /etc from merge when non-nil.
	Deploy(ctx context.Context, osname, checksum string, originData []byte, merge *Deployment, kargs []string, flags DeployFlags) (*Deployment, error)
	// WriteDeployments replaces the deployment order; index 0 is the
	// default boot entry.
	WriteDeployments(ctx context.Context, deployments []Deployment) error
	// FinalizeStaged finalizes a staged deployment ahead of shutdown.
	FinalizeStaged(ctx context.Context) error
	// Cleanup prunes orphaned deployment roots and repo objects.
	Cleanup(ctx context.Context) error
}
