package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
	"github.com/coreos/rpm-ostree/internal/pkg/keyfile"
	"github.com/coreos/rpm-ostree/internal/pkg/nevra"
	"github.com/coreos/rpm-ostree/internal/pkg/origin"
	"github.com/coreos/rpm-ostree/internal/pkg/ostree"
	"github.com/coreos/rpm-ostree/internal/pkg/resolver"
	"github.com/coreos/rpm-ostree/internal/pkg/upgrader"
)

// Runtime serializes transactions on a sysroot: at most one is active, a
// compatible duplicate request attaches to it, and everything else fails
// with TransactionInProgress.
type Runtime struct {
	mu      sync.Mutex
	sysroot ostree.Sysroot
	backend resolver.Backend
	active  *Transaction

	// rebootFunc is injectable for tests; the default asks logind.
	rebootFunc func() error
	clock      func() time.Time
}

// NewRuntime builds the transaction runtime for a sysroot.
func NewRuntime(sysroot ostree.Sysroot, backend resolver.Backend) *Runtime {
	return &Runtime{
		sysroot:    sysroot,
		backend:    backend,
		rebootFunc: rebootViaLogind,
		clock:      time.Now,
	}
}

// Active returns the running transaction, or nil.
func (r *Runtime) Active() *Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Begin starts (or attaches to) a transaction for the request. The returned
// bool reports whether the handle is newly started.
func (r *Runtime) Begin(req *Request, uid uint32) (*Transaction, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		if r.active.Compatible(req, uid) {
			log.WithField("id", r.active.ID).Info("attaching compatible request to active transaction")
			return r.active, false, nil
		}
		return nil, false, errdefs.Newf(errdefs.TransactionInProgress,
			"transaction %s (%s) is in progress", r.active.ID, r.active.Title)
	}

	ctx, cancel := context.WithCancel(context.Background())
	txn := newTransaction(req, uid, cancel, r.clock)
	r.active = txn

	go func() {
		defer cancel()
		result, err := r.execute(ctx, txn, req)
		r.mu.Lock()
		r.active = nil
		r.mu.Unlock()
		if err != nil {
			log.WithError(err).WithField("id", txn.ID).Error("transaction failed")
		}
		txn.finish(result, err)
	}()
	return txn, true, nil
}

// execute dispatches one request; each method is a variant of the same
// deploy state machine except for the maintenance verbs.
func (r *Runtime) execute(ctx context.Context, txn *Transaction, req *Request) (*upgrader.Result, error) {
	progress := func(phase, message string) {
		txn.emit(Progress{Phase: phase, Message: message})
	}

	switch req.Method {
	case MethodDeploy, MethodUpgrade, MethodRebase, MethodInstall, MethodUninstall,
		MethodOverrideReplace, MethodOverrideRemove, MethodOverrideReset,
		MethodKernelArgs, MethodInitramfsState, MethodInitramfsEtc:
		opts, mods, err := req.parse()
		if err != nil {
			return nil, err
		}
		u, err := upgrader.New(r.sysroot, opts.Osname, r.backend, progress)
		if err != nil {
			return nil, err
		}
		result, err := u.Deploy(ctx, opts, mods)
		if err != nil {
			return nil, err
		}
		if result.Outcome == upgrader.OutcomeChanged && opts.Reboot {
			if err := r.rebootFunc(); err != nil {
				log.WithError(err).Error("initiating reboot")
			}
		}
		return result, nil

	case MethodRollback:
		opts, _, err := req.parse()
		if err != nil {
			return nil, err
		}
		if err := upgrader.Rollback(ctx, r.sysroot, opts.Osname); err != nil {
			return nil, err
		}
		if opts.Reboot {
			if err := r.rebootFunc(); err != nil {
				log.WithError(err).Error("initiating reboot")
			}
		}
		return &upgrader.Result{Outcome: upgrader.OutcomeChanged}, nil

	case MethodCleanup:
		return &upgrader.Result{}, r.cleanup(ctx)

	case MethodRefreshMd:
		return &upgrader.Result{}, r.refreshMd(ctx, req, progress)

	case MethodFinalizeDeployment:
		return &upgrader.Result{}, r.sysroot.FinalizeStaged(ctx)

	case MethodModifyYumRepo:
		return &upgrader.Result{}, r.modifyYumRepo(req)

	default:
		return nil, errdefs.Newf(errdefs.ConflictingOptions, "unknown method %q", req.Method)
	}
}

// cleanup prunes deployment roots, repo orphans and package-cache refs no
// origin still references.
func (r *Runtime) cleanup(ctx context.Context) error {
	if err := r.sysroot.Cleanup(ctx); err != nil {
		return err
	}

	deployments, err := r.sysroot.Deployments()
	if err != nil {
		return err
	}
	referenced := map[string]bool{}
	for _, d := range deployments {
		if d.Origin == nil {
			continue
		}
		o, err := origin.Load(d.Origin)
		if err != nil {
			continue
		}
		for _, name := range o.Packages() {
			referenced[name] = true
		}
		for nevraStr := range o.LocalPackages() {
			referenced[nevraStr] = true
		}
		for nevraStr := range o.ReplacementOverrides() {
			referenced[nevraStr] = true
		}
	}

	refs, err := r.sysroot.Repo().ListRefs(nevra.CacheBranchPrefix)
	if err != nil {
		return err
	}
	for ref := range refs {
		pkg, err := nevra.FromCacheBranch(ref)
		if err != nil {
			continue
		}
		if referenced[pkg.Name] || referenced[pkg.String()] {
			continue
		}
		log.WithField("ref", ref).Info("pruning unreferenced package cache branch")
		if err := r.sysroot.Repo().DeleteRef(ref); err != nil {
			return err
		}
	}
	return r.sysroot.Repo().Prune(ctx)
}

func (r *Runtime) refreshMd(ctx context.Context, req *Request, progress upgrader.Progress) error {
	merge, err := r.sysroot.MergeDeployment(req.Osname)
	if err != nil {
		return err
	}
	mergePath := filepath.Join(r.sysroot.Path(), "ostree/deploy", merge.OSName, "deploy",
		fmt.Sprintf("%s.%d", merge.Checksum, merge.DeploySerial))
	reposDir := filepath.Join(mergePath, "etc/yum.repos.d")

	res, err := resolver.New("/", mergePath, reposDir, r.backend)
	if err != nil {
		return err
	}
	defer res.Close()

	configs, err := resolver.LoadRepoConfigs(reposDir)
	if err != nil {
		return err
	}
	var names []string
	for _, rc := range configs {
		if rc.Enabled {
			names = append(names, rc.ID)
		}
	}
	progress("metadata", "Refreshing rpm-md metadata")
	return res.DownloadMetadata(ctx, names, resolver.MetadataFlags{
		Force:     optBool(req.Options, "force"),
		CacheOnly: optBool(req.Options, "sync-only"),
	})
}

// modifyYumRepo edits keys of one repo section in the merge deployment's
// yum repo configuration.
func (r *Runtime) modifyYumRepo(req *Request) error {
	repoID := optString(req.Modifiers, "repo-id")
	if repoID == "" {
		return errdefs.New(errdefs.ConflictingOptions, "modify-yum-repo requires repo-id")
	}
	settings, ok := req.Modifiers["settings"].(map[string]interface{})
	if !ok {
		return errdefs.New(errdefs.ConflictingOptions, "modify-yum-repo requires settings")
	}

	merge, err := r.sysroot.MergeDeployment(req.Osname)
	if err != nil {
		return err
	}
	reposDir := filepath.Join(r.sysroot.Path(), "ostree/deploy", merge.OSName, "deploy",
		fmt.Sprintf("%s.%d", merge.Checksum, merge.DeploySerial), "etc/yum.repos.d")

	configs, err := resolver.LoadRepoConfigs(reposDir)
	if err != nil {
		return err
	}
	for _, rc := range configs {
		if rc.ID != repoID {
			continue
		}
		data, err := os.ReadFile(rc.SourceFile)
		if err != nil {
			return err
		}
		kf, err := keyfile.Parse(data)
		if err != nil {
			return err
		}
		for key, value := range settings {
			s, ok := value.(string)
			if !ok {
				return errdefs.Newf(errdefs.ConflictingOptions, "setting %q must be a string", key)
			}
			kf.Set(repoID, key, s)
		}
		return os.WriteFile(rc.SourceFile, kf.Serialize(), 0644)
	}
	return errdefs.Newf(errdefs.RepoNotFound, "unknown rpm-md repository: %s", repoID)
}
