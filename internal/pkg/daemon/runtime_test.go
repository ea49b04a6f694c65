package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
	"github.com/coreos/rpm-ostree/internal/pkg/ostree"
	"github.com/coreos/rpm-ostree/internal/pkg/resolver"
	"github.com/coreos/rpm-ostree/internal/pkg/upgrader"
)

type fakeRepo struct {
	refs map[string]string
}

func (f *fakeRepo) ResolveRef(ref string) (string, error) { return f.refs[ref], nil }
func (f *fakeRepo) Pull(ctx context.Context, remote string, refs []string, opts ostree.PullOptions) error {
	return nil
}
func (f *fakeRepo) LoadCommit(checksum string) (*ostree.Commit, error) {
	return &ostree.Commit{Checksum: checksum, Metadata: map[string]string{}}, nil
}
func (f *fakeRepo) WriteCommit(ctx context.Context, treeDir string, opts ostree.CommitOptions) (string, error) {
	return "commit", nil
}
func (f *fakeRepo) CheckoutTreeAt(ctx context.Context, checksum, destDir string, opts ostree.CheckoutOptions) error {
	return nil
}
func (f *fakeRepo) SetRef(ref, checksum string) error                 { return nil }
func (f *fakeRepo) DeleteRef(ref string) error                        { return nil }
func (f *fakeRepo) ListRefs(prefix string) (map[string]string, error) { return map[string]string{}, nil }
func (f *fakeRepo) Prune(ctx context.Context) error                   { return nil }

type fakeSysroot struct {
	path        string
	repo        *fakeRepo
	deployments []ostree.Deployment
	deployed    []string
	cleaned     int
	finalized   int
	block       chan struct{}
}

func (f *fakeSysroot) Path() string      { return f.path }
func (f *fakeSysroot) Repo() ostree.Repo { return f.repo }
func (f *fakeSysroot) Deployments() ([]ostree.Deployment, error) {
	return append([]ostree.Deployment(nil), f.deployments...), nil
}
func (f *fakeSysroot) BootedDeployment() (*ostree.Deployment, error) {
	for i := range f.deployments {
		if f.deployments[i].Booted {
			return &f.deployments[i], nil
		}
	}
	return nil, errdefs.New(errdefs.NoBootedDeployment, "not booted")
}
func (f *fakeSysroot) StagedDeployment() (*ostree.Deployment, error) { return nil, nil }
func (f *fakeSysroot) MergeDeployment(osname string) (*ostree.Deployment, error) {
	if len(f.deployments) == 0 {
		return nil, errdefs.New(errdefs.NoBootedDeployment, "empty")
	}
	return &f.deployments[0], nil
}
func (f *fakeSysroot) PendingAndRollback(osname string) (*ostree.Deployment, *ostree.Deployment, error) {
	return nil, nil, nil
}
func (f *fakeSysroot) Deploy(ctx context.Context, osname, checksum string, originData []byte, merge *ostree.Deployment, kargs []string, flags ostree.DeployFlags) (*ostree.Deployment, error) {
	if f.block != nil {
		<-f.block
	}
	f.deployed = append(f.deployed, checksum)
	d := ostree.Deployment{ID: osname + "-" + checksum + ".0", OSName: osname, Checksum: checksum, Origin: originData}
	f.deployments = append([]ostree.Deployment{d}, f.deployments...)
	return &d, nil
}
func (f *fakeSysroot) WriteDeployments(ctx context.Context, deployments []ostree.Deployment) error {
	f.deployments = deployments
	return nil
}
func (f *fakeSysroot) FinalizeStaged(ctx context.Context) error { f.finalized++; return nil }
func (f *fakeSysroot) Cleanup(ctx context.Context) error        { f.cleaned++; return nil }

type nullBackend struct{}

func (nullBackend) FetchMetadata(ctx context.Context, repos []resolver.RepoConfig, cacheDir string, flags resolver.MetadataFlags) error {
	return nil
}
func (nullBackend) Depsolve(ctx context.Context, req resolver.DepsolveRequest) ([]resolver.PackageSpec, error) {
	return nil, nil
}

func newRuntimeFixture(t *testing.T) (*Runtime, *fakeSysroot) {
	t.Helper()
	sysroot := &fakeSysroot{
		path: t.TempDir(),
		repo: &fakeRepo{refs: map[string]string{"fedora:38": "base-A"}},
		deployments: []ostree.Deployment{{
			ID:       "fedora-base-A.0",
			OSName:   "fedora",
			Checksum: "base-A",
			Booted:   true,
			Origin:   []byte("[origin]\nrefspec=fedora:38\n"),
		}},
	}
	rt := NewRuntime(sysroot, nullBackend{})
	rt.rebootFunc = func() error { return nil }
	return rt, sysroot
}

func await(t *testing.T, txn *Transaction) {
	t.Helper()
	select {
	case <-txn.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("transaction did not complete")
	}
}

func TestUpgradeNoChangeTransaction(t *testing.T) {
	rt, sysroot := newRuntimeFixture(t)

	txn, started, err := rt.Begin(&Request{Method: MethodUpgrade}, 0)
	require.NoError(t, err)
	assert.True(t, started)

	await(t, txn)
	require.NoError(t, txn.Err())
	assert.Equal(t, upgrader.OutcomeUnchanged, txn.Result().Outcome)
	assert.Empty(t, sysroot.deployed)
	assert.Nil(t, rt.Active())
}

func TestConflictingOptionsRejected(t *testing.T) {
	rt, _ := newRuntimeFixture(t)

	txn, _, err := rt.Begin(&Request{
		Method:    MethodInstall,
		Options:   map[string]interface{}{"no-pull-base": true},
		Modifiers: map[string]interface{}{"set-refspec": "fedora:rawhide"},
	}, 0)
	require.NoError(t, err)

	await(t, txn)
	require.Error(t, txn.Err())
	assert.True(t, errdefs.IsKind(txn.Err(), errdefs.ConflictingOptions))
	assert.Contains(t, txn.Err().Error(), "Can't specify no-pull-base if setting a new refspec or revision")
}

func TestSecondTransactionRejectedOrAttached(t *testing.T) {
	rt, sysroot := newRuntimeFixture(t)
	sysroot.repo.refs["fedora:38"] = "base-B"
	sysroot.block = make(chan struct{})

	req := &Request{Method: MethodUpgrade}
	txn1, started, err := rt.Begin(req, 0)
	require.NoError(t, err)
	assert.True(t, started)

	// same uid and options attaches to the running transaction
	txn2, started2, err := rt.Begin(&Request{Method: MethodUpgrade}, 0)
	require.NoError(t, err)
	assert.False(t, started2)
	assert.Equal(t, txn1.ID, txn2.ID)

	// a different uid does not
	_, _, err = rt.Begin(&Request{Method: MethodUpgrade}, 1000)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.TransactionInProgress))

	close(sysroot.block)
	await(t, txn1)
	require.NoError(t, txn1.Err())
}

func TestProgressDelivered(t *testing.T) {
	rt, sysroot := newRuntimeFixture(t)
	sysroot.repo.refs["fedora:38"] = "base-B"

	txn, _, err := rt.Begin(&Request{Method: MethodUpgrade}, 0)
	require.NoError(t, err)

	var phases []string
	for p := range txn.Progress() {
		phases = append(phases, p.Phase)
	}
	await(t, txn)
	assert.Contains(t, phases, "pull-base")
	assert.Contains(t, phases, "deploy")
}

func TestCleanupTransaction(t *testing.T) {
	rt, sysroot := newRuntimeFixture(t)

	txn, _, err := rt.Begin(&Request{Method: MethodCleanup}, 0)
	require.NoError(t, err)
	await(t, txn)
	require.NoError(t, txn.Err())
	assert.Equal(t, 1, sysroot.cleaned)
}

func TestFinalizeDeployment(t *testing.T) {
	rt, sysroot := newRuntimeFixture(t)

	txn, _, err := rt.Begin(&Request{Method: MethodFinalizeDeployment}, 0)
	require.NoError(t, err)
	await(t, txn)
	require.NoError(t, txn.Err())
	assert.Equal(t, 1, sysroot.finalized)
}

func TestStatusReport(t *testing.T) {
	rt, _ := newRuntimeFixture(t)

	st, err := rt.Status()
	require.NoError(t, err)
	require.Len(t, st.Deployments, 1)
	assert.Equal(t, "fedora:38", st.Deployments[0].Origin)
	assert.True(t, st.Deployments[0].Booted)
}

func TestRequestFDResolution(t *testing.T) {
	req := &Request{
		Method:    MethodInstall,
		Modifiers: map[string]interface{}{"install-local-packages": []interface{}{0.0, 1.0}},
		FDPaths:   []string{"/proc/self/fd/10", "/proc/self/fd/11"},
	}
	_, mods, err := req.parse()
	require.NoError(t, err)
	assert.Equal(t, []string{"/proc/self/fd/10", "/proc/self/fd/11"}, mods.InstallLocalPackages)

	req.Modifiers["install-local-packages"] = []interface{}{5.0}
	_, _, err = req.parse()
	assert.Error(t, err)
}
