package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
	"github.com/coreos/rpm-ostree/internal/pkg/importer"
	"github.com/coreos/rpm-ostree/internal/pkg/nevra"
	"github.com/coreos/rpm-ostree/internal/pkg/origin"
	"github.com/coreos/rpm-ostree/internal/pkg/ostree"
	"github.com/otiai10/copy"
)

// fakeRepo keeps commits as directories on disk.
type fakeRepo struct {
	t       *testing.T
	trees   map[string]string // checksum -> source dir
	commits map[string]*ostree.Commit
	written int
}

func newFakeRepo(t *testing.T) *fakeRepo {
	return &fakeRepo{t: t, trees: map[string]string{}, commits: map[string]*ostree.Commit{}}
}

func (f *fakeRepo) addTree(checksum string, metadata map[string]string, populate func(dir string)) {
	dir := f.t.TempDir()
	if populate != nil {
		populate(dir)
	}
	f.trees[checksum] = dir
	if metadata == nil {
		metadata = map[string]string{}
	}
	f.commits[checksum] = &ostree.Commit{Checksum: checksum, Metadata: metadata}
}

func (f *fakeRepo) ResolveRef(ref string) (string, error) { return "", nil }
func (f *fakeRepo) Pull(ctx context.Context, remote string, refs []string, opts ostree.PullOptions) error {
	return nil
}
func (f *fakeRepo) LoadCommit(checksum string) (*ostree.Commit, error) {
	c, ok := f.commits[checksum]
	if !ok {
		return nil, fmt.Errorf("no commit %s", checksum)
	}
	return c, nil
}
func (f *fakeRepo) WriteCommit(ctx context.Context, treeDir string, opts ostree.CommitOptions) (string, error) {
	f.written++
	csum := fmt.Sprintf("commit-%d", f.written)
	dir := f.t.TempDir()
	if err := copy.Copy(treeDir, dir); err != nil {
		return "", err
	}
	f.trees[csum] = dir
	f.commits[csum] = &ostree.Commit{Checksum: csum, Parent: opts.Parent, Metadata: opts.Metadata}
	return csum, nil
}
func (f *fakeRepo) CheckoutTreeAt(ctx context.Context, checksum, destDir string, opts ostree.CheckoutOptions) error {
	src, ok := f.trees[checksum]
	if !ok {
		return fmt.Errorf("no tree %s", checksum)
	}
	return copy.Copy(src, destDir)
}
func (f *fakeRepo) SetRef(ref, checksum string) error        { return nil }
func (f *fakeRepo) DeleteRef(ref string) error               { return nil }
func (f *fakeRepo) ListRefs(prefix string) (map[string]string, error) { return nil, nil }
func (f *fakeRepo) Prune(ctx context.Context) error          { return nil }

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
}

func basePkglistJSON(t *testing.T, entries []PkglistEntry) map[string]string {
	t.Helper()
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	return map[string]string{ostree.MetaRpmdbPkglist: string(data)}
}

func mustNevra(t *testing.T, s string) nevra.NEVRA {
	n, err := nevra.Parse(s)
	require.NoError(t, err)
	return n
}

func TestAssembleNoLayeringReturnsBase(t *testing.T) {
	repo := newFakeRepo(t)
	o := origin.New(origin.Refspec{Kind: origin.RefspecOstree, Ref: "base"})

	res, err := Assemble(context.Background(), Request{Repo: repo, BaseChecksum: "base-csum", Origin: o})
	require.NoError(t, err)
	assert.True(t, res.Unchanged)
	assert.Equal(t, "base-csum", res.Checksum)
	assert.Zero(t, repo.written)
}

func TestAssembleLayeredPackage(t *testing.T) {
	repo := newFakeRepo(t)
	repo.addTree("base-csum", basePkglistJSON(t, nil), func(dir string) {
		writeTree(t, dir, map[string]string{"usr/bin/sh": "#!shell"})
	})
	repo.addTree("strace-csum", nil, func(dir string) {
		writeTree(t, dir, map[string]string{"usr/bin/strace": "ELF"})
	})

	o := origin.New(origin.Refspec{Kind: origin.RefspecOstree, Ref: "base"})
	_, err := o.AddPackages([]string{"strace"}, false, false)
	require.NoError(t, err)

	res, err := Assemble(context.Background(), Request{
		Repo:         repo,
		BaseChecksum: "base-csum",
		Origin:       o,
		Layers: []*importer.CacheCommit{{
			NEVRA:    mustNevra(t, "strace-5.14-1.x86_64"),
			Checksum: "strace-csum",
		}},
	})
	require.NoError(t, err)
	assert.False(t, res.Unchanged)

	commit := repo.commits[res.Checksum]
	require.NotNil(t, commit)
	assert.Equal(t, "base-csum", commit.Parent)
	assert.Equal(t, "true", commit.Metadata[ostree.MetaClientLayer])
	assert.JSONEq(t, `["strace"]`, commit.Metadata[ostree.MetaPackages])
	assert.JSONEq(t, `["strace-csum"]`, commit.Metadata[ostree.MetaLayers])
	assert.NotEmpty(t, commit.Metadata[ostree.MetaStateSha512])
	assert.NotEmpty(t, commit.Metadata[ostree.MetaInputHash])

	// both base and layer files are present in the new tree
	tree := repo.trees[res.Checksum]
	for _, rel := range []string{"usr/bin/sh", "usr/bin/strace"} {
		_, err := os.Stat(filepath.Join(tree, rel))
		assert.NoError(t, err, rel)
	}
}

func TestAssembleLayerConflict(t *testing.T) {
	repo := newFakeRepo(t)
	repo.addTree("base-csum", basePkglistJSON(t, nil), func(dir string) {
		writeTree(t, dir, map[string]string{"usr/bin/tool": "base version"})
	})
	repo.addTree("foo-csum", nil, func(dir string) {
		writeTree(t, dir, map[string]string{"usr/bin/tool": "other version"})
	})

	o := origin.New(origin.Refspec{Kind: origin.RefspecOstree, Ref: "base"})
	_, err := o.AddPackages([]string{"foo"}, false, false)
	require.NoError(t, err)

	_, err = Assemble(context.Background(), Request{
		Repo:         repo,
		BaseChecksum: "base-csum",
		Origin:       o,
		Layers: []*importer.CacheCommit{{
			NEVRA:    mustNevra(t, "foo-1.0-1.x86_64"),
			Checksum: "foo-csum",
		}},
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.LayerConflict))
	assert.Contains(t, err.Error(), "foo-1.0-1.x86_64")
}

func TestAssembleIdenticalCollisionSucceeds(t *testing.T) {
	repo := newFakeRepo(t)
	repo.addTree("base-csum", basePkglistJSON(t, nil), func(dir string) {
		writeTree(t, dir, map[string]string{"usr/share/licenses/MIT": "same text"})
	})
	repo.addTree("foo-csum", nil, func(dir string) {
		writeTree(t, dir, map[string]string{"usr/share/licenses/MIT": "same text"})
	})

	o := origin.New(origin.Refspec{Kind: origin.RefspecOstree, Ref: "base"})
	_, err := o.AddPackages([]string{"foo"}, false, false)
	require.NoError(t, err)

	_, err = Assemble(context.Background(), Request{
		Repo:         repo,
		BaseChecksum: "base-csum",
		Origin:       o,
		Layers: []*importer.CacheCommit{{
			NEVRA:    mustNevra(t, "foo-1.0-1.x86_64"),
			Checksum: "foo-csum",
		}},
	})
	require.NoError(t, err)
}

func TestAssembleRemovalOverride(t *testing.T) {
	repo := newFakeRepo(t)
	pkglist := []PkglistEntry{{
		Nevra: "docker-20.10-1.x86_64",
		Name:  "docker",
		Files: []string{"/usr/bin/docker", "/usr/lib/systemd/system/docker.service"},
	}}
	repo.addTree("base-csum", basePkglistJSON(t, pkglist), func(dir string) {
		writeTree(t, dir, map[string]string{
			"usr/bin/docker": "ELF",
			"usr/lib/systemd/system/docker.service": "[Unit]",
			"usr/bin/sh": "#!shell",
		})
	})

	o := origin.New(origin.Refspec{Kind: origin.RefspecOstree, Ref: "base"})
	require.NoError(t, o.AddOverrides([]string{"docker"}, origin.OverrideRemove))

	res, err := Assemble(context.Background(), Request{Repo: repo, BaseChecksum: "base-csum", Origin: o})
	require.NoError(t, err)

	tree := repo.trees[res.Checksum]
	_, err = os.Stat(filepath.Join(tree, "usr/bin/docker"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(tree, "usr/bin/sh"))
	assert.NoError(t, err)

	commit := repo.commits[res.Checksum]
	assert.JSONEq(t, `["docker-20.10-1.x86_64"]`, commit.Metadata[ostree.MetaRemovedBasePkgs])
}

func TestAssembleUnknownRemovalFails(t *testing.T) {
	repo := newFakeRepo(t)
	repo.addTree("base-csum", basePkglistJSON(t, nil), nil)

	o := origin.New(origin.Refspec{Kind: origin.RefspecOstree, Ref: "base"})
	require.NoError(t, o.AddOverrides([]string{"nosuch"}, origin.OverrideRemove))

	_, err := Assemble(context.Background(), Request{Repo: repo, BaseChecksum: "base-csum", Origin: o})
	assert.True(t, errdefs.IsKind(err, errdefs.UnknownPackage))
}

func TestAssembleCancelled(t *testing.T) {
	repo := newFakeRepo(t)
	repo.addTree("base-csum", basePkglistJSON(t, nil), nil)
	repo.addTree("foo-csum", nil, nil)

	o := origin.New(origin.Refspec{Kind: origin.RefspecOstree, Ref: "base"})
	_, err := o.AddPackages([]string{"foo"}, false, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Assemble(ctx, Request{
		Repo:         repo,
		BaseChecksum: "base-csum",
		Origin:       o,
		Layers: []*importer.CacheCommit{{
			NEVRA:    mustNevra(t, "foo-1.0-1.x86_64"),
			Checksum: "foo-csum",
		}},
	})
	assert.True(t, errdefs.IsKind(err, errdefs.Cancelled))
	assert.Zero(t, repo.written)
}
