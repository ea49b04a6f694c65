package compose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
	"github.com/coreos/rpm-ostree/internal/pkg/ostree"
	"github.com/coreos/rpm-ostree/internal/pkg/resolver"
)

func writeTreefile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadTreefileIncludeMerge(t *testing.T) {
	dir := t.TempDir()
	writeTreefile(t, dir, "base.yaml", `
ref: fedora/38/base
repos:
  - fedora
packages:
  - kernel
  - systemd
selinux: true
`)
	path := writeTreefile(t, dir, "silverblue.yaml", `
ref: fedora/38/silverblue
include: base.yaml
packages:
  - gnome-shell
`)

	tf, err := LoadTreefile(path)
	require.NoError(t, err)
	// scalar child overrides parent
	assert.Equal(t, "fedora/38/silverblue", tf.Ref)
	// parent arrays are prepended
	assert.Equal(t, []string{"kernel", "systemd", "gnome-shell"}, tf.Packages)
	assert.Equal(t, []string{"fedora"}, tf.Repos)
	require.NotNil(t, tf.SELinux)
	assert.True(t, *tf.SELinux)
}

func TestLoadTreefileIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeTreefile(t, dir, "a.yaml", "ref: r\ninclude: b.yaml\n")
	path := writeTreefile(t, dir, "b.yaml", "ref: r\ninclude: a.yaml\n")

	_, err := LoadTreefile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depth")
}

func TestLoadTreefileIncludeEscapes(t *testing.T) {
	dir := t.TempDir()
	path := writeTreefile(t, dir, "a.yaml", "ref: r\ninclude: ../outside.yaml\n")
	_, err := LoadTreefile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestLoadTreefileMissingRef(t *testing.T) {
	dir := t.TempDir()
	path := writeTreefile(t, dir, "a.yaml", "packages:\n  - kernel\n")
	_, err := LoadTreefile(path)
	assert.Error(t, err)
}

type fakeRepo struct {
	refs    map[string]string
	commits map[string]*ostree.Commit
	written []map[string]string
}

func (f *fakeRepo) ResolveRef(ref string) (string, error) { return f.refs[ref], nil }
func (f *fakeRepo) Pull(ctx context.Context, remote string, refs []string, opts ostree.PullOptions) error {
	return nil
}
func (f *fakeRepo) LoadCommit(checksum string) (*ostree.Commit, error) {
	if c, ok := f.commits[checksum]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("no commit %s", checksum)
}
func (f *fakeRepo) WriteCommit(ctx context.Context, treeDir string, opts ostree.CommitOptions) (string, error) {
	f.written = append(f.written, opts.Metadata)
	csum := fmt.Sprintf("compose-%d", len(f.written))
	f.refs[opts.Ref] = csum
	f.commits[csum] = &ostree.Commit{Checksum: csum, Parent: opts.Parent, Metadata: opts.Metadata}
	return csum, nil
}
func (f *fakeRepo) CheckoutTreeAt(ctx context.Context, checksum, destDir string, opts ostree.CheckoutOptions) error {
	return nil
}
func (f *fakeRepo) SetRef(ref, checksum string) error                 { return nil }
func (f *fakeRepo) DeleteRef(ref string) error                        { return nil }
func (f *fakeRepo) ListRefs(prefix string) (map[string]string, error) { return nil, nil }
func (f *fakeRepo) Prune(ctx context.Context) error                   { return nil }

type fakeBackend struct {
	pkgs []resolver.PackageSpec
}

func (f *fakeBackend) FetchMetadata(ctx context.Context, repos []resolver.RepoConfig, cacheDir string, flags resolver.MetadataFlags) error {
	return nil
}
func (f *fakeBackend) Depsolve(ctx context.Context, req resolver.DepsolveRequest) ([]resolver.PackageSpec, error) {
	return f.pkgs, nil
}

func composeFixture(t *testing.T) (*Composer, *fakeRepo, string) {
	t.Helper()
	repo := &fakeRepo{refs: map[string]string{}, commits: map[string]*ostree.Commit{}}
	backend := &fakeBackend{}
	tf := &Treefile{
		Ref:                    "fedora/38/base",
		Repos:                  []string{"fedora"},
		AutomaticVersionPrefix: "38",
		SELinux:                boolPtr(false),
	}
	rootfs := t.TempDir()
	// a minimal tree so the kernel stage has one kernel to find
	modDir := filepath.Join(rootfs, "usr/lib/modules/5.14.0")
	require.NoError(t, os.MkdirAll(modDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(modDir, "vmlinuz"), []byte("kernel"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(modDir, "initramfs.img"), []byte("initrd"), 0644))
	return New(repo, backend, tf), repo, rootfs
}

func boolPtr(b bool) *bool { return &b }

func TestComposeRepoNotFound(t *testing.T) {
	c, _, rootfs := composeFixture(t)
	_, err := c.Run(context.Background(), rootfs, nil, Options{})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.RepoNotFound))
	assert.Contains(t, err.Error(), "fedora")
}

func TestInputHashDeterministic(t *testing.T) {
	c, _, _ := composeFixture(t)
	pkgs := []resolver.PackageSpec{
		{Name: "systemd", Version: "250", Release: "1", Arch: "x86_64"},
		{Name: "kernel", Version: "5.14", Release: "1", Arch: "x86_64"},
	}
	h1, err := c.inputHash(pkgs)
	require.NoError(t, err)
	// order does not matter
	h2, err := c.inputHash([]resolver.PackageSpec{pkgs[1], pkgs[0]})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	c.treefile.Packages = append(c.treefile.Packages, "vim")
	h3, err := c.inputHash(pkgs)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestApplyExtras(t *testing.T) {
	c, _, rootfs := composeFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "usr/lib"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "usr/lib/os-release"),
		[]byte("NAME=Fedora\nVERSION=\"38 (Container)\"\nPRETTY_NAME=\"Fedora 38\"\n"), 0644))

	extra := filepath.Join(t.TempDir(), "motd")
	require.NoError(t, os.WriteFile(extra, []byte("welcome\n"), 0644))

	script := filepath.Join(t.TempDir(), "postprocess.sh")
	require.NoError(t, os.WriteFile(script, []byte("touch usr/postprocessed\n"), 0755))

	c.treefile.Units = []string{"chronyd.service"}
	c.treefile.DefaultTarget = "multi-user.target"
	c.treefile.MutateOSRelease = "38"
	c.treefile.AddFiles = [][]string{{extra, "/usr/etc/motd"}}
	c.treefile.PostprocessScript = script

	require.NoError(t, c.applyExtras(rootfs, "38.7"))

	// the postprocess script ran with the rootfs as working directory
	_, err := os.Stat(filepath.Join(rootfs, "usr/postprocessed"))
	assert.NoError(t, err)

	link, err := os.Readlink(filepath.Join(rootfs, "usr/etc/systemd/system/multi-user.target.wants/chronyd.service"))
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/systemd/system/chronyd.service", link)

	link, err = os.Readlink(filepath.Join(rootfs, "usr/etc/systemd/system/default.target"))
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/systemd/system/multi-user.target", link)

	motd, err := os.ReadFile(filepath.Join(rootfs, "usr/etc/motd"))
	require.NoError(t, err)
	assert.Equal(t, "welcome\n", string(motd))

	osRelease, err := os.ReadFile(filepath.Join(rootfs, "usr/lib/os-release"))
	require.NoError(t, err)
	assert.Contains(t, string(osRelease), "VERSION=\"38.7 (Container)\"")
	assert.Contains(t, string(osRelease), "OSTREE_VERSION=\"38.7\"")
}

func TestNextVersion(t *testing.T) {
	c, _, _ := composeFixture(t)

	v, err := c.nextVersion(nil)
	require.NoError(t, err)
	assert.Equal(t, "38.0", v)

	prev := &ostree.Commit{Metadata: map[string]string{ostree.MetaVersion: "38.4"}}
	v, err = c.nextVersion(prev)
	require.NoError(t, err)
	assert.Equal(t, "38.5", v)

	prev = &ostree.Commit{Metadata: map[string]string{ostree.MetaVersion: "37.9"}}
	v, err = c.nextVersion(prev)
	require.NoError(t, err)
	assert.Equal(t, "38.0", v)
}
