package postprocess

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRootfs(t *testing.T) {
	rootfs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "etc/os-release"), []byte("NAME=Fedora\n"), 0644))

	require.NoError(t, NormalizeRootfs(rootfs))

	for _, dir := range []string{"dev", "proc", "run", "sys", "var", "sysroot"} {
		fi, err := os.Stat(filepath.Join(rootfs, dir))
		require.NoError(t, err, dir)
		assert.True(t, fi.IsDir())
	}
	for link, target := range map[string]string{
		"var/opt":      "/opt",
		"var/srv":      "/srv",
		"var/roothome": "/root",
		"var/home":     "/home",
		"run/media":    "/media",
		"sysroot/ostree": "/ostree",
	} {
		got, err := os.Readlink(filepath.Join(rootfs, link))
		require.NoError(t, err, link)
		assert.Equal(t, target, got)
	}

	_, err := os.Stat(filepath.Join(rootfs, "usr/etc/os-release"))
	assert.NoError(t, err)
	_, err = os.Lstat(filepath.Join(rootfs, "etc"))
	assert.True(t, os.IsNotExist(err))

	// re-running is a no-op
	require.NoError(t, NormalizeRootfs(rootfs))
}

const nsswitchSample = `# Name Service Switch configuration
passwd:     files systemd
group:      files systemd
shadow:     files
hosts:      files dns
`

func TestRewriteNsswitch(t *testing.T) {
	rootfs := t.TempDir()
	path := filepath.Join(rootfs, "usr/etc/nsswitch.conf")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(nsswitchSample), 0644))

	require.NoError(t, RewriteNsswitch(rootfs))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Contains(t, string(data), "passwd:     files altfiles systemd")
	assert.Contains(t, string(data), "group:      files altfiles systemd")
	assert.Contains(t, string(data), "shadow:     files altfiles")
	// non-user databases are untouched
	assert.Contains(t, string(data), "hosts:      files dns")

	// idempotent
	require.NoError(t, RewriteNsswitch(rootfs))
	again, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestRelocateRpmdb(t *testing.T) {
	rootfs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "var/lib/rpm"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "var/lib/rpm/rpmdb.sqlite"), []byte("db"), 0644))

	require.NoError(t, RelocateRpmdb(rootfs))

	_, err := os.Stat(filepath.Join(rootfs, "usr/share/rpm/rpmdb.sqlite"))
	assert.NoError(t, err)

	target, err := os.Readlink(filepath.Join(rootfs, "var/lib/rpm"))
	require.NoError(t, err)
	assert.Equal(t, "../../usr/share/rpm", target)

	macro, err := os.ReadFile(filepath.Join(rootfs, "usr/lib/rpm/macros.d/macros.rpm-ostree"))
	require.NoError(t, err)
	assert.Contains(t, string(macro), "%_dbpath /usr/share/rpm")

	require.NoError(t, RelocateRpmdb(rootfs))
}

func TestSynthesizeVarEmptiesTree(t *testing.T) {
	rootfs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "var/lib/chrony"), 0750))

	require.NoError(t, SynthesizeVar(rootfs))

	conf, err := os.ReadFile(filepath.Join(rootfs, "usr/lib/tmpfiles.d/rpm-ostree-1-autovar.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(conf), "d /var/lib/chrony 0750")

	entries, err := os.ReadDir(filepath.Join(rootfs, "var"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFindKernel(t *testing.T) {
	rootfs := t.TempDir()
	_, err := FindKernel(rootfs)
	assert.Error(t, err)

	modDir := filepath.Join(rootfs, "usr/lib/modules/5.14.10-300.fc35.x86_64")
	require.NoError(t, os.MkdirAll(modDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(modDir, "vmlinuz"), []byte("kernel"), 0755))

	k, err := FindKernel(rootfs)
	require.NoError(t, err)
	assert.Equal(t, "5.14.10-300.fc35.x86_64", k.Kver)
	assert.Equal(t, "usr/lib/modules/5.14.10-300.fc35.x86_64/vmlinuz", k.KernelPath)

	// a second kernel in /boot is ambiguous
	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "boot"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "boot/vmlinuz-5.13.0"), []byte("old"), 0755))
	_, err = FindKernel(rootfs)
	assert.Error(t, err)
}

func TestInstallKernelPair(t *testing.T) {
	rootfs := t.TempDir()
	modDir := filepath.Join(rootfs, "usr/lib/modules/5.14.0")
	require.NoError(t, os.MkdirAll(modDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(modDir, "vmlinuz"), []byte("kernel"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(modDir, "initramfs.img"), []byte("initramfs"), 0644))

	k := &KernelLayout{
		Kver:          "5.14.0",
		KernelPath:    "usr/lib/modules/5.14.0/vmlinuz",
		InitramfsPath: "usr/lib/modules/5.14.0/initramfs.img",
	}
	require.NoError(t, InstallKernelPair(rootfs, k, "modules"))

	assert.Regexp(t, `^usr/lib/modules/5\.14\.0/vmlinuz-[0-9a-f]{64}$`, k.KernelPath)
	assert.Regexp(t, `^usr/lib/modules/5\.14\.0/initramfs\.img-[0-9a-f]{64}$`, k.InitramfsPath)
	_, err := os.Stat(filepath.Join(rootfs, k.KernelPath))
	assert.NoError(t, err)

	// both names carry the same checksum of the combined contents
	assert.Equal(t, k.KernelPath[len(k.KernelPath)-64:], k.InitramfsPath[len(k.InitramfsPath)-64:])
}

func TestMachineID(t *testing.T) {
	rootfs := t.TempDir()
	path := filepath.Join(rootfs, "usr/etc/machine-id")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("0123456789abcdef\n"), 0644))

	require.NoError(t, resetMachineID(rootfs, true))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, resetMachineID(rootfs, false))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
