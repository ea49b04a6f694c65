package postprocess

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/coreos/rpm-ostree/internal/pkg/bashexec"
)

// KernelLayout describes the discovered kernel.
type KernelLayout struct {
	// Kver is the kernel version, e.g. 5.14.10-300.fc35.x86_64.
	Kver string
	// KernelPath is the vmlinuz location relative to the rootfs.
	KernelPath string
	// InitramfsPath is set once an initramfs has been generated.
	InitramfsPath string
}

// FindKernel locates exactly one vmlinuz under /boot or
// /usr/lib/modules/<kver>/; zero or multiple candidates are errors.
func FindKernel(rootfsDir string) (*KernelLayout, error) {
	var found []KernelLayout

	bootMatches, err := filepath.Glob(filepath.Join(rootfsDir, "boot/vmlinuz*"))
	if err != nil {
		return nil, err
	}
	for _, m := range bootMatches {
		base := filepath.Base(m)
		var kver string
		if strings.HasPrefix(base, "vmlinuz-") {
			kver = base[len("vmlinuz-"):]
		}
		found = append(found, KernelLayout{Kver: kver, KernelPath: filepath.Join("boot", base)})
	}

	modDirs, _ := filepath.Glob(filepath.Join(rootfsDir, "usr/lib/modules/*"))
	for _, d := range modDirs {
		vmlinuz := filepath.Join(d, "vmlinuz")
		if _, err := os.Stat(vmlinuz); err == nil {
			kver := filepath.Base(d)
			found = append(found, KernelLayout{Kver: kver, KernelPath: filepath.Join("usr/lib/modules", kver, "vmlinuz")})
		}
	}

	switch len(found) {
	case 0:
		return nil, errors.New("no kernel found in /boot or /usr/lib/modules")
	case 1:
		k := found[0]
		if k.Kver == "" {
			// Fall back to the modules directory name.
			dirs, _ := filepath.Glob(filepath.Join(rootfsDir, "usr/lib/modules/*"))
			if len(dirs) == 1 {
				k.Kver = filepath.Base(dirs[0])
			}
		}
		return &k, nil
	default:
		var names []string
		for _, k := range found {
			names = append(names, k.KernelPath)
		}
		return nil, errors.Errorf("multiple kernels found: %s", strings.Join(names, ", "))
	}
}

// ProcessKernel regenerates the initramfs and installs the checksummed
// kernel pair at the configured boot location.
func ProcessKernel(ctx context.Context, rootfsDir string, cfg Config) error {
	kernel, err := FindKernel(rootfsDir)
	if err != nil {
		return err
	}
	log.WithField("kver", kernel.Kver).Info("postprocessing kernel")

	// Any RPM-generated initramfs beside the kernel is stale.
	staleMatches, _ := filepath.Glob(filepath.Join(rootfsDir, filepath.Dir(kernel.KernelPath), "initramfs*"))
	for _, m := range staleMatches {
		if err := os.Remove(m); err != nil {
			return err
		}
	}

	sandbox := &bashexec.Sandbox{RootfsDir: rootfsDir}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sandbox.Run("depmod", "-a", kernel.Kver); err != nil {
		return err
	}

	initramfs, err := GenerateInitramfs(ctx, rootfsDir, kernel.Kver, cfg.DracutArgs, nil)
	if err != nil {
		return err
	}
	kernel.InitramfsPath = initramfs

	if err := InstallKernelPair(rootfsDir, kernel, cfg.BootLocation); err != nil {
		return err
	}
	return resetMachineID(rootfsDir, cfg.MachineIDCompat)
}

// GenerateInitramfs runs dracut in a sandbox on the rootfs, returning the
// produced file's path relative to the rootfs. etcFiles, when non-empty,
// are bind-mounted into the sandbox's /etc working set.
func GenerateInitramfs(ctx context.Context, rootfsDir, kver string, dracutArgs []string, etcFiles []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	outDir := filepath.Join(rootfsDir, "usr/lib/modules", kver)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", err
	}
	rel := filepath.Join("usr/lib/modules", kver, "initramfs.img")

	args := []string{"dracut", "--no-hostonly"}
	if len(dracutArgs) > 0 {
		args = append([]string{"dracut"}, dracutArgs...)
	}
	args = append(args, "--kver", kver, "-f", "/"+rel)

	sandbox := &bashexec.Sandbox{
		RootfsDir: rootfsDir,
		Binds:     []string{filepath.Join(rootfsDir, "usr/lib/modules", kver) + ":/usr/lib/modules/" + kver},
	}
	for _, f := range etcFiles {
		sandbox.Binds = append(sandbox.Binds, filepath.Join(rootfsDir, "usr", f)+":"+f)
	}
	if err := sandbox.Run(args...); err != nil {
		return "", err
	}
	if err := os.Chmod(filepath.Join(rootfsDir, rel), 0644); err != nil {
		return "", err
	}
	return rel, nil
}

// InstallKernelPair renames kernel and initramfs with the checksum of their
// combined contents and places them at the boot location.
func InstallKernelPair(rootfsDir string, kernel *KernelLayout, bootLocation string) error {
	h := sha256.New()
	for _, rel := range []string{kernel.KernelPath, kernel.InitramfsPath} {
		f, err := os.Open(filepath.Join(rootfsDir, rel))
		if err != nil {
			return err
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	bootcsum := hex.EncodeToString(h.Sum(nil))

	var destDir string
	switch bootLocation {
	case "", "modules":
		destDir = filepath.Join("usr/lib/modules", kernel.Kver)
	case "new":
		destDir = "usr/lib/ostree-boot"
	default:
		return errors.Errorf("invalid boot location %q", bootLocation)
	}
	if err := os.MkdirAll(filepath.Join(rootfsDir, destDir), 0755); err != nil {
		return err
	}

	move := func(rel, destName string) (string, error) {
		dest := filepath.Join(destDir, destName+"-"+bootcsum)
		if err := os.Rename(filepath.Join(rootfsDir, rel), filepath.Join(rootfsDir, dest)); err != nil {
			return "", err
		}
		return dest, nil
	}
	newKernel, err := move(kernel.KernelPath, "vmlinuz")
	if err != nil {
		return err
	}
	newInitramfs, err := move(kernel.InitramfsPath, "initramfs.img")
	if err != nil {
		return err
	}
	kernel.KernelPath = newKernel
	kernel.InitramfsPath = newInitramfs
	return nil
}

// resetMachineID empties /usr/etc/machine-id so systemd populates it on
// first boot; without machine-id compatibility the file is removed.
func resetMachineID(rootfsDir string, compat bool) error {
	path := filepath.Join(rootfsDir, "usr/etc/machine-id")
	if !compat {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0644)
}
