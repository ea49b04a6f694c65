package assembler

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
	"github.com/coreos/rpm-ostree/internal/pkg/importer"
	"github.com/coreos/rpm-ostree/internal/pkg/ostree"
)

// overlayLayer hardlinks a cache commit's tree atop destDir in
// union-identical-files mode: a colliding path succeeds only when both
// sides carry identical content; a true collision fails naming both
// packages. owners tracks path ownership across layers.
func overlayLayer(ctx context.Context, repo ostree.Repo, layer *importer.CacheCommit, destDir string, owners map[string]string) error {
	layerDir, err := os.MkdirTemp("", "rpmostree-layer")
	if err != nil {
		return err
	}
	defer os.RemoveAll(layerDir)

	if err := repo.CheckoutTreeAt(ctx, layer.Checksum, layerDir, ostree.CheckoutOptions{}); err != nil {
		return errdefs.Wrapf(errdefs.StoreIoError, err, "checking out layer %s", layer.NEVRA.String())
	}

	pkg := layer.NEVRA.String()
	return filepath.WalkDir(layerDir, func(src string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(layerDir, src)
		if err != nil || rel == "." {
			return err
		}
		dest := filepath.Join(destDir, rel)

		if d.IsDir() {
			if fi, err := os.Lstat(dest); err == nil {
				if !fi.IsDir() {
					return conflict(rel, pkg, owners)
				}
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if err := os.Mkdir(dest, info.Mode().Perm()); err != nil {
				return err
			}
			owners[rel] = pkg
			return nil
		}

		if _, err := os.Lstat(dest); err == nil {
			identical, err := sameContent(src, dest, d)
			if err != nil {
				return err
			}
			if identical {
				return nil
			}
			return conflict(rel, pkg, owners)
		}

		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(src)
			if err != nil {
				return err
			}
			if err := os.Symlink(target, dest); err != nil {
				return err
			}
		} else {
			if err := os.Link(src, dest); err != nil {
				// Cross-device fallback: copy.
				if err := copyFile(src, dest, d); err != nil {
					return err
				}
			}
		}
		owners[rel] = pkg
		return nil
	})
}

func conflict(rel, pkg string, owners map[string]string) error {
	owner := owners[rel]
	if owner == "" {
		owner = "the base"
	}
	return errdefs.Newf(errdefs.LayerConflict, "file %q would be provided by both %s and %s", "/"+rel, owner, pkg)
}

func sameContent(a, b string, d fs.DirEntry) (bool, error) {
	if d.Type()&fs.ModeSymlink != 0 {
		ta, err := os.Readlink(a)
		if err != nil {
			return false, err
		}
		tb, err := os.Readlink(b)
		if err != nil {
			return false, err
		}
		return ta == tb, nil
	}

	fa, err := os.Lstat(a)
	if err != nil {
		return false, err
	}
	fb, err := os.Lstat(b)
	if err != nil {
		return false, err
	}
	if fa.Mode() != fb.Mode() || fa.Size() != fb.Size() {
		return false, nil
	}
	da, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	db, err := os.ReadFile(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(da, db), nil
}

func copyFile(src, dest string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, info.Mode().Perm())
}
