package postprocess

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"io"
	"os"

	"github.com/cavaliergopher/cpio"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// ListInitramfsContents returns the member paths of a compressed-cpio
// initramfs image. gzip, xz and zstd images are understood, plus raw cpio.
func ListInitramfsContents(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.Peek(6)
	if err != nil {
		return nil, errors.Wrap(err, "reading initramfs header")
	}

	var decompressed io.Reader
	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		decompressed = gz
	case bytes.HasPrefix(magic, xzMagic):
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, err
		}
		decompressed = xr
	case bytes.HasPrefix(magic, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		decompressed = zr
	default:
		decompressed = br
	}

	var paths []string
	cr := cpio.NewReader(decompressed)
	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading initramfs cpio")
		}
		paths = append(paths, "/"+hdr.Name)
	}
	return paths, nil
}
