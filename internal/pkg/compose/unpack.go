package compose

import (
	"encoding/json"
	"os"

	"github.com/sassoftware/go-rpmutils"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
)

// unpackIntoRoot expands an RPM payload directly into the rootfs. Compose
// trees are server-side throwaways, so the client importer's ownership and
// xattr policies do not apply here; the postprocessor cleans the tree up
// afterwards.
func unpackIntoRoot(rpmPath, rootfsDir string) error {
	f, err := os.Open(rpmPath)
	if err != nil {
		return err
	}
	defer f.Close()

	rpm, err := rpmutils.ReadRpm(f)
	if err != nil {
		return errdefs.Wrapf(errdefs.RpmParseError, err, "parsing %s", rpmPath)
	}
	if err := rpm.ExpandPayload(rootfsDir); err != nil {
		return errdefs.Wrapf(errdefs.RpmParseError, err, "expanding %s", rpmPath)
	}
	return nil
}

func jsonMarshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
