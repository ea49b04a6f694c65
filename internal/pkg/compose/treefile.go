// Package compose implements the server-side tree compose: treefile
// expansion, package installation into an empty rootfs, postprocessing and
// the base-commit write with input-hash short-circuiting.
package compose

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v2"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
)

// maxIncludeDepth caps treefile include chains.
const maxIncludeDepth = 50

// Treefile is the compose input document. Array-typed keys accumulate
// across includes (parent values prepended); scalar children override
// parents.
type Treefile struct {
	Ref        string `yaml:"ref" json:"ref"`
	Rojig      string `yaml:"rojig,omitempty" json:"rojig,omitempty"`
	OSName     string `yaml:"osname,omitempty" json:"osname,omitempty"`
	Include    string `yaml:"include,omitempty" json:"include,omitempty"`
	Releasever string `yaml:"releasever,omitempty" json:"releasever,omitempty"`

	Repos             []string `yaml:"repos,omitempty" json:"repos,omitempty"`
	Packages          []string `yaml:"packages,omitempty" json:"packages,omitempty"`
	BootstrapPackages []string `yaml:"bootstrap_packages,omitempty" json:"bootstrap_packages,omitempty"`
	ExcludePackages   []string `yaml:"exclude-packages,omitempty" json:"exclude-packages,omitempty"`
	InstallLangs      []string `yaml:"install-langs,omitempty" json:"install-langs,omitempty"`

	SELinux         *bool  `yaml:"selinux,omitempty" json:"selinux,omitempty"`
	Documentation   *bool  `yaml:"documentation,omitempty" json:"documentation,omitempty"`
	BootLocation    string `yaml:"boot-location,omitempty" json:"boot-location,omitempty"`
	MachineIDCompat *bool  `yaml:"machineid-compat,omitempty" json:"machineid-compat,omitempty"`

	AutomaticVersionPrefix string `yaml:"automatic-version-prefix,omitempty" json:"automatic-version-prefix,omitempty"`
	MutateOSRelease        string `yaml:"mutate-os-release,omitempty" json:"mutate-os-release,omitempty"`
	TouchIfChanged         string `yaml:"touch-if-changed,omitempty" json:"touch-if-changed,omitempty"`
	GPGKey                 string `yaml:"gpg-key,omitempty" json:"gpg-key,omitempty"`

	EtcGroupMembers []string `yaml:"etc-group-members,omitempty" json:"etc-group-members,omitempty"`

	CheckPasswd *CheckConfig `yaml:"check-passwd,omitempty" json:"check-passwd,omitempty"`
	CheckGroups *CheckConfig `yaml:"check-groups,omitempty" json:"check-groups,omitempty"`

	IgnoreRemovedUsers  []string `yaml:"ignore-removed-users,omitempty" json:"ignore-removed-users,omitempty"`
	IgnoreRemovedGroups []string `yaml:"ignore-removed-groups,omitempty" json:"ignore-removed-groups,omitempty"`

	Units         []string `yaml:"units,omitempty" json:"units,omitempty"`
	DefaultTarget string   `yaml:"default_target,omitempty" json:"default_target,omitempty"`

	// AddFiles entries are [source, destination] pairs copied into the tree.
	AddFiles [][]string `yaml:"add-files,omitempty" json:"add-files,omitempty"`

	RemoveFiles []string `yaml:"remove-files,omitempty" json:"remove-files,omitempty"`
	// RemoveFromPackages entries are [package-regex, file-regex...] tuples.
	// Both use RE2 syntax, anchored per entry.
	RemoveFromPackages [][]string `yaml:"remove-from-packages,omitempty" json:"remove-from-packages,omitempty"`

	PostprocessScript string `yaml:"postprocess-script,omitempty" json:"postprocess-script,omitempty"`

	InitramfsArgs []string `yaml:"initramfs-args,omitempty" json:"initramfs-args,omitempty"`
}

// CheckConfig selects a passwd/group validation source.
type CheckConfig struct {
	Type     string `yaml:"type" json:"type"`
	Filename string `yaml:"filename,omitempty" json:"filename,omitempty"`
	// Entries backs type=data.
	Entries map[string]interface{} `yaml:"entries,omitempty" json:"entries,omitempty"`
}

const treefileSchema = `{
  "type": "object",
  "required": ["ref"],
  "properties": {
    "ref": {"type": "string", "minLength": 1},
    "repos": {"type": "array", "items": {"type": "string"}},
    "packages": {"type": "array", "items": {"type": "string"}},
    "boot-location": {"enum": ["modules", "new", "legacy", ""]},
    "include": {"type": "string"}
  }
}`

// LoadTreefile reads, include-expands and validates a treefile. YAML and
// JSON are both accepted; includes resolve relative to the treefile's
// directory and must stay within it.
func LoadTreefile(path string) (*Treefile, error) {
	tf, err := loadTreefileDepth(path, 0)
	if err != nil {
		return nil, err
	}
	if err := validateTreefile(tf); err != nil {
		return nil, err
	}
	return tf, nil
}

func loadTreefileDepth(path string, depth int) (*Treefile, error) {
	if depth > maxIncludeDepth {
		return nil, errors.Errorf("treefile include depth exceeds %d (cycle?)", maxIncludeDepth)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading treefile %s", path)
	}

	var tf Treefile
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, &tf); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
	} else {
		if err := yaml.UnmarshalStrict(data, &tf); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
	}

	if tf.Include == "" {
		return &tf, nil
	}

	dir := filepath.Dir(path)
	includePath := filepath.Join(dir, tf.Include)
	rel, err := filepath.Rel(dir, includePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, errors.Errorf("include %q escapes the treefile directory", tf.Include)
	}
	parent, err := loadTreefileDepth(includePath, depth+1)
	if err != nil {
		return nil, err
	}
	merged := mergeTreefiles(parent, &tf)
	return merged, nil
}

// mergeTreefiles layers child over parent: parent array values are
// prepended to the child's, scalar children override parents.
func mergeTreefiles(parent, child *Treefile) *Treefile {
	out := *child
	out.Include = ""

	pv := reflect.ValueOf(parent).Elem()
	cv := reflect.ValueOf(&out).Elem()
	for i := 0; i < pv.NumField(); i++ {
		pf := pv.Field(i)
		cf := cv.Field(i)
		switch pf.Kind() {
		case reflect.Slice:
			if pf.Len() > 0 {
				cf.Set(reflect.AppendSlice(pf, cf))
			}
		case reflect.String:
			if cf.String() == "" {
				cf.Set(pf)
			}
		case reflect.Ptr:
			if cf.IsNil() && !pf.IsNil() {
				cf.Set(pf)
			}
		}
	}
	return &out
}

func validateTreefile(tf *Treefile) error {
	doc, err := json.Marshal(tf)
	if err != nil {
		return err
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(treefileSchema),
		gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return err
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errdefs.Newf(errdefs.ConflictingOptions, "invalid treefile: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// Canonical returns the deterministic JSON serialization used for the
// input hash.
func (tf *Treefile) Canonical() ([]byte, error) {
	return json.Marshal(tf)
}
