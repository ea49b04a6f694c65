package resolver

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/coreos/rpm-ostree/internal/pkg/keyfile"
)

// RepoConfig is one rpm-md repository definition from a .repo file.
type RepoConfig struct {
	ID         string
	Name       string
	BaseURLs   []string
	Metalink   string
	Mirrorlist string
	Enabled    bool
	GPGCheck   bool
	GPGKey     string
	SourceFile string
}

// LoadRepoConfigs reads every *.repo file under reposDir.
func LoadRepoConfigs(reposDir string) ([]RepoConfig, error) {
	matches, err := filepath.Glob(filepath.Join(reposDir, "*.repo"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var repos []RepoConfig
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		kf, err := keyfile.Parse(data)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
		for _, id := range kf.Groups() {
			g := kf.Group(id)
			rc := RepoConfig{ID: id, SourceFile: path}
			rc.Name, _ = g.Get("name")
			if v, ok := g.Get("baseurl"); ok {
				for _, u := range strings.Fields(strings.ReplaceAll(v, ",", " ")) {
					rc.BaseURLs = append(rc.BaseURLs, u)
				}
			}
			rc.Metalink, _ = g.Get("metalink")
			rc.Mirrorlist, _ = g.Get("mirrorlist")
			if v, ok := g.Get("enabled"); ok {
				rc.Enabled = v == "1" || v == "true"
			} else {
				rc.Enabled = true
			}
			if v, ok := g.Get("gpgcheck"); ok {
				rc.GPGCheck = v == "1" || v == "true"
			}
			rc.GPGKey, _ = g.Get("gpgkey")
			repos = append(repos, rc)
		}
	}
	return repos, nil
}
