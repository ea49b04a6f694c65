package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// dnfHelper is the JSON depsolve helper; it owns libdnf and the rpm macro
// context so this process never links them.
const dnfHelper = "/usr/libexec/rpm-ostree/dnf-json"

// ExecBackend drives the depsolve helper over a JSON pipe.
type ExecBackend struct {
	// Helper overrides the helper path, for tests.
	Helper string
}

type helperRequest struct {
	Command  string           `json:"command"`
	Metadata *metadataArgs    `json:"metadata,omitempty"`
	Depsolve *DepsolveRequest `json:"depsolve,omitempty"`
}

type metadataArgs struct {
	Repos     []RepoConfig `json:"repos"`
	CacheDir  string       `json:"cache_dir"`
	Force     bool         `json:"force"`
	CacheOnly bool         `json:"cache_only"`
}

type helperResponse struct {
	Packages []PackageSpec `json:"packages"`
	Error    string        `json:"error"`
}

func (b *ExecBackend) helper() string {
	if b.Helper != "" {
		return b.Helper
	}
	return dnfHelper
}

func (b *ExecBackend) invoke(ctx context.Context, req helperRequest) (*helperResponse, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	log.WithField("command", req.Command).Debug("invoking depsolve helper")

	cmd := exec.CommandContext(ctx, b.helper())
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "%s: %s", b.helper(), strings.TrimSpace(stderr.String()))
	}

	var resp helperResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, errors.Wrap(err, "decoding helper response")
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return &resp, nil
}

// FetchMetadata refreshes rpm-md metadata into cacheDir.
func (b *ExecBackend) FetchMetadata(ctx context.Context, repos []RepoConfig, cacheDir string, flags MetadataFlags) error {
	_, err := b.invoke(ctx, helperRequest{
		Command: "metadata",
		Metadata: &metadataArgs{
			Repos:     repos,
			CacheDir:  cacheDir,
			Force:     flags.Force,
			CacheOnly: flags.CacheOnly,
		},
	})
	return err
}

// Depsolve computes the install set for the request.
func (b *ExecBackend) Depsolve(ctx context.Context, req DepsolveRequest) ([]PackageSpec, error) {
	resp, err := b.invoke(ctx, helperRequest{Command: "depsolve", Depsolve: &req})
	if err != nil {
		return nil, err
	}
	return resp.Packages, nil
}
