package ostree

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRun records invocations and replays canned output.
type fakeRun struct {
	calls   [][]string
	outputs map[string]string
	errs    map[string]error
}

func (f *fakeRun) run(ctx context.Context, args ...string) ([]byte, error) {
	f.calls = append(f.calls, args)
	key := strings.Join(args, " ")
	for prefix, err := range f.errs {
		if strings.HasPrefix(key, prefix) {
			return nil, err
		}
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(key, prefix) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

func newFakeRepo() (*CLIRepo, *fakeRun) {
	f := &fakeRun{outputs: map[string]string{}, errs: map[string]error{}}
	r := OpenRepo("/sysroot/ostree/repo")
	r.run = f.run
	return r, f
}

func TestResolveRef(t *testing.T) {
	r, f := newFakeRepo()
	f.outputs["rev-parse fedora:38"] = "abcd\n"

	csum, err := r.ResolveRef("fedora:38")
	require.NoError(t, err)
	assert.Equal(t, "abcd", csum)

	f.errs["rev-parse missing"] = fmt.Errorf("error: No such ref")
	csum, err = r.ResolveRef("missing")
	require.NoError(t, err)
	assert.Empty(t, csum)
}

func TestWriteCommitArgs(t *testing.T) {
	r, f := newFakeRepo()
	f.outputs["commit"] = "newcsum\n"

	csum, err := r.WriteCommit(context.Background(), "/tmp/tree", CommitOptions{
		Ref:      "rpmostree/pkg/strace/5.14-1.x86__64",
		Parent:   "parentcsum",
		Metadata: map[string]string{"rpmostree.nevra": "strace-5.14-1.x86_64"},
	})
	require.NoError(t, err)
	assert.Equal(t, "newcsum", csum)

	require.Len(t, f.calls, 1)
	call := strings.Join(f.calls[0], " ")
	assert.Contains(t, call, "--tree=dir=/tmp/tree")
	assert.Contains(t, call, "--branch=rpmostree/pkg/strace/5.14-1.x86__64")
	assert.Contains(t, call, "--parent=parentcsum")
	assert.Contains(t, call, "--add-metadata-string=rpmostree.nevra=strace-5.14-1.x86_64")
}

func TestWriteCommitOrphan(t *testing.T) {
	r, f := newFakeRepo()
	f.outputs["commit"] = "c\n"

	_, err := r.WriteCommit(context.Background(), "/tmp/tree", CommitOptions{})
	require.NoError(t, err)
	assert.Contains(t, strings.Join(f.calls[0], " "), "--orphan")
}

func TestCheckoutUnionIdentical(t *testing.T) {
	r, f := newFakeRepo()
	err := r.CheckoutTreeAt(context.Background(), "csum", "/tmp/dest", CheckoutOptions{UnionIdenticalFiles: true, RequireHardlinks: true})
	require.NoError(t, err)
	call := strings.Join(f.calls[0], " ")
	assert.Contains(t, call, "--union-identical")
	assert.Contains(t, call, "--require-hardlinks")
}
