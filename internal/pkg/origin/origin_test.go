package origin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
)

func TestRefspecParse(t *testing.T) {
	tCases := []struct {
		in   string
		kind RefspecKind
		str  string
	}{
		{"fedora:fedora/38/x86_64/silverblue", RefspecOstree, "fedora:fedora/38/x86_64/silverblue"},
		{"fedora/38/x86_64/silverblue", RefspecOstree, "fedora/38/x86_64/silverblue"},
		{"0b1a2c3d4e5f60718293a4b5c6d7e8f90b1a2c3d4e5f60718293a4b5c6d7e8f9", RefspecChecksum, "0b1a2c3d4e5f60718293a4b5c6d7e8f90b1a2c3d4e5f60718293a4b5c6d7e8f9"},
		{":0b1a2c3d4e5f60718293a4b5c6d7e8f90b1a2c3d4e5f60718293a4b5c6d7e8f9", RefspecChecksum, "0b1a2c3d4e5f60718293a4b5c6d7e8f90b1a2c3d4e5f60718293a4b5c6d7e8f9"},
		{"rojig://fedora-rojig:fedora-silverblue", RefspecRojig, "rojig://fedora-rojig:fedora-silverblue"},
	}
	for _, c := range tCases {
		r, err := ParseRefspec(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.kind, r.Kind, c.in)
		assert.Equal(t, c.str, r.String(), c.in)

		// canonicalize is idempotent
		canon, err := Canonicalize(c.in)
		require.NoError(t, err)
		canon2, err := Canonicalize(canon)
		require.NoError(t, err)
		assert.Equal(t, canon, canon2)
	}

	for _, in := range []string{"", ":", ":nothex", "remote:", "rojig://norepo"} {
		_, err := ParseRefspec(in)
		assert.Error(t, err, in)
	}
}

const sampleOrigin = `[origin]
refspec=fedora:fedora/38/x86_64/silverblue
some-future-key=preserved

[packages]
requested=strace,vim-enhanced
`

func TestLoadSerializeRoundTrip(t *testing.T) {
	o, err := Load([]byte(sampleOrigin))
	require.NoError(t, err)
	assert.Equal(t, RefspecOstree, o.Classify())
	assert.Equal(t, []string{"strace", "vim-enhanced"}, o.Packages())

	first := o.Serialize()
	o2, err := Load(first)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(o2.Serialize()))
	assert.Contains(t, string(first), "some-future-key=preserved")
	// layered packages force the baserefspec key
	assert.Contains(t, string(first), "baserefspec=fedora:")
}

func TestPlainOriginUsesRefspecKey(t *testing.T) {
	o := New(Refspec{Kind: RefspecOstree, Remote: "fedora", Ref: "38"})
	data := string(o.Serialize())
	assert.Contains(t, data, "refspec=fedora:38")
	assert.NotContains(t, data, "baserefspec")
}

func TestAddRemovePackages(t *testing.T) {
	o := New(Refspec{Kind: RefspecOstree, Ref: "base"})

	changed, err := o.AddPackages([]string{"strace"}, false, false)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = o.AddPackages([]string{"strace"}, false, false)
	assert.True(t, errdefs.IsKind(err, errdefs.AlreadyRequested))

	changed, err = o.AddPackages([]string{"strace"}, false, true)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = o.AddPackages([]string{"foo-1.0-1.x86_64:deadbeef"}, true, false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, map[string]string{"foo-1.0-1.x86_64": "deadbeef"}, o.LocalPackages())

	_, err = o.RemovePackages([]string{"nosuch"}, false)
	assert.True(t, errdefs.IsKind(err, errdefs.NotLayered))

	changed, err = o.RemovePackages([]string{"strace", "foo-1.0-1.x86_64"}, false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, o.Packages())
}

func TestOverrideInvariants(t *testing.T) {
	o := New(Refspec{Kind: RefspecOstree, Ref: "base"})
	_, err := o.AddPackages([]string{"strace"}, false, false)
	require.NoError(t, err)

	// layered and removed names stay disjoint
	err = o.AddOverrides([]string{"strace"}, OverrideRemove)
	assert.True(t, errdefs.IsKind(err, errdefs.InvalidOrigin))

	require.NoError(t, o.AddOverrides([]string{"docker"}, OverrideRemove))
	_, err = o.AddPackages([]string{"docker"}, false, false)
	assert.True(t, errdefs.IsKind(err, errdefs.InvalidOrigin))

	assert.True(t, o.RemoveOverride("docker", OverrideRemove))
	assert.False(t, o.RemoveOverride("docker", OverrideRemove))
}

func TestRebaseSemantics(t *testing.T) {
	o := New(Refspec{Kind: RefspecOstree, Remote: "fedora", Ref: "38"})

	// no-op ostree rebase is rejected
	err := o.SetRebase(Refspec{Kind: RefspecOstree, Remote: "fedora", Ref: "38"}, "", "")
	assert.True(t, errdefs.IsKind(err, errdefs.AlreadyRequested))

	csum := "0b1a2c3d4e5f60718293a4b5c6d7e8f90b1a2c3d4e5f60718293a4b5c6d7e8f9"
	require.NoError(t, o.SetRebase(Refspec{Kind: RefspecChecksum, Checksum: csum}, "https://example/builds/42", "build 42"))
	url, desc := o.CustomOrigin()
	assert.Equal(t, "https://example/builds/42", url)
	assert.Equal(t, "build 42", desc)

	// identical checksum rebase may change only the custom origin
	require.NoError(t, o.SetRebase(Refspec{Kind: RefspecChecksum, Checksum: csum}, "https://example/builds/43", "build 43"))
	_, desc = o.CustomOrigin()
	assert.Equal(t, "build 43", desc)

	// a pinned-checksum refspec forbids override-commit
	err = o.SetOverrideCommit(csum)
	assert.True(t, errdefs.IsKind(err, errdefs.InvalidOrigin))
}

func TestInitramfsEtcTracking(t *testing.T) {
	o := New(Refspec{Kind: RefspecOstree, Ref: "base"})

	_, err := o.TrackInitramfsEtc([]string{"/usr/lib/foo"})
	assert.True(t, errdefs.IsKind(err, errdefs.InitramfsEtcOutsideEtc))

	// /etc itself is a valid tracked root
	changed, err := o.TrackInitramfsEtc([]string{"/etc"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, o.UntrackInitramfsEtc([]string{"/etc"}))

	changed, err = o.TrackInitramfsEtc([]string{"/etc/chrony.conf"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, o.MayRequireLocalAssembly())
	assert.Equal(t, LayeringLocal, o.Layering())

	assert.True(t, o.UntrackInitramfsEtc([]string{"/etc/chrony.conf"}))
	assert.Equal(t, LayeringNone, o.Layering())
}

func TestStateDigestChanges(t *testing.T) {
	o := New(Refspec{Kind: RefspecOstree, Ref: "base"})
	before := o.StateDigest()
	_, err := o.AddPackages([]string{"strace"}, false, false)
	require.NoError(t, err)
	assert.NotEqual(t, before, o.StateDigest())
}
