package nevra

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tCases := []struct {
		in   string
		want NEVRA
	}{
		{"strace-5.14-1.x86_64", NEVRA{Name: "strace", Version: "5.14", Release: "1", Arch: "x86_64"}},
		{"perl-Time-HiRes-4:1.9725-3.el7.x86_64", NEVRA{Name: "perl-Time-HiRes", Epoch: 4, Version: "1.9725", Release: "3.el7", Arch: "x86_64"}},
		{"vim-common-2:7.4.160-1.el7_3.1.x86_64", NEVRA{Name: "vim-common", Epoch: 2, Version: "7.4.160", Release: "1.el7_3.1", Arch: "x86_64"}},
		{"gpg-pubkey-fd431d51-4ae0493b.noarch", NEVRA{Name: "gpg-pubkey", Version: "fd431d51", Release: "4ae0493b", Arch: "noarch"}},
	}
	for _, c := range tCases {
		got, err := Parse(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got)
		assert.Equal(t, c.in, got.String())
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "foo", "foo.x86_64", "foo-1.0.x86_64", "foo-x:1.0-1.x86_64"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

// Branch name vectors shared with the C implementation's test suite.
func TestCacheBranchRoundTrip(t *testing.T) {
	tCases := []struct {
		branch string
		nevra  string
	}{
		{"rpmostree/pkg/perl-Pod-Usage/1.63-3.el7.noarch", "perl-Pod-Usage-1.63-3.el7.noarch"},
		{"rpmostree/pkg/perl-Scalar-List-Utils/1.27-248.el7.x86__64", "perl-Scalar-List-Utils-1.27-248.el7.x86_64"},
		{"rpmostree/pkg/perl-Time-HiRes/4_3A1.9725-3.el7.x86__64", "perl-Time-HiRes-4:1.9725-3.el7.x86_64"},
		{"rpmostree/pkg/vim-common/2_3A7.4.160-1.el7__3.1.x86__64", "vim-common-2:7.4.160-1.el7_3.1.x86_64"},
		{"rpmostree/pkg/vim-enhanced/2_3A7.4.160-1.el7__3.1.x86__64", "vim-enhanced-2:7.4.160-1.el7_3.1.x86_64"},
		{"rpmostree/pkg/strace/5.14-1.x86__64", "strace-5.14-1.x86_64"},
	}
	for _, c := range tCases {
		n, err := Parse(c.nevra)
		require.NoError(t, err)
		assert.Equal(t, c.branch, n.CacheBranch())

		back, err := FromCacheBranch(c.branch)
		require.NoError(t, err)
		assert.Equal(t, c.nevra, back.String())
	}
}

func TestFromCacheBranchInvalid(t *testing.T) {
	for _, in := range []string{"", "rpmostree/pkg/foo", "other/pkg/a/b", "rpmostree/pkg/a/1-1.x_"} {
		_, err := FromCacheBranch(in)
		assert.Error(t, err, in)
	}
}
