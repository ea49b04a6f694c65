package importer

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
)

func TestTranslatePath(t *testing.T) {
	tCases := []struct {
		in         string
		convention bool
		want       string
	}{
		{"./usr/bin/strace", true, "usr/bin/strace"},
		{"/etc/strace.conf", true, "usr/etc/strace.conf"},
		{"./etc", true, "usr/etc"},
		{"/boot/vmlinuz-5.14", true, "usr/lib/ostree-boot/vmlinuz-5.14"},
		{"/var/lib/foo", true, ""},
		{"/etc/strace.conf", false, "etc/strace.conf"},
		{".", true, ""},
	}
	for _, c := range tCases {
		assert.Equal(t, c.want, translatePath(c.in, c.convention), c.in)
	}
}

func TestCheckOwnership(t *testing.T) {
	assert.NoError(t, checkOwnership("/usr/bin/strace", fileMeta{user: "root", group: "root"}))
	assert.NoError(t, checkOwnership("/usr/bin/strace", fileMeta{}))

	err := checkOwnership("/usr/lib/foo", fileMeta{user: "nobody", group: "nobody"})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.NonRootOwnershipUnsupported))
	assert.Contains(t, err.Error(), `path "/usr/lib/foo" marked as nobody`)

	err = checkOwnership("/var/games", fileMeta{user: "root", group: "games"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "games")
}

func TestEncodeFcaps(t *testing.T) {
	buf, err := encodeFcaps("cap_net_admin,cap_net_raw=ep")
	require.NoError(t, err)
	require.Len(t, buf, 20)

	magic := binary.LittleEndian.Uint32(buf[0:])
	assert.Equal(t, uint32(vfsCapRevision2|vfsCapFlagEffective), magic)

	permitted := binary.LittleEndian.Uint32(buf[4:])
	assert.Equal(t, uint32(1<<12|1<<13), permitted)

	inheritable := binary.LittleEndian.Uint32(buf[8:])
	assert.Zero(t, inheritable)
}

func TestEncodeFcapsPermittedOnly(t *testing.T) {
	buf, err := encodeFcaps("cap_net_bind_service=p")
	require.NoError(t, err)

	magic := binary.LittleEndian.Uint32(buf[0:])
	assert.Equal(t, uint32(vfsCapRevision2), magic)
	assert.Equal(t, uint32(1<<10), binary.LittleEndian.Uint32(buf[4:]))
}

func TestEncodeFcapsInvalid(t *testing.T) {
	_, err := encodeFcaps("cap_bogus=ep")
	assert.Error(t, err)
	_, err = encodeFcaps("cap_chown")
	assert.Error(t, err)

	buf, err := encodeFcaps("")
	require.NoError(t, err)
	assert.Nil(t, buf)
}
