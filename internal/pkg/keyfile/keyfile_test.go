package keyfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `[origin]
refspec=fedora:38
unknown-key=kept

[packages]
requested=a,b
`

func TestParseSerializeRoundTrip(t *testing.T) {
	kf, err := Parse([]byte(sample))
	require.NoError(t, err)

	v, ok := kf.Get("origin", "refspec")
	require.True(t, ok)
	assert.Equal(t, "fedora:38", v)
	assert.Equal(t, []string{"a", "b"}, kf.GetList("packages", "requested"))
	assert.Equal(t, []string{"origin", "packages"}, kf.Groups())

	assert.Equal(t, sample, string(kf.Serialize()))
}

func TestSetKeepsPosition(t *testing.T) {
	kf, err := Parse([]byte(sample))
	require.NoError(t, err)

	kf.Set("origin", "refspec", "fedora:39")
	out := string(kf.Serialize())
	assert.Contains(t, out, "refspec=fedora:39\nunknown-key=kept")
}

func TestSetListDeletesEmpty(t *testing.T) {
	kf, err := Parse([]byte(sample))
	require.NoError(t, err)

	kf.SetList("packages", "requested", nil)
	out := string(kf.Serialize())
	assert.NotContains(t, out, "requested")
	assert.NotContains(t, out, "[packages]")
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("[unterminated\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("key=outside-group\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("[g]\nnot-an-entry\n"))
	assert.Error(t, err)
}
