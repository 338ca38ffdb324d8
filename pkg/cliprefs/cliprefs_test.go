package cliprefs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	p, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "", p.Host)
	assert.False(t, p.Changed())
}

func TestSetMarksChangedOnlyOnDifference(t *testing.T) {
	p := &Prefs{Host: "s1.example"}
	p.Set(&p.Host, "s1.example")
	assert.False(t, p.Changed(), "setting the same value must not mark changed")

	p.Set(&p.Host, "s2.example")
	assert.True(t, p.Changed())
	assert.Equal(t, "s2.example", p.Host)
}

func TestSaveAndReload(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	p, err := Load()
	require.NoError(t, err)
	p.Set(&p.Host, "s1.example")
	p.Set(&p.SSHKeyFile, "/home/op/.ssh/id_ed25519")
	require.NoError(t, p.Save())

	reloaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s1.example", reloaded.Host)
	assert.Equal(t, "/home/op/.ssh/id_ed25519", reloaded.SSHKeyFile)
	assert.False(t, reloaded.Changed())
}
