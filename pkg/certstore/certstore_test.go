package certstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrips(t *testing.T) {
	s := New(t.TempDir())
	b := Bundle{CertPEM: []byte("cert"), KeyPEM: []byte("key"), ChainPEM: []byte("chain")}
	require.NoError(t, s.Write("demo.example", b))

	got, err := s.Read("demo.example")
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestReadMissingHostErrors(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Read("nope.example")
	assert.Error(t, err)
}

func TestDeleteRemovesBundle(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Write("demo.example", Bundle{CertPEM: []byte("c"), KeyPEM: []byte("k")}))
	require.NoError(t, s.Delete("demo.example"))
	_, err := s.Read("demo.example")
	assert.Error(t, err)
}

func TestLoadOrCreateAccountKeyPersists(t *testing.T) {
	s := New(t.TempDir())
	key1, err := s.LoadOrCreateAccountKey()
	require.NoError(t, err)

	key2, err := s.LoadOrCreateAccountKey()
	require.NoError(t, err)
	assert.True(t, key1.Equal(key2), "second call must load the persisted key, not generate a new one")
}

func TestAccountRefPointsUnderRoot(t *testing.T) {
	s := New("/var/lib/moor-proxy")
	assert.Equal(t, "/var/lib/moor-proxy/acme/account.key", s.AccountRef())
}
