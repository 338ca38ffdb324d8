package sshtransport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigAddrDefaultsPort(t *testing.T) {
	c := Config{Host: "example.com"}
	assert.Equal(t, "example.com:22", c.addr())

	c.Port = 2222
	assert.Equal(t, "example.com:2222", c.addr())
}

func TestUserDefaultsToRoot(t *testing.T) {
	assert.Equal(t, "root", user(""))
	assert.Equal(t, "deploy", user("deploy"))
}

func writeTestKey(t *testing.T) string {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ecdsa")
	block := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(path, block, 0o600))
	return path
}

func TestAuthMethodsUsesProvidedKeyFile(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	path := writeTestKey(t)
	methods, err := authMethods(path)
	require.NoError(t, err)
	assert.Len(t, methods, 1)
}

func TestAuthMethodsErrorsWithNoUsableKey(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv("HOME", t.TempDir())
	_, err := authMethods("")
	assert.Error(t, err)
}
