package projectcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSecretsParsesAndTrimsQuotes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets")
	content := "# comment\n\nAPI_KEY=abc123\nDB_PASSWORD=\"quoted value\"\nSINGLE='single quoted'\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	secrets, err := LoadSecrets(path)
	require.NoError(t, err)
	assert.Equal(t, "abc123", secrets["API_KEY"])
	assert.Equal(t, "quoted value", secrets["DB_PASSWORD"])
	assert.Equal(t, "single quoted", secrets["SINGLE"])
}

func TestLoadSecretsRejectsMissingEquals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets")
	require.NoError(t, os.WriteFile(path, []byte("NOTAKEYVALUE\n"), 0o600))
	_, err := LoadSecrets(path)
	assert.Error(t, err)
}

func TestResolveSecretRefsReportsMissingKeys(t *testing.T) {
	svc := &Service{Name: "web", Env: Env{Secrets: []string{"API_KEY", "MISSING"}}}
	_, err := ResolveSecretRefs(svc, map[string]string{"API_KEY": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING")
}

func TestResolveSecretRefsSucceeds(t *testing.T) {
	svc := &Service{Name: "web", Env: Env{Secrets: []string{"API_KEY"}}}
	resolved, err := ResolveSecretRefs(svc, map[string]string{"API_KEY": "x", "UNUSED": "y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"API_KEY": "x"}, resolved)
}
