package registryauth

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyCredentials(t *testing.T) {
	assert.True(t, Credentials{}.Empty())
	assert.False(t, Credentials{Username: "u"}.Empty())
	assert.False(t, Credentials{IdentityToken: "tok"}.Empty())
}

func TestEncodedAuthIsBase64JSON(t *testing.T) {
	c := Credentials{Registry: "registry.example.com", Username: "u", Password: "p"}
	encoded, err := c.EncodedAuth()
	require.NoError(t, err)

	raw, err := base64.URLEncoding.DecodeString(encoded)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "u", decoded["username"])
	assert.Equal(t, "p", decoded["password"])
}
