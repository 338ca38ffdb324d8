package moorerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWrapsAndUnwraps(t *testing.T) {
	base := errors.New("connection refused")
	err := New(Preflight, "dial docker engine", base)
	require.Error(t, err)
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "preflight")
	assert.Contains(t, err.Error(), "dial docker engine")
}

func TestNewNilErrReturnsNil(t *testing.T) {
	assert.NoError(t, New(ACME, "op", nil))
}

func TestIsAndKindOf(t *testing.T) {
	err := New(Transfer, "upload image", errors.New("boom"))
	assert.True(t, Is(err, Transfer))
	assert.False(t, Is(err, Deployment))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, Transfer, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}
