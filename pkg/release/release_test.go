package release

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagIncludesRevisionAndIsUnique(t *testing.T) {
	a := New("a1b2c3d")
	b := New("a1b2c3d")

	assert.True(t, strings.HasPrefix(a.Tag(), "a1b2c3d-"))
	assert.NotEqual(t, a.Tag(), b.Tag(), "two releases must not collide even with the same revision")
}

func TestStringMatchesTag(t *testing.T) {
	r := New("deadbee")
	assert.Equal(t, r.Tag(), r.String())
}
