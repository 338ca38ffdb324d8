package preflight

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moorhq/moor/pkg/dockerengine"
)

func TestCheckNetworkEnsuresNetwork(t *testing.T) {
	eng := dockerengine.NewFake()
	c := checkNetwork(context.Background(), eng, "demo-network")
	assert.Equal(t, "network", c.Name)
	assert.True(t, c.OK)
	require.NoError(t, c.Err)
}

func TestResultOKAndErrors(t *testing.T) {
	r := Result{Checks: []Check{
		{Name: "a", OK: true},
		{Name: "b", OK: false, Err: assert.AnError},
	}}
	assert.False(t, r.OK())
	errs := r.Errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "b")
}

func TestResultOKWhenAllPass(t *testing.T) {
	r := Result{Checks: []Check{{Name: "a", OK: true}, {Name: "b", OK: true}}}
	assert.True(t, r.OK())
	assert.Empty(t, r.Errors())
}
