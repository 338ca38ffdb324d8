package proxyclient

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExec struct {
	cmds []string
	next string
	err  error
}

func (r *recordingExec) Run(cmd string) (string, error) {
	r.cmds = append(r.cmds, cmd)
	return r.next, r.err
}

func TestUpsertHostPostsJSONViaDockerExecCurl(t *testing.T) {
	exec := &recordingExec{}
	c := New(exec, "moor-edge")

	require.NoError(t, c.UpsertHost(HostUpsert{Host: "demo.example", Target: "demo-web:3000", SSL: true}))
	require.Len(t, exec.cmds, 1)
	cmd := exec.cmds[0]
	assert.Contains(t, cmd, "docker exec 'moor-edge' curl -sf -X POST")
	assert.Contains(t, cmd, `"host":"demo.example"`)
	assert.Contains(t, cmd, "http://127.0.0.1:8080/api/hosts")
}

func TestDeleteHostQuotesHostArgument(t *testing.T) {
	exec := &recordingExec{}
	c := New(exec, "moor-edge")
	require.NoError(t, c.DeleteHost("demo.example"))
	assert.Contains(t, exec.cmds[0], "DELETE http://127.0.0.1:8080/api/hosts/'demo.example'")
}

func TestStatusParsesResponseBody(t *testing.T) {
	exec := &recordingExec{next: `{"routes":[{"host":"demo.example","target":"demo-web:3000"}]}`}
	c := New(exec, "moor-edge")
	status, err := c.Status()
	require.NoError(t, err)
	require.Len(t, status.Routes, 1)
	assert.Equal(t, "demo.example", status.Routes[0].Host)
}

func TestExecFailurePropagatesWithOutput(t *testing.T) {
	exec := &recordingExec{next: "curl: (7) connection refused", err: assert.AnError}
	c := New(exec, "moor-edge")
	err := c.DeleteHost("demo.example")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "connection refused"))
}
