package clihandler

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestNewRootDisablesCompletionAndUsesSilentCobra(t *testing.T) {
	root := NewRoot("moor", "demo short text")
	assert.Equal(t, "moor", root.Use)
	assert.Equal(t, "demo short text", root.Short)
	assert.True(t, root.CompletionOptions.DisableDefaultCmd)
	assert.True(t, root.SilenceErrors)
	assert.True(t, root.SilenceUsage)
}

func TestPrintDeployedSkippedFailedFormat(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()

	var buf bytes.Buffer
	PrintDeployed(&buf, "web", "color=blue release=a1b2c3d")
	assert.Equal(t, "deployed web: color=blue release=a1b2c3d\n", buf.String())

	buf.Reset()
	PrintSkipped(&buf, "web", "up-to-date")
	assert.Equal(t, "skipped  web: up-to-date\n", buf.String())

	buf.Reset()
	PrintFailed(&buf, "web", "health gate timed out")
	assert.Equal(t, "failed   web: health gate timed out\n", buf.String())
}

func TestWaveCmdIsHidden(t *testing.T) {
	cmd := WaveCmd()
	assert.Equal(t, "wave", cmd.Use)
	assert.True(t, cmd.Hidden)
}
