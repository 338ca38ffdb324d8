package logx

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newBufLogger(tag Tag) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Logger{tag: tag, out: log.New(&buf, "", 0)}, &buf
}

func TestPrintfIncludesTagAndRFC3339Timestamp(t *testing.T) {
	l, buf := newBufLogger(ACME)
	l.Printf("order created for %s", "demo.example")

	line := buf.String()
	assert.Contains(t, line, "[ACME]")
	assert.Contains(t, line, "order created for demo.example")
	assert.NotContains(t, line, "[]")
}

func TestWithHostAddsHostSegment(t *testing.T) {
	l, buf := newBufLogger(Health)
	l.WithHost("demo.example").Printf("probe failed")

	assert.Contains(t, buf.String(), "[HEALTH] [demo.example] probe failed")
}

func TestWithHostLeavesOriginalUnaffected(t *testing.T) {
	l, buf := newBufLogger(Proxy)
	hosted := l.WithHost("demo.example")
	l.Printf("unscoped")
	hosted.Printf("scoped")

	out := buf.String()
	assert.Contains(t, out, "[PROXY] unscoped")
	assert.Contains(t, out, "[PROXY] [demo.example] scoped")
}

func TestErrorPrefixesMessage(t *testing.T) {
	l, buf := newBufLogger(CLI)
	l.Error("disk full")
	assert.Contains(t, buf.String(), "error: disk full")
}
