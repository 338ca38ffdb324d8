package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressStringWithKnownTotal(t *testing.T) {
	p := Progress{Phase: "uploading", BytesDone: 1024, BytesTotal: 2048}
	assert.Equal(t, "uploading: 1.024kB/2.048kB", p.String())
}

func TestProgressStringWithUnknownTotal(t *testing.T) {
	p := Progress{Phase: "saving", BytesDone: 512}
	assert.Equal(t, "saving: 512B", p.String())
}
