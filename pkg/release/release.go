// Package release implements spec.md §3's Release identifier: a tag suffix
// for built images, also printed in each service's "deployed" status line.
package release

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Release identifies one orchestrator run.
type Release struct {
	// Revision is the current source-control revision (e.g. a short git SHA),
	// resolved by the caller; this package does not run git itself (cmd/moor
	// runs "git rev-parse --short HEAD" and falls back to "unknown").
	Revision string
	// At is when the run started.
	At time.Time
	// id is a random component so two runs started in the same second never
	// collide, independent of clock resolution.
	id uuid.UUID
}

// New creates a Release for the given revision, stamped with the current
// time.
func New(revision string) Release {
	return Release{Revision: revision, At: time.Now(), id: uuid.New()}
}

// Tag returns the image tag suffix for this release, e.g.
// "a1b2c3d-20260731100455-f47ac10b".
func (r Release) Tag() string {
	return fmt.Sprintf("%s-%s-%s", r.Revision, r.At.UTC().Format("20060102150405"), r.id.String()[:8])
}

// String is the release identifier printed in the "deployed" status line;
// it equals Tag.
func (r Release) String() string {
	return r.Tag()
}
