// Package preflight runs the checks spec.md §4 requires before a deploy is
// allowed to touch a server: a minimum Docker Engine version, and that the
// project's network exists (it is created when missing). SSH reachability is
// established by the caller's dial before Run, and the edge proxy container's
// presence is not checked here. Version comparison follows the same
// Masterminds/semver pattern the pack's openshift-cluster-network-operator
// uses to gate upgrades.
package preflight

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/moorhq/moor/pkg/dockerengine"
	"github.com/moorhq/moor/pkg/sshtransport"
)

// MinDockerVersion is the lowest Docker Engine version moor's network-alias
// rebind and image-load flow has been verified against.
const MinDockerVersion = "20.10.0"

// Result is the outcome of one preflight run, aggregating every failure
// rather than stopping at the first so the operator sees the full picture.
type Result struct {
	Checks []Check
}

// Check is one named preflight check and its outcome.
type Check struct {
	Name string
	OK   bool
	Err  error
}

// OK reports whether every check passed.
func (r Result) OK() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// Errors collects the failing checks' errors.
func (r Result) Errors() []error {
	var errs []error
	for _, c := range r.Checks {
		if !c.OK {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, c.Err))
		}
	}
	return errs
}

// Run executes the full preflight suite against one server.
func Run(ctx context.Context, sess *sshtransport.Session, eng dockerengine.Engine, networkName string) Result {
	var r Result

	r.Checks = append(r.Checks, checkDockerVersion(sess))
	r.Checks = append(r.Checks, checkNetwork(ctx, eng, networkName))

	return r
}

func checkDockerVersion(sess *sshtransport.Session) Check {
	out, err := sess.Run("docker version --format '{{.Server.Version}}'")
	if err != nil {
		return Check{Name: "docker-version", Err: fmt.Errorf("query remote docker version: %w", err)}
	}
	remoteVersion := strings.TrimSpace(out)

	have, err := semver.NewVersion(remoteVersion)
	if err != nil {
		return Check{Name: "docker-version", Err: fmt.Errorf("parse remote docker version %q: %w", remoteVersion, err)}
	}
	want, err := semver.NewVersion(MinDockerVersion)
	if err != nil {
		// Programmer error: MinDockerVersion is a constant.
		panic(fmt.Sprintf("preflight: invalid MinDockerVersion constant: %v", err))
	}
	if have.LessThan(want) {
		return Check{Name: "docker-version", Err: fmt.Errorf("remote docker %s is older than the minimum supported %s", have, want)}
	}
	return Check{Name: "docker-version", OK: true}
}

func checkNetwork(ctx context.Context, eng dockerengine.Engine, name string) Check {
	if err := eng.EnsureNetwork(ctx, name); err != nil {
		return Check{Name: "network", Err: err}
	}
	return Check{Name: "network", OK: true}
}
