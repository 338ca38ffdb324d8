// Package reconcile implements spec.md §4.7: for each service in scope,
// decide redeploy or skip by diffing the desired fingerprint against the
// fingerprint labels already on the server, then garbage-collect containers
// and routes for services no longer in the project's configuration.
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/moorhq/moor/pkg/dockerengine"
	"github.com/moorhq/moor/pkg/fingerprint"
	"github.com/moorhq/moor/pkg/labels"
	"github.com/moorhq/moor/pkg/logx"
	"github.com/moorhq/moor/pkg/projectcfg"
	"github.com/moorhq/moor/pkg/proxyclient"
)

// Action is what the reconciler decided for one service.
type Action string

const (
	Redeploy Action = "redeploy"
	Skip     Action = "skip"
)

// Decision is the per-service classification of spec.md §4.7 step 3.
type Decision struct {
	Service string
	Action  Action
	Reason  string
}

// Reconciler diffs desired fingerprints against what a server reports and
// GCs orphaned containers and routes.
type Reconciler struct {
	Docker dockerengine.Engine
	Proxy  *proxyclient.Client
	Log    *logx.Logger
}

// Classify implements spec.md §4.7 steps 1-3 for one service.
func (r *Reconciler) Classify(ctx context.Context, project *projectcfg.Project, svc *projectcfg.Service, desired fingerprint.Fingerprint) (Decision, error) {
	existing, err := r.mostRelevantContainer(ctx, project, svc)
	if err != nil {
		return Decision{}, fmt.Errorf("inspect %s: %w", svc.Name, err)
	}
	if existing == nil {
		return Decision{Service: svc.Name, Action: Redeploy, Reason: "initial"}, nil
	}

	lbl := existing.Labels
	if lbl[labels.ConfigHash] != desired.ConfigHash {
		return Decision{Service: svc.Name, Action: Redeploy, Reason: "config changed"}, nil
	}
	if lbl[labels.SecretsHash] != desired.SecretsHash {
		return Decision{Service: svc.Name, Action: Redeploy, Reason: "secrets changed"}, nil
	}
	if desired.Built {
		if lbl[labels.LocalImageHash] != string(desired.LocalImageHash) || lbl[labels.ServerImageHash] != string(desired.ServerImageHash) {
			return Decision{Service: svc.Name, Action: Redeploy, Reason: "image changed"}, nil
		}
	} else {
		if lbl[labels.ImageReference] != desired.ImageReference {
			return Decision{Service: svc.Name, Action: Redeploy, Reason: "image changed"}, nil
		}
	}
	return Decision{Service: svc.Name, Action: Skip, Reason: "up-to-date"}, nil
}

// mostRelevantContainer implements spec.md §4.7 step 2: the active-color
// container for ingress services, the fixed-name container otherwise.
func (r *Reconciler) mostRelevantContainer(ctx context.Context, project *projectcfg.Project, svc *projectcfg.Service) (*dockerengine.Container, error) {
	if svc.IsIngress() {
		containers, err := r.Docker.ListContainers(ctx, map[string]string{
			labels.Project: project.Name,
			labels.App:     svc.Name,
		})
		if err != nil {
			return nil, err
		}
		if len(containers) == 0 {
			return nil, nil
		}
		for _, c := range containers {
			if c.Labels[labels.Active] == "true" {
				cc := c
				return &cc, nil
			}
		}
		cc := containers[0]
		return &cc, nil
	}

	name := fmt.Sprintf("%s-%s", project.Name, svc.Name)
	containers, err := r.Docker.ListContainers(ctx, map[string]string{
		labels.Project: project.Name,
		labels.Service: svc.Name,
	})
	if err != nil {
		return nil, err
	}
	for _, c := range containers {
		if c.Name == name {
			cc := c
			return &cc, nil
		}
	}
	if len(containers) > 0 {
		cc := containers[0]
		return &cc, nil
	}
	return nil, nil
}

// GC implements spec.md §4.7 step 4: remove every container labeled with
// this project whose service is not in desiredServices, and delete any proxy
// route/certificate that targets a removed service.
func (r *Reconciler) GC(ctx context.Context, project *projectcfg.Project, desiredServices map[string]bool) error {
	all, err := r.Docker.ListContainers(ctx, map[string]string{labels.Project: project.Name})
	if err != nil {
		return fmt.Errorf("list project containers: %w", err)
	}

	removed := map[string]bool{}
	for _, c := range all {
		name, _, ok := labels.ServiceName(c.Labels)
		if !ok || desiredServices[name] {
			continue
		}
		if err := r.Docker.StopContainer(ctx, c.ID, 30); err != nil {
			r.Log.Printf("gc: stop %s: %v", c.Name, err)
		}
		if err := r.Docker.RemoveContainer(ctx, c.ID); err != nil {
			r.Log.Printf("gc: remove %s: %v", c.Name, err)
			continue
		}
		removed[name] = true
	}

	if len(removed) == 0 || r.Proxy == nil {
		return nil
	}
	status, err := r.Proxy.Status()
	if err != nil {
		return fmt.Errorf("list proxy routes for gc: %w", err)
	}
	for _, route := range status.Routes {
		if route.Project != project.Name {
			continue
		}
		svcName, ok := serviceFromTarget(project.Name, route.Target)
		if !ok || !removed[svcName] {
			continue
		}
		if err := r.Proxy.DeleteHost(route.Host); err != nil {
			r.Log.Printf("gc: delete route %s: %v", route.Host, err)
		}
	}
	return nil
}

// serviceFromTarget extracts the service name out of a "{project}-{service}:{port}"
// upstream target string.
func serviceFromTarget(project, target string) (string, bool) {
	host, _, ok := strings.Cut(target, ":")
	if !ok {
		host = target
	}
	prefix := project + "-"
	if !strings.HasPrefix(host, prefix) {
		return "", false
	}
	return strings.TrimPrefix(host, prefix), true
}
