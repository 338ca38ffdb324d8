package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moorhq/moor/pkg/dockerengine"
	"github.com/moorhq/moor/pkg/fingerprint"
	"github.com/moorhq/moor/pkg/labels"
	"github.com/moorhq/moor/pkg/logx"
	"github.com/moorhq/moor/pkg/projectcfg"
)

func project() *projectcfg.Project {
	return &projectcfg.Project{Name: "demo"}
}

func ingressService() *projectcfg.Service {
	img := "nginx:latest"
	return &projectcfg.Service{
		Name:  "web",
		Image: &img,
		Ingress: &projectcfg.Ingress{Hosts: []string{"demo.example"}, Port: 3000},
	}
}

func TestClassifyInitialWhenNoContainerExists(t *testing.T) {
	eng := dockerengine.NewFake()
	r := &Reconciler{Docker: eng, Log: logx.New(logx.CLI)}

	desired := fingerprint.External(ingressService(), nil, "nginx:latest")
	d, err := r.Classify(context.Background(), project(), ingressService(), desired)
	require.NoError(t, err)
	assert.Equal(t, Redeploy, d.Action)
	assert.Equal(t, "initial", d.Reason)
}

func TestClassifySkipsWhenFingerprintMatches(t *testing.T) {
	eng := dockerengine.NewFake()
	svc := ingressService()
	desired := fingerprint.External(svc, nil, "nginx:latest")

	set := labels.NewSet("demo", labels.TypeApp, "web", 1, desired.ConfigHash, desired.SecretsHash).
		WithColor(labels.ColorBlue, true).
		WithExternalImage(desired.ImageReference)
	id, err := eng.CreateContainer(context.Background(), dockerengine.Spec{Name: "demo-web-blue-1", Labels: set})
	require.NoError(t, err)
	require.NoError(t, eng.StartContainer(context.Background(), id))

	r := &Reconciler{Docker: eng, Log: logx.New(logx.CLI)}
	d, err := r.Classify(context.Background(), project(), svc, desired)
	require.NoError(t, err)
	assert.Equal(t, Skip, d.Action)
}

func TestClassifyRedeploysWhenImageReferenceChanges(t *testing.T) {
	eng := dockerengine.NewFake()
	svc := ingressService()
	old := fingerprint.External(svc, nil, "nginx:1.24")

	set := labels.NewSet("demo", labels.TypeApp, "web", 1, old.ConfigHash, old.SecretsHash).
		WithColor(labels.ColorBlue, true).
		WithExternalImage(old.ImageReference)
	id, err := eng.CreateContainer(context.Background(), dockerengine.Spec{Name: "demo-web-blue-1", Labels: set})
	require.NoError(t, err)
	require.NoError(t, eng.StartContainer(context.Background(), id))

	desired := fingerprint.External(svc, nil, "nginx:1.25")
	r := &Reconciler{Docker: eng, Log: logx.New(logx.CLI)}
	d, err := r.Classify(context.Background(), project(), svc, desired)
	require.NoError(t, err)
	assert.Equal(t, Redeploy, d.Action)
}

func TestGCRemovesContainersForDroppedServices(t *testing.T) {
	eng := dockerengine.NewFake()
	set := labels.NewSet("demo", labels.TypeApp, "orphan", 1, "c", "s").WithColor(labels.ColorBlue, true)
	id, err := eng.CreateContainer(context.Background(), dockerengine.Spec{Name: "demo-orphan-blue-1", Labels: set})
	require.NoError(t, err)
	require.NoError(t, eng.StartContainer(context.Background(), id))

	r := &Reconciler{Docker: eng, Log: logx.New(logx.CLI)}
	err = r.GC(context.Background(), project(), map[string]bool{"web": true})
	require.NoError(t, err)

	containers, err := eng.ListContainers(context.Background(), map[string]string{labels.Project: "demo"})
	require.NoError(t, err)
	assert.Empty(t, containers)
}

func TestGCKeepsDesiredServices(t *testing.T) {
	eng := dockerengine.NewFake()
	set := labels.NewSet("demo", labels.TypeApp, "web", 1, "c", "s").WithColor(labels.ColorBlue, true)
	id, err := eng.CreateContainer(context.Background(), dockerengine.Spec{Name: "demo-web-blue-1", Labels: set})
	require.NoError(t, err)
	require.NoError(t, eng.StartContainer(context.Background(), id))

	r := &Reconciler{Docker: eng, Log: logx.New(logx.CLI)}
	err = r.GC(context.Background(), project(), map[string]bool{"web": true})
	require.NoError(t, err)

	containers, err := eng.ListContainers(context.Background(), map[string]string{labels.Project: "demo"})
	require.NoError(t, err)
	assert.Len(t, containers, 1)
}

func TestServiceFromTarget(t *testing.T) {
	name, ok := serviceFromTarget("demo", "demo-web:3000")
	require.True(t, ok)
	assert.Equal(t, "web", name)

	_, ok = serviceFromTarget("demo", "other-web:3000")
	assert.False(t, ok)
}
