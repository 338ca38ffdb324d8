package dockerengine

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Fake is an in-memory Engine used by pkg/bluegreen and pkg/reconcile tests;
// it keeps the same method surface as Client without requiring a daemon.
type Fake struct {
	mu         sync.Mutex
	containers map[string]Container
	networks   map[string]bool
	digests    map[string]string
	nextID     int
	Pulls      []PullCall
	Specs      []Spec
}

// PullCall records one PullImage invocation for tests that assert moor
// resolved and forwarded registry credentials.
type PullCall struct {
	Ref         string
	EncodedAuth string
}

// NewFake returns an empty Fake engine.
func NewFake() *Fake {
	return &Fake{
		containers: map[string]Container{},
		networks:   map[string]bool{},
		digests:    map[string]string{},
	}
}

// SetDigest seeds the digest ImageDigest returns for ref, for tests that
// exercise the built-image reconciliation path.
func (f *Fake) SetDigest(ref, digest string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digests[ref] = digest
}

func (f *Fake) Close() error { return nil }

func (f *Fake) EnsureNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return nil
}

func (f *Fake) ListContainers(ctx context.Context, labelFilters map[string]string) ([]Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Container
	for _, c := range f.containers {
		if matchesLabels(c.Labels, labelFilters) {
			out = append(out, c)
		}
	}
	return out, nil
}

func matchesLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (f *Fake) InspectContainer(ctx context.Context, id string) (Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return Container{}, fmt.Errorf("no such container: %s", id)
	}
	return c, nil
}

func (f *Fake) CreateContainer(ctx context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Specs = append(f.Specs, spec)
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	aliases := map[string][]string{}
	if spec.Network != "" {
		aliases[spec.Network] = append([]string(nil), spec.Aliases...)
	}
	f.containers[id] = Container{
		ID:      id,
		Name:    spec.Name,
		Image:   spec.Image,
		Labels:  spec.Labels,
		Running: false,
		Aliases: aliases,
	}
	return id, nil
}

func (f *Fake) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	c.Running = true
	f.containers[id] = c
	return nil
}

func (f *Fake) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	c.Running = false
	f.containers[id] = c
	return nil
}

func (f *Fake) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	return nil
}

func (f *Fake) ConnectNetwork(ctx context.Context, network, containerID string, aliases []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	if c.Aliases == nil {
		c.Aliases = map[string][]string{}
	}
	c.Aliases[network] = append([]string(nil), aliases...)
	f.containers[containerID] = c
	return nil
}

func (f *Fake) DisconnectNetwork(ctx context.Context, network, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	delete(c.Aliases, network)
	f.containers[containerID] = c
	return nil
}

func (f *Fake) SaveImage(ctx context.Context, ref string) (io.ReadCloser, error) {
	return io.NopCloser(nopReader{}), nil
}

func (f *Fake) LoadImage(ctx context.Context, r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func (f *Fake) PullImage(ctx context.Context, ref, encodedAuth string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pulls = append(f.Pulls, PullCall{Ref: ref, EncodedAuth: encodedAuth})
	return nil
}

func (f *Fake) ImageDigest(ctx context.Context, ref string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.digests[ref]
	return d, ok, nil
}

type nopReader struct{}

func (nopReader) Read(p []byte) (int, error) { return 0, io.EOF }

var _ Engine = (*Fake)(nil)
var _ Engine = (*Client)(nil)
