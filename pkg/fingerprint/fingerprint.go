// Package fingerprint computes the per-service hashes spec.md §3 defines:
// configHash, secretsHash, and the tagged built/external fingerprint the
// reconciler diffs against what is already running on the target server.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/moorhq/moor/pkg/projectcfg"
)

// Fingerprint is the tagged variant of spec.md §3.
type Fingerprint struct {
	ConfigHash  string
	SecretsHash string

	// Built-variant fields.
	LocalImageHash  digest.Digest
	ServerImageHash digest.Digest

	// External-variant field.
	ImageReference string

	Built bool // true selects the built variant, false the external variant
}

// ConfigHash computes the stable hash over spec.md §3's configHash
// definition: image reference or build descriptor, sorted env plain list,
// sorted secret-key list, sorted port list, sorted volume list, ingress
// block, command override, replica count. Sorting every list first makes
// the hash invariant under reordering, satisfying the round-trip law of
// spec.md §8.
func ConfigHash(svc *projectcfg.Service) string {
	h := sha256.New()
	w := func(s string) { fmt.Fprintf(h, "%s\x00", s) }

	if svc.Image != nil {
		w("image:" + *svc.Image)
	} else if svc.Build != nil {
		w("build:" + svc.Build.Context + ":" + svc.Build.Dockerfile)
	}

	plainKeys := sortedKeys(svc.Env.Plain)
	for _, k := range plainKeys {
		w("env:" + k + "=" + svc.Env.Plain[k])
	}

	secretKeys := append([]string(nil), svc.Env.Secrets...)
	sort.Strings(secretKeys)
	for _, k := range secretKeys {
		w("secretkey:" + k)
	}

	ports := append([]projectcfg.PortMapping(nil), svc.Ports...)
	sort.Slice(ports, func(i, j int) bool { return portKey(ports[i]) < portKey(ports[j]) })
	for _, p := range ports {
		w("port:" + portKey(p))
	}

	vols := append([]projectcfg.Volume(nil), svc.Volumes...)
	sort.Slice(vols, func(i, j int) bool { return volumeKey(vols[i]) < volumeKey(vols[j]) })
	for _, v := range vols {
		w("volume:" + volumeKey(v))
	}

	if svc.Ingress != nil {
		hosts := append([]string(nil), svc.Ingress.Hosts...)
		sort.Strings(hosts)
		w(fmt.Sprintf("ingress:%d:%s:%s:%v", svc.Ingress.Port, strings.Join(hosts, ","), svc.Ingress.HealthPathOrDefault(), svc.Ingress.SSLEnabled()))
	}

	w("command:" + strings.Join(svc.Command, "\x1f"))
	w("replicas:" + strconv.Itoa(svc.ReplicaCount()))

	return hex.EncodeToString(h.Sum(nil))
}

// SecretsHash computes spec.md §3's secretsHash: a hash over the resolved
// values of the secret keys a service references. The set of referenced
// keys (not just their values) is already covered by ConfigHash, so this
// hash exists solely to detect value rotation with the same key set.
func SecretsHash(resolved map[string]string) string {
	h := sha256.New()
	for _, k := range sortedKeys(resolved) {
		fmt.Fprintf(h, "%s=%s\x00", k, resolved[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Built constructs the built-variant Fingerprint (spec.md §3).
func Built(svc *projectcfg.Service, resolvedSecrets map[string]string, localImageHash, serverImageHash digest.Digest) Fingerprint {
	return Fingerprint{
		ConfigHash:      ConfigHash(svc),
		SecretsHash:     SecretsHash(resolvedSecrets),
		LocalImageHash:  localImageHash,
		ServerImageHash: serverImageHash,
		Built:           true,
	}
}

// External constructs the external-variant Fingerprint (spec.md §3).
func External(svc *projectcfg.Service, resolvedSecrets map[string]string, imageRef string) Fingerprint {
	return Fingerprint{
		ConfigHash:     ConfigHash(svc),
		SecretsHash:    SecretsHash(resolvedSecrets),
		ImageReference: imageRef,
		Built:          false,
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func portKey(p projectcfg.PortMapping) string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d:%d/%s", p.Host, p.Container, proto)
}

func volumeKey(v projectcfg.Volume) string {
	return fmt.Sprintf("%s:%s:%v", v.HostPath, v.ContainerPath, v.ReadOnly)
}
