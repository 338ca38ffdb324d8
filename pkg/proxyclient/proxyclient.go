// Package proxyclient is the orchestrator's thin client for the edge
// proxy's admin API (spec.md §4.6). The admin API binds to 127.0.0.1:8080
// inside the proxy container by design (spec.md §6: "not exposed
// externally"), and the orchestrator only ever reaches a server over SSH, so
// there is no routable path to that loopback address from the operator's
// workstation. The client therefore reuses the same "docker exec curl"
// pattern the blue-green health gate uses to reach into the project
// network (spec.md §4.1 step 4): it runs curl inside the proxy container
// over the existing SSH connection rather than opening a second transport.
package proxyclient

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Execer runs one command on the target host and returns its combined
// output. *sshtransport.Session satisfies this.
type Execer interface {
	Run(cmd string) (string, error)
}

// Client calls the admin API of the proxy container running on one server.
type Client struct {
	exec           Execer
	proxyContainer string
}

// New returns a Client that reaches the admin API via docker exec inside
// proxyContainer, over exec.
func New(exec Execer, proxyContainer string) *Client {
	return &Client{exec: exec, proxyContainer: proxyContainer}
}

// HostUpsert is the body of POST /api/hosts.
type HostUpsert struct {
	Host       string `json:"host"`
	Target     string `json:"target"`
	Project    string `json:"project"`
	HealthPath string `json:"healthPath"`
	SSL        bool   `json:"ssl"`
}

// RouteSummary is one entry of GET /api/hosts.
type RouteSummary struct {
	Host          string `json:"host"`
	Target        string `json:"target"`
	Project       string `json:"project"`
	HealthStatus  string `json:"healthStatus"`
	CertState     string `json:"certState"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Routes []RouteSummary `json:"routes"`
}

// UpsertHost creates or updates a route.
func (c *Client) UpsertHost(u HostUpsert) error {
	_, err := c.post("/api/hosts", u)
	return err
}

// DeleteHost removes a route and its certificate record.
func (c *Client) DeleteHost(host string) error {
	return c.exec1(fmt.Sprintf("docker exec %s curl -sf -X DELETE http://127.0.0.1:8080/api/hosts/%s", shellQuote(c.proxyContainer), shellQuote(host)))
}

// SetHealth explicitly sets a route's health status, used by tests and by
// manual ops intervention; the health monitor is the normal writer.
func (c *Client) SetHealth(host string, healthy bool) error {
	body := struct {
		Healthy bool `json:"healthy"`
	}{Healthy: healthy}
	_, err := c.post(fmt.Sprintf("/api/hosts/%s/health", host), body)
	return err
}

// Status dumps the current routes and certificate summaries.
func (c *Client) Status() (StatusResponse, error) {
	out, err := c.exec1(fmt.Sprintf("docker exec %s curl -sf http://127.0.0.1:8080/api/status", shellQuote(c.proxyContainer)))
	if err != nil {
		return StatusResponse{}, err
	}
	var resp StatusResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return StatusResponse{}, fmt.Errorf("parse status response: %w", err)
	}
	return resp, nil
}

// RenewCert forces a host's certificate into the renewing state.
func (c *Client) RenewCert(host string) error {
	body := struct {
		Host string `json:"host"`
	}{Host: host}
	_, err := c.post("/api/cert/renew", body)
	return err
}

// SetStaging toggles the global ACME staging flag.
func (c *Client) SetStaging(enabled bool) error {
	body := struct {
		Staging bool `json:"staging"`
	}{Staging: enabled}
	_, err := c.post("/api/staging", body)
	return err
}

func (c *Client) post(path string, body any) (string, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal admin API request: %w", err)
	}
	cmd := fmt.Sprintf(
		"docker exec %s curl -sf -X POST -H 'Content-Type: application/json' -d %s http://127.0.0.1:8080%s",
		shellQuote(c.proxyContainer), shellQuote(string(b)), path,
	)
	return c.exec1(cmd)
}

func (c *Client) exec1(cmd string) (string, error) {
	out, err := c.exec.Run(cmd)
	if err != nil {
		return "", fmt.Errorf("admin API call failed: %w (output: %s)", err, out)
	}
	return out, nil
}

// shellQuote wraps s in single quotes for safe interpolation into a remote
// shell command, escaping any embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
