// Package sshtransport dials the remote servers moor deploys to. The
// teacher terminates SSH itself (pkg/catch, a gliderlabs/ssh server running
// over its Tailscale mesh); moor instead runs as an SSH *client* against a
// plain, operator-owned server, so this package is the client-side half of
// the same golang.org/x/crypto/ssh stack plus github.com/pkg/sftp, the same
// SFTP package the teacher's server uses.
package sshtransport

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	homedir "github.com/mitchellh/go-homedir"
)

// Config describes how to reach one deploy target.
type Config struct {
	Host    string
	Port    int
	User    string
	KeyFile string // empty tries the ssh-agent, then ~/.ssh/id_ed25519 and id_rsa
	Timeout time.Duration
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", port))
}

// Session wraps one live SSH connection, used for both command execution
// (preflight checks, remote docker load) and SFTP uploads (image transfer).
type Session struct {
	client *ssh.Client
}

// Dial opens an SSH connection using public-key auth, verifying the server
// against the operator's ~/.ssh/known_hosts.
func Dial(cfg Config) (*Session, error) {
	authMethods, err := authMethods(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("resolve ssh auth methods: %w", err)
	}

	hostKeyCallback, err := knownHostsCallback()
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            user(cfg.User),
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	client, err := ssh.Dial("tcp", cfg.addr(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.addr(), err)
	}
	return &Session{client: client}, nil
}

func user(u string) string {
	if u == "" {
		return "root"
	}
	return u
}

// Close closes the underlying connection.
func (s *Session) Close() error { return s.client.Close() }

// Run executes a single command on the remote host and returns its combined
// stdout/stderr and exit error, if any.
func (s *Session) Run(cmd string) (output string, err error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open ssh session: %w", err)
	}
	defer sess.Close()

	var buf bytes.Buffer
	sess.Stdout = &buf
	sess.Stderr = &buf
	if err := sess.Run(cmd); err != nil {
		return buf.String(), fmt.Errorf("run %q: %w", cmd, err)
	}
	return buf.String(), nil
}

// SFTP opens an SFTP subsystem session on top of the existing connection,
// for the image-transfer upload step.
func (s *Session) SFTP() (*sftp.Client, error) {
	cl, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}
	return cl, nil
}

func authMethods(keyFile string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	candidates := []string{keyFile}
	if keyFile == "" {
		home, err := homedir.Dir()
		if err == nil {
			candidates = []string{
				filepath.Join(home, ".ssh", "id_ed25519"),
				filepath.Join(home, ".ssh", "id_rsa"),
			}
		}
	}
	for _, path := range candidates {
		if path == "" {
			continue
		}
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(b)
		if err != nil {
			continue
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no usable ssh key found (tried agent and %v)", candidates)
	}
	return methods, nil
}

func knownHostsCallback() (ssh.HostKeyCallback, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(home, ".ssh", "known_hosts")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no known_hosts file at %s; run ssh once against the target manually first", path)
		}
		return nil, err
	}
	return knownhosts.New(path)
}
