// Package certstore implements the on-disk PEM layout of spec.md §6: one
// directory per host holding cert.pem/key.pem/chain.pem, plus a single ACME
// account key shared across hosts. Certificate PEM material never lives
// inlined in the state snapshot (pkg/proxystate carries only summaries), so
// this is the only place private key bytes touch disk, written 0600 and via
// the same write-temp-then-rename pattern the state store uses.
package certstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// Store roots every certificate and the ACME account key under one
// directory (by default /var/lib/moor-proxy, see New).
type Store struct {
	root string
}

// New returns a Store rooted at root (e.g. "/var/lib/moor-proxy").
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) certDir(host string) string {
	return filepath.Join(s.root, "certs", host)
}

// Bundle is one host's certificate material.
type Bundle struct {
	CertPEM  []byte
	KeyPEM   []byte
	ChainPEM []byte
}

// Write persists a bundle atomically: each file is written to a sibling
// temp path then renamed into place, so a crash mid-write never leaves a
// partial PEM file at the canonical path.
func (s *Store) Write(host string, b Bundle) error {
	dir := s.certDir(host)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cert dir for %s: %w", host, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "cert.pem"), b.CertPEM, 0o644); err != nil {
		return fmt.Errorf("write cert.pem for %s: %w", host, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "key.pem"), b.KeyPEM, 0o600); err != nil {
		return fmt.Errorf("write key.pem for %s: %w", host, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "chain.pem"), b.ChainPEM, 0o644); err != nil {
		return fmt.Errorf("write chain.pem for %s: %w", host, err)
	}
	return nil
}

// Read loads a host's certificate bundle.
func (s *Store) Read(host string) (Bundle, error) {
	dir := s.certDir(host)
	var b Bundle
	var err error
	if b.CertPEM, err = os.ReadFile(filepath.Join(dir, "cert.pem")); err != nil {
		return Bundle{}, err
	}
	if b.KeyPEM, err = os.ReadFile(filepath.Join(dir, "key.pem")); err != nil {
		return Bundle{}, err
	}
	// chain.pem is optional: some issuance paths fold the chain into cert.pem.
	b.ChainPEM, _ = os.ReadFile(filepath.Join(dir, "chain.pem"))
	return b, nil
}

// Delete removes a host's entire certificate directory (spec.md §4.7's
// orphan-removal GC deletes certs/{host}/ this way).
func (s *Store) Delete(host string) error {
	if err := os.RemoveAll(s.certDir(host)); err != nil {
		return fmt.Errorf("delete cert dir for %s: %w", host, err)
	}
	return nil
}

func (s *Store) accountKeyPath() string {
	return filepath.Join(s.root, "acme", "account.key")
}

// LoadOrCreateAccountKey returns the persisted ACME account key, generating
// and persisting a fresh ECDSA P-256 key on first use (spec.md §4.3 step 1).
func (s *Store) LoadOrCreateAccountKey() (*ecdsa.PrivateKey, error) {
	path := s.accountKeyPath()
	b, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(b)
		if block == nil {
			return nil, fmt.Errorf("account key %s is not valid PEM", path)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse account key %s: %w", path, err)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read account key %s: %w", path, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal account key: %w", err)
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create acme dir: %w", err)
	}
	if err := writeFileAtomic(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("persist account key: %w", err)
	}
	return key, nil
}

// AccountRef is the value recorded in the state snapshot for the account
// key location, not the key material itself.
func (s *Store) AccountRef() string {
	return s.accountKeyPath()
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
