// Package cliprefs persists the orchestrator CLI's local preferences, the
// same shape as the teacher's cmd/yeet prefs type: a small JSON file under
// the user's home directory holding the last-used remote host and similar
// sticky defaults, with a changed flag so `save` only writes when something
// actually changed.
package cliprefs

import (
	"encoding/json"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
)

// Prefs holds the operator's sticky CLI defaults.
type Prefs struct {
	changed bool

	Host         string `json:"host"`
	Project      string `json:"project,omitempty"`
	SSHKeyFile   string `json:"sshKeyFile,omitempty"`
	StagingACME  bool   `json:"stagingAcme,omitempty"`
}

// Path returns ~/.moor/prefs.json.
func Path() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".moor", "prefs.json"), nil
}

// Load reads the preferences file, returning a zero-value Prefs if it does
// not exist.
func Load() (*Prefs, error) {
	p := &Prefs{}
	path, err := Path()
	if err != nil {
		return p, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, err
	}
	if err := json.Unmarshal(b, p); err != nil {
		return p, err
	}
	return p, nil
}

// Set updates a field and marks the preferences as changed, mirroring the
// teacher's flagPref[T] generic setter.
func (p *Prefs) Set(field *string, value string) {
	if *field == value {
		return
	}
	*field = value
	p.changed = true
}

// Changed reports whether any field has been modified since Load.
func (p *Prefs) Changed() bool { return p.changed }

// Save writes the preferences file, creating the parent directory if
// necessary.
func (p *Prefs) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
