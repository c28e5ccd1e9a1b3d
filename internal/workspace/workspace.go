// Package workspace manages the local per-tenant session directories the
// network dialer reads credentials from.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/koltyakov/botfleet/internal/fsutil"
)

const credsFile = "creds.json"

// Workspace is a directory holding one session_<id> folder per tenant.
type Workspace struct {
	root string
}

// New returns a workspace rooted at root.
func New(root string) *Workspace {
	return &Workspace{root: root}
}

// Root returns the workspace directory.
func (w *Workspace) Root() string { return w.root }

// Dir returns the session directory of id.
func (w *Workspace) Dir(id string) string {
	return filepath.Join(w.root, "session_"+id)
}

// SaveCreds writes blob as the local credentials of id.
func (w *Workspace) SaveCreds(id string, blob []byte) error {
	if err := fsutil.WriteFileAtomic(filepath.Join(w.Dir(id), credsFile), blob, 0o600); err != nil {
		return fmt.Errorf("save local creds for %s: %w", id, err)
	}
	return nil
}

// LoadCreds returns the local credentials of id, or nil when there are none.
func (w *Workspace) LoadCreds(id string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(w.Dir(id), credsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return b, nil
}

// Remove deletes the session directory of id.
func (w *Workspace) Remove(id string) error {
	return os.RemoveAll(w.Dir(id))
}

// Clear deletes every session directory.
func (w *Workspace) Clear() error {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			if err := os.RemoveAll(filepath.Join(w.root, e.Name())); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
