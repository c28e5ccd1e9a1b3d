// Package roster keeps the list of tenants that should be connected on
// startup in a JSON file.
package roster

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/koltyakov/botfleet/internal/domain"
	"github.com/koltyakov/botfleet/internal/fsutil"
)

// Roster is a JSON array of tenant ids on disk. Every mutation re-reads the
// file under the roster mutex, so edits made by other tools are kept.
type Roster struct {
	mu   sync.Mutex
	path string
}

// New returns a roster backed by path. The file is created on first write.
func New(path string) *Roster {
	return &Roster{path: path}
}

// Path returns the backing file.
func (r *Roster) Path() string { return r.path }

// List returns the stored tenant ids, normalized and in file order. A missing
// file is an empty roster.
func (r *Roster) List() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Add appends id if it is not yet present. It reports whether the file
// changed.
func (r *Roster) Add(id string) (bool, error) {
	id, err := domain.NormalizeTenantID(id)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ids, err := r.load()
	if err != nil {
		return false, err
	}
	for _, existing := range ids {
		if existing == id {
			return false, nil
		}
	}
	return true, r.save(append(ids, id))
}

// Remove drops id. It reports whether the file changed.
func (r *Roster) Remove(id string) (bool, error) {
	id, err := domain.NormalizeTenantID(id)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ids, err := r.load()
	if err != nil {
		return false, err
	}
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	if len(out) == len(ids) {
		return false, nil
	}
	return true, r.save(out)
}

func (r *Roster) load() ([]string, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read roster: %w", err)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", r.path, err)
	}
	seen := make(map[string]struct{}, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		// Numbers may be stored as JSON strings or bare numbers.
		var text string
		if err := json.Unmarshal(e, &text); err != nil {
			text = string(e)
		}
		id, err := domain.NormalizeTenantID(text)
		if err != nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Roster) save(ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(r.path, b, 0o644)
}
