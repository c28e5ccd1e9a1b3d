package credstore

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/koltyakov/botfleet/internal/domain"
)

// LoadAdmins returns the admin numbers from the admin file, cached for the
// admin TTL. A missing or malformed file yields an empty list.
func (a *Adapter) LoadAdmins() []string {
	if ids, ok := a.state.Admins(); ok {
		return ids
	}
	ids, err := ReadAdminFile(a.adminFile)
	if err != nil {
		a.log.Warn("failed to load admin list", "path", a.adminFile, "err", err)
		ids = nil
	}
	a.state.SetAdmins(ids)
	return ids
}

// ReadAdminFile parses a YAML or JSON list of numbers. Entries that do not
// normalize to a tenant id are dropped.
func ReadAdminFile(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []string
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse admin file: %w", err)
	}
	out := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		id, err := domain.NormalizeTenantID(e)
		if err != nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
