package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/koltyakov/botfleet/internal/domain"
)

// Defaults returns the process-wide settings with OWNER_NUMBER filled in
// for id.
func (a *Adapter) Defaults(id string) domain.Settings {
	s := a.defaults.Clone()
	if s[domain.SettingOwnerNumber] == "" {
		s[domain.SettingOwnerNumber] = id
	}
	return s
}

// LoadSettings returns the merged settings of id. Only overrides are
// stored remotely; a tenant without a settings object gets the defaults.
func (a *Adapter) LoadSettings(ctx context.Context, id string) (domain.Settings, error) {
	if s, ok := a.state.Settings.Get(id); ok {
		return s.Clone(), nil
	}
	overrides, _, err := a.readOverrides(ctx, id)
	if err != nil {
		return nil, &domain.TenantError{Tenant: id, Op: "load settings", Err: err}
	}
	merged := domain.Merge(a.Defaults(id), overrides)
	a.state.Settings.Set(id, merged)
	return merged.Clone(), nil
}

// UpdateSettings merges patch into the stored overrides of id with a
// conditional write and refreshes the cache entry in place.
func (a *Adapter) UpdateSettings(ctx context.Context, id string, patch domain.Settings) (domain.Settings, error) {
	for k := range patch {
		if !domain.IsKnownSetting(k) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSetting, k)
		}
	}

	var merged domain.Settings
	write := func() error {
		overrides, version, err := a.readOverrides(ctx, id)
		if err != nil {
			return err
		}
		defaults := a.Defaults(id)
		merged = domain.Merge(domain.Merge(defaults, overrides), patch)
		data, err := json.Marshal(merged.Overrides(defaults))
		if err != nil {
			return err
		}
		_, err = a.put(ctx, a.configName(id), data, version)
		return err
	}

	err := write()
	if errors.Is(err, domain.ErrVersionConflict) {
		err = write()
	}
	if err != nil {
		return nil, &domain.TenantError{Tenant: id, Op: "update settings", Err: err}
	}
	a.state.Settings.Set(id, merged)
	return merged.Clone(), nil
}

func (a *Adapter) readOverrides(ctx context.Context, id string) (domain.Settings, string, error) {
	name := a.configName(id)
	data, version, err := a.get(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Settings{}, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	overrides := domain.Settings{}
	if len(data) > 0 {
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, "", fmt.Errorf("decode %s: %w", name, err)
		}
		overrides = settingsFromStored(raw)
	}
	return overrides, version, nil
}

// settingsFromStored decodes a stored settings object, skipping keys this
// build does not know instead of failing the whole tenant.
func settingsFromStored(raw map[string]any) domain.Settings {
	known := make(map[string]any, len(raw))
	for k, v := range raw {
		if domain.IsKnownSetting(k) {
			known[k] = v
		}
	}
	s, err := domain.SettingsFromPatch(known)
	if err != nil {
		return domain.Settings{}
	}
	return s
}
