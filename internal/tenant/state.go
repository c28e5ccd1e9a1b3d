// Package tenant holds the process-wide per-tenant state shared by the
// session manager, credential store, and HTTP layer.
package tenant

import (
	"time"

	"github.com/koltyakov/botfleet/internal/cache"
	"github.com/koltyakov/botfleet/internal/domain"
	"github.com/koltyakov/botfleet/internal/registry"
)

const (
	DefaultCredentialsTTL = 5 * time.Minute
	DefaultSettingsTTL    = 5 * time.Minute
	DefaultAdminsTTL      = 24 * time.Hour
)

// adminsKey is the single key used in the admin list cache.
const adminsKey = "admins"

// CacheTTLs configures entry lifetimes. Zero values fall back to defaults.
type CacheTTLs struct {
	Credentials time.Duration
	Settings    time.Duration
	Admins      time.Duration
}

// State owns the session registry and the tenant caches. A single State is
// created at startup and handed to every component that needs it.
type State struct {
	Registry    *registry.Registry
	Credentials *cache.TTL[string, []byte]
	Settings    *cache.TTL[string, domain.Settings]
	admins      *cache.TTL[string, []string]
}

func NewState(ttls CacheTTLs) *State {
	if ttls.Credentials <= 0 {
		ttls.Credentials = DefaultCredentialsTTL
	}
	if ttls.Settings <= 0 {
		ttls.Settings = DefaultSettingsTTL
	}
	if ttls.Admins <= 0 {
		ttls.Admins = DefaultAdminsTTL
	}
	return &State{
		Registry:    registry.New(),
		Credentials: cache.New[string, []byte](ttls.Credentials),
		Settings:    cache.New[string, domain.Settings](ttls.Settings),
		admins:      cache.New[string, []string](ttls.Admins),
	}
}

// WithClock points every cache at now. Intended for tests.
func (s *State) WithClock(now func() time.Time) *State {
	s.Credentials.WithClock(now)
	s.Settings.WithClock(now)
	s.admins.WithClock(now)
	return s
}

// Admins returns the cached admin list.
func (s *State) Admins() ([]string, bool) {
	return s.admins.Get(adminsKey)
}

// SetAdmins replaces the cached admin list.
func (s *State) SetAdmins(ids []string) {
	s.admins.Set(adminsKey, ids)
}

// Forget drops the cached credentials and settings of id.
func (s *State) Forget(id string) {
	s.Credentials.Delete(id)
	s.Settings.Delete(id)
}

// Sweep evicts expired entries from every cache.
func (s *State) Sweep() int {
	return s.Credentials.Cleanup() + s.Settings.Cleanup() + s.admins.Cleanup()
}

// Reset empties every cache. Used on shutdown.
func (s *State) Reset() {
	s.Credentials.Clear()
	s.Settings.Clear()
	s.admins.Clear()
}
