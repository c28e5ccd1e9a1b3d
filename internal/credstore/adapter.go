package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/koltyakov/botfleet/internal/domain"
	"github.com/koltyakov/botfleet/internal/metrics"
	"github.com/koltyakov/botfleet/internal/tenant"
)

const (
	defaultCallTimeout    = 20 * time.Second
	defaultDeleteInterval = 500 * time.Millisecond
)

// Options configures an [Adapter]. Zero values fall back to defaults.
type Options struct {
	// Prefix is prepended to every object name, e.g. "session/".
	Prefix string
	// Defaults are the process-wide settings merged under tenant overrides.
	Defaults domain.Settings
	// AdminFile is a YAML or JSON list of admin numbers.
	AdminFile string
	// CallTimeout bounds every backend call.
	CallTimeout time.Duration
	// DeleteInterval paces sequential deletes in [Adapter.DeleteAll].
	DeleteInterval time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Adapter fronts a [Backend] with the tenant caches and remembers the
// version token of each tenant's credential object so later writes can be
// conditional.
type Adapter struct {
	backend   Backend
	state     *tenant.State
	prefix    string
	defaults  domain.Settings
	adminFile string
	timeout   time.Duration
	interval  time.Duration
	now       func() time.Time
	log       *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	current map[string]objectRef
}

type objectRef struct {
	name    string
	version string
}

func New(backend Backend, state *tenant.State, opts Options) *Adapter {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.DeleteInterval <= 0 {
		opts.DeleteInterval = defaultDeleteInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	defaults := domain.DefaultSettings()
	if opts.Defaults != nil {
		defaults = domain.Merge(defaults, opts.Defaults)
	}
	return &Adapter{
		backend:   backend,
		state:     state,
		prefix:    opts.Prefix,
		defaults:  defaults,
		adminFile: opts.AdminFile,
		timeout:   opts.CallTimeout,
		interval:  opts.DeleteInterval,
		now:       opts.Now,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		current:   make(map[string]objectRef),
	}
}

// Restore returns the newest stored credential blob for id. The second
// result is false when the tenant has never been persisted.
func (a *Adapter) Restore(ctx context.Context, id string) ([]byte, bool, error) {
	if blob, ok := a.state.Credentials.Get(id); ok {
		return append([]byte(nil), blob...), true, nil
	}
	objs, err := a.listCreds(ctx, id)
	if err != nil {
		return nil, false, &domain.TenantError{Tenant: id, Op: "restore", Err: err}
	}
	if len(objs) == 0 {
		return nil, false, nil
	}
	newestFirst(objs)
	newest := objs[0]
	blob, version, err := a.get(ctx, newest.name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &domain.TenantError{Tenant: id, Op: "restore", Err: err}
	}
	a.mu.Lock()
	a.current[id] = objectRef{name: newest.name, version: version}
	a.mu.Unlock()
	a.state.Credentials.Set(id, append([]byte(nil), blob...))
	return blob, true, nil
}

// PruneDuplicates keeps only the newest credential object for id and
// deletes the rest. It returns the name of the kept object, or "" when
// nothing is stored.
func (a *Adapter) PruneDuplicates(ctx context.Context, id string) (string, error) {
	objs, err := a.listCreds(ctx, id)
	if err != nil {
		return "", &domain.TenantError{Tenant: id, Op: "prune", Err: err}
	}
	if len(objs) == 0 {
		return "", nil
	}
	newestFirst(objs)
	kept := objs[0].name
	for _, obj := range objs[1:] {
		if err := a.delete(ctx, obj.name); err != nil && !errors.Is(err, domain.ErrNotFound) {
			a.log.Warn("failed to prune stale credentials", "tenant", id, "object", obj.name, "err", err)
		}
	}
	a.mu.Lock()
	if ref, ok := a.current[id]; ok && ref.name != kept {
		a.current[id] = objectRef{name: kept}
	}
	a.mu.Unlock()
	if len(objs) > 1 {
		a.log.Info("pruned stale credentials", "tenant", id, "deleted", len(objs)-1, "kept", kept)
	}
	return kept, nil
}

// Persist writes blob to the tenant's current credential object using a
// conditional write. A version conflict is retried once with a fresh token.
func (a *Adapter) Persist(ctx context.Context, id string, blob []byte) error {
	a.mu.Lock()
	ref, ok := a.current[id]
	a.mu.Unlock()
	if !ok {
		ref = objectRef{name: a.credsName(id, a.now())}
	}
	if ref.version == "" {
		v, err := a.lookupVersion(ctx, ref.name)
		if err != nil {
			return &domain.TenantError{Tenant: id, Op: "persist", Err: err}
		}
		ref.version = v
	}

	version, err := a.put(ctx, ref.name, blob, ref.version)
	if errors.Is(err, domain.ErrVersionConflict) {
		fresh, lerr := a.lookupVersion(ctx, ref.name)
		if lerr != nil {
			return &domain.TenantError{Tenant: id, Op: "persist", Err: lerr}
		}
		version, err = a.put(ctx, ref.name, blob, fresh)
	}
	if err != nil {
		return &domain.TenantError{Tenant: id, Op: "persist", Err: err}
	}

	a.mu.Lock()
	a.current[id] = objectRef{name: ref.name, version: version}
	a.mu.Unlock()
	a.state.Credentials.Set(id, append([]byte(nil), blob...))
	return nil
}

// DeleteAll removes every stored credential object of id, one at a time
// with pacing between calls. Individual delete failures are logged and
// skipped. The returned count is the number of objects deleted.
func (a *Adapter) DeleteAll(ctx context.Context, id string) (int, error) {
	defer a.forgetCredentials(id)

	objs, err := a.listCreds(ctx, id)
	if err != nil {
		return 0, &domain.TenantError{Tenant: id, Op: "delete", Err: err}
	}
	limiter := rate.NewLimiter(rate.Every(a.interval), 1)
	deleted := 0
	for _, obj := range objs {
		if err := limiter.Wait(ctx); err != nil {
			return deleted, err
		}
		if err := a.delete(ctx, obj.name); err != nil && !errors.Is(err, domain.ErrNotFound) {
			a.log.Warn("failed to delete credentials", "tenant", id, "object", obj.name, "err", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		a.log.Info("deleted remote credentials", "tenant", id, "count", deleted)
	}
	return deleted, nil
}

// DeleteTenant removes the credential objects and the settings object of
// id. Used when a tenant is decommissioned.
func (a *Adapter) DeleteTenant(ctx context.Context, id string) error {
	if _, err := a.DeleteAll(ctx, id); err != nil {
		return err
	}
	if err := a.delete(ctx, a.configName(id)); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return &domain.TenantError{Tenant: id, Op: "delete settings", Err: err}
	}
	a.state.Settings.Delete(id)
	return nil
}

// ListTenants returns the sorted ids of every tenant with at least one
// stored credential object.
func (a *Adapter) ListTenants(ctx context.Context) ([]string, error) {
	names, err := a.list(ctx, a.prefix+credsPrefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, name := range names {
		obj, ok := parseCredsName(a.prefix, name)
		if !ok {
			continue
		}
		id, err := domain.NormalizeTenantID(obj.tenant)
		if err != nil {
			continue
		}
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Forget drops the cached state of id along with remembered versions.
func (a *Adapter) Forget(id string) {
	a.forgetCredentials(id)
	a.state.Settings.Delete(id)
}

func (a *Adapter) forgetCredentials(id string) {
	a.mu.Lock()
	delete(a.current, id)
	a.mu.Unlock()
	a.state.Credentials.Delete(id)
}

func (a *Adapter) listCreds(ctx context.Context, id string) ([]credsObject, error) {
	names, err := a.list(ctx, a.credsListPrefix(id))
	if err != nil {
		return nil, err
	}
	objs := make([]credsObject, 0, len(names))
	for _, name := range names {
		obj, ok := parseCredsName(a.prefix, name)
		if !ok || obj.tenant != id {
			continue
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

// lookupVersion returns the current version of name, or "" if the object
// does not exist yet.
func (a *Adapter) lookupVersion(ctx context.Context, name string) (string, error) {
	_, version, err := a.get(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return version, nil
}

func (a *Adapter) list(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	start := time.Now()
	names, err := a.backend.List(ctx, prefix)
	a.metrics.StoreOp("list", start, err)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return names, nil
}

func (a *Adapter) get(ctx context.Context, name string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	start := time.Now()
	data, version, err := a.backend.Get(ctx, name)
	a.metrics.StoreOp("get", start, err)
	if err != nil {
		return nil, "", fmt.Errorf("get %s: %w", name, err)
	}
	return data, version, nil
}

func (a *Adapter) put(ctx context.Context, name string, data []byte, version string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	start := time.Now()
	next, err := a.backend.Put(ctx, name, data, version)
	a.metrics.StoreOp("put", start, err)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", name, err)
	}
	return next, nil
}

func (a *Adapter) delete(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	start := time.Now()
	err := a.backend.Delete(ctx, name)
	a.metrics.StoreOp("delete", start, err)
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}
