// Package registry tracks which tenants currently hold a live connection and
// which have a connection attempt in flight.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/koltyakov/botfleet/internal/domain"
)

// Handle is the registered connection object. Registries compare handles by
// identity so a stale connection cannot evict its replacement.
type Handle interface {
	Close() error
}

type record struct {
	handle    Handle
	createdAt time.Time
}

// Registry is the single source of truth for tenant activity. The zero value
// is not usable; call [New].
type Registry struct {
	mu      sync.Mutex
	active  map[string]record
	pending map[string]struct{}
}

func New() *Registry {
	return &Registry{
		active:  make(map[string]record),
		pending: make(map[string]struct{}),
	}
}

// TryAcquire reserves the connection slot for id. It fails when id is
// already active or another attempt holds the slot. A successful reservation
// does not make id active; call [Registry.Register] once the connection
// opens or [Registry.Release] if the attempt is abandoned.
func (r *Registry) TryAcquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		return false
	}
	if _, ok := r.pending[id]; ok {
		return false
	}
	r.pending[id] = struct{}{}
	return true
}

// Register marks id as active with handle h. It fails with
// [domain.ErrAlreadyConnected] when a different handle is already
// registered. Re-registering the same handle is a no-op.
func (r *Registry) Register(id string, h Handle, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[id]; ok {
		if cur.handle == h {
			return nil
		}
		return domain.ErrAlreadyConnected
	}
	r.active[id] = record{handle: h, createdAt: at}
	delete(r.pending, id)
	return nil
}

// Release drops both the active entry and any pending reservation for id.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	delete(r.active, id)
	delete(r.pending, id)
	r.mu.Unlock()
}

// ReleaseIf drops the active entry for id only when it belongs to h.
func (r *Registry) ReleaseIf(id string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.active[id]
	if !ok || cur.handle != h {
		return false
	}
	delete(r.active, id)
	delete(r.pending, id)
	return true
}

// CancelPending drops an in-flight reservation without touching an active
// entry.
func (r *Registry) CancelPending(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// IsActive reports whether id has a registered connection.
func (r *Registry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// IsPending reports whether a connection attempt for id holds the slot.
func (r *Registry) IsPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// Get returns the handle registered for id.
func (r *Registry) Get(id string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[id]
	return rec.handle, ok
}

// CreatedAt returns when id was registered.
func (r *Registry) CreatedAt(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[id]
	return rec.createdAt, ok
}

// Snapshot returns the active tenant ids in sorted order.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Sessions returns the active entries ordered by tenant id.
func (r *Registry) Sessions() []domain.ActiveSession {
	r.mu.Lock()
	out := make([]domain.ActiveSession, 0, len(r.active))
	for id, rec := range r.active {
		out = append(out, domain.ActiveSession{Tenant: id, ConnectedAt: rec.createdAt})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out
}

// Len returns the number of active tenants.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Drain removes every entry and returns the handles that were active.
func (r *Registry) Drain() map[string]Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Handle, len(r.active))
	for id, rec := range r.active {
		out[id] = rec.handle
	}
	r.active = make(map[string]record)
	r.pending = make(map[string]struct{})
	return out
}
