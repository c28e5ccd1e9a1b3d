// Package session owns the lifecycle of tenant connections: pairing,
// credential restore and persistence, supervision with bounded reconnects,
// and routing of inbound events to the command dispatcher.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/koltyakov/botfleet/internal/command"
	"github.com/koltyakov/botfleet/internal/domain"
	"github.com/koltyakov/botfleet/internal/events"
	"github.com/koltyakov/botfleet/internal/metrics"
	"github.com/koltyakov/botfleet/internal/roster"
	"github.com/koltyakov/botfleet/internal/tenant"
	"github.com/koltyakov/botfleet/internal/throttle"
	"github.com/koltyakov/botfleet/internal/transport"
	"github.com/koltyakov/botfleet/internal/workspace"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 10 * time.Second
	DefaultPairingTimeout       = 3 * time.Minute
	DefaultPairingSettle        = 1500 * time.Millisecond
	DefaultPairingRetryBase     = 2 * time.Second
	DefaultStatusRetryBase      = time.Second
	DefaultMaxConcurrent        = 5
	DefaultCommandConcurrency   = 4
	DefaultAdminNotifyGap       = 100 * time.Millisecond
)

// Store is the credential and settings persistence the manager needs.
// [credstore.Adapter] implements it.
type Store interface {
	Restore(ctx context.Context, id string) ([]byte, bool, error)
	PruneDuplicates(ctx context.Context, id string) (string, error)
	Persist(ctx context.Context, id string, blob []byte) error
	DeleteAll(ctx context.Context, id string) (int, error)
	DeleteTenant(ctx context.Context, id string) error
	ListTenants(ctx context.Context) ([]string, error)
	Defaults(id string) domain.Settings
	LoadSettings(ctx context.Context, id string) (domain.Settings, error)
	UpdateSettings(ctx context.Context, id string, patch domain.Settings) (domain.Settings, error)
	LoadAdmins() []string
	Forget(id string)
}

// Options configures a [Manager]. Zero values fall back to defaults.
type Options struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	PairingTimeout       time.Duration
	PairingSettle        time.Duration
	PairingRetryBase     time.Duration
	StatusRetryBase      time.Duration
	MaxConcurrent        int
	CommandConcurrency   int
	AdminNotifyGap       time.Duration
	Throttle             map[throttle.Kind]time.Duration

	BotName   string
	AboutText string

	// Sleep waits between retries and reconnects. Tests replace it.
	Sleep  throttle.Sleeper
	Now    func() time.Time
	Logger *slog.Logger
}

// Deps are the collaborators of a [Manager].
type Deps struct {
	State      *tenant.State
	Store      Store
	Dialer     transport.Dialer
	Dispatcher *command.Dispatcher
	Roster     *roster.Roster
	Workspace  *workspace.Workspace
	Publisher  events.Publisher
	Metrics    *metrics.Metrics
}

// Manager creates and supervises tenant connections.
type Manager struct {
	state      *tenant.State
	store      Store
	dialer     transport.Dialer
	dispatcher *command.Dispatcher
	roster     *roster.Roster
	workspace  *workspace.Workspace
	publisher  events.Publisher
	metrics    *metrics.Metrics
	opts       Options
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	chains    map[string]*chain
	throttles map[string]*throttle.Throttler
	bulk      *semaphore.Weighted
}

// New returns a manager. Call [Manager.Shutdown] to stop every connection.
func New(deps Deps, opts Options) *Manager {
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if opts.PairingTimeout <= 0 {
		opts.PairingTimeout = DefaultPairingTimeout
	}
	if opts.PairingSettle < 0 {
		opts.PairingSettle = 0
	} else if opts.PairingSettle == 0 {
		opts.PairingSettle = DefaultPairingSettle
	}
	if opts.PairingRetryBase <= 0 {
		opts.PairingRetryBase = DefaultPairingRetryBase
	}
	if opts.StatusRetryBase <= 0 {
		opts.StatusRetryBase = DefaultStatusRetryBase
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.CommandConcurrency <= 0 {
		opts.CommandConcurrency = DefaultCommandConcurrency
	}
	if opts.AdminNotifyGap <= 0 {
		opts.AdminNotifyGap = DefaultAdminNotifyGap
	}
	if opts.BotName == "" {
		opts.BotName = "botfleet"
	}
	if opts.AboutText == "" {
		opts.AboutText = opts.BotName + " bot active 🚀"
	}
	if opts.Sleep == nil {
		opts.Sleep = throttle.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Noop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		state:      deps.State,
		store:      deps.Store,
		dialer:     deps.Dialer,
		dispatcher: deps.Dispatcher,
		roster:     deps.Roster,
		workspace:  deps.Workspace,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		opts:       opts,
		log:        opts.Logger,
		ctx:        ctx,
		cancel:     cancel,
		chains:     make(map[string]*chain),
		throttles:  make(map[string]*throttle.Throttler),
		bulk:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
}

// chain is the supervision history of one tenant across reconnects. The
// attempt counter lives here rather than on a connection so failures before
// open still count toward the cap.
type chain struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	attempt int
}

func (m *Manager) newChain(id string) *chain {
	ctx, cancel := context.WithCancel(m.ctx)
	ch := &chain{id: id, ctx: ctx, cancel: cancel}
	m.mu.Lock()
	if old, ok := m.chains[id]; ok {
		old.cancel()
	}
	m.chains[id] = ch
	m.mu.Unlock()
	return ch
}

// endChain stops ch and forgets it if it is still the current chain.
func (m *Manager) endChain(ch *chain) {
	ch.cancel()
	m.mu.Lock()
	if m.chains[ch.id] == ch {
		delete(m.chains, ch.id)
	}
	m.mu.Unlock()
}

// throttleFor returns the throttler of id, shared by every connection of
// the tenant so a reconnect does not reset the cosmetic intervals.
func (m *Manager) throttleFor(id string) *throttle.Throttler {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.throttles[id]
	if !ok {
		t = throttle.New(m.opts.Throttle).WithClock(m.opts.Now)
		m.throttles[id] = t
	}
	return t
}

func (m *Manager) attempt(ch *chain) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ch.attempt
}

func (m *Manager) setAttempt(ch *chain, n int) {
	m.mu.Lock()
	ch.attempt = n
	m.mu.Unlock()
}

// Pair connects raw, restoring stored credentials when there are any. An
// unregistered identity gets a pairing code; a restored one reports
// connecting. Tenants that are active or mid-attempt report already
// connected.
func (m *Manager) Pair(ctx context.Context, raw string) (domain.PairResult, error) {
	id, err := domain.NormalizeTenantID(raw)
	if err != nil {
		return domain.PairResult{}, err
	}
	reg := m.state.Registry
	if reg.IsActive(id) || !reg.TryAcquire(id) {
		m.metrics.PairRequest(domain.PairStatusAlreadyConnected)
		return domain.PairResult{Tenant: id, Status: domain.PairStatusAlreadyConnected}, nil
	}
	res, err := m.connect(ctx, id, m.newChain(id), true)
	if err != nil {
		m.metrics.PairRequest("unavailable")
		return domain.PairResult{}, err
	}
	m.metrics.PairRequest(res.Status)
	return res, nil
}

// connect runs one connection attempt for id. The caller must hold the
// registry slot; it is released on failure.
func (m *Manager) connect(ctx context.Context, id string, ch *chain, interactive bool) (domain.PairResult, error) {
	logger := m.log.With("tenant", id)

	if _, err := m.store.PruneDuplicates(ctx, id); err != nil {
		logger.Warn("failed to prune stored credentials", "err", err)
	}
	creds, ok, err := m.store.Restore(ctx, id)
	if err != nil {
		logger.Warn("failed to restore credentials", "err", err)
	}
	if ok {
		if err := m.workspace.SaveCreds(id, creds); err != nil {
			logger.Warn("failed to write restored credentials", "err", err)
		} else {
			logger.Info("restored session credentials")
		}
	}
	local, err := m.workspace.LoadCreds(id)
	if err != nil {
		logger.Warn("failed to read local credentials", "err", err)
	}
	settings := m.settings(ctx, id)

	conn, err := m.dialer.Dial(ctx, id, local)
	if err != nil {
		m.state.Registry.CancelPending(id)
		m.store.Forget(id)
		logger.Error("failed to open connection", "err", err)
		return domain.PairResult{}, &domain.TenantError{Tenant: id, Op: "dial", Err: fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)}
	}

	registered := conn.Registered()
	if !interactive && !registered {
		// Nobody is waiting for a pairing code on a background reconnect.
		_ = conn.Close()
		m.state.Registry.CancelPending(id)
		return domain.PairResult{}, &domain.TenantError{Tenant: id, Op: "reconnect", Err: domain.ErrAuthRevoked}
	}

	s := newSession(m, id, conn, ch)
	m.wg.Add(1)
	go s.run()

	if registered {
		return domain.PairResult{Tenant: id, Status: domain.PairStatusConnecting}, nil
	}

	code, err := m.requestPairingCode(ctx, conn, id, settings)
	if err != nil {
		logger.Error("failed to request pairing code", "err", err)
		_ = s.Close()
		return domain.PairResult{}, &domain.TenantError{Tenant: id, Op: "pairing code", Err: fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)}
	}
	logger.Info("issued pairing code")
	return domain.PairResult{Tenant: id, Status: domain.PairStatusCode, Code: code}, nil
}

func (m *Manager) requestPairingCode(ctx context.Context, conn transport.Conn, id string, settings domain.Settings) (string, error) {
	if err := m.opts.Sleep(ctx, m.opts.PairingSettle); err != nil {
		return "", err
	}
	var code string
	err := throttle.Retry(ctx, settings.MaxRetries(), m.opts.PairingRetryBase, m.opts.Sleep, func(attempt int) error {
		c, err := conn.RequestPairingCode(ctx, id)
		if err != nil {
			m.log.Warn("pairing code request failed", "tenant", id, "attempt", attempt, "err", err)
			return err
		}
		code = c
		return nil
	})
	return code, err
}

// settings returns the merged settings of id, falling back to defaults
// when the store is unreachable.
func (m *Manager) settings(ctx context.Context, id string) domain.Settings {
	s, err := m.store.LoadSettings(ctx, id)
	if err != nil {
		m.log.Warn("failed to load settings, using defaults", "tenant", id, "err", err)
		return m.store.Defaults(id)
	}
	return s
}

// Active returns the registered tenant ids.
func (m *Manager) Active() []string {
	return m.state.Registry.Snapshot()
}

// IsActive reports whether raw has a registered connection.
func (m *Manager) IsActive(raw string) bool {
	id, err := domain.NormalizeTenantID(raw)
	if err != nil {
		return false
	}
	return m.state.Registry.IsActive(id)
}

// Settings returns the merged settings of raw.
func (m *Manager) Settings(ctx context.Context, raw string) (domain.Settings, error) {
	id, err := domain.NormalizeTenantID(raw)
	if err != nil {
		return nil, err
	}
	return m.store.LoadSettings(ctx, id)
}

// UpdateSettings merges patch into the stored settings of tenant. Live
// connections pick the change up on their next message.
func (m *Manager) UpdateSettings(ctx context.Context, raw string, patch domain.Settings) (domain.Settings, error) {
	id, err := domain.NormalizeTenantID(raw)
	if err != nil {
		return nil, err
	}
	return m.store.UpdateSettings(ctx, id, patch)
}

// ConnectedAt returns when tenant's current connection was registered.
func (m *Manager) ConnectedAt(id string) (time.Time, bool) {
	return m.state.Registry.CreatedAt(id)
}

// Admins returns the global admin numbers.
func (m *Manager) Admins() []string {
	return m.store.LoadAdmins()
}

// Decommission stops tenant for good: the connection is closed without
// reconnect, the local workspace and every stored object are deleted, and
// the tenant leaves the roster.
func (m *Manager) Decommission(ctx context.Context, raw string) error {
	id, err := domain.NormalizeTenantID(raw)
	if err != nil {
		return err
	}
	// The caller may be a command running on the connection being removed.
	ctx = context.WithoutCancel(ctx)
	m.mu.Lock()
	ch, ok := m.chains[id]
	delete(m.throttles, id)
	m.mu.Unlock()
	if ok {
		m.endChain(ch)
	}
	if h, ok := m.state.Registry.Get(id); ok {
		if s, ok := h.(*session); ok {
			_ = s.Close()
		} else {
			_ = h.Close()
		}
	}
	m.state.Registry.Release(id)

	var errs []error
	if err := m.workspace.Remove(id); err != nil {
		errs = append(errs, fmt.Errorf("remove workspace: %w", err))
	}
	if err := m.store.DeleteTenant(ctx, id); err != nil {
		errs = append(errs, err)
	}
	if m.roster != nil {
		if _, err := m.roster.Remove(id); err != nil {
			errs = append(errs, fmt.Errorf("update roster: %w", err))
		}
	}
	m.store.Forget(id)
	m.metrics.SetActiveSessions(m.state.Registry.Len())
	m.publish(events.Event{Type: events.TypeDecommissioned, Tenant: id})
	m.log.Info("tenant decommissioned", "tenant", id)
	return errors.Join(errs...)
}

// Shutdown closes every connection without reconnecting, waits for the
// supervisors to finish, clears the local workspace and empties the
// caches.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	for id, h := range m.state.Registry.Drain() {
		if err := h.Close(); err != nil {
			m.log.Debug("close on shutdown failed", "tenant", id, "err", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if werr := m.workspace.Clear(); werr != nil {
		err = errors.Join(err, fmt.Errorf("clear workspace: %w", werr))
	}
	m.state.Reset()
	m.metrics.SetActiveSessions(0)
	return err
}

func (m *Manager) publish(ev events.Event) {
	if ev.At.IsZero() {
		ev.At = m.opts.Now().UTC()
	}
	if err := m.publisher.Publish(m.ctx, ev); err != nil {
		m.log.Debug("failed to publish lifecycle event", "tenant", ev.Tenant, "type", ev.Type, "err", err)
	}
}
