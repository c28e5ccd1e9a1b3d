package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koltyakov/botfleet/internal/command"
	"github.com/koltyakov/botfleet/internal/credstore"
	"github.com/koltyakov/botfleet/internal/domain"
	"github.com/koltyakov/botfleet/internal/events"
	"github.com/koltyakov/botfleet/internal/roster"
	"github.com/koltyakov/botfleet/internal/tenant"
	"github.com/koltyakov/botfleet/internal/transport"
	"github.com/koltyakov/botfleet/internal/transport/fake"
	"github.com/koltyakov/botfleet/internal/workspace"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

// atLeast returns the recorded delays of min or longer.
func (r *sleepRecorder) atLeast(min time.Duration) []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []time.Duration
	for _, d := range r.delays {
		if d >= min {
			out = append(out, d)
		}
	}
	return out
}

type harness struct {
	m         *Manager
	dialer    *fake.Dialer
	backend   *credstore.MemoryBackend
	store     *credstore.Adapter
	state     *tenant.State
	publisher *recordingPublisher
	sleeps    *sleepRecorder
	roster    *roster.Roster
	workspace *workspace.Workspace
}

func newHarness(t *testing.T, dialer *fake.Dialer, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	state := tenant.NewState(tenant.CacheTTLs{})
	backend := credstore.NewMemoryBackend()
	store := credstore.New(backend, state, credstore.Options{DeleteInterval: time.Millisecond, Logger: logger})

	reg := command.NewRegistry()
	command.RegisterBuiltins(reg, command.BuiltinOptions{BotName: "testbot"})
	dispatcher := command.NewDispatcher(reg, command.Options{Cooldown: -1, ReplyUnknown: true, Logger: logger})

	h := &harness{
		dialer:    dialer,
		backend:   backend,
		store:     store,
		state:     state,
		publisher: &recordingPublisher{},
		sleeps:    &sleepRecorder{},
		roster:    roster.New(filepath.Join(dir, "numbers.json")),
		workspace: workspace.New(filepath.Join(dir, "sessions")),
	}
	opts.Sleep = h.sleeps.sleep
	opts.Logger = logger
	h.m = New(Deps{
		State:      state,
		Store:      store,
		Dialer:     dialer,
		Dispatcher: dispatcher,
		Roster:     h.roster,
		Workspace:  h.workspace,
		Publisher:  h.publisher,
	}, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.m.Shutdown(ctx)
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) conn(t *testing.T, i int) *fake.Conn {
	t.Helper()
	waitFor(t, "dial", func() bool { return len(h.dialer.Conns()) > i })
	return h.dialer.Conns()[i]
}

func (h *harness) open(t *testing.T, id string) *fake.Conn {
	t.Helper()
	if _, err := h.m.Pair(context.Background(), id); err != nil {
		t.Fatalf("Pair(%s): %v", id, err)
	}
	conns := h.dialer.Conns()
	c := conns[len(conns)-1]
	c.Emit(transport.ConnectionOpened{})
	waitFor(t, "registration of "+id, func() bool { return h.state.Registry.IsActive(id) })
	return c
}

func hasText(c *fake.Conn, jid, substr string) bool {
	for _, s := range c.Sent() {
		if (s.Op == "text" || s.Op == "image") && (jid == "" || s.JID == jid) && strings.Contains(s.Text, substr) {
			return true
		}
	}
	return false
}

func TestPairFirstTimeReturnsCodeAndRegistersOnOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fake.Dialer{PairingCodes: []string{"ABCD-1234"}}, Options{})
	res, err := h.m.Pair(context.Background(), "+94 (77) 123")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if res.Status != domain.PairStatusCode || res.Code != "ABCD-1234" || res.Tenant != "9477123" {
		t.Fatalf("result = %+v", res)
	}
	if h.state.Registry.IsActive("9477123") {
		t.Fatal("tenant must not be registered before the connection opens")
	}
	if !h.state.Registry.IsPending("9477123") {
		t.Fatal("pairing attempt must hold the slot")
	}

	c := h.conn(t, 0)
	c.Emit(transport.CredentialsUpdated{Blob: []byte(`{"registered":true}`)})
	c.Emit(transport.ConnectionOpened{})
	waitFor(t, "registration", func() bool { return h.m.IsActive("9477123") })

	waitFor(t, "welcome message", func() bool { return hasText(c, c.SelfJID(), "Successfully connected") })
	waitFor(t, "roster entry", func() bool {
		ids, _ := h.roster.List()
		return len(ids) == 1 && ids[0] == "9477123"
	})
	if len(c.SentOp("about")) != 1 || len(c.SentOp("status")) != 1 {
		t.Fatalf("housekeeping calls = %+v", c.Sent())
	}
	blob, err := h.workspace.LoadCreds("9477123")
	if err != nil || string(blob) != `{"registered":true}` {
		t.Fatalf("local creds = %q, %v", blob, err)
	}
	stored, ok, err := h.store.Restore(context.Background(), "9477123")
	if err != nil || !ok || string(stored) != `{"registered":true}` {
		t.Fatalf("stored creds = %q, %v, %v", stored, ok, err)
	}
	if h.publisher.count(events.TypeConnected) != 1 {
		t.Fatal("expected connected event")
	}
}

func TestPairConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fake.Dialer{PairingCodes: []string{"CODE"}}, Options{})
	const n = 10
	results := make([]domain.PairResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.m.Pair(context.Background(), "947")
		}()
	}
	wg.Wait()

	codes, already := 0, 0
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("Pair error: %v", errs[i])
		}
		switch results[i].Status {
		case domain.PairStatusCode:
			codes++
		case domain.PairStatusAlreadyConnected:
			already++
		}
	}
	if codes != 1 || already != n-1 {
		t.Fatalf("codes = %d, already = %d", codes, already)
	}
	if len(h.dialer.Dials()) != 1 {
		t.Fatalf("dials = %d, want 1", len(h.dialer.Dials()))
	}
}

func TestPairDialFailureReleasesSlot(t *testing.T) {
	t.Parallel()

	dialer := &fake.Dialer{DialErr: errors.New("network down"), PairingCodes: []string{"CODE"}}
	h := newHarness(t, dialer, Options{})

	_, err := h.m.Pair(context.Background(), "947")
	if !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("err = %v, want ErrServiceUnavailable", err)
	}
	if h.state.Registry.IsActive("947") || h.state.Registry.IsPending("947") {
		t.Fatal("failed dial must leave no registry entry")
	}

	dialer.SetDialErr(nil)
	res, err := h.m.Pair(context.Background(), "947")
	if err != nil || res.Status != domain.PairStatusCode {
		t.Fatalf("retry Pair = %+v, %v", res, err)
	}
}

func TestPairInvalidNumber(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fake.Dialer{}, Options{})
	if _, err := h.m.Pair(context.Background(), "abc"); !errors.Is(err, domain.ErrInvalidTenantID) {
		t.Fatalf("err = %v", err)
	}
}

func TestPairRestoresStoredCredentials(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fake.Dialer{Registered: true}, Options{})
	ctx := context.Background()
	if _, err := h.backend.Put(ctx, "creds_947_1000.json", []byte("old"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.backend.Put(ctx, "creds_947_2000.json", []byte("new"), ""); err != nil {
		t.Fatal(err)
	}

	res, err := h.m.Pair(ctx, "947")
	if err != nil || res.Status != domain.PairStatusConnecting || res.Code != "" {
		t.Fatalf("Pair = %+v, %v", res, err)
	}
	dials := h.dialer.Dials()
	if len(dials) != 1 || string(dials[0].Creds) != "new" {
		t.Fatalf("dials = %+v", dials)
	}
	names, _ := h.backend.List(ctx, "creds_947_")
	if len(names) != 1 || names[0] != "creds_947_2000.json" {
		t.Fatalf("stored objects after prune = %v", names)
	}
	if _, err := os.Stat(filepath.Join(h.workspace.Dir("947"), "creds.json")); err != nil {
		t.Fatalf("restored creds not written locally: %v", err)
	}
}

func TestReconnectBackoffUntilExhausted(t *testing.T) {
	t.Parallel()

	dialer := &fake.Dialer{Registered: true}
	h := newHarness(t, dialer, Options{})
	c := h.open(t, "947")

	dialer.SetDialErr(errors.New("still down"))
	c.Emit(transport.ConnectionClosed{StatusCode: 428})

	waitFor(t, "exhaustion", func() bool { return h.publisher.count(events.TypeExhausted) == 1 })
	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second, 160 * time.Second}
	got := h.sleeps.atLeast(DefaultReconnectBaseDelay)
	if len(got) != len(want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delays = %v, want %v", got, want)
		}
	}
	if h.state.Registry.IsActive("947") || h.state.Registry.IsPending("947") {
		t.Fatal("exhausted tenant must be deregistered")
	}
	if n := len(dialer.Dials()); n != 6 {
		t.Fatalf("dials = %d, want 6", n)
	}
}

func TestReconnectCounterResetsOnOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fake.Dialer{Registered: true}, Options{})
	c1 := h.open(t, "947")

	c1.Emit(transport.ConnectionClosed{StatusCode: 500})
	c2 := h.conn(t, 1)
	c2.Emit(transport.ConnectionOpened{})
	waitFor(t, "re-registration", func() bool {
		h2, ok := h.state.Registry.Get("947")
		return ok && h2.(*session).conn == c2
	})

	c2.Emit(transport.ConnectionClosed{StatusCode: 500})
	h.conn(t, 2)

	got := h.sleeps.atLeast(DefaultReconnectBaseDelay)
	if len(got) != 2 || got[0] != 10*time.Second || got[1] != 10*time.Second {
		t.Fatalf("delays = %v, want [10s 10s]", got)
	}
}

func TestReconnectKeepsCosmeticThrottle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fake.Dialer{Registered: true}, Options{})
	c1 := h.open(t, "947")
	waitFor(t, "first welcome", func() bool { return hasText(c1, c1.SelfJID(), "Successfully connected") })

	c1.Emit(transport.ConnectionClosed{StatusCode: 500})
	c2 := h.conn(t, 1)
	c2.Emit(transport.ConnectionOpened{})
	waitFor(t, "second welcome", func() bool { return hasText(c2, c2.SelfJID(), "Successfully connected") })

	if len(c1.SentOp("about")) != 1 || len(c1.SentOp("status")) != 1 {
		t.Fatalf("first connection calls = %+v", c1.Sent())
	}
	if n, m := len(c2.SentOp("about")), len(c2.SentOp("status")); n != 0 || m != 0 {
		t.Fatalf("reconnect re-posted about=%d status=%d", n, m)
	}
}

func TestAuthFailureIsTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fake.Dialer{Registered: true}, Options{})
	c := h.open(t, "947")
	waitFor(t, "roster entry", func() bool {
		ids, _ := h.roster.List()
		return len(ids) == 1
	})
	c.Emit(transport.CredentialsUpdated{Blob: []byte("creds")})
	c.Emit(transport.ConnectionClosed{StatusCode: 401})

	waitFor(t, "logged out event", func() bool { return h.publisher.count(events.TypeLoggedOut) == 1 })
	if h.state.Registry.IsActive("947") {
		t.Fatal("logged out tenant must be deregistered")
	}
	if len(h.dialer.Dials()) != 1 {
		t.Fatal("auth failure must not reconnect")
	}
	if _, err := os.Stat(h.workspace.Dir("947")); !os.IsNotExist(err) {
		t.Fatalf("workspace not removed: %v", err)
	}
	if ids, _ := h.roster.List(); len(ids) != 1 {
		t.Fatalf("roster must be kept, got %v", ids)
	}
}

func TestDecommissionStopsWithoutReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fake.Dialer{Registered: true}, Options{})
	ctx := context.Background()
	c := h.open(t, "947")
	c.Emit(transport.CredentialsUpdated{Blob: []byte("creds")})
	waitFor(t, "roster entry", func() bool {
		ids, _ := h.roster.List()
		return len(ids) == 1
	})
	waitFor(t, "stored credentials", func() bool {
		names, _ := h.backend.List(ctx, "creds_947_")
		return len(names) == 1
	})
	if _, err := h.m.UpdateSettings(ctx, "947", domain.Settings{domain.SettingPrefix: "!"}); err != nil {
		t.Fatal(err)
	}

	if err := h.m.Decommission(ctx, "947"); err != nil {
		t.Fatalf("Decommission: %v", err)
	}
	waitFor(t, "connection close", c.Closed)
	if h.state.Registry.IsActive("947") {
		t.Fatal("decommissioned tenant still active")
	}
	if ids, _ := h.roster.List(); len(ids) != 0 {
		t.Fatalf("roster = %v", ids)
	}
	h.m.mu.Lock()
	_, kept := h.m.throttles["947"]
	h.m.mu.Unlock()
	if kept {
		t.Fatal("decommissioned tenant keeps its throttler")
	}
	if names, _ := h.backend.List(ctx, ""); len(names) != 0 {
		t.Fatalf("stored objects = %v", names)
	}
	if h.publisher.count(events.TypeDecommissioned) != 1 {
		t.Fatal("expected decommissioned event")
	}
	time.Sleep(20 * time.Millisecond)
	if len(h.dialer.Dials()) != 1 {
		t.Fatal("decommission must not reconnect")
	}
}

func TestPairingTimeoutReleasesSlot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fake.Dialer{PairingCodes: []string{"CODE"}}, Options{PairingTimeout: 30 * time.Millisecond})
	if _, err := h.m.Pair(context.Background(), "947"); err != nil {
		t.Fatal(err)
	}
	c := h.conn(t, 0)
	waitFor(t, "slot release", func() bool { return !h.state.Registry.IsPending("947") })
	if !c.Closed() {
		t.Fatal("timed out pairing connection must be closed")
	}
	if len(h.dialer.Dials()) != 1 {
		t.Fatal("abandoned pairing must not reconnect")
	}
}

func TestPairingCodeRetries(t *testing.T) {
	t.Parallel()

	dialer := &fake.Dialer{
		PairingErrs:  []error{errors.New("rate limited"), errors.New("rate limited")},
		PairingCodes: []string{"LATE"},
	}
	h := newHarness(t, dialer, Options{})
	res, err := h.m.Pair(context.Background(), "947")
	if err != nil || res.Code != "LATE" {
		t.Fatalf("Pair = %+v, %v", res, err)
	}
	if c := h.conn(t, 0); c.PairCalls() != 3 {
		t.Fatalf("pair calls = %d", c.PairCalls())
	}

	failing := &fake.Dialer{PairingErrs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
	h2 := newHarness(t, failing, Options{})
	if _, err := h2.m.Pair(context.Background(), "947"); !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("err = %v", err)
	}
	waitFor(t, "slot release", func() bool { return !h2.state.Registry.IsPending("947") })
}

func TestConnectManyBounded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fake.Dialer{Registered: true}, Options{MaxConcurrent: 2})
	h.open(t, "9")

	results := h.m.ConnectMany(context.Background(), []string{"9", "1", "2", "3", "x"})
	want := []string{
		domain.BulkStatusAlreadyConnected,
		domain.BulkStatusInitiated,
		domain.BulkStatusInitiated,
		domain.BulkStatusQueued,
		domain.BulkStatusFailed,
	}
	for i, w := range want {
		if results[i].Status != w {
			t.Fatalf("results = %+v", results)
		}
	}
}

func TestMessagesReachDispatcherAndNotices(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fake.Dialer{Registered: true}, Options{})
	c := h.open(t, "947")

	c.Emit(transport.MessageReceived{Message: transport.Message{
		Key:          transport.MessageKey{RemoteJID: "111@s.whatsapp.net", ID: "1"},
		Conversation: ".ping",
	}})
	waitFor(t, "pong", func() bool { return hasText(c, "111@s.whatsapp.net", "Pong!") })
	waitFor(t, "recording presence", func() bool { return len(c.SentOp("presence")) == 1 })

	c.Emit(transport.MessagesDeleted{Keys: []transport.MessageKey{{RemoteJID: "222@s.whatsapp.net", ID: "9"}}})
	waitFor(t, "deletion notice", func() bool { return hasText(c, c.SelfJID(), "Message deleted") })
}

func TestStatusAutoViewAndReact(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fake.Dialer{Registered: true}, Options{})
	ctx := context.Background()
	if _, err := h.m.UpdateSettings(ctx, "947", domain.Settings{
		domain.SettingAutoViewStatus: "true",
		domain.SettingAutoLikeStatus: "true",
		domain.SettingAutoLikeEmoji:  "🔥",
	}); err != nil {
		t.Fatal(err)
	}
	c := h.open(t, "947")

	status := transport.Message{
		Key:          transport.MessageKey{RemoteJID: transport.StatusBroadcastJID, Participant: "111@s.whatsapp.net", ID: "s1"},
		Conversation: ".ping",
	}
	c.Emit(transport.MessageReceived{Message: status})
	waitFor(t, "status view", func() bool { return len(c.SentOp("read")) == 1 })
	waitFor(t, "status reaction", func() bool {
		r := c.SentOp("react")
		return len(r) == 1 && r[0].Emoji == "🔥"
	})
	if hasText(c, "", "Pong!") {
		t.Fatal("status broadcasts must not run commands")
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fake.Dialer{Registered: true}, Options{})
	c := h.open(t, "947")
	c.Emit(transport.CredentialsUpdated{Blob: []byte("creds")})
	waitFor(t, "local creds", func() bool {
		b, _ := h.workspace.LoadCreds("947")
		return b != nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !c.Closed() {
		t.Fatal("connection not closed")
	}
	if h.state.Registry.Len() != 0 {
		t.Fatal("registry not drained")
	}
	if b, _ := h.workspace.LoadCreds("947"); b != nil {
		t.Fatal("workspace not cleared")
	}
	if len(h.dialer.Dials()) != 1 {
		t.Fatal("shutdown must not reconnect")
	}
}
