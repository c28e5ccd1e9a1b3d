package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/botfleet/internal/cache"
	"github.com/koltyakov/botfleet/internal/domain"
	"github.com/koltyakov/botfleet/internal/metrics"
	"github.com/koltyakov/botfleet/internal/transport"
)

const (
	DefaultCooldown = time.Second

	genericErrorReply = "❌ Something went wrong while running that command. Please try again."
)

// Options configures a [Dispatcher].
type Options struct {
	// Cooldown is the minimum gap between two commands of one sender. Zero
	// means [DefaultCooldown]; a negative value disables the check.
	Cooldown     time.Duration
	ReplyUnknown bool
	Now          func() time.Time
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Dispatcher turns inbound messages into command invocations.
type Dispatcher struct {
	registry     *Registry
	replyUnknown bool
	log          *slog.Logger
	metrics      *metrics.Metrics

	mu       sync.Mutex
	cooldown *cache.TTL[string, struct{}]
}

// NewDispatcher returns a dispatcher over registry.
func NewDispatcher(registry *Registry, opts Options) *Dispatcher {
	if opts.Cooldown == 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Dispatcher{
		registry:     registry,
		replyUnknown: opts.ReplyUnknown,
		log:          opts.Logger,
		metrics:      opts.Metrics,
	}
	if opts.Cooldown > 0 {
		d.cooldown = cache.New[string, struct{}](opts.Cooldown)
		if opts.Now != nil {
			d.cooldown.WithClock(opts.Now)
		}
	}
	return d
}

// Registry returns the command registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Parse extracts an invocation from msg. It returns nil for status
// broadcasts, messages without a prefixed body, and senders still inside
// their cooldown window. An accepted invocation starts a new cooldown.
func (d *Dispatcher) Parse(tenant string, conn transport.Conn, host Host, settings domain.Settings, msg transport.Message) *Invocation {
	if msg.IsStatus() {
		return nil
	}
	body := msg.Text()
	if body == "" {
		return nil
	}
	prefix := settings.Prefix()
	name, args, ok := parse(body, prefix)
	if !ok {
		return nil
	}

	if !d.accept(tenant + "|" + msg.Sender()) {
		d.metrics.Command(name, "cooldown")
		return nil
	}

	inv := &Invocation{
		Tenant:   tenant,
		Conn:     conn,
		Host:     host,
		Message:  msg,
		Settings: settings,
		Prefix:   prefix,
		Name:     name,
		Args:     args,
		Query:    strings.Join(args, " "),
	}
	inv.Command, _ = d.registry.Lookup(name)
	return inv
}

// Run executes inv. Handler errors and panics are logged and answered with
// a generic reply; they never propagate.
func (d *Dispatcher) Run(ctx context.Context, inv *Invocation) {
	logger := d.log.With("tenant", inv.Tenant, "command", inv.Name)
	if inv.Command == nil {
		d.metrics.Command(inv.Name, "unknown")
		if d.replyUnknown {
			if err := inv.Reply(ctx, "Unknown command: "+inv.Name); err != nil {
				logger.Debug("unknown command reply failed", "err", err)
			}
		}
		return
	}

	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			logger.Error("command panicked", "panic", fmt.Sprint(r))
			d.replyError(ctx, inv, logger)
		}
		d.metrics.Command(inv.Command.Name(), result)
	}()

	if inv.Command.React != "" {
		if err := inv.Conn.React(ctx, inv.Message.Key, inv.Command.React); err != nil {
			logger.Debug("command reaction failed", "err", err)
		}
	}
	if err := inv.Command.Handler(ctx, inv); err != nil {
		result = "error"
		logger.Warn("command failed", "err", err)
		d.replyError(ctx, inv, logger)
	}
}

// Handle parses and runs msg synchronously. It reports whether a command
// was accepted.
func (d *Dispatcher) Handle(ctx context.Context, tenant string, conn transport.Conn, host Host, settings domain.Settings, msg transport.Message) bool {
	inv := d.Parse(tenant, conn, host, settings, msg)
	if inv == nil {
		return false
	}
	d.Run(ctx, inv)
	return true
}

func (d *Dispatcher) accept(key string) bool {
	if d.cooldown == nil {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, cooling := d.cooldown.Get(key); cooling {
		return false
	}
	d.cooldown.Set(key, struct{}{})
	return true
}

// Sweep drops expired cooldown entries.
func (d *Dispatcher) Sweep() int {
	if d.cooldown == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cooldown.Cleanup()
}

func (d *Dispatcher) replyError(ctx context.Context, inv *Invocation, logger *slog.Logger) {
	if err := inv.Reply(ctx, genericErrorReply); err != nil {
		logger.Debug("error reply failed", "err", err)
	}
}
