package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/koltyakov/botfleet/internal/cache"
	"github.com/koltyakov/botfleet/internal/domain"
	"github.com/koltyakov/botfleet/internal/transport"
)

// Categories used by the built-in commands.
const (
	CategoryGeneral = "general"
	CategoryOwner   = "owner"
	CategoryGroup   = "group"
)

const defaultConfirmWindow = time.Minute

// BuiltinOptions configures [RegisterBuiltins].
type BuiltinOptions struct {
	BotName string
	RepoURL string
	Version string
	// ConfirmWindow bounds the time between deleteme and confirm.
	ConfirmWindow time.Duration
	Now           func() time.Time
}

type builtins struct {
	registry *Registry
	opts     BuiltinOptions
	now      func() time.Time
	pending  *cache.TTL[string, struct{}]
}

// RegisterBuiltins adds the non-content commands to registry.
func RegisterBuiltins(registry *Registry, opts BuiltinOptions) {
	if opts.BotName == "" {
		opts.BotName = "botfleet"
	}
	if opts.ConfirmWindow <= 0 {
		opts.ConfirmWindow = defaultConfirmWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	b := &builtins{
		registry: registry,
		opts:     opts,
		now:      now,
		pending:  cache.New[string, struct{}](opts.ConfirmWindow).WithClock(now),
	}

	registry.Register(Command{Names: []string{"alive"}, Category: CategoryGeneral, Desc: "Check that the bot is online", React: "🤖", Handler: b.alive})
	registry.Register(Command{Names: []string{"menu", "help", "list"}, Category: CategoryGeneral, Desc: "Show available commands", React: "📜", Handler: b.menu})
	registry.Register(Command{Names: []string{"ping"}, Category: CategoryGeneral, Desc: "Measure response latency", React: "🏓", Handler: b.ping})
	registry.Register(Command{Names: []string{"uptime", "runtime"}, Category: CategoryGeneral, Desc: "Show how long this session has been connected", Handler: b.uptime})
	registry.Register(Command{Names: []string{"repo", "sc", "script"}, Category: CategoryGeneral, Desc: "Show the source repository", Handler: b.repo})
	registry.Register(Command{Names: []string{"settings", "config"}, Category: CategoryOwner, Desc: "View or change bot settings", Handler: b.settings})
	registry.Register(Command{Names: []string{"tagall"}, Category: CategoryGroup, Desc: "Mention every group member", Handler: b.tagall})
	registry.Register(Command{Names: []string{"getpp"}, Category: CategoryGeneral, Desc: "Fetch a profile picture", Handler: b.getpp})
	registry.Register(Command{Names: []string{"deleteme"}, Category: CategoryOwner, Desc: "Remove this bot session", Handler: b.deleteme})
	registry.Register(Command{Names: []string{"confirm"}, Category: CategoryOwner, Desc: "Confirm session removal", Handler: b.confirm})
}

func (b *builtins) uptimeOf(inv *Invocation) time.Duration {
	if inv.Host == nil {
		return 0
	}
	at, ok := inv.Host.ConnectedAt(inv.Tenant)
	if !ok {
		return 0
	}
	return b.now().Sub(at).Truncate(time.Second)
}

func (b *builtins) alive(ctx context.Context, inv *Invocation) error {
	text := fmt.Sprintf("*%s is alive*\n\nUptime: %s\nPrefix: %s\nType %smenu for commands.",
		b.opts.BotName, b.uptimeOf(inv), inv.Prefix, inv.Prefix)
	if b.opts.Version != "" {
		text += "\nVersion: " + b.opts.Version
	}
	if img := strings.TrimSpace(inv.Settings[domain.SettingImageURL]); img != "" {
		return inv.Conn.SendImage(ctx, inv.Chat(), img, text)
	}
	return inv.Reply(ctx, text)
}

func (b *builtins) menu(ctx context.Context, inv *Invocation) error {
	byCategory := map[string][]*Command{}
	var categories []string
	for _, c := range b.registry.Commands() {
		if _, seen := byCategory[c.Category]; !seen {
			categories = append(categories, c.Category)
		}
		byCategory[c.Category] = append(byCategory[c.Category], c)
	}
	sort.Strings(categories)

	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s commands*\n", b.opts.BotName)
	for _, cat := range categories {
		fmt.Fprintf(&sb, "\n*%s*\n", strings.ToUpper(cat))
		for _, c := range byCategory[cat] {
			fmt.Fprintf(&sb, "%s%s", inv.Prefix, c.Name())
			if c.Desc != "" {
				fmt.Fprintf(&sb, " - %s", c.Desc)
			}
			sb.WriteByte('\n')
		}
	}
	return inv.Reply(ctx, strings.TrimRight(sb.String(), "\n"))
}

func (b *builtins) ping(ctx context.Context, inv *Invocation) error {
	start := b.now()
	if err := inv.Reply(ctx, "Pinging..."); err != nil {
		return err
	}
	return inv.Reply(ctx, fmt.Sprintf("Pong! %dms", b.now().Sub(start).Milliseconds()))
}

func (b *builtins) uptime(ctx context.Context, inv *Invocation) error {
	return inv.Reply(ctx, "Uptime: "+b.uptimeOf(inv).String())
}

func (b *builtins) repo(ctx context.Context, inv *Invocation) error {
	if b.opts.RepoURL == "" {
		return inv.Reply(ctx, b.opts.BotName)
	}
	return inv.Reply(ctx, fmt.Sprintf("%s source: %s", b.opts.BotName, b.opts.RepoURL))
}

func (b *builtins) settings(ctx context.Context, inv *Invocation) error {
	if len(inv.Args) == 0 || strings.EqualFold(inv.Args[0], "view") {
		var sb strings.Builder
		sb.WriteString("*Settings*\n")
		for _, k := range inv.Settings.Keys() {
			fmt.Fprintf(&sb, "%s: %s\n", k, inv.Settings[k])
		}
		fmt.Fprintf(&sb, "\nUse %ssettings set KEY VALUE to change a value.", inv.Prefix)
		return inv.Reply(ctx, sb.String())
	}
	if !strings.EqualFold(inv.Args[0], "set") {
		return inv.Reply(ctx, fmt.Sprintf("Usage: %ssettings [view | set KEY VALUE]", inv.Prefix))
	}
	if !inv.FromOwner() {
		return inv.Reply(ctx, "Only the bot owner can change settings.")
	}
	if len(inv.Args) < 3 {
		return inv.Reply(ctx, fmt.Sprintf("Usage: %ssettings set KEY VALUE", inv.Prefix))
	}
	key := strings.ToUpper(inv.Args[1])
	patch := domain.Settings{}
	if err := patch.SetValue(key, strings.Join(inv.Args[2:], " ")); err != nil {
		if errors.Is(err, domain.ErrUnknownSetting) {
			return inv.Reply(ctx, "Unknown setting: "+key)
		}
		return err
	}
	if inv.Host == nil {
		return errors.New("settings host unavailable")
	}
	updated, err := inv.Host.UpdateSettings(ctx, inv.Tenant, patch)
	if err != nil {
		return err
	}
	return inv.Reply(ctx, fmt.Sprintf("✅ %s set to %s", key, updated[key]))
}

func (b *builtins) tagall(ctx context.Context, inv *Invocation) error {
	if !inv.Message.Key.IsGroup() {
		return inv.Reply(ctx, "This command only works in groups.")
	}
	members, err := inv.Conn.GroupParticipants(ctx, inv.Chat())
	if err != nil {
		return err
	}
	var sb strings.Builder
	if inv.Query != "" {
		sb.WriteString(inv.Query)
		sb.WriteString("\n\n")
	}
	for _, m := range members {
		fmt.Fprintf(&sb, "@%s\n", transport.NumberFromJID(m))
	}
	return inv.Reply(ctx, strings.TrimRight(sb.String(), "\n"))
}

func (b *builtins) getpp(ctx context.Context, inv *Invocation) error {
	target := inv.Sender()
	if inv.Query != "" {
		id, err := domain.NormalizeTenantID(inv.Query)
		if err != nil {
			return inv.Reply(ctx, fmt.Sprintf("Usage: %sgetpp <number>", inv.Prefix))
		}
		target = id
	}
	url, err := inv.Conn.ProfilePictureURL(ctx, transport.JIDFor(target))
	if err != nil || url == "" {
		return inv.Reply(ctx, "No profile picture found for "+target)
	}
	return inv.Conn.SendImage(ctx, inv.Chat(), url, "Profile picture of "+target)
}

func (b *builtins) deleteme(ctx context.Context, inv *Invocation) error {
	if !inv.FromOwner() {
		return inv.Reply(ctx, "Only the bot owner can delete this session.")
	}
	b.pending.Set(inv.Tenant, struct{}{})
	return inv.Reply(ctx, fmt.Sprintf("⚠️ This will log out and delete all data of this bot.\nSend %sconfirm within %s to continue.",
		inv.Prefix, b.opts.ConfirmWindow))
}

func (b *builtins) confirm(ctx context.Context, inv *Invocation) error {
	if !inv.FromOwner() {
		return inv.Reply(ctx, "Only the bot owner can delete this session.")
	}
	if _, ok := b.pending.Get(inv.Tenant); !ok {
		return inv.Reply(ctx, fmt.Sprintf("Nothing to confirm. Send %sdeleteme first.", inv.Prefix))
	}
	b.pending.Delete(inv.Tenant)
	if inv.Host == nil {
		return errors.New("session host unavailable")
	}
	_ = inv.Reply(ctx, "🗑️ Deleting session. Goodbye!")
	return inv.Host.Decommission(ctx, inv.Tenant)
}
