// Package command parses chat messages into bot commands and runs them from
// an ordered registry.
package command

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/botfleet/internal/domain"
	"github.com/koltyakov/botfleet/internal/transport"
)

// Handler runs one command invocation.
type Handler func(ctx context.Context, inv *Invocation) error

// Command describes a registered command.
type Command struct {
	// Names the command answers to. The first one is shown in the menu.
	Names    []string
	Category string
	Desc     string
	// React, when set, is sent as a reaction to the triggering message
	// before the handler runs.
	React   string
	Handler Handler
}

// Matches reports whether name selects c.
func (c *Command) Matches(name string) bool {
	for _, n := range c.Names {
		if n == name {
			return true
		}
	}
	return false
}

// Name returns the primary command name.
func (c *Command) Name() string {
	if len(c.Names) == 0 {
		return ""
	}
	return c.Names[0]
}

// Registry is an ordered list of commands. Lookup returns the first match in
// registration order.
type Registry struct {
	mu       sync.RWMutex
	commands []*Command
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends cmd. Names are lowercased.
func (r *Registry) Register(cmd Command) {
	names := make([]string, 0, len(cmd.Names))
	for _, n := range cmd.Names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			names = append(names, n)
		}
	}
	cmd.Names = names
	r.mu.Lock()
	r.commands = append(r.commands, &cmd)
	r.mu.Unlock()
}

// Lookup returns the first command matching name.
func (r *Registry) Lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.commands {
		if c.Matches(name) {
			return c, true
		}
	}
	return nil, false
}

// Commands returns the registered commands in order.
func (r *Registry) Commands() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Command(nil), r.commands...)
}

// Host exposes session services to command handlers.
type Host interface {
	UpdateSettings(ctx context.Context, tenant string, patch domain.Settings) (domain.Settings, error)
	ConnectedAt(tenant string) (time.Time, bool)
	Decommission(ctx context.Context, tenant string) error
	Admins() []string
}

// Invocation is a parsed command bound to the tenant connection it arrived
// on.
type Invocation struct {
	Tenant   string
	Conn     transport.Conn
	Host     Host
	Message  transport.Message
	Settings domain.Settings
	Prefix   string
	Name     string
	Args     []string
	Query    string
	Command  *Command
}

// Chat returns the chat the command was sent in.
func (inv *Invocation) Chat() string {
	return inv.Message.Key.RemoteJID
}

// Sender returns the number of the message author.
func (inv *Invocation) Sender() string {
	return transport.NumberFromJID(inv.Message.Sender())
}

// FromOwner reports whether the command was sent by the tenant itself, by
// its configured owner or by a global admin.
func (inv *Invocation) FromOwner() bool {
	if inv.Message.Key.FromMe {
		return true
	}
	sender := inv.Sender()
	if sender == "" {
		return false
	}
	if sender == inv.Tenant {
		return true
	}
	if owner, err := domain.NormalizeTenantID(inv.Settings[domain.SettingOwnerNumber]); err == nil && owner == sender {
		return true
	}
	if inv.Host == nil {
		return false
	}
	for _, admin := range inv.Host.Admins() {
		if id, err := domain.NormalizeTenantID(admin); err == nil && id == sender {
			return true
		}
	}
	return false
}

// Reply sends text to the chat the command came from, quoting it.
func (inv *Invocation) Reply(ctx context.Context, text string) error {
	key := inv.Message.Key
	return inv.Conn.SendText(ctx, inv.Chat(), text, &key)
}

// parse splits body into a command name and arguments when it starts with
// prefix.
func parse(body, prefix string) (name string, args []string, ok bool) {
	if prefix == "" || !strings.HasPrefix(body, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(body, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}
