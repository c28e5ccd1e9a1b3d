// Package fake provides an in-memory transport for tests.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/koltyakov/botfleet/internal/transport"
)

// Sent records one outbound call on a [Conn].
type Sent struct {
	Op       string
	JID      string
	Text     string
	Emoji    string
	Presence transport.Presence
}

// Dialer hands out [Conn]s and records every dial.
type Dialer struct {
	mu sync.Mutex

	// DialErr, when set, fails the next dials.
	DialErr error
	// Registered is copied into each new connection.
	Registered bool
	// PairingCodes are returned by RequestPairingCode in order; the last one
	// repeats. PairingErrs are consumed before codes are handed out.
	PairingCodes []string
	PairingErrs  []error
	// Participants is returned for every group.
	Participants []string
	// OnDial runs after a connection is created, before Dial returns.
	OnDial func(*Conn)

	conns []*Conn
	dials []DialCall
}

// DialCall records the arguments of one Dial.
type DialCall struct {
	Tenant string
	Creds  []byte
}

func (d *Dialer) Dial(_ context.Context, tenantID string, creds []byte) (transport.Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, DialCall{Tenant: tenantID, Creds: append([]byte(nil), creds...)})
	if d.DialErr != nil {
		err := d.DialErr
		d.mu.Unlock()
		return nil, err
	}
	c := &Conn{
		tenant:       tenantID,
		events:       make(chan transport.Event, 64),
		registered:   d.Registered,
		pairingCodes: append([]string(nil), d.PairingCodes...),
		pairingErrs:  append([]error(nil), d.PairingErrs...),
		participants: d.Participants,
	}
	d.conns = append(d.conns, c)
	hook := d.OnDial
	d.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return c, nil
}

// Conns returns the connections dialed so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Dials returns the recorded dial calls.
func (d *Dialer) Dials() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialCall(nil), d.dials...)
}

// SetDialErr changes the dial failure for subsequent dials.
func (d *Dialer) SetDialErr(err error) {
	d.mu.Lock()
	d.DialErr = err
	d.mu.Unlock()
}

// Conn is a scripted [transport.Conn]. Tests push events with Emit.
type Conn struct {
	tenant string
	events chan transport.Event
	sendMu sync.Mutex

	mu           sync.Mutex
	registered   bool
	pairingCodes []string
	pairingErrs  []error
	participants []string
	sent         []Sent
	closed       bool
	pairCalls    int
}

var ErrClosed = errors.New("fake connection closed")

func (c *Conn) Tenant() string { return c.tenant }

func (c *Conn) Events() <-chan transport.Event { return c.events }

func (c *Conn) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *Conn) SelfJID() string { return transport.JIDFor(c.tenant) }

// Emit delivers ev to the event loop. Emitting [transport.ConnectionClosed]
// also closes the channel; later events are dropped.
func (c *Conn) Emit(ev transport.Event) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	_, final := ev.(transport.ConnectionClosed)
	if final {
		c.closed = true
	}
	c.mu.Unlock()

	c.events <- ev
	if final {
		close(c.events)
	}
}

func (c *Conn) RequestPairingCode(_ context.Context, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairCalls++
	if len(c.pairingErrs) > 0 {
		err := c.pairingErrs[0]
		c.pairingErrs = c.pairingErrs[1:]
		return "", err
	}
	if len(c.pairingCodes) == 0 {
		return "", errors.New("no pairing code scripted")
	}
	code := c.pairingCodes[0]
	if len(c.pairingCodes) > 1 {
		c.pairingCodes = c.pairingCodes[1:]
	}
	return code, nil
}

// PairCalls returns how many times a pairing code was requested.
func (c *Conn) PairCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairCalls
}

func (c *Conn) record(s Sent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.sent = append(c.sent, s)
	return nil
}

func (c *Conn) SendText(_ context.Context, jid, text string, _ *transport.MessageKey) error {
	return c.record(Sent{Op: "text", JID: jid, Text: text})
}

func (c *Conn) SendImage(_ context.Context, jid, _ string, caption string) error {
	return c.record(Sent{Op: "image", JID: jid, Text: caption})
}

func (c *Conn) React(_ context.Context, key transport.MessageKey, emoji string) error {
	return c.record(Sent{Op: "react", JID: key.RemoteJID, Emoji: emoji})
}

func (c *Conn) MarkRead(_ context.Context, keys []transport.MessageKey) error {
	jid := ""
	if len(keys) > 0 {
		jid = keys[0].RemoteJID
	}
	return c.record(Sent{Op: "read", JID: jid})
}

func (c *Conn) SendPresence(_ context.Context, jid string, presence transport.Presence) error {
	return c.record(Sent{Op: "presence", JID: jid, Presence: presence})
}

func (c *Conn) SetAbout(_ context.Context, text string) error {
	return c.record(Sent{Op: "about", Text: text})
}

func (c *Conn) PostStatus(_ context.Context, text, _ string) error {
	return c.record(Sent{Op: "status", JID: transport.StatusBroadcastJID, Text: text})
}

func (c *Conn) GroupParticipants(_ context.Context, _ string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.participants...), nil
}

func (c *Conn) ProfilePictureURL(_ context.Context, jid string) (string, error) {
	return "https://pp.example/" + transport.NumberFromJID(jid) + ".jpg", nil
}

// Close marks the connection closed and ends the event stream with a
// [transport.ConnectionClosed] event.
func (c *Conn) Close() error {
	c.Emit(transport.ConnectionClosed{Err: ErrClosed})
	return nil
}

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns the outbound calls recorded so far.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// SentOp returns the recorded calls of a single kind.
func (c *Conn) SentOp(op string) []Sent {
	var out []Sent
	for _, s := range c.Sent() {
		if s.Op == op {
			out = append(out, s)
		}
	}
	return out
}
