// Package events publishes tenant lifecycle notifications for other
// services. Publishing is best-effort and never blocks session handling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Lifecycle event types.
const (
	TypeConnected      = "connected"
	TypeDisconnected   = "disconnected"
	TypeReconnecting   = "reconnecting"
	TypeExhausted      = "exhausted"
	TypeLoggedOut      = "logged_out"
	TypeDecommissioned = "decommissioned"
)

// Event describes one lifecycle transition of a tenant connection.
type Event struct {
	Type     string    `json:"type"`
	Tenant   string    `json:"number"`
	At       time.Time `json:"at"`
	Attempt  int       `json:"attempt,omitempty"`
	Instance string    `json:"instance,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Publisher delivers lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// NATSConfig configures [NewNATS].
type NATSConfig struct {
	URL             string
	Subject         string
	Name            string
	CredentialsFile string
	ReconnectWait   time.Duration
	MaxReconnects   int
}

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATS publishes events as JSON on <subject>.<type>.
type NATS struct {
	conn    natsConn
	subject string
	log     *slog.Logger

	closeOnce sync.Once
}

// NewNATS connects to the NATS server at cfg.URL.
func NewNATS(cfg NATSConfig, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "botfleet"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newNATS(nc, cfg.Subject, logger), nil
}

func newNATS(conn natsConn, subject string, logger *slog.Logger) *NATS {
	subject = strings.Trim(strings.TrimSpace(subject), ".")
	if subject == "" {
		subject = "botfleet.sessions"
	}
	return &NATS{conn: conn, subject: subject, log: logger}
}

// Subject returns the subject ev is published on.
func (n *NATS) Subject(ev Event) string {
	return n.subject + "." + ev.Type
}

func (n *NATS) Publish(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.Subject(ev), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() error {
	var err error
	n.closeOnce.Do(func() {
		err = n.conn.Drain()
	})
	return err
}
