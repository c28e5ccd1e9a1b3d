package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/koltyakov/botfleet/internal/domain"
	"github.com/koltyakov/botfleet/internal/events"
	"github.com/koltyakov/botfleet/internal/throttle"
	"github.com/koltyakov/botfleet/internal/transport"
)

// session is one live connection and its event loop. It is the handle
// stored in the registry once the connection opens.
type session struct {
	m        *Manager
	id       string
	instance string
	conn     transport.Conn
	chain    *chain
	ctx      context.Context
	log      *slog.Logger
	throttle *throttle.Throttler
	tasks    *semaphore.Weighted

	stopping atomic.Bool
	opened   bool
}

func newSession(m *Manager, id string, conn transport.Conn, ch *chain) *session {
	instance := uuid.NewString()
	return &session{
		m:        m,
		id:       id,
		instance: instance,
		conn:     conn,
		chain:    ch,
		ctx:      ch.ctx,
		log:      m.log.With("tenant", id, "instance", instance),
		throttle: m.throttleFor(id),
		tasks:    semaphore.NewWeighted(int64(m.opts.CommandConcurrency)),
	}
}

// Close ends the connection without scheduling a reconnect.
func (s *session) Close() error {
	s.stopping.Store(true)
	return s.conn.Close()
}

// run consumes connection events in order until the connection closes.
func (s *session) run() {
	defer s.m.wg.Done()

	timer := time.NewTimer(s.m.opts.PairingTimeout)
	defer timer.Stop()
	timeout := timer.C
	stop := s.ctx.Done()

	for {
		select {
		case ev, ok := <-s.conn.Events():
			if !ok {
				s.onClose(transport.ConnectionClosed{Err: errors.New("event stream ended")})
				return
			}
			s.m.metrics.TransportEvent(ev.Kind())
			switch e := ev.(type) {
			case transport.ConnectionOpened:
				timeout = nil
				s.onOpen()
			case transport.CredentialsUpdated:
				s.onCredentials(e.Blob)
			case transport.MessageReceived:
				s.onMessage(e.Message)
			case transport.MessagesDeleted:
				s.onDeleted(e.Keys)
			case transport.ConnectionClosed:
				s.onClose(e)
				return
			}
		case <-timeout:
			timeout = nil
			s.log.Warn("connection did not open in time", "timeout", s.m.opts.PairingTimeout)
			if !s.conn.Registered() {
				// An unused pairing code is not worth reconnecting for.
				s.stopping.Store(true)
			}
			_ = s.conn.Close()
		case <-stop:
			stop = nil
			_ = s.Close()
		}
	}
}

func (s *session) onOpen() {
	reg := s.m.state.Registry
	if err := reg.Register(s.id, s, s.m.opts.Now()); err != nil {
		s.log.Warn("another connection is already registered, closing this one", "err", err)
		_ = s.Close()
		return
	}
	s.opened = true
	prev := s.m.attempt(s.chain)
	s.m.setAttempt(s.chain, 0)
	s.m.metrics.SetActiveSessions(reg.Len())
	if prev > 0 {
		s.m.metrics.Reconnect("succeeded")
	}
	s.log.Info("connection opened", "attempt", prev)
	s.m.publish(events.Event{Type: events.TypeConnected, Tenant: s.id, Attempt: prev, Instance: s.instance})

	s.m.wg.Add(1)
	go func() {
		defer s.m.wg.Done()
		s.housekeeping(s.ctx)
	}()
}

func (s *session) onCredentials(blob []byte) {
	if err := s.m.workspace.SaveCreds(s.id, blob); err != nil {
		s.log.Warn("failed to save local credentials", "err", err)
	}
	if err := s.m.store.Persist(s.ctx, s.id, blob); err != nil {
		s.log.Warn("failed to persist credentials", "err", err)
	}
}

func (s *session) onClose(e transport.ConnectionClosed) {
	reg := s.m.state.Registry
	if s.opened {
		reg.ReleaseIf(s.id, s)
	} else {
		reg.CancelPending(s.id)
	}
	s.m.metrics.SetActiveSessions(reg.Len())
	logger := s.log.With("status", e.StatusCode)

	switch {
	case s.stopping.Load() || s.ctx.Err() != nil:
		logger.Info("connection closed")
		if s.opened {
			s.m.publish(events.Event{Type: events.TypeDisconnected, Tenant: s.id, Instance: s.instance})
		}
		s.m.endChain(s.chain)

	case e.AuthFailure():
		logger.Warn("tenant logged out, not reconnecting", "err", e.Err)
		if err := s.m.workspace.Remove(s.id); err != nil {
			logger.Warn("failed to remove session workspace", "err", err)
		}
		s.m.store.Forget(s.id)
		s.m.metrics.Reconnect("logged_out")
		s.m.publish(events.Event{Type: events.TypeLoggedOut, Tenant: s.id, Instance: s.instance})
		s.m.endChain(s.chain)

	default:
		logger.Warn("connection closed unexpectedly", "err", e.Err)
		if _, err := s.m.store.DeleteAll(s.ctx, s.id); err != nil {
			logger.Warn("failed to delete stored credentials", "err", err)
		}
		s.m.publish(events.Event{Type: events.TypeDisconnected, Tenant: s.id, Instance: s.instance, Detail: errString(e.Err)})
		s.m.reconnect(s.chain)
	}
}

// reconnect retries the connection of ch with exponential delays until it
// opens, the attempt cap is reached, or the chain is cancelled.
func (m *Manager) reconnect(ch *chain) {
	logger := m.log.With("tenant", ch.id)
	for {
		attempt := m.attempt(ch)
		if attempt >= m.opts.MaxReconnectAttempts {
			logger.Error("giving up after repeated reconnect failures", "attempt", attempt)
			m.metrics.Reconnect("exhausted")
			m.publish(events.Event{Type: events.TypeExhausted, Tenant: ch.id, Attempt: attempt})
			m.endChain(ch)
			return
		}
		attempt++
		m.setAttempt(ch, attempt)
		delay := m.opts.ReconnectBaseDelay << (attempt - 1)
		logger.Info("scheduling reconnect", "attempt", attempt, "retry_in", delay)
		m.publish(events.Event{Type: events.TypeReconnecting, Tenant: ch.id, Attempt: attempt})

		if err := m.opts.Sleep(ch.ctx, delay); err != nil {
			m.endChain(ch)
			return
		}
		if !m.state.Registry.TryAcquire(ch.id) {
			logger.Info("tenant connected elsewhere, stopping reconnect")
			m.endChain(ch)
			return
		}
		if _, err := m.connect(ch.ctx, ch.id, ch, false); err != nil {
			switch class := domain.Classify(err); class {
			case domain.ClassAuthRevoked:
				logger.Warn("no usable credentials left, stopping reconnect")
				m.endChain(ch)
				return
			case domain.ClassNone:
				m.endChain(ch)
				return
			default:
				logger.Warn("reconnect attempt failed", "attempt", attempt, "class", class.String(), "err", err)
			}
			m.metrics.Reconnect("failed")
			continue
		}
		return
	}
}

// spawn runs fn off the event loop, bounded per connection.
func (s *session) spawn(fn func(ctx context.Context)) {
	s.m.wg.Add(1)
	go func() {
		defer s.m.wg.Done()
		if err := s.tasks.Acquire(s.ctx, 1); err != nil {
			return
		}
		defer s.tasks.Release(1)
		fn(s.ctx)
	}()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
