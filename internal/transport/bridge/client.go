package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koltyakov/botfleet/internal/transport"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultRequestTimeout   = 30 * time.Second
	writeTimeout            = 10 * time.Second
	eventBuffer             = 256
)

// ErrConnClosed is returned by calls on a closed connection.
var ErrConnClosed = errors.New("bridge connection closed")

// RemoteError is an error reported by the bridge for a request.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge %s: %s", e.Method, e.Message)
}

// Dialer connects tenants through the bridge at URL.
type Dialer struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	Logger           *slog.Logger
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial opens a WebSocket to the bridge, announces the tenant with its
// credentials, and waits for the bridge to acknowledge.
func (d *Dialer) Dial(ctx context.Context, tenantID string, creds []byte) (transport.Conn, error) {
	u, err := url.Parse(strings.TrimSpace(d.URL))
	if err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	q := u.Query()
	q.Set("tenant", tenantID)
	u.RawQuery = q.Encode()

	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reqTimeout := d.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = defaultRequestTimeout
	}
	c := &Conn{
		ws:         ws,
		tenant:     tenantID,
		events:     make(chan transport.Event, eventBuffer),
		done:       make(chan struct{}),
		reqTimeout: reqTimeout,
		log:        logger.With("tenant", tenantID),
	}

	if err := c.write(Message{Kind: KindHello, Hello: &Hello{Tenant: tenantID, CredsB64: EncodeBlob(creds)}}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	deadline := time.Now().Add(handshake)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = ws.SetReadDeadline(deadline)
	var ack Message
	if err := ws.ReadJSON(&ack); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("read hello ack: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	switch {
	case ack.Kind == KindError:
		_ = ws.Close()
		return nil, &RemoteError{Method: KindHello, Message: ack.Error}
	case ack.Kind != KindHelloAck || ack.HelloAck == nil:
		_ = ws.Close()
		return nil, fmt.Errorf("unexpected bridge handshake reply %q", ack.Kind)
	}
	c.registered = ack.HelloAck.Registered
	c.selfJID = ack.HelloAck.SelfJID
	if c.selfJID == "" {
		c.selfJID = transport.JIDFor(tenantID)
	}

	go c.readLoop()
	return c, nil
}

// Conn is a tenant connection multiplexed over one bridge WebSocket.
type Conn struct {
	ws         *websocket.Conn
	tenant     string
	writeMu    sync.Mutex
	pending    sync.Map
	events     chan transport.Event
	done       chan struct{}
	finishOnce sync.Once
	closing    atomic.Bool
	registered bool
	selfJID    string
	reqTimeout time.Duration
	log        *slog.Logger
}

var _ transport.Conn = (*Conn)(nil)

func (c *Conn) Events() <-chan transport.Event { return c.events }
func (c *Conn) Registered() bool               { return c.registered }
func (c *Conn) SelfJID() string                { return c.selfJID }

func (c *Conn) readLoop() {
	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if c.closing.Load() {
				err = ErrConnClosed
			}
			c.finish(transport.ConnectionClosed{Err: err})
			return
		}
		switch msg.Kind {
		case KindEvent:
			if msg.Event == nil {
				continue
			}
			ev, err := toEvent(msg.Event)
			if err != nil {
				c.log.Warn("dropping malformed bridge event", "type", msg.Event.Type, "err", err)
				continue
			}
			if ev == nil {
				continue
			}
			if closed, ok := ev.(transport.ConnectionClosed); ok {
				c.finish(closed)
				return
			}
			c.events <- ev
		case KindResponse:
			if msg.Response == nil {
				continue
			}
			if ch, ok := c.pending.LoadAndDelete(msg.Response.ID); ok {
				ch.(chan Response) <- *msg.Response
			}
		case KindError:
			c.log.Warn("bridge error", "err", msg.Error)
		}
	}
}

// finish delivers the final event exactly once and releases the socket.
func (c *Conn) finish(ev transport.ConnectionClosed) {
	c.finishOnce.Do(func() {
		c.events <- ev
		close(c.done)
		close(c.events)
		_ = c.ws.Close()
	})
}

func (c *Conn) write(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	defer func() { _ = c.ws.SetWriteDeadline(time.Time{}) }()
	return c.ws.WriteJSON(msg)
}

func (c *Conn) call(ctx context.Context, method string, params, out any) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	ch := make(chan Response, 1)
	c.pending.Store(id, ch)
	defer c.pending.Delete(id)

	if err := c.write(Message{Kind: KindRequest, Request: &Request{ID: id, Method: method, Params: raw}}); err != nil {
		return fmt.Errorf("bridge %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return &RemoteError{Method: method, Message: resp.Error}
		}
		if out != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, out)
		}
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) RequestPairingCode(ctx context.Context, number string) (string, error) {
	var out struct {
		Code string `json:"code"`
	}
	if err := c.call(ctx, MethodPairingCode, numberParams{Number: number}, &out); err != nil {
		return "", err
	}
	return out.Code, nil
}

func (c *Conn) SendText(ctx context.Context, jid, text string, quoted *transport.MessageKey) error {
	return c.call(ctx, MethodSendText, sendTextParams{JID: jid, Text: text, Quoted: quoted}, nil)
}

func (c *Conn) SendImage(ctx context.Context, jid, imageURL, caption string) error {
	return c.call(ctx, MethodSendImage, sendImageParams{JID: jid, ImageURL: imageURL, Caption: caption}, nil)
}

func (c *Conn) React(ctx context.Context, key transport.MessageKey, emoji string) error {
	return c.call(ctx, MethodReact, reactParams{Key: key, Emoji: emoji}, nil)
}

func (c *Conn) MarkRead(ctx context.Context, keys []transport.MessageKey) error {
	return c.call(ctx, MethodMarkRead, markReadParams{Keys: keys}, nil)
}

func (c *Conn) SendPresence(ctx context.Context, jid string, presence transport.Presence) error {
	return c.call(ctx, MethodPresence, presenceParams{JID: jid, Presence: presence}, nil)
}

func (c *Conn) SetAbout(ctx context.Context, text string) error {
	return c.call(ctx, MethodSetAbout, textParams{Text: text}, nil)
}

func (c *Conn) PostStatus(ctx context.Context, text, imageURL string) error {
	return c.call(ctx, MethodPostStatus, textParams{Text: text, ImageURL: imageURL}, nil)
}

func (c *Conn) GroupParticipants(ctx context.Context, groupJID string) ([]string, error) {
	var out struct {
		Participants []string `json:"participants"`
	}
	if err := c.call(ctx, MethodGroupParticipants, jidParams{JID: groupJID}, &out); err != nil {
		return nil, err
	}
	return out.Participants, nil
}

func (c *Conn) ProfilePictureURL(ctx context.Context, jid string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.call(ctx, MethodProfilePicture, jidParams{JID: jid}, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// Close asks the bridge to end the session and closes the socket. The final
// [transport.ConnectionClosed] event is still delivered on Events.
func (c *Conn) Close() error {
	if c.closing.Swap(true) {
		return nil
	}
	_ = c.write(Message{Kind: KindClose})
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
