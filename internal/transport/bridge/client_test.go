package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/botfleet/internal/transport"
)

// fakeBridge answers the handshake and pairing requests, then pushes one
// message event.
func fakeBridge(t *testing.T, hello chan<- Hello) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tenant") == "" {
			http.Error(w, "missing tenant", http.StatusBadRequest)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var msg Message
		if err := ws.ReadJSON(&msg); err != nil || msg.Hello == nil {
			return
		}
		hello <- *msg.Hello
		if msg.Hello.Tenant == "denied" {
			_ = ws.WriteJSON(Message{Kind: KindError, Error: "tenant denied"})
			return
		}
		_ = ws.WriteJSON(Message{Kind: KindHelloAck, HelloAck: &HelloAck{Registered: msg.Hello.CredsB64 != ""}})

		for {
			var req Message
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			switch req.Kind {
			case KindClose:
				return
			case KindRequest:
				resp := Response{ID: req.Request.ID}
				switch req.Request.Method {
				case MethodPairingCode:
					var p numberParams
					_ = json.Unmarshal(req.Request.Params, &p)
					resp.Result, _ = json.Marshal(map[string]string{"code": "CODE-" + p.Number})
				case MethodSendText:
					var p sendTextParams
					_ = json.Unmarshal(req.Request.Params, &p)
					_ = ws.WriteJSON(Message{Kind: KindResponse, Response: &resp})
					_ = ws.WriteJSON(Message{Kind: KindEvent, Event: &EventFrame{
						Type:    EventMessage,
						Message: &transport.Message{Key: transport.MessageKey{RemoteJID: p.JID, ID: "echo"}, Conversation: p.Text},
					}})
					continue
				default:
					resp.Error = "unsupported"
				}
				_ = ws.WriteJSON(Message{Kind: KindResponse, Response: &resp})
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialHandshakeAndCalls(t *testing.T) {
	t.Parallel()

	hello := make(chan Hello, 1)
	srv := fakeBridge(t, hello)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := &Dialer{URL: wsURL(srv)}
	conn, err := d.Dial(ctx, "947", []byte(`{"me":"947"}`))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	got := <-hello
	if got.Tenant != "947" {
		t.Fatalf("hello tenant = %q", got.Tenant)
	}
	if blob, _ := DecodeBlob(got.CredsB64); string(blob) != `{"me":"947"}` {
		t.Fatalf("hello creds = %q", blob)
	}
	if !conn.Registered() {
		t.Fatal("expected registered connection")
	}
	if conn.SelfJID() != "947@s.whatsapp.net" {
		t.Fatalf("SelfJID = %q", conn.SelfJID())
	}

	code, err := conn.RequestPairingCode(ctx, "947")
	if err != nil || code != "CODE-947" {
		t.Fatalf("RequestPairingCode = %q, %v", code, err)
	}

	if err := conn.SendText(ctx, "111@s.whatsapp.net", "hi", nil); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	select {
	case ev := <-conn.Events():
		mr, ok := ev.(transport.MessageReceived)
		if !ok || mr.Message.Text() != "hi" {
			t.Fatalf("unexpected event %#v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message event")
	}

	var remote *RemoteError
	if err := conn.SetAbout(ctx, "x"); !errors.As(err, &remote) {
		t.Fatalf("SetAbout error = %v, want RemoteError", err)
	}
}

func TestCloseDeliversFinalEvent(t *testing.T) {
	t.Parallel()

	hello := make(chan Hello, 1)
	srv := fakeBridge(t, hello)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := (&Dialer{URL: wsURL(srv)}).Dial(ctx, "947", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if conn.Registered() {
		t.Fatal("connection without creds must not be registered")
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var last transport.Event
	for ev := range conn.Events() {
		last = ev
	}
	closed, ok := last.(transport.ConnectionClosed)
	if !ok {
		t.Fatalf("final event = %#v", last)
	}
	if !errors.Is(closed.Err, ErrConnClosed) || closed.AuthFailure() {
		t.Fatalf("unexpected close event %#v", closed)
	}
	if _, err := conn.RequestPairingCode(ctx, "947"); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("call after close = %v", err)
	}
}

func TestDialRejected(t *testing.T) {
	t.Parallel()

	hello := make(chan Hello, 1)
	srv := fakeBridge(t, hello)
	defer srv.Close()

	_, err := (&Dialer{URL: wsURL(srv)}).Dial(context.Background(), "denied", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "tenant denied" {
		t.Fatalf("Dial error = %v", err)
	}
}

func TestToEventClose(t *testing.T) {
	t.Parallel()

	ev, err := toEvent(&EventFrame{Type: EventClose, StatusCode: 401, Reason: "logged out"})
	if err != nil {
		t.Fatal(err)
	}
	closed, ok := ev.(transport.ConnectionClosed)
	if !ok || !closed.AuthFailure() || closed.Err == nil {
		t.Fatalf("unexpected close event %#v", ev)
	}
	if ev, _ := toEvent(&EventFrame{Type: "typing"}); ev != nil {
		t.Fatalf("unknown frame should be ignored, got %#v", ev)
	}
	if _, err := toEvent(&EventFrame{Type: EventCredentials, CredsB64: "!!"}); err == nil {
		t.Fatal("expected decode error")
	}
}
