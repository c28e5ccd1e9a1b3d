// Package bridge implements [transport.Dialer] on top of a WebSocket
// connection to a network bridge sidecar. The sidecar speaks the chat
// network protocol; this package only exchanges JSON envelopes with it.
package bridge

import (
	"encoding/base64"
	"encoding/json"

	"github.com/koltyakov/botfleet/internal/transport"
)

// Message kinds identify the type of payload carried by a [Message].
const (
	KindHello    = "hello"
	KindHelloAck = "hello_ack"
	KindEvent    = "event"
	KindRequest  = "request"
	KindResponse = "response"
	KindError    = "error"
	KindClose    = "close"
)

// Event types carried in [EventFrame.Type].
const (
	EventOpen        = "open"
	EventClose       = "close"
	EventCredentials = "creds"
	EventMessage     = "message"
	EventDeleted     = "deleted"
)

// Request methods understood by the bridge.
const (
	MethodPairingCode       = "pairing_code"
	MethodSendText          = "send_text"
	MethodSendImage         = "send_image"
	MethodReact             = "react"
	MethodMarkRead          = "mark_read"
	MethodPresence          = "presence"
	MethodSetAbout          = "set_about"
	MethodPostStatus        = "post_status"
	MethodGroupParticipants = "group_participants"
	MethodProfilePicture    = "profile_picture"
)

// Message is the top-level envelope exchanged on the bridge WebSocket.
type Message struct {
	Kind     string      `json:"kind"`
	Hello    *Hello      `json:"hello,omitempty"`
	HelloAck *HelloAck   `json:"hello_ack,omitempty"`
	Event    *EventFrame `json:"event,omitempty"`
	Request  *Request    `json:"request,omitempty"`
	Response *Response   `json:"response,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Hello opens a tenant session on the bridge.
type Hello struct {
	Tenant   string `json:"tenant"`
	CredsB64 string `json:"creds_b64,omitempty"`
}

// HelloAck reports the state of the restored identity.
type HelloAck struct {
	Registered bool   `json:"registered"`
	SelfJID    string `json:"self_jid,omitempty"`
}

// EventFrame carries one network event from the bridge.
type EventFrame struct {
	Type       string                 `json:"type"`
	StatusCode int                    `json:"status_code,omitempty"`
	LoggedOut  bool                   `json:"logged_out,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	CredsB64   string                 `json:"creds_b64,omitempty"`
	Message    *transport.Message     `json:"message,omitempty"`
	Keys       []transport.MessageKey `json:"keys,omitempty"`
}

// Request is an RPC call from the manager to the bridge.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a [Request] with the same ID.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type sendTextParams struct {
	JID    string                `json:"jid"`
	Text   string                `json:"text"`
	Quoted *transport.MessageKey `json:"quoted,omitempty"`
}

type sendImageParams struct {
	JID      string `json:"jid"`
	ImageURL string `json:"image_url"`
	Caption  string `json:"caption,omitempty"`
}

type reactParams struct {
	Key   transport.MessageKey `json:"key"`
	Emoji string               `json:"emoji"`
}

type markReadParams struct {
	Keys []transport.MessageKey `json:"keys"`
}

type presenceParams struct {
	JID      string             `json:"jid"`
	Presence transport.Presence `json:"presence"`
}

type textParams struct {
	Text     string `json:"text"`
	ImageURL string `json:"image_url,omitempty"`
}

type jidParams struct {
	JID string `json:"jid"`
}

type numberParams struct {
	Number string `json:"number"`
}

// EncodeBlob base64-encodes a byte slice for JSON transport.
func EncodeBlob(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBlob decodes a base64-encoded blob string.
func DecodeBlob(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// toEvent converts a frame into a transport event. Unknown frame types
// return nil.
func toEvent(f *EventFrame) (transport.Event, error) {
	switch f.Type {
	case EventOpen:
		return transport.ConnectionOpened{}, nil
	case EventClose:
		var err error
		if f.Reason != "" {
			err = &closeError{reason: f.Reason}
		}
		return transport.ConnectionClosed{Err: err, StatusCode: f.StatusCode, LoggedOut: f.LoggedOut}, nil
	case EventCredentials:
		blob, err := DecodeBlob(f.CredsB64)
		if err != nil {
			return nil, err
		}
		return transport.CredentialsUpdated{Blob: blob}, nil
	case EventMessage:
		if f.Message == nil {
			return nil, nil
		}
		return transport.MessageReceived{Message: *f.Message}, nil
	case EventDeleted:
		return transport.MessagesDeleted{Keys: f.Keys}, nil
	}
	return nil, nil
}

type closeError struct {
	reason string
}

func (e *closeError) Error() string {
	return "bridge closed connection: " + e.reason
}
