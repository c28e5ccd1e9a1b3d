// Package transport defines the boundary between the session manager and
// the chat-network client. The network protocol itself lives behind a
// [Dialer]; this package only describes the connection handle and the
// events it emits.
package transport

import (
	"context"
	"net/http"
	"strings"
)

// Well-known addressing constants of the messaging network.
const (
	UserServer         = "s.whatsapp.net"
	GroupServer        = "g.us"
	StatusBroadcastJID = "status@broadcast"
)

// JIDFor returns the user address of a tenant or contact number.
func JIDFor(number string) string {
	return number + "@" + UserServer
}

// NumberFromJID strips the server part and any device suffix from jid.
func NumberFromJID(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}

// Presence is a chat-state update sent to a conversation.
type Presence string

const (
	PresenceAvailable Presence = "available"
	PresenceComposing Presence = "composing"
	PresenceRecording Presence = "recording"
	PresencePaused    Presence = "paused"
)

// Conn is a live connection for one tenant. Events are delivered in order
// on the channel returned by Events, which is closed after the final
// [ConnectionClosed] event.
type Conn interface {
	Events() <-chan Event
	// Registered reports whether the restored credentials already belong to
	// a paired identity. Unregistered connections need a pairing code.
	Registered() bool
	RequestPairingCode(ctx context.Context, number string) (string, error)
	SelfJID() string

	SendText(ctx context.Context, jid, text string, quoted *MessageKey) error
	SendImage(ctx context.Context, jid, imageURL, caption string) error
	React(ctx context.Context, key MessageKey, emoji string) error
	MarkRead(ctx context.Context, keys []MessageKey) error
	SendPresence(ctx context.Context, jid string, presence Presence) error
	SetAbout(ctx context.Context, text string) error
	PostStatus(ctx context.Context, text, imageURL string) error
	GroupParticipants(ctx context.Context, groupJID string) ([]string, error)
	ProfilePictureURL(ctx context.Context, jid string) (string, error)

	Close() error
}

// Dialer opens tenant connections. creds may be nil for a tenant that has
// never been paired.
type Dialer interface {
	Dial(ctx context.Context, tenantID string, creds []byte) (Conn, error)
}

// IsAuthFailure reports whether a close status means the tenant was logged
// out and must pair again.
func IsAuthFailure(statusCode int) bool {
	return statusCode == http.StatusUnauthorized
}
