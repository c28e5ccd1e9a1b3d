package transport

import (
	"strings"
)

// Event is one of [ConnectionOpened], [ConnectionClosed],
// [CredentialsUpdated], [MessageReceived] or [MessagesDeleted].
type Event interface {
	Kind() string
	event()
}

// ConnectionOpened signals the connection is authenticated and usable.
type ConnectionOpened struct{}

// ConnectionClosed is the final event on a connection.
type ConnectionClosed struct {
	Err        error
	StatusCode int
	LoggedOut  bool
}

// AuthFailure reports whether the tenant was logged out.
func (e ConnectionClosed) AuthFailure() bool {
	return e.LoggedOut || IsAuthFailure(e.StatusCode)
}

// CredentialsUpdated carries a fresh credential blob to persist.
type CredentialsUpdated struct {
	Blob []byte
}

// MessageReceived carries one inbound message.
type MessageReceived struct {
	Message Message
}

// MessagesDeleted reports messages revoked by their sender.
type MessagesDeleted struct {
	Keys []MessageKey
}

func (ConnectionOpened) Kind() string   { return "opened" }
func (ConnectionClosed) Kind() string   { return "closed" }
func (CredentialsUpdated) Kind() string { return "credentials" }
func (MessageReceived) Kind() string    { return "message" }
func (MessagesDeleted) Kind() string    { return "deleted" }

func (ConnectionOpened) event()   {}
func (ConnectionClosed) event()   {}
func (CredentialsUpdated) event() {}
func (MessageReceived) event()    {}
func (MessagesDeleted) event()    {}

// MessageKey identifies a message within a chat.
type MessageKey struct {
	RemoteJID   string `json:"remote_jid"`
	Participant string `json:"participant,omitempty"`
	ID          string `json:"id"`
	FromMe      bool   `json:"from_me,omitempty"`
}

// IsGroup reports whether the chat is a group.
func (k MessageKey) IsGroup() bool {
	return strings.HasSuffix(k.RemoteJID, "@"+GroupServer)
}

// Message is an inbound chat message. Only the text-bearing content
// variants the bot reacts to are modelled.
type Message struct {
	Key              MessageKey `json:"key"`
	PushName         string     `json:"push_name,omitempty"`
	Conversation     string     `json:"conversation,omitempty"`
	ExtendedText     string     `json:"extended_text,omitempty"`
	ButtonResponseID string     `json:"button_response_id,omitempty"`
	ImageCaption     string     `json:"image_caption,omitempty"`
	VideoCaption     string     `json:"video_caption,omitempty"`
	HasContent       bool       `json:"has_content"`
}

// IsStatus reports whether the message is a status broadcast.
func (m Message) IsStatus() bool {
	return m.Key.RemoteJID == StatusBroadcastJID
}

// Sender returns the author of the message: the participant in groups and
// status broadcasts, the chat itself otherwise.
func (m Message) Sender() string {
	if m.Key.Participant != "" {
		return m.Key.Participant
	}
	return m.Key.RemoteJID
}

// Text returns the first non-empty body in the order conversation,
// extended text, button response, image caption, video caption.
func (m Message) Text() string {
	for _, s := range []string{m.Conversation, m.ExtendedText, m.ButtonResponseID, m.ImageCaption, m.VideoCaption} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}
