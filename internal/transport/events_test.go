package transport

import (
	"testing"
)

func TestMessageTextOrder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		msg  Message
		want string
	}{
		{"conversation", Message{Conversation: " .ping ", ExtendedText: ".menu"}, ".ping"},
		{"extended", Message{ExtendedText: ".menu", ImageCaption: ".alive"}, ".menu"},
		{"button", Message{ButtonResponseID: ".settings", VideoCaption: "x"}, ".settings"},
		{"image", Message{ImageCaption: ".alive"}, ".alive"},
		{"video", Message{VideoCaption: ".uptime"}, ".uptime"},
		{"empty", Message{Conversation: "   "}, ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.msg.Text(); got != tc.want {
				t.Fatalf("Text() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMessageAddressing(t *testing.T) {
	t.Parallel()

	group := Message{Key: MessageKey{RemoteJID: "123-456@g.us", Participant: "947@s.whatsapp.net"}}
	if !group.Key.IsGroup() || group.Sender() != "947@s.whatsapp.net" {
		t.Fatalf("unexpected group addressing: %+v", group)
	}
	direct := Message{Key: MessageKey{RemoteJID: "947@s.whatsapp.net"}}
	if direct.Key.IsGroup() || direct.Sender() != "947@s.whatsapp.net" {
		t.Fatalf("unexpected direct addressing: %+v", direct)
	}
	status := Message{Key: MessageKey{RemoteJID: StatusBroadcastJID}}
	if !status.IsStatus() {
		t.Fatal("expected status broadcast")
	}
}

func TestJIDHelpers(t *testing.T) {
	t.Parallel()

	if got := JIDFor("947"); got != "947@s.whatsapp.net" {
		t.Fatalf("JIDFor = %q", got)
	}
	if got := NumberFromJID("947:12@s.whatsapp.net"); got != "947" {
		t.Fatalf("NumberFromJID = %q", got)
	}
}

func TestConnectionClosedAuthFailure(t *testing.T) {
	t.Parallel()

	if !(ConnectionClosed{StatusCode: 401}).AuthFailure() {
		t.Fatal("401 must be an auth failure")
	}
	if !(ConnectionClosed{LoggedOut: true}).AuthFailure() {
		t.Fatal("logged out must be an auth failure")
	}
	if (ConnectionClosed{StatusCode: 428}).AuthFailure() {
		t.Fatal("428 is not an auth failure")
	}
}
