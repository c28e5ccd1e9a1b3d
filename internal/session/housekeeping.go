package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/koltyakov/botfleet/internal/domain"
	"github.com/koltyakov/botfleet/internal/throttle"
	"github.com/koltyakov/botfleet/internal/transport"
)

// housekeeping runs the one-off side effects of a freshly opened
// connection. Failures are logged and do not affect the connection.
func (s *session) housekeeping(ctx context.Context) {
	settings := s.m.settings(ctx, s.id)
	image := strings.TrimSpace(settings[domain.SettingImageURL])
	now := s.m.opts.Now()

	if s.throttle.Allow(throttle.About) {
		if err := s.conn.SetAbout(ctx, s.m.opts.AboutText); err != nil {
			s.log.Warn("failed to update about status", "err", err)
		}
	}
	if s.throttle.Allow(throttle.Story) {
		story := fmt.Sprintf("Connected! 🚀\nConnected at: %s", now.Format(time.RFC1123))
		if err := s.conn.PostStatus(ctx, story, ""); err != nil {
			s.log.Warn("failed to post status", "err", err)
		}
	}

	welcome := s.welcomeText(settings)
	self := s.conn.SelfJID()
	var err error
	if image != "" {
		err = s.conn.SendImage(ctx, self, image, welcome)
	} else {
		err = s.conn.SendText(ctx, self, welcome, nil)
	}
	if err != nil {
		s.log.Warn("failed to send welcome message", "err", err)
	}

	s.notifyAdmins(ctx, image)

	if s.m.roster != nil {
		if added, err := s.m.roster.Add(s.id); err != nil {
			s.log.Warn("failed to update roster", "err", err)
		} else if added {
			s.log.Info("added tenant to roster")
		}
	}
}

func (s *session) welcomeText(settings domain.Settings) string {
	onOff := func(key string) string {
		if settings.Bool(key) {
			return "Enabled"
		}
		return "Disabled"
	}
	prefix := settings.Prefix()
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s connected*\n\n", strings.ToUpper(s.m.opts.BotName))
	fmt.Fprintf(&sb, "✅ Successfully connected!\n🔢 Number: %s\n\n", s.id)
	fmt.Fprintf(&sb, "📌 Type %smenu to view all commands\n\n", prefix)
	fmt.Fprintf(&sb, "*Auto view status:* %s\n", onOff(domain.SettingAutoViewStatus))
	fmt.Fprintf(&sb, "*Auto like status:* %s\n", onOff(domain.SettingAutoLikeStatus))
	fmt.Fprintf(&sb, "*Auto recording:* %s\n\n", onOff(domain.SettingAutoRecording))
	fmt.Fprintf(&sb, "Use %ssettings to change these options.", prefix)
	return sb.String()
}

// notifyAdmins tells every admin about the new connection, one at a time.
func (s *session) notifyAdmins(ctx context.Context, image string) {
	text := fmt.Sprintf("*Bot connected*\n📞 Number: %s\nActive bots: %d", s.id, s.m.state.Registry.Len())
	for i, admin := range s.m.store.LoadAdmins() {
		if i > 0 {
			if err := s.m.opts.Sleep(ctx, s.m.opts.AdminNotifyGap); err != nil {
				return
			}
		}
		jid := transport.JIDFor(admin)
		var err error
		if image != "" {
			err = s.conn.SendImage(ctx, jid, image, text)
		} else {
			err = s.conn.SendText(ctx, jid, text, nil)
		}
		if err != nil {
			s.log.Warn("failed to notify admin", "admin", admin, "err", err)
		}
	}
}

func (s *session) onMessage(msg transport.Message) {
	settings := s.m.settings(s.ctx, s.id)
	if msg.IsStatus() {
		s.onStatus(msg, settings)
		return
	}
	if !msg.Key.FromMe && settings.Bool(domain.SettingAutoRecording) && s.throttle.Allow(throttle.Presence) {
		chat := msg.Key.RemoteJID
		s.spawn(func(ctx context.Context) {
			if err := s.conn.SendPresence(ctx, chat, transport.PresenceRecording); err != nil {
				s.log.Debug("failed to send presence", "err", err)
			}
		})
	}
	if s.m.dispatcher == nil {
		return
	}
	if inv := s.m.dispatcher.Parse(s.id, s.conn, s.m, settings, msg); inv != nil {
		s.spawn(func(ctx context.Context) {
			s.m.dispatcher.Run(ctx, inv)
		})
	}
}

// onStatus views and reacts to a contact's status update when the tenant
// enabled it. Each interaction kind is throttled before it runs.
func (s *session) onStatus(msg transport.Message, settings domain.Settings) {
	key := msg.Key
	if key.Participant == "" {
		return
	}
	view := settings.Bool(domain.SettingAutoViewStatus) && s.throttle.Allow(throttle.StatusView)
	react := settings.Bool(domain.SettingAutoLikeStatus) && s.throttle.Allow(throttle.StatusReact)
	if !view && !react {
		return
	}
	retries := settings.MaxRetries()
	emojis := settings.List(domain.SettingAutoLikeEmoji)
	if len(emojis) == 0 {
		emojis = domain.DefaultSettings().List(domain.SettingAutoLikeEmoji)
	}

	s.spawn(func(ctx context.Context) {
		base, sleep := s.m.opts.StatusRetryBase, s.m.opts.Sleep
		if view {
			err := throttle.Retry(ctx, retries, base, sleep, func(int) error {
				return s.conn.MarkRead(ctx, []transport.MessageKey{key})
			})
			if err != nil {
				s.log.Warn("failed to view status", "err", err)
			}
		}
		if react {
			emoji := emojis[rand.IntN(len(emojis))]
			err := throttle.Retry(ctx, retries, base, sleep, func(int) error {
				return s.conn.React(ctx, key, emoji)
			})
			if err != nil {
				s.log.Warn("failed to react to status", "err", err)
			}
		}
	})
}

// onDeleted tells the tenant that a message was revoked in one of its
// chats.
func (s *session) onDeleted(keys []transport.MessageKey) {
	if len(keys) == 0 {
		return
	}
	key := keys[0]
	text := fmt.Sprintf("🗑️ *Message deleted*\nA message was deleted from your chat.\nFrom: %s\nTime: %s",
		key.RemoteJID, s.m.opts.Now().Format(time.RFC1123))
	self := s.conn.SelfJID()
	s.spawn(func(ctx context.Context) {
		if err := s.conn.SendText(ctx, self, text, nil); err != nil {
			s.log.Warn("failed to send deletion notice", "err", err)
		}
	})
}
