package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// NormalizeTenantID strips everything but digits from raw. A tenant id is
// the phone number of the bot identity.
func NormalizeTenantID(raw string) (string, error) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenantID, raw)
	}
	return b.String(), nil
}

// Setting names understood by the bot.
const (
	SettingAutoViewStatus = "AUTO_VIEW_STATUS"
	SettingAutoLikeStatus = "AUTO_LIKE_STATUS"
	SettingAutoRecording  = "AUTO_RECORDING"
	SettingAutoLikeEmoji  = "AUTO_LIKE_EMOJI"
	SettingPrefix         = "PREFIX"
	SettingMaxRetries     = "MAX_RETRIES"
	SettingImageURL       = "IMAGE_URL"
	SettingOwnerNumber    = "OWNER_NUMBER"
)

const (
	DefaultPrefix     = "."
	DefaultMaxRetries = 3
)

var knownSettings = map[string]struct{}{
	SettingAutoViewStatus: {},
	SettingAutoLikeStatus: {},
	SettingAutoRecording:  {},
	SettingAutoLikeEmoji:  {},
	SettingPrefix:         {},
	SettingMaxRetries:     {},
	SettingImageURL:       {},
	SettingOwnerNumber:    {},
}

// IsKnownSetting reports whether key names a supported option.
func IsKnownSetting(key string) bool {
	_, ok := knownSettings[key]
	return ok
}

// Settings holds per-tenant bot options as strings keyed by option name.
// Booleans are "true"/"false" and lists are comma separated.
type Settings map[string]string

// DefaultSettings returns the built-in process defaults.
func DefaultSettings() Settings {
	return Settings{
		SettingAutoViewStatus: "false",
		SettingAutoLikeStatus: "false",
		SettingAutoRecording:  "true",
		SettingAutoLikeEmoji:  "💥,👍,😍,💗,🎈,🎉,🥳,😎,🚀,🔥",
		SettingPrefix:         DefaultPrefix,
		SettingMaxRetries:     strconv.Itoa(DefaultMaxRetries),
		SettingImageURL:       "",
		SettingOwnerNumber:    "",
	}
}

// Clone returns an independent copy of s.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns base overlaid with overrides. Neither input is modified.
func Merge(base, overrides Settings) Settings {
	out := base.Clone()
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Overrides returns the entries of s that differ from base.
func (s Settings) Overrides(base Settings) Settings {
	out := Settings{}
	for k, v := range s {
		if bv, ok := base[k]; ok && bv == v {
			continue
		}
		out[k] = v
	}
	return out
}

// Bool reports whether key is set to "true" (case-insensitive).
func (s Settings) Bool(key string) bool {
	return strings.EqualFold(strings.TrimSpace(s[key]), "true")
}

// Int parses key as an integer, returning def when missing or malformed.
func (s Settings) Int(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s[key]))
	if err != nil {
		return def
	}
	return n
}

// List splits a comma separated value into trimmed, non-empty items.
func (s Settings) List(key string) []string {
	raw := s[key]
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Prefix returns the command prefix, falling back to [DefaultPrefix].
func (s Settings) Prefix() string {
	if p := strings.TrimSpace(s[SettingPrefix]); p != "" {
		return p
	}
	return DefaultPrefix
}

// MaxRetries returns the configured retry count, at least 1.
func (s Settings) MaxRetries() int {
	n := s.Int(SettingMaxRetries, DefaultMaxRetries)
	if n < 1 {
		return 1
	}
	return n
}

// Keys returns the option names in s in sorted order.
func (s Settings) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetValue validates key and normalizes value before storing it. Used by the
// settings chat command where everything arrives as text.
func (s Settings) SetValue(key, value string) error {
	key = strings.ToUpper(strings.TrimSpace(key))
	if !IsKnownSetting(key) {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	s[key] = normalizeSettingValue(key, value)
	return nil
}

// SettingsFromPatch converts a decoded JSON object into [Settings]. Arrays
// become comma separated lists, booleans and numbers their text form.
func SettingsFromPatch(patch map[string]any) (Settings, error) {
	out := make(Settings, len(patch))
	for k, v := range patch {
		key := strings.ToUpper(strings.TrimSpace(k))
		if !IsKnownSetting(key) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSetting, k)
		}
		var text string
		switch tv := v.(type) {
		case nil:
			text = ""
		case string:
			text = tv
		case bool:
			text = strconv.FormatBool(tv)
		case int:
			text = strconv.Itoa(tv)
		case float64:
			text = strconv.FormatFloat(tv, 'f', -1, 64)
		case []any:
			items := make([]string, 0, len(tv))
			for _, item := range tv {
				items = append(items, strings.TrimSpace(fmt.Sprint(item)))
			}
			text = strings.Join(items, ",")
		default:
			return nil, fmt.Errorf("setting %s: unsupported value type %T", key, v)
		}
		out[key] = normalizeSettingValue(key, text)
	}
	return out, nil
}

func normalizeSettingValue(key, value string) string {
	value = strings.TrimSpace(value)
	switch key {
	case SettingAutoViewStatus, SettingAutoLikeStatus, SettingAutoRecording:
		return strconv.FormatBool(strings.EqualFold(value, "true"))
	case SettingAutoLikeEmoji:
		parts := strings.Split(value, ",")
		items := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		return strings.Join(items, ",")
	}
	return value
}

// ActiveSession describes a registered connection in a registry snapshot.
type ActiveSession struct {
	Tenant      string    `json:"number"`
	ConnectedAt time.Time `json:"connected_at"`
}
