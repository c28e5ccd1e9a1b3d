// Package auth guards the admin endpoints with a shared bearer key.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

// GenerateKey returns a random URL-safe admin key.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Key holds the digest of the configured admin key. Only the digest is
// kept in memory. The zero Key is disabled.
type Key struct {
	digest []byte
}

// NewKey returns a Key for raw. A blank raw value yields a disabled Key.
func NewKey(raw string) Key {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Key{}
	}
	sum := sha256.Sum256([]byte(raw))
	return Key{digest: sum[:]}
}

// Enabled reports whether an admin key is configured.
func (k Key) Enabled() bool { return len(k.digest) != 0 }

// Matches compares token against the key in constant time. An empty token
// never matches.
func (k Key) Matches(token string) bool {
	if !k.Enabled() || token == "" {
		return false
	}
	sum := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(sum[:], k.digest) == 1
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
