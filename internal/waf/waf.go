// Package waf rejects requests to the public API that carry common attack
// payloads before they reach the pairing handlers.
package waf

import (
	"log/slog"
	"net/http"
)

// Config controls the request filter.
type Config struct {
	Enabled bool
	// AuditOnly logs matches and lets the request through.
	AuditOnly bool
	// OnMatch is called with the rule name for every matched request.
	OnMatch func(rule string)
	// Exempt lists paths that are never inspected.
	Exempt []string
}

var forbiddenBody = []byte(`{"error":"Forbidden"}` + "\n")

// NewMiddleware returns a middleware that answers 403 to requests matching
// the built-in rules. A disabled config returns next unchanged.
func NewMiddleware(cfg Config, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		if logger == nil {
			logger = slog.Default()
		}
		rules := defaultRules()
		exempt := make(map[string]struct{}, len(cfg.Exempt))
		for _, p := range cfg.Exempt {
			exempt[p] = struct{}{}
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := exempt[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			name, matched := match(rules, r)
			if !matched {
				next.ServeHTTP(w, r)
				return
			}
			msg := "waf blocked request"
			if cfg.AuditOnly {
				msg = "waf matched request (audit)"
			}
			logger.Warn(msg,
				"rule", name,
				"method", r.Method,
				"uri", r.RequestURI,
				"remote", r.RemoteAddr,
				"ua", r.UserAgent(),
			)
			if cfg.OnMatch != nil {
				cfg.OnMatch(name)
			}
			if cfg.AuditOnly {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write(forbiddenBody)
		})
	}
}
