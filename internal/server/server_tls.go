package server

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Handshake failure reasons that come from port scanners and plain HTTP
// clients rather than real users.
var scannerTLSReasons = []string{
	"eof",
	"missing server name",
	"offered only unsupported versions",
	"no cipher suite supported",
	"not configured in hostwhitelist",
	"connection reset by peer",
	"i/o timeout",
	"first record does not look like a tls handshake",
	"http request to an https server",
}

// Reasons seen while autocert is still obtaining the first certificate.
var provisioningTLSReasons = []string{
	"bad certificate",
	"failed to verify certificate",
	"x509:",
}

// httpsErrorLog adapts the net/http error log to slog and demotes TLS
// handshake noise.
type httpsErrorLog struct {
	log      *slog.Logger
	hintOnce sync.Once
}

func newHTTPSErrorLogWriter(logger *slog.Logger) *httpsErrorLog {
	return &httpsErrorLog{log: logger}
}

func (w *httpsErrorLog) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	const marker = "TLS handshake error from "
	_, payload, ok := strings.Cut(line, marker)
	if !ok {
		w.log.Warn("https server error", "err", line)
		return len(p), nil
	}
	addr, reason, ok := strings.Cut(payload, ": ")
	if !ok {
		w.log.Debug("tls handshake dropped", "detail", payload)
		return len(p), nil
	}
	addr, reason = strings.TrimSpace(addr), strings.TrimSpace(reason)

	level, msg := classifyTLSReason(reason)
	if level == slog.LevelInfo {
		w.hintOnce.Do(func() {
			w.log.Info("certificate provisioning in progress, early handshake failures are expected")
		})
	}
	w.log.Log(context.Background(), level, msg, "remote_addr", addr, "reason", reason)
	return len(p), nil
}

func classifyTLSReason(reason string) (slog.Level, string) {
	r := strings.ToLower(reason)
	if r == "" {
		return slog.LevelWarn, "tls handshake failed"
	}
	for _, s := range scannerTLSReasons {
		if r == s || (s != "eof" && strings.Contains(r, s)) {
			return slog.LevelDebug, "tls handshake rejected"
		}
	}
	for _, s := range provisioningTLSReasons {
		if strings.Contains(r, s) {
			return slog.LevelInfo, "tls handshake retried during certificate provisioning"
		}
	}
	return slog.LevelWarn, "tls handshake failed"
}
