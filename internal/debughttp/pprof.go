// Package debughttp serves runtime profiles on a separate, private
// listener.
package debughttp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

const shutdownTimeout = 5 * time.Second

// Start binds addr and serves pprof until ctx is cancelled. An empty addr
// disables the listener. Bind errors are returned before Start does.
func Start(ctx context.Context, addr string, logger *slog.Logger) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("pprof listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("pprof server error", "err", err)
		}
	}()
	return nil
}

// Handler routes the pprof endpoints under /debug/pprof/.
func Handler() http.Handler {
	r := mux.NewRouter()
	d := r.PathPrefix("/debug/pprof").Subrouter()
	d.HandleFunc("/cmdline", httppprof.Cmdline)
	d.HandleFunc("/profile", httppprof.Profile)
	d.HandleFunc("/symbol", httppprof.Symbol)
	d.HandleFunc("/trace", httppprof.Trace)
	// Index also serves named profiles such as /debug/pprof/goroutine.
	d.PathPrefix("/").HandlerFunc(httppprof.Index)
	return r
}
