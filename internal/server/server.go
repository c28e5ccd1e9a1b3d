package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/acme/autocert"

	"github.com/koltyakov/botfleet/internal/auth"
	"github.com/koltyakov/botfleet/internal/config"
	"github.com/koltyakov/botfleet/internal/domain"
	"github.com/koltyakov/botfleet/internal/metrics"
	"github.com/koltyakov/botfleet/internal/waf"
)

const (
	httpChallengeListen = ":80"
	httpReadTimeout     = 30 * time.Second
	httpIdleTimeout     = 120 * time.Second
	httpMaxHeaderBytes  = 64 * 1024
	maxConfigBodyBytes  = 64 * 1024
)

// Sessions is the connection manager surface served over HTTP.
// [session.Manager] implements it.
type Sessions interface {
	Pair(ctx context.Context, raw string) (domain.PairResult, error)
	Active() []string
	ConnectRoster(ctx context.Context) ([]domain.BulkResult, error)
	ReconnectStored(ctx context.Context) ([]domain.BulkResult, error)
	Settings(ctx context.Context, raw string) (domain.Settings, error)
	UpdateSettings(ctx context.Context, raw string, patch domain.Settings) (domain.Settings, error)
}

// Sweeper evicts expired entries from an in-memory cache.
type Sweeper interface {
	Sweep() int
}

type Server struct {
	cfg      config.ServerConfig
	sessions Sessions
	log      *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rateLimiter
	sweepers []Sweeper
	adminKey auth.Key
}

func New(cfg config.ServerConfig, sessions Sessions, logger *slog.Logger, m *metrics.Metrics, sweepers ...Sweeper) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		log:      logger,
		metrics:  m,
		limiter:  newRateLimiter(cfg.PairRateLimit, cfg.PairRateBurst),
		sweepers: sweepers,
		adminKey: auth.NewKey(cfg.AdminAPIKey),
	}
	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)

	code := r.PathPrefix("/code").Subrouter()
	code.HandleFunc("", s.handlePair).Methods(http.MethodGet)
	code.HandleFunc("/active", s.handleActive).Methods(http.MethodGet)
	code.Handle("/connect-all", s.requireAdmin(http.HandlerFunc(s.handleConnectAll))).Methods(http.MethodGet, http.MethodPost)
	code.Handle("/reconnect", s.requireAdmin(http.HandlerFunc(s.handleReconnect))).Methods(http.MethodGet, http.MethodPost)
	code.Handle("/config/{number}", s.requireAdmin(http.HandlerFunc(s.handleGetConfig))).Methods(http.MethodGet)
	code.Handle("/config/{number}", s.requireAdmin(http.HandlerFunc(s.handleUpdateConfig))).Methods(http.MethodPost)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	filter := waf.NewMiddleware(waf.Config{
		Enabled:   s.cfg.WAFEnabled,
		AuditOnly: s.cfg.WAFAuditOnly,
		OnMatch:   s.metrics.WAFBlock,
		Exempt:    []string{"/healthz", "/metrics"},
	}, s.log)
	return filter(r)
}

// Run serves HTTP until ctx is cancelled. With a TLS domain configured the
// listener serves HTTPS with certificates from Let's Encrypt and an extra
// plain listener answers ACME challenges.
func (s *Server) Run(ctx context.Context) error {
	go s.runJanitor(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
		MaxHeaderBytes:    httpMaxHeaderBytes,
	}

	errCh := make(chan error, 2)
	var challengeServer *http.Server
	useTLS := s.cfg.TLSDomain != ""
	if useTLS {
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.CertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLSDomain),
		}
		tlsConfig := manager.TLSConfig()
		tlsConfig.MinVersion = tls.VersionTLS12
		srv.TLSConfig = tlsConfig
		srv.ErrorLog = log.New(newHTTPSErrorLogWriter(s.log), "", 0)

		challengeServer = &http.Server{
			Addr:              httpChallengeListen,
			Handler:           manager.HTTPHandler(http.NotFoundHandler()),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			MaxHeaderBytes:    httpMaxHeaderBytes,
		}
		go func() {
			s.log.Info("starting ACME challenge server", "addr", httpChallengeListen)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("challenge server: %w", err)
			}
		}()
	}

	go func() {
		s.log.Info("starting HTTP server", "addr", s.cfg.Listen, "tls", useTLS)
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		var firstErr error
		if err := shutdownServer(srv, 5*time.Second); err != nil {
			firstErr = err
		}
		if challengeServer != nil {
			if err := shutdownServer(challengeServer, 5*time.Second); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	case err := <-errCh:
		_ = shutdownServer(srv, 5*time.Second)
		if challengeServer != nil {
			_ = shutdownServer(challengeServer, 5*time.Second)
		}
		return err
	}
}

func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.janitorInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	evicted := 0
	for _, sw := range s.sweepers {
		evicted += sw.Sweep()
	}
	evicted += s.limiter.Sweep()
	if evicted > 0 {
		s.log.Debug("evicted expired cache entries", "count", evicted)
	}
}

func (s *Server) janitorInterval() time.Duration {
	if s.cfg.JanitorInterval > 0 {
		return s.cfg.JanitorInterval
	}
	return idleClientAge
}
