package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/koltyakov/botfleet/internal/command"
	"github.com/koltyakov/botfleet/internal/config"
	"github.com/koltyakov/botfleet/internal/credstore"
	"github.com/koltyakov/botfleet/internal/credstore/s3store"
	"github.com/koltyakov/botfleet/internal/debughttp"
	"github.com/koltyakov/botfleet/internal/events"
	ilog "github.com/koltyakov/botfleet/internal/log"
	"github.com/koltyakov/botfleet/internal/metrics"
	"github.com/koltyakov/botfleet/internal/roster"
	"github.com/koltyakov/botfleet/internal/server"
	"github.com/koltyakov/botfleet/internal/session"
	"github.com/koltyakov/botfleet/internal/store/sqlite"
	"github.com/koltyakov/botfleet/internal/tenant"
	"github.com/koltyakov/botfleet/internal/throttle"
	"github.com/koltyakov/botfleet/internal/transport/bridge"
	"github.com/koltyakov/botfleet/internal/workspace"
)

const shutdownTimeout = 15 * time.Second

func runServe(ctx context.Context, args []string) int {
	loadServerEnvFromDotEnv(".env")

	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	defaults, err := config.LoadDefaults(cfg.DefaultsFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}

	if err := debughttp.Start(ctx, cfg.PprofAddr, logger); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	backend, closer, err := openBackend(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store error:", err)
		return 1
	}
	defer func() { _ = closer.Close() }()

	publisher, err := openPublisher(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "nats error:", err)
		return 1
	}
	defer func() { _ = publisher.Close() }()

	m := metrics.New(prometheus.NewRegistry())
	state := tenant.NewState(tenant.CacheTTLs{
		Credentials: cfg.CredentialsTTL,
		Settings:    cfg.SettingsTTL,
		Admins:      cfg.AdminsTTL,
	})
	store := credstore.New(backend, state, credstore.Options{
		Prefix:         cfg.StorePrefix,
		Defaults:       defaults,
		AdminFile:      cfg.AdminFile,
		CallTimeout:    cfg.StoreTimeout,
		DeleteInterval: cfg.DeleteInterval,
		Logger:         logger,
		Metrics:        m,
	})

	commands := command.NewRegistry()
	command.RegisterBuiltins(commands, command.BuiltinOptions{BotName: cfg.BotName, RepoURL: cfg.RepoURL, Version: Version})
	dispatcher := command.NewDispatcher(commands, command.Options{
		Cooldown:     cfg.CommandCooldown,
		ReplyUnknown: cfg.ReplyUnknown,
		Logger:       logger,
		Metrics:      m,
	})

	manager := session.New(session.Deps{
		State:      state,
		Store:      store,
		Dialer:     &bridge.Dialer{URL: cfg.BridgeURL, Token: cfg.BridgeToken, Logger: logger},
		Dispatcher: dispatcher,
		Roster:     roster.New(cfg.RosterPath),
		Workspace:  workspace.New(cfg.SessionDir),
		Publisher:  publisher,
		Metrics:    m,
	}, session.Options{
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		PairingTimeout:       cfg.PairingTimeout,
		MaxConcurrent:        cfg.MaxConcurrent,
		Throttle: map[throttle.Kind]time.Duration{
			throttle.About:       cfg.AboutInterval,
			throttle.Story:       cfg.StoryInterval,
			throttle.Presence:    cfg.PresenceInterval,
			throttle.StatusView:  cfg.StatusInterval,
			throttle.StatusReact: cfg.StatusInterval,
		},
		BotName: cfg.BotName,
		Logger:  logger,
	})

	s := server.New(cfg, manager, logger, m, state, dispatcher)
	runErr := s.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", "err", err)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "server error:", runErr)
		return 1
	}
	logger.Info("stopped")
	return 0
}

func openBackend(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (credstore.Backend, io.Closer, error) {
	switch cfg.StoreBackend {
	case config.StoreSQLite:
		st, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using sqlite credential store", "path", cfg.DBPath)
		return st, st, nil
	case config.StoreS3:
		st, err := s3store.New(ctx, s3store.Config{Bucket: cfg.S3Bucket, Region: cfg.S3Region, Endpoint: cfg.S3Endpoint}, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using s3 credential store", "bucket", cfg.S3Bucket, "region", cfg.S3Region)
		return st, nopCloser{}, nil
	case config.StoreMemory:
		logger.Warn("using in-memory credential store; credentials are lost on exit")
		return credstore.NewMemoryBackend(), nopCloser{}, nil
	}
	return nil, nil, errors.New("unknown store backend " + cfg.StoreBackend)
}

func openPublisher(cfg config.ServerConfig, logger *slog.Logger) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		return events.Noop{}, nil
	}
	return events.NewNATS(events.NATSConfig{URL: cfg.NATSURL, Subject: cfg.NATSSubject, Name: "botfleet"}, logger)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
