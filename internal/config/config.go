package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/koltyakov/botfleet/internal/domain"
)

type ServerConfig struct {
	Listen       string
	TLSDomain    string
	CertCacheDir string
	LogLevel     string
	LogFormat    string
	PprofAddr    string
	WAFEnabled   bool
	WAFAuditOnly bool

	StoreBackend   string
	DBPath         string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	StorePrefix    string
	StoreTimeout   time.Duration
	DeleteInterval time.Duration

	SessionDir   string
	RosterPath   string
	AdminFile    string
	DefaultsFile string
	AdminAPIKey  string

	BridgeURL   string
	BridgeToken string
	NATSURL     string
	NATSSubject string

	MaxConcurrent        int
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	PairingTimeout       time.Duration

	AboutInterval    time.Duration
	StoryInterval    time.Duration
	PresenceInterval time.Duration
	StatusInterval   time.Duration

	CredentialsTTL  time.Duration
	SettingsTTL     time.Duration
	AdminsTTL       time.Duration
	JanitorInterval time.Duration

	CommandCooldown time.Duration
	ReplyUnknown    bool
	BotName         string
	RepoURL         string

	RequestTimeout time.Duration
	PairRateLimit  float64
	PairRateBurst  int
}

const (
	StoreSQLite = "sqlite"
	StoreS3     = "s3"
	StoreMemory = "memory"
)

const defaultServerListen = ":8000"
const defaultServerDBPath = "./botfleet.db"
const defaultServerCertCacheDir = "./cert"
const defaultServerSessionDir = "./session"
const defaultServerRosterPath = "./numbers.json"
const defaultServerAdminFile = "./admin.json"
const defaultServerStorePrefix = "session/"
const defaultServerJanitorInterval = 5 * time.Minute

func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen:       envOrDefault("BOTFLEET_LISTEN", defaultServerListen),
		TLSDomain:    envOrDefault("BOTFLEET_DOMAIN", ""),
		CertCacheDir: envOrDefault("BOTFLEET_CERT_CACHE_DIR", defaultServerCertCacheDir),
		LogLevel:     envOrDefault("BOTFLEET_LOG_LEVEL", "info"),
		LogFormat:    envOrDefault("BOTFLEET_LOG_FORMAT", "text"),
		PprofAddr:    envOrDefault("BOTFLEET_PPROF_LISTEN", ""),
		WAFEnabled:   envBoolOrDefault("BOTFLEET_WAF", true),
		WAFAuditOnly: envBoolOrDefault("BOTFLEET_WAF_AUDIT", false),

		StoreBackend:   envOrDefault("BOTFLEET_STORE_BACKEND", StoreSQLite),
		DBPath:         envOrDefault("BOTFLEET_DB_PATH", defaultServerDBPath),
		S3Bucket:       envOrDefault("BOTFLEET_S3_BUCKET", ""),
		S3Region:       envOrDefault("BOTFLEET_S3_REGION", "us-east-1"),
		S3Endpoint:     envOrDefault("BOTFLEET_S3_ENDPOINT", ""),
		StorePrefix:    envOrDefault("BOTFLEET_STORE_PREFIX", defaultServerStorePrefix),
		StoreTimeout:   envDurationOrDefault("BOTFLEET_STORE_TIMEOUT", 20*time.Second),
		DeleteInterval: envDurationOrDefault("BOTFLEET_DELETE_INTERVAL", 500*time.Millisecond),

		SessionDir:   envOrDefault("BOTFLEET_SESSION_DIR", defaultServerSessionDir),
		RosterPath:   envOrDefault("BOTFLEET_ROSTER_PATH", defaultServerRosterPath),
		AdminFile:    envOrDefault("BOTFLEET_ADMIN_FILE", defaultServerAdminFile),
		DefaultsFile: envOrDefault("BOTFLEET_DEFAULTS_FILE", ""),
		AdminAPIKey:  envOrDefault("BOTFLEET_ADMIN_API_KEY", ""),

		BridgeURL:   envOrDefault("BOTFLEET_BRIDGE_URL", ""),
		BridgeToken: envOrDefault("BOTFLEET_BRIDGE_TOKEN", ""),
		NATSURL:     envOrDefault("BOTFLEET_NATS_URL", ""),
		NATSSubject: envOrDefault("BOTFLEET_NATS_SUBJECT", "botfleet.sessions"),

		MaxConcurrent:        envIntOrDefault("BOTFLEET_MAX_CONCURRENT_CONNECTIONS", 5),
		MaxReconnectAttempts: envIntOrDefault("BOTFLEET_MAX_RECONNECT_ATTEMPTS", 5),
		ReconnectBaseDelay:   envDurationOrDefault("BOTFLEET_RECONNECT_BASE_DELAY", 10*time.Second),
		PairingTimeout:       envDurationOrDefault("BOTFLEET_PAIRING_TIMEOUT", 3*time.Minute),

		AboutInterval:    envDurationOrDefault("BOTFLEET_ABOUT_INTERVAL", time.Hour),
		StoryInterval:    envDurationOrDefault("BOTFLEET_STORY_INTERVAL", 24*time.Hour),
		PresenceInterval: envDurationOrDefault("BOTFLEET_PRESENCE_INTERVAL", 5*time.Second),
		StatusInterval:   envDurationOrDefault("BOTFLEET_STATUS_INTERVAL", 10*time.Second),

		CredentialsTTL:  envDurationOrDefault("BOTFLEET_CREDENTIALS_TTL", 5*time.Minute),
		SettingsTTL:     envDurationOrDefault("BOTFLEET_SETTINGS_TTL", 5*time.Minute),
		AdminsTTL:       envDurationOrDefault("BOTFLEET_ADMINS_TTL", 24*time.Hour),
		JanitorInterval: defaultServerJanitorInterval,

		CommandCooldown: envDurationOrDefault("BOTFLEET_COMMAND_COOLDOWN", time.Second),
		ReplyUnknown:    envBoolOrDefault("BOTFLEET_REPLY_UNKNOWN", true),
		BotName:         envOrDefault("BOTFLEET_BOT_NAME", "botfleet"),
		RepoURL:         envOrDefault("BOTFLEET_REPO_URL", ""),

		RequestTimeout: 30 * time.Second,
		PairRateLimit:  2,
		PairRateBurst:  5,
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&cfg.TLSDomain, "domain", cfg.TLSDomain, "Public domain for automatic TLS (empty serves plain HTTP)")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "TLS cert cache dir")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.StringVar(&cfg.PprofAddr, "pprof-listen", cfg.PprofAddr, "Optional pprof listen address")
	fs.BoolVar(&cfg.WAFEnabled, "waf", cfg.WAFEnabled, "Reject requests carrying common attack payloads")
	fs.BoolVar(&cfg.WAFAuditOnly, "waf-audit", cfg.WAFAuditOnly, "Log request filter matches without blocking")
	fs.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "Credential store backend: sqlite|s3|memory")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", cfg.S3Bucket, "S3 bucket for credentials and settings")
	fs.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", cfg.S3Endpoint, "S3-compatible endpoint override")
	fs.StringVar(&cfg.StorePrefix, "store-prefix", cfg.StorePrefix, "Object name prefix")
	fs.DurationVar(&cfg.StoreTimeout, "store-timeout", cfg.StoreTimeout, "Timeout of each store call")
	fs.DurationVar(&cfg.DeleteInterval, "delete-interval", cfg.DeleteInterval, "Pause between sequential credential deletes")
	fs.StringVar(&cfg.SessionDir, "session-dir", cfg.SessionDir, "Local session workspace directory")
	fs.StringVar(&cfg.RosterPath, "roster", cfg.RosterPath, "Roster file of known numbers")
	fs.StringVar(&cfg.AdminFile, "admin-file", cfg.AdminFile, "Admin numbers file (YAML or JSON list)")
	fs.StringVar(&cfg.DefaultsFile, "defaults-file", cfg.DefaultsFile, "YAML file with default bot settings")
	fs.StringVar(&cfg.AdminAPIKey, "admin-api-key", cfg.AdminAPIKey, "Bearer key for admin endpoints")
	fs.StringVar(&cfg.BridgeURL, "bridge-url", cfg.BridgeURL, "Messaging bridge WebSocket URL")
	fs.StringVar(&cfg.BridgeToken, "bridge-token", cfg.BridgeToken, "Messaging bridge bearer token")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "Optional NATS URL for lifecycle events")
	fs.StringVar(&cfg.NATSSubject, "nats-subject", cfg.NATSSubject, "NATS subject prefix for lifecycle events")
	fs.IntVar(&cfg.MaxConcurrent, "max-concurrent", cfg.MaxConcurrent, "Bulk connection concurrency")
	fs.IntVar(&cfg.MaxReconnectAttempts, "max-reconnect-attempts", cfg.MaxReconnectAttempts, "Reconnect attempts before giving up")
	fs.DurationVar(&cfg.ReconnectBaseDelay, "reconnect-base-delay", cfg.ReconnectBaseDelay, "First reconnect delay, doubled per attempt")
	fs.DurationVar(&cfg.PairingTimeout, "pairing-timeout", cfg.PairingTimeout, "How long a connection may take to open")
	fs.DurationVar(&cfg.AboutInterval, "about-interval", cfg.AboutInterval, "Minimum gap between profile about updates per tenant")
	fs.DurationVar(&cfg.StoryInterval, "story-interval", cfg.StoryInterval, "Minimum gap between connect stories per tenant")
	fs.DurationVar(&cfg.PresenceInterval, "presence-interval", cfg.PresenceInterval, "Minimum gap between presence updates per tenant")
	fs.DurationVar(&cfg.StatusInterval, "status-interval", cfg.StatusInterval, "Minimum gap between status views and reactions per tenant")
	fs.DurationVar(&cfg.CommandCooldown, "command-cooldown", cfg.CommandCooldown, "Per-sender command cooldown (negative disables)")
	fs.BoolVar(&cfg.ReplyUnknown, "reply-unknown", cfg.ReplyUnknown, "Reply to unknown commands")
	fs.StringVar(&cfg.BotName, "bot-name", cfg.BotName, "Bot display name")
	fs.StringVar(&cfg.RepoURL, "repo-url", cfg.RepoURL, "Repository URL shown by the repo command")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.TLSDomain = normalizeDomainHost(cfg.TLSDomain)
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = StoreSQLite
	}
	switch cfg.StoreBackend {
	case StoreSQLite:
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("sqlite store requires --db or BOTFLEET_DB_PATH")
		}
	case StoreS3:
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return cfg, errors.New("s3 store requires --s3-bucket or BOTFLEET_S3_BUCKET")
		}
	case StoreMemory:
	default:
		return cfg, errors.New("store backend must be one of: sqlite, s3, memory")
	}
	switch cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat)); cfg.LogFormat {
	case "", "text", "json":
	default:
		return cfg, errors.New("log format must be text or json")
	}
	cfg.BridgeURL = strings.TrimSpace(cfg.BridgeURL)
	if cfg.BridgeURL == "" {
		return cfg, errors.New("missing --bridge-url or BOTFLEET_BRIDGE_URL")
	}
	if strings.TrimSpace(cfg.SessionDir) == "" {
		return cfg, errors.New("session dir must not be empty")
	}
	if cfg.MaxConcurrent <= 0 {
		return cfg, errors.New("max concurrent connections must be > 0")
	}
	if cfg.MaxReconnectAttempts <= 0 {
		return cfg, errors.New("max reconnect attempts must be > 0")
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"reconnect base delay", cfg.ReconnectBaseDelay},
		{"pairing timeout", cfg.PairingTimeout},
		{"store timeout", cfg.StoreTimeout},
		{"delete interval", cfg.DeleteInterval},
		{"credentials ttl", cfg.CredentialsTTL},
		{"settings ttl", cfg.SettingsTTL},
		{"admins ttl", cfg.AdminsTTL},
		{"about interval", cfg.AboutInterval},
		{"story interval", cfg.StoryInterval},
		{"presence interval", cfg.PresenceInterval},
		{"status interval", cfg.StatusInterval},
	} {
		if d.v <= 0 {
			return cfg, fmt.Errorf("%s must be > 0", d.name)
		}
	}

	return cfg, nil
}

// LoadDefaults reads a YAML map of setting names to values. An empty path
// yields no overrides.
func LoadDefaults(path string) (domain.Settings, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read defaults file: %w", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("parse defaults file: %w", err)
	}
	s, err := domain.SettingsFromPatch(values)
	if err != nil {
		return nil, fmt.Errorf("defaults file: %w", err)
	}
	return s, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
