package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/koltyakov/botfleet/internal/config"
)

func TestLoadServerEnvFromDotEnvLoadsMissingVars(t *testing.T) {
	clearServerEnvVarsForTest(t)
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "BOTFLEET_BRIDGE_URL=ws://from-file:9000/ws\nexport BOTFLEET_BOT_NAME=\"fleet\"\nOTHER_VAR=skip\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	loadServerEnvFromDotEnv(envPath)

	if got := os.Getenv("BOTFLEET_BRIDGE_URL"); got != "ws://from-file:9000/ws" {
		t.Fatalf("expected BOTFLEET_BRIDGE_URL loaded from file, got %q", got)
	}
	if got := os.Getenv("BOTFLEET_BOT_NAME"); got != "fleet" {
		t.Fatalf("expected quoted value unwrapped, got %q", got)
	}
	if got := os.Getenv("OTHER_VAR"); got != "" {
		t.Fatalf("expected non-BOTFLEET var not to be loaded, got %q", got)
	}
}

func TestLoadServerEnvFromDotEnvKeepsExistingEnv(t *testing.T) {
	clearServerEnvVarsForTest(t)
	t.Setenv("BOTFLEET_BRIDGE_URL", "ws://from-env/ws")
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("BOTFLEET_BRIDGE_URL=ws://from-file/ws\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadServerEnvFromDotEnv(envPath)

	if got := os.Getenv("BOTFLEET_BRIDGE_URL"); got != "ws://from-env/ws" {
		t.Fatalf("expected existing env to win, got %q", got)
	}
}

func TestServerConfigPrefersCLIFlagsOverDotEnv(t *testing.T) {
	clearServerEnvVarsForTest(t)
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("BOTFLEET_BRIDGE_URL=ws://from-file/ws\nBOTFLEET_DB_PATH=./from-file.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loadServerEnvFromDotEnv(envPath)
	cfg, err := config.ParseServerFlags([]string{"--db", "./from-cli.db"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BridgeURL != "ws://from-file/ws" {
		t.Fatalf("expected bridge url from file, got %q", cfg.BridgeURL)
	}
	if cfg.DBPath != "./from-cli.db" {
		t.Fatalf("expected CLI db path to win, got %q", cfg.DBPath)
	}
}

func TestParseEnvAssignment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line      string
		key, val  string
		wantMatch bool
	}{
		{"KEY=value", "KEY", "value", true},
		{"  export KEY = 'quoted' ", "KEY", "quoted", true},
		{"# comment", "", "", false},
		{"NOVALUE", "", "", false},
		{"BAD KEY=x", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		key, val, ok := parseEnvAssignment(tt.line)
		if ok != tt.wantMatch || key != tt.key || val != tt.val {
			t.Fatalf("parseEnvAssignment(%q) = %q, %q, %v", tt.line, key, val, ok)
		}
	}
}

func clearServerEnvVarsForTest(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"BOTFLEET_BRIDGE_URL",
		"BOTFLEET_BOT_NAME",
		"BOTFLEET_DB_PATH",
		"BOTFLEET_STORE_BACKEND",
		"BOTFLEET_S3_BUCKET",
		"BOTFLEET_LOG_LEVEL",
		"OTHER_VAR",
	} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}
