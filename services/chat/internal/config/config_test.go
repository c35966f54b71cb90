package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
port: "8080"
databaseDriver: "memory"
jwtSecret: "lan-secret"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RelayScope != RelayScopeGroup {
		t.Fatalf("relayScope = %q, want group", cfg.RelayScope)
	}
	if cfg.SendBufferSize != 256 || cfg.PresenceWorkers != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	timeout, err := ParseDuration("uploadIdleTimeout", cfg.UploadIdleTimeout)
	if err != nil || timeout != 5*time.Minute {
		t.Fatalf("uploadIdleTimeout = %v (%v), want 5m", timeout, err)
	}
	if cfg.InternalAuthEnabled() {
		t.Fatalf("internal auth should be disabled without keys")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CHAT_PORT", "9090")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", "/tmp/echo.db")
	t.Setenv("CHAT_ALLOWED_ORIGINS", "http://a.lan, http://b.lan")
	t.Setenv("CHAT_RELAY_SCOPE", "all")
	t.Setenv("CHAT_MESSAGE_RATE_LIMIT_PER_MINUTE", "30")

	cfg, err := Load(writeConfig(t, `
port: "8080"
databaseDriver: "postgres"
databaseURL: "postgres://echo@localhost/echo"
jwtSecret: "lan-secret"
messageRateLimitPerMinute: 120
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("port = %q, want 9090", cfg.Port)
	}
	if cfg.DatabaseDriver != DriverSQLite || cfg.DatabaseURL != "/tmp/echo.db" {
		t.Fatalf("database = %s %s", cfg.DatabaseDriver, cfg.DatabaseURL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.lan" {
		t.Fatalf("allowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.RelayScope != RelayScopeAll {
		t.Fatalf("relayScope = %q, want all", cfg.RelayScope)
	}
	if cfg.MessageRateLimitPerMinute != 30 {
		t.Fatalf("messageRateLimitPerMinute = %d, want 30", cfg.MessageRateLimitPerMinute)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"missing port": `
databaseDriver: "memory"
jwtSecret: "s"
`,
		"both key sources": `
port: "8080"
databaseDriver: "memory"
jwtSecret: "s"
authJwksURL: "http://auth/jwks"
`,
		"no key source": `
port: "8080"
databaseDriver: "memory"
`,
		"postgres without url": `
port: "8080"
jwtSecret: "s"
`,
		"bad relay scope": `
port: "8080"
databaseDriver: "memory"
jwtSecret: "s"
relayScope: "everyone"
`,
		"bad timeout": `
port: "8080"
databaseDriver: "memory"
jwtSecret: "s"
uploadIdleTimeout: "soon"
`,
	}
	for name, content := range cases {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Fatalf("%s: expected load to fail", name)
		} else if !strings.Contains(err.Error(), "config") && !strings.Contains(err.Error(), "duration") {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
	}
}
