package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

const (
	RelayScopeGroup = "group"
	RelayScopeAll   = "all"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                        string   `yaml:"port"`
	LogLevel                    string   `yaml:"logLevel"`
	DatabaseDriver              string   `yaml:"databaseDriver"`
	DatabaseURL                 string   `yaml:"databaseURL"`
	RedisAddr                   string   `yaml:"redisAddr"`
	RedisPassword               string   `yaml:"redisPassword"`
	AuthJWKSURL                 string   `yaml:"authJwksURL"`
	JWTSecret                   string   `yaml:"jwtSecret"`
	JWTIssuer                   string   `yaml:"jwtIssuer"`
	JWTAudience                 string   `yaml:"jwtAudience"`
	JWTLeeway                   string   `yaml:"jwtLeeway"`
	InternalJWTPublicKeyPath    string   `yaml:"internalJwtPublicKeyPath"`
	InternalJWTVerifyPublicKeys string   `yaml:"internalJwtVerifyPublicKeys"`
	InternalJWTAudience         string   `yaml:"internalJwtAudience"`
	InternalAllowedIssuers      []string `yaml:"internalAllowedIssuers"`
	AllowedOrigins              []string `yaml:"allowedOrigins"`
	TrustedProxyCIDRs           []string `yaml:"trustedProxyCidrs"`
	MaxFrameBytes               int64    `yaml:"maxFrameBytes"`
	SendBufferSize              int      `yaml:"sendBufferSize"`
	PresenceWorkers             int      `yaml:"presenceWorkers"`
	PresenceQueueSize           int      `yaml:"presenceQueueSize"`
	FanoutConcurrency           int      `yaml:"fanoutConcurrency"`
	MessageRateLimitPerMinute   int      `yaml:"messageRateLimitPerMinute"`
	HandshakeRateLimitPerMinute int      `yaml:"handshakeRateLimitPerMinute"`
	RelayScope                  string   `yaml:"relayScope"`
	UploadIdleTimeout           string   `yaml:"uploadIdleTimeout"`
	PresenceReconcileInterval   string   `yaml:"presenceReconcileInterval"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("CHAT_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.DatabaseDriver = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("CHAT_INTERNAL_JWT_PUBLIC_KEY_PATH"); v != "" {
		cfg.InternalJWTPublicKeyPath = v
	}
	if v := os.Getenv("CHAT_INTERNAL_ALLOWED_ISSUERS"); v != "" {
		cfg.InternalAllowedIssuers = splitCSV(v)
	}
	if v := os.Getenv("CHAT_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("CHAT_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("CHAT_RELAY_SCOPE"); v != "" {
		cfg.RelayScope = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHAT_UPLOAD_IDLE_TIMEOUT"); v != "" {
		cfg.UploadIdleTimeout = v
	}
	if v := os.Getenv("CHAT_MESSAGE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MessageRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("CHAT_HANDSHAKE_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HandshakeRateLimitPerMinute = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = DriverPostgres
	}
	if cfg.InternalJWTAudience == "" {
		cfg.InternalJWTAudience = "chat"
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	if cfg.SendBufferSize == 0 {
		cfg.SendBufferSize = 256
	}
	if cfg.PresenceWorkers == 0 {
		cfg.PresenceWorkers = 4
	}
	if cfg.PresenceQueueSize == 0 {
		cfg.PresenceQueueSize = 1024
	}
	if cfg.FanoutConcurrency == 0 {
		cfg.FanoutConcurrency = 16
	}
	if cfg.RelayScope == "" {
		cfg.RelayScope = RelayScopeGroup
	}
	if cfg.UploadIdleTimeout == "" {
		cfg.UploadIdleTimeout = "5m"
	}
	if cfg.PresenceReconcileInterval == "" {
		cfg.PresenceReconcileInterval = "1m"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or CHAT_PORT)")
	}
	switch cfg.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unsupported databaseDriver %q", cfg.DatabaseDriver)
	}
	jwks := strings.TrimSpace(cfg.AuthJWKSURL) != ""
	secret := cfg.JWTSecret != ""
	if jwks == secret {
		return errors.New("config: exactly one of authJwksURL or jwtSecret is required")
	}
	if cfg.RelayScope != RelayScopeGroup && cfg.RelayScope != RelayScopeAll {
		return fmt.Errorf("config: relayScope must be %q or %q", RelayScopeGroup, RelayScopeAll)
	}
	if cfg.MaxFrameBytes < 0 || cfg.SendBufferSize < 0 || cfg.PresenceWorkers < 0 || cfg.PresenceQueueSize < 0 || cfg.FanoutConcurrency < 0 {
		return errors.New("config: sizes and worker counts must be > 0")
	}
	if cfg.MessageRateLimitPerMinute < 0 || cfg.HandshakeRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	if _, err := ParseDuration("uploadIdleTimeout", cfg.UploadIdleTimeout); err != nil {
		return err
	}
	if _, err := ParseDuration("presenceReconcileInterval", cfg.PresenceReconcileInterval); err != nil {
		return err
	}
	return nil
}

// InternalAuthEnabled reports whether the admin API can verify callers.
func (c FileConfig) InternalAuthEnabled() bool {
	return strings.TrimSpace(c.InternalJWTPublicKeyPath) != "" || strings.TrimSpace(c.InternalJWTVerifyPublicKeys) != ""
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// ParseDuration parses a required positive duration setting.
func ParseDuration(name, value string) (time.Duration, error) {
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return dur, nil
}
