// Package config loads and validates gateway config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"remote-admin-gateway/internal/security"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP/WebSocket server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the gRPC health endpoint; empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN; empty selects in-memory repositories.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// CredentialSecret is the key-derivation secret for at-rest credential encryption.
	// Inline value or "file:<path>". Required.
	CredentialSecret string `mapstructure:"CREDENTIAL_SECRET"`
	// AuthTokenSecret signs and verifies auth tokens (HS256). Inline value or "file:<path>". Required.
	AuthTokenSecret string `mapstructure:"AUTH_TOKEN_SECRET"`
	// JWTIssuer is the iss claim.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the auth token lifetime (e.g. "12h").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// AuthCookieName is the HTTP-only cookie carrying the auth token.
	AuthCookieName string `mapstructure:"AUTH_COOKIE_NAME"`

	// SessionGracePeriod is how long a session survives without a transport (e.g. "5m").
	SessionGracePeriod string `mapstructure:"SESSION_GRACE_PERIOD"`
	// SSHDialTimeout bounds the remote dial.
	SSHDialTimeout string `mapstructure:"SSH_DIAL_TIMEOUT"`
	// SSHKnownHosts is a known_hosts file used to verify target host keys. Required when APP_ENV=production.
	SSHKnownHosts string `mapstructure:"SSH_KNOWN_HOSTS"`
	// PackageSearchTimeout is the default bounded wait for package.search.
	PackageSearchTimeout string `mapstructure:"PACKAGE_SEARCH_TIMEOUT"`
	// ScriptsDir holds the *.sh scripts exposed to script.run.
	ScriptsDir string `mapstructure:"SCRIPTS_DIR"`
	// PolicyFile is an optional Rego module overriding the built-in command policy.
	PolicyFile string `mapstructure:"POLICY_FILE"`
	// AllowedOrigins is a comma-separated list of origins accepted on the WebSocket upgrade; empty means same-origin only.
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	// OTLPEndpoint is the OpenTelemetry collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext OTLP connection.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// LokiURL, when set, also pushes session events to Grafana Loki (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaBrokers is a comma-separated broker list; when set, session events are also published to KafkaTopic.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// KafkaTopic is the topic for session events.
	KafkaTopic string `mapstructure:"KAFKA_TOPIC"`

	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is "text" or "json".
	LogFormat string `mapstructure:"LOG_FORMAT"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored. Env vars override .env. Missing secrets are an error; callers treat it as fatal.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("CREDENTIAL_SECRET", "")
	v.SetDefault("AUTH_TOKEN_SECRET", "")
	v.SetDefault("JWT_ISSUER", "rag-auth")
	v.SetDefault("JWT_AUDIENCE", "rag-gateway")
	v.SetDefault("JWT_ACCESS_TTL", "12h")
	v.SetDefault("AUTH_COOKIE_NAME", "auth_token")
	v.SetDefault("SESSION_GRACE_PERIOD", "5m")
	v.SetDefault("SSH_DIAL_TIMEOUT", "15s")
	v.SetDefault("SSH_KNOWN_HOSTS", "")
	v.SetDefault("PACKAGE_SEARCH_TIMEOUT", "10s")
	v.SetDefault("SCRIPTS_DIR", "")
	v.SetDefault("POLICY_FILE", "")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "gateway.session-events")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if strings.TrimSpace(cfg.CredentialSecret) == "" {
		return nil, errors.New("config: CREDENTIAL_SECRET must be set")
	}
	if strings.TrimSpace(cfg.AuthTokenSecret) == "" {
		return nil, errors.New("config: AUTH_TOKEN_SECRET must be set")
	}
	if cfg.Env == "production" && cfg.SSHKnownHosts == "" {
		return nil, errors.New("config: SSH_KNOWN_HOSTS must be set when APP_ENV=production")
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, errors.New("config: LOG_FORMAT must be text or json")
	}

	return &cfg, nil
}

// CredentialKey resolves CredentialSecret (inline or file:) to the raw key-derivation secret.
func (c *Config) CredentialKey() ([]byte, error) {
	return security.LoadSecret(c.CredentialSecret)
}

// TokenKey resolves AuthTokenSecret (inline or file:) to the raw signing secret.
func (c *Config) TokenKey() ([]byte, error) {
	return security.LoadSecret(c.AuthTokenSecret)
}

// AccessTTL parses JWTAccessTTL. Returns 12h if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 12*time.Hour)
}

// GracePeriod parses SessionGracePeriod. Returns 5m if unset or invalid.
func (c *Config) GracePeriod() time.Duration {
	return parseDuration(c.SessionGracePeriod, 5*time.Minute)
}

// DialTimeout parses SSHDialTimeout. Returns 15s if unset or invalid.
func (c *Config) DialTimeout() time.Duration {
	return parseDuration(c.SSHDialTimeout, 15*time.Second)
}

// SearchTimeout parses PackageSearchTimeout. Returns 10s if unset or invalid.
func (c *Config) SearchTimeout() time.Duration {
	return parseDuration(c.PackageSearchTimeout, 10*time.Second)
}

// AllowedOriginsList returns the configured WebSocket origins from the comma-separated config.
func (c *Config) AllowedOriginsList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.AllowedOrigins)
}

// KafkaBrokerList returns the configured Kafka brokers from the comma-separated config.
func (c *Config) KafkaBrokerList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
