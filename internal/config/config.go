package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"dms/internal/retry"
)

// Backends selectable with DMS_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// DatabaseConfig holds PostgreSQL database connection settings.
type DatabaseConfig struct {
	Host               string
	Port               string
	User               string
	Password           string
	Name               string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetimeSec int
	AutoMigrate        bool
}

// MinIOConfig holds object storage settings for MinIO.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NATSConfig holds the broker connection and stream settings.
type NATSConfig struct {
	URL                string
	Name               string
	Stream             string
	Username           string
	Password           string
	Token              string
	PublishTimeoutSec  int
	DuplicateWindowSec int
}

// AuthConfig holds bearer token validation settings.
type AuthConfig struct {
	IssuerURL             string
	JWKSURL               string
	Audience              string
	ReadScope             string
	WriteScope            string
	AdminScope            string
	KeyRefreshIntervalSec int
}

// RedisConfig holds the Redis connection used for rate limiting.
type RedisConfig struct {
	URL string
}

// RateLimitConfig bounds requests per subject.
type RateLimitConfig struct {
	Enabled   bool
	Requests  int
	WindowSec int
}

// RetryConfig bounds retries of transient store and broker failures.
type RetryConfig struct {
	MaxAttempts       int
	InitialIntervalMs int
	MaxIntervalMs     int
	MaxElapsedMs      int
}

// OutboxConfig tunes the background event relay.
type OutboxConfig struct {
	PollIntervalMs int
	BatchSize      int
	GracePeriodMs  int
}

// UploadConfig limits document content.
type UploadConfig struct {
	MaxBytes int64
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string
	Format string
}

// TracingConfig selects the OTLP exporter and sampler.
type TracingConfig struct {
	Disabled    bool
	ServiceName string
	Protocol    string
	Endpoint    string
	Sampler     string
	SamplerArg  string
}

// ConfigServerConfig points at a Spring-Cloud-Config compatible server.
type ConfigServerConfig struct {
	URL          string
	Application  string
	Profile      string
	Label        string
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	TimeoutSec   int
}

// VaultConfig points at a HashiCorp Vault KV v2 secret.
type VaultConfig struct {
	Address string
	Token   string
	Mount   string
	Path    string
}

// AppConfig is the centralized configuration struct for the application.
// It is populated from environment variables, optionally layered over values from a
// config server and Vault. Sensitive values are not hardcoded.
type AppConfig struct {
	AppHost            string
	Port               string
	Backend            string
	ShutdownTimeoutSec int
	Log                LogConfig
	Database           DatabaseConfig
	MinIO              MinIOConfig
	NATS               NATSConfig
	Auth               AuthConfig
	Redis              RedisConfig
	RateLimit          RateLimitConfig
	Retry              RetryConfig
	Outbox             OutboxConfig
	Upload             UploadConfig
	Tracing            TracingConfig
	ConfigServer       ConfigServerConfig
	Vault              VaultConfig
}

// Load reads configuration from environment variables.
// A .env file can be auto-loaded by importing: _ "github.com/joho/godotenv/autoload"
// This function does not require a .env file; real environment variables take precedence.
func Load() *AppConfig {
	return LoadFrom(EnvSource())
}

// LoadFrom builds the configuration from sources consulted in order; the first
// source that has a non-empty value for a key wins.
func LoadFrom(sources ...Source) *AppConfig {
	r := resolver(sources)
	return &AppConfig{
		AppHost:            r.str("APP_HOST", "localhost:8080"),
		Port:               r.str("PORT", "8080"),
		Backend:            r.str("DMS_BACKEND", BackendPostgres),
		ShutdownTimeoutSec: r.int("SHUTDOWN_TIMEOUT_SEC", 15),
		Log: LogConfig{
			Level:  r.str("LOG_LEVEL", "info"),
			Format: r.str("LOG_FORMAT", "json"),
		},
		Database: DatabaseConfig{
			Host:               r.str("DB_HOST", ""),
			Port:               r.str("DB_PORT", "5432"),
			User:               r.str("DB_USER", ""),
			Password:           r.str("DB_PASSWORD", ""),
			Name:               r.str("DB_NAME", ""),
			SSLMode:            r.str("DB_SSLMODE", "disable"),
			MaxOpenConns:       r.int("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:       r.int("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetimeSec: r.int("DB_CONN_MAX_LIFETIME_SEC", 300),
			AutoMigrate:        r.bool("DB_AUTO_MIGRATE", true),
		},
		MinIO: MinIOConfig{
			Endpoint:  r.str("MINIO_ENDPOINT", ""),
			AccessKey: r.str("MINIO_ACCESS_KEY", ""),
			SecretKey: r.str("MINIO_SECRET_KEY", ""),
			Bucket:    r.str("MINIO_BUCKET", "documents"),
			UseSSL:    r.bool("MINIO_USE_SSL", false),
		},
		NATS: NATSConfig{
			URL:                r.str("NATS_URL", "nats://localhost:4222"),
			Name:               r.str("NATS_CLIENT_NAME", "dms"),
			Stream:             r.str("NATS_STREAM", "DMS_EVENTS"),
			Username:           r.str("NATS_USER", ""),
			Password:           r.str("NATS_PASSWORD", ""),
			Token:              r.str("NATS_TOKEN", ""),
			PublishTimeoutSec:  r.int("NATS_PUBLISH_TIMEOUT_SEC", 5),
			DuplicateWindowSec: r.int("NATS_DUPLICATE_WINDOW_SEC", 600),
		},
		Auth: AuthConfig{
			IssuerURL:             r.str("AUTH_ISSUER_URL", ""),
			JWKSURL:               r.str("AUTH_JWKS_URL", ""),
			Audience:              r.str("AUTH_AUDIENCE", ""),
			ReadScope:             r.str("AUTH_READ_SCOPE", "dms.read"),
			WriteScope:            r.str("AUTH_WRITE_SCOPE", "dms.write"),
			AdminScope:            r.str("AUTH_ADMIN_SCOPE", "dms.admin"),
			KeyRefreshIntervalSec: r.int("AUTH_KEY_REFRESH_INTERVAL_SEC", 900),
		},
		Redis: RedisConfig{
			URL: r.str("REDIS_URL", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:   r.bool("RATE_LIMIT_ENABLED", true),
			Requests:  r.int("RATE_LIMIT_REQUESTS", 120),
			WindowSec: r.int("RATE_LIMIT_WINDOW_SEC", 60),
		},
		Retry: RetryConfig{
			MaxAttempts:       r.int("RETRY_MAX_ATTEMPTS", 4),
			InitialIntervalMs: r.int("RETRY_INITIAL_INTERVAL_MS", 100),
			MaxIntervalMs:     r.int("RETRY_MAX_INTERVAL_MS", 2000),
			MaxElapsedMs:      r.int("RETRY_MAX_ELAPSED_MS", 10000),
		},
		Outbox: OutboxConfig{
			PollIntervalMs: r.int("OUTBOX_POLL_INTERVAL_MS", 1000),
			BatchSize:      r.int("OUTBOX_BATCH_SIZE", 100),
			GracePeriodMs:  r.int("OUTBOX_GRACE_PERIOD_MS", 2000),
		},
		Upload: UploadConfig{
			MaxBytes: int64(r.int("UPLOAD_MAX_BYTES", 5<<20)),
		},
		Tracing: TracingConfig{
			Disabled:    r.bool("OTEL_SDK_DISABLED", false),
			ServiceName: r.str("OTEL_SERVICE_NAME", "dms"),
			Protocol:    r.str("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"),
			Endpoint:    r.str("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", r.str("OTEL_EXPORTER_OTLP_ENDPOINT", "")),
			Sampler:     r.str("OTEL_TRACES_SAMPLER", "parentbased_traceidratio"),
			SamplerArg:  r.str("OTEL_TRACES_SAMPLER_ARG", "1.0"),
		},
		ConfigServer: ConfigServerConfig{
			URL:          r.str("CONFIG_SERVER_URL", ""),
			Application:  r.str("CONFIG_APPLICATION", "dms"),
			Profile:      r.str("CONFIG_PROFILE", "default"),
			Label:        r.str("CONFIG_LABEL", ""),
			Username:     r.str("CONFIG_USERNAME", ""),
			Password:     r.str("CONFIG_PASSWORD", ""),
			ClientID:     r.str("CONFIG_CLIENT_ID", ""),
			ClientSecret: r.str("CONFIG_CLIENT_SECRET", ""),
			TokenURL:     r.str("CONFIG_TOKEN_URL", ""),
			TimeoutSec:   r.int("CONFIG_TIMEOUT_SEC", 10),
		},
		Vault: VaultConfig{
			Address: r.str("VAULT_ADDR", ""),
			Token:   r.str("VAULT_TOKEN", ""),
			Mount:   r.str("VAULT_KV_MOUNT", "secret"),
			Path:    r.str("VAULT_KV_PATH", "dms"),
		},
	}
}

// Policy converts the retry settings into a retry.Policy.
func (c RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = uint(c.MaxAttempts)
	}
	if c.InitialIntervalMs > 0 {
		p.InitialInterval = time.Duration(c.InitialIntervalMs) * time.Millisecond
	}
	if c.MaxIntervalMs > 0 {
		p.MaxInterval = time.Duration(c.MaxIntervalMs) * time.Millisecond
	}
	if c.MaxElapsedMs > 0 {
		p.MaxElapsed = time.Duration(c.MaxElapsedMs) * time.Millisecond
	}
	return p
}

// Source resolves a configuration key such as "DB_HOST".
type Source interface {
	Lookup(key string) (string, bool)
}

type envSource struct{}

func (envSource) Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// EnvSource reads the process environment.
func EnvSource() Source {
	return envSource{}
}

// Properties is a flat key/value source whose keys are already in environment form.
type Properties map[string]string

// Lookup implements Source.
func (p Properties) Lookup(key string) (string, bool) {
	v, ok := p[key]
	return v, ok
}

// EnvKey maps a property name such as "db.password" or "nats.client-name" to its
// environment form ("DB_PASSWORD", "NATS_CLIENT_NAME").
func EnvKey(property string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return strings.ToUpper(r.Replace(property))
}

// PropertiesFrom normalises a property map into environment-form keys.
func PropertiesFrom(m map[string]any) Properties {
	out := make(Properties, len(m))
	for k, v := range m {
		switch tv := v.(type) {
		case string:
			out[EnvKey(k)] = tv
		case nil:
		default:
			out[EnvKey(k)] = strings.TrimSpace(toString(tv))
		}
	}
	return out
}

func toString(v any) string {
	switch tv := v.(type) {
	case bool:
		return strconv.FormatBool(tv)
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	default:
		return ""
	}
}

type resolver []Source

func (r resolver) str(key, def string) string {
	for _, s := range r {
		if v, ok := s.Lookup(key); ok && v != "" {
			return v
		}
	}
	return def
}

func (r resolver) bool(key string, def bool) bool {
	if v := r.str(key, ""); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func (r resolver) int(key string, def int) int {
	if v := r.str(key, ""); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}
