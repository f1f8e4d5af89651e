package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Relay        RelayConfig
	PGP          PGPConfig
	Storage      StorageConfig
	Queue        QueueConfig
	Identity     IdentityConfig
	Kafka        KafkaConfig
	Notification NotificationConfig
	Mail         MailConfig
	Ingest       IngestConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	ExternalURL           string
	RequestTimeoutSeconds int
	BodyLimitBytes        int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines agent token parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
}

// RelayConfig describes the trusted inbound mail relay.
type RelayConfig struct {
	PublicKey       string
	SignatureHeader string
}

// PGPConfig points at the service's OpenPGP secret key.
type PGPConfig struct {
	PrivateKeyFile string
	Passphrase     string
}

// StorageConfig configures the attachment content store.
type StorageConfig struct {
	Dir       string
	PublicURL string
}

// QueueConfig tunes the task queue retry policy.
type QueueConfig struct {
	Prefix        string
	BackoffBaseMS int
	BackoffMaxMS  int
	Concurrency   int
}

// IdentityConfig holds the identity-verification webhook secret.
type IdentityConfig struct {
	WebhookSecret    string
	ToleranceSeconds int
}

// KafkaConfig enables the optional ticket event sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// NotificationConfig holds push delivery settings.
type NotificationConfig struct {
	PushWebhookURL string
}

// MailConfig holds outbound mail delivery settings.
type MailConfig struct {
	SMTPAddr string
	From     string
	Domain   string
}

// IngestConfig tunes inbound message normalization.
type IngestConfig struct {
	TrimQuotes bool
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	externalURL := strings.TrimRight(getEnv("APP_EXTERNAL_URL", "http://localhost:8080"), "/")

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "support-desk"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			ExternalURL:           externalURL,
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 120),
			BodyLimitBytes:        getEnvAsInt("HTTP_BODY_LIMIT_BYTES", 64<<20),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
		},
		Relay: RelayConfig{
			PublicKey:       os.Getenv("RELAY_PUBLIC_KEY"),
			SignatureHeader: getEnv("RELAY_SIGNATURE_HEADER", "X-Postal-Signature"),
		},
		PGP: PGPConfig{
			PrivateKeyFile: os.Getenv("PGP_PRIVATE_KEY_FILE"),
			Passphrase:     os.Getenv("PGP_PASSPHRASE"),
		},
		Storage: StorageConfig{
			Dir:       getEnv("STORAGE_DIR", "./media"),
			PublicURL: strings.TrimRight(getEnv("STORAGE_PUBLIC_URL", externalURL+"/media"), "/"),
		},
		Queue: QueueConfig{
			Prefix:        getEnv("QUEUE_PREFIX", "support-desk"),
			BackoffBaseMS: getEnvAsInt("QUEUE_BACKOFF_BASE_MS", 1000),
			BackoffMaxMS:  getEnvAsInt("QUEUE_BACKOFF_MAX_MS", 60000),
			Concurrency:   getEnvAsInt("QUEUE_CONCURRENCY", 4),
		},
		Identity: IdentityConfig{
			WebhookSecret:    os.Getenv("IDENTITY_WEBHOOK_SECRET"),
			ToleranceSeconds: getEnvAsInt("IDENTITY_WEBHOOK_TOLERANCE_SECONDS", 300),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsList("KAFKA_BROKERS"),
			Topic:   os.Getenv("KAFKA_TOPIC"),
		},
		Notification: NotificationConfig{
			PushWebhookURL: os.Getenv("PUSH_WEBHOOK_URL"),
		},
		Mail: MailConfig{
			SMTPAddr: getEnv("SMTP_ADDR", "127.0.0.1:25"),
			From:     getEnv("MAIL_FROM", "Support <support@example.com>"),
			Domain:   getEnv("MAIL_DOMAIN", "support.example.com"),
		},
		Ingest: IngestConfig{
			TrimQuotes: getEnvAsBool("NORMALIZE_TRIM_QUOTES", true),
		},
	}

	return cfg, nil
}

// Validate checks settings the HTTP server cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Relay.PublicKey) == "" {
		errs = append(errs, errors.New("RELAY_PUBLIC_KEY is required"))
	}
	if strings.TrimSpace(c.Relay.SignatureHeader) == "" {
		errs = append(errs, errors.New("RELAY_SIGNATURE_HEADER must not be empty"))
	}
	if c.Queue.BackoffBaseMS <= 0 || c.Queue.BackoffMaxMS < c.Queue.BackoffBaseMS {
		errs = append(errs, errors.New("queue backoff must satisfy 0 < base <= max"))
	}
	return errors.Join(errs...)
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// BackoffBase returns the first retry delay.
func (q QueueConfig) BackoffBase() time.Duration {
	return time.Duration(q.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the retry delay cap.
func (q QueueConfig) BackoffMax() time.Duration {
	return time.Duration(q.BackoffMaxMS) * time.Millisecond
}

// Tolerance returns the accepted clock skew for signed identity events.
func (i IdentityConfig) Tolerance() time.Duration {
	return time.Duration(i.ToleranceSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
