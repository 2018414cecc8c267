package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config aggregates all service configuration. Built once in main via FromEnv
// and passed down explicitly; components never read the environment ad hoc.
type Config struct {
	Server      Server
	Postgres    Postgres
	Redis       RedisConfig
	Kafka       Kafka
	TSA         TSA
	Anchors     Anchors
	Signing     Signing
	ObjectStore ObjectStore
	Presence    Presence
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
	LogLevel      slog.Level
}

// Postgres holds the ledger database settings. An empty DSN selects the
// in-memory ledger store, which keeps local development dependency-free.
type Postgres struct {
	DSN string
}

// RedisConfig holds connection settings for the OTP and token stores.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the ledger outbox publisher. Empty brokers disable it.
type Kafka struct {
	Brokers []string
	Topic   string
}

// TSA configures the RFC 3161 timestamp authority client.
type TSA struct {
	URL     string
	Timeout time.Duration
	// MaxClockSkew bounds the accepted disagreement between the authority's
	// time and the local clock before the certificate is flagged.
	MaxClockSkew time.Duration
}

// Anchors configures the blockchain anchor providers.
type Anchors struct {
	PolygonURL    string
	BitcoinURL    string
	SubmitTimeout time.Duration
	PollInterval  time.Duration
}

// Signing carries the service-held signing key material. Injected at
// construction so tests can supply a deterministic key.
type Signing struct {
	// PrivateKeySeedHex is a 32-byte ed25519 seed, hex encoded.
	PrivateKeySeedHex string
	// Strict makes a missing key fatal instead of degrading to unsigned.
	Strict   bool
	SignerID string
	// TransparencyURL is the external transparency log endpoint.
	TransparencyURL     string
	TransparencyTimeout time.Duration
}

// ObjectStore configures the S3-compatible artifact store.
type ObjectStore struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	SignedURLTTL time.Duration
}

// Presence tunes the attestation session protocol.
type Presence struct {
	SessionTTL  time.Duration
	OTPTTL      time.Duration
	MaxAttempts int
}

// FromEnv builds the full config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:          getEnv("VERIDOC_ADDR", ":8080"),
			JWTSigningKey: getEnv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			LogLevel:      parseLevel(os.Getenv("LOG_LEVEL")),
		},
		Postgres: Postgres{
			DSN: os.Getenv("LEDGER_DATABASE_URL"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers: splitNonEmpty(os.Getenv("KAFKA_BROKERS")),
			Topic:   getEnv("KAFKA_LEDGER_TOPIC", "veridoc.ledger.events"),
		},
		TSA: TSA{
			URL:          os.Getenv("TSA_URL"),
			Timeout:      getEnvDuration("TSA_TIMEOUT", 3*time.Second),
			MaxClockSkew: getEnvDuration("TSA_MAX_CLOCK_SKEW", 5*time.Minute),
		},
		Anchors: Anchors{
			PolygonURL:    os.Getenv("ANCHOR_POLYGON_URL"),
			BitcoinURL:    os.Getenv("ANCHOR_BITCOIN_URL"),
			SubmitTimeout: getEnvDuration("ANCHOR_SUBMIT_TIMEOUT", 5*time.Second),
			PollInterval:  getEnvDuration("ANCHOR_POLL_INTERVAL", 30*time.Second),
		},
		Signing: Signing{
			PrivateKeySeedHex:   os.Getenv("SIGNING_KEY_SEED_HEX"),
			Strict:              os.Getenv("SIGNING_STRICT") == "true",
			SignerID:            getEnv("SIGNER_ID", "veridoc"),
			TransparencyURL:     os.Getenv("TRANSPARENCY_LOG_URL"),
			TransparencyTimeout: getEnvDuration("TRANSPARENCY_LOG_TIMEOUT", 3*time.Second),
		},
		ObjectStore: ObjectStore{
			Endpoint:     os.Getenv("S3_ENDPOINT"),
			Region:       getEnv("S3_REGION", "us-east-1"),
			Bucket:       getEnv("S3_BUCKET", "veridoc-artifacts"),
			AccessKey:    os.Getenv("S3_ACCESS_KEY"),
			SecretKey:    os.Getenv("S3_SECRET_KEY"),
			SignedURLTTL: getEnvDuration("S3_SIGNED_URL_TTL", 15*time.Minute),
		},
		Presence: Presence{
			SessionTTL:  getEnvDuration("PRESENCE_SESSION_TTL", 30*time.Minute),
			OTPTTL:      getEnvDuration("PRESENCE_OTP_TTL", 10*time.Minute),
			MaxAttempts: getEnvInt("PRESENCE_OTP_MAX_ATTEMPTS", 5),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
