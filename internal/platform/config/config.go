package config

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// Server captures process-level configuration.
type Server struct {
	Addr                 string
	LogLevel             slog.Level
	CapabilitySigningKey string

	Redis RedisConfig

	// PostgresDSN selects the postgres identity store when non-empty;
	// otherwise the redis store when Redis.URL is set, otherwise in-memory.
	PostgresDSN string

	// KafkaBrokers enables the Kafka event sink when non-empty.
	KafkaBrokers []string
	KafkaTopic   string
}

// RedisConfig carries go-redis client tuning.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Server config from environment variables so main stays
// lean.
func FromEnv() Server {
	addr := os.Getenv("IDVAULT_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("IDVAULT_LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}

	signingKey := os.Getenv("IDVAULT_CAPABILITY_SIGNING_KEY")
	if signingKey == "" {
		// Development default; override in production.
		signingKey = "dev-secret-key-change-in-production"
	}

	var brokers []string
	if raw := os.Getenv("IDVAULT_KAFKA_BROKERS"); raw != "" {
		for _, b := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(b); trimmed != "" {
				brokers = append(brokers, trimmed)
			}
		}
	}
	topic := os.Getenv("IDVAULT_KAFKA_TOPIC")
	if topic == "" {
		topic = "idvault.events"
	}

	return Server{
		Addr:                 addr,
		LogLevel:             level,
		CapabilitySigningKey: signingKey,
		Redis: RedisConfig{
			URL:          os.Getenv("IDVAULT_REDIS_URL"),
			PoolSize:     16,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		PostgresDSN:  os.Getenv("IDVAULT_POSTGRES_DSN"),
		KafkaBrokers: brokers,
		KafkaTopic:   topic,
	}
}
