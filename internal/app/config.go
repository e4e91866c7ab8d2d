package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string // postgres://..., sqlite:<path> or memory:
	LogLevel    string
	LogFormat   string

	// Error reporting
	SentryDSN   string
	Environment string

	// JWT Authentication
	JWTSecret string

	// Relay tuning
	ObserverQueueSize int
	PersistTimeout    time.Duration

	// Kafka mirror of relayed events
	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string

	// Optional NATS mirror, enabled by NATS_URL
	NATSURL     string
	NATSSubject string

	// Scheduled repeated-phrase cleanup. Zero interval disables it.
	CleanupInterval time.Duration
	CleanupApply    bool
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		DatabaseURL: getenv("DATABASE_URL", "memory:"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogFormat:   getenv("LOG_FORMAT", "json"),

		SentryDSN:   getenv("SENTRY_DSN", ""),
		Environment: getenv("ENVIRONMENT", "development"),

		// Required - no fallback for security
		JWTSecret: os.Getenv("JWT_SECRET"),

		ObserverQueueSize: getenvIntClamped("OBSERVER_QUEUE_SIZE", 256, 16, 65536),
		PersistTimeout:    getenvDuration("PERSIST_TIMEOUT", 10*time.Second),

		KafkaEnabled: getenvBool("KAFKA_ENABLED", false),
		KafkaBrokers: parseList(getenv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:   getenv("KAFKA_TOPIC", "speech.relay.events"),

		NATSURL:     getenv("NATS_URL", ""),
		NATSSubject: getenv("NATS_SUBJECT", "speech.relay"),

		CleanupInterval: getenvDuration("CLEANUP_INTERVAL", 0),
		CleanupApply:    getenvBool("CLEANUP_APPLY", false),
	}
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var items []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			items = append(items, p)
		}
	}
	return items
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntClamped(k string, def, min, max int) int {
	v, err := strconv.Atoi(os.Getenv(k))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvBool(k string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(k))
	if err != nil {
		return def
	}
	return v
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(k))
	if err != nil || v < 0 {
		return def
	}
	return v
}
