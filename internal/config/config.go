package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	HTTPPort           string
	Storage            string
	DBHost             string
	DBPort             int
	DBUser             string
	DBPassword         string
	DBName             string
	MigrationsPath     string
	RedisAddr          string
	RedisPassword      string
	KafkaBrokers       []string
	KafkaTopic         string
	JWTSecret          string
	SettlementCurrency string
	CheckoutTxTimeout  time.Duration
	RequestTimeout     time.Duration
	ShutdownTimeout    time.Duration
	OutboxPollInterval time.Duration
	MaxRequestBodySize int64
}

// Load reads the configuration from the environment. Values from a .env file
// in the working directory are used for keys not already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	cfg := &Config{
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		Storage:            getEnv("STORAGE", StoragePostgres),
		DBHost:             getEnv("DB_HOST", "localhost"),
		DBPort:             dbPort,
		DBUser:             getEnv("DB_USER", "postgres"),
		DBPassword:         getEnv("DB_PASSWORD", "postgres"),
		DBName:             getEnv("DB_NAME", "bookmart"),
		MigrationsPath:     getEnv("MIGRATIONS_PATH", "./internal/repository/migrations"),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		KafkaBrokers:       splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "bookmart-orders"),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		SettlementCurrency: strings.ToUpper(getEnv("SETTLEMENT_CURRENCY", "PHP")),
		MaxRequestBodySize: 1 << 20, // 1MB
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"CHECKOUT_TX_TIMEOUT", "5s", &cfg.CheckoutTxTimeout},
		{"REQUEST_TIMEOUT", "30s", &cfg.RequestTimeout},
		{"SHUTDOWN_TIMEOUT", "10s", &cfg.ShutdownTimeout},
		{"OUTBOX_POLL_INTERVAL", "1s", &cfg.OutboxPollInterval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", d.key)
		}
		*d.dst = v
	}

	if cfg.Storage != StoragePostgres && cfg.Storage != StorageMemory {
		return nil, fmt.Errorf("invalid STORAGE %q: want %s or %s", cfg.Storage, StoragePostgres, StorageMemory)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
