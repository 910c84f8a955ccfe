package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ClientConfig captures the tunables of the realtime client library.
// Values load from environment variables with defaults matching the
// production protocol constants, so embedding applications only need
// to set the server URL and session identity.
type ClientConfig struct {
	ServerURL string // ws:// or wss:// endpoint
	SessionID string // shared by all peer instances of one login

	RedisAddr     string // empty means in-process bus only
	RedisPassword string

	ElectionWindow    time.Duration
	ElectionJitterMax time.Duration

	ReconnectBase      time.Duration
	ReconnectMax       time.Duration
	ReconnectJitterMax time.Duration
	ReconnectAttempts  int

	LogLevel string
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:          "ws://localhost:8080/ws",
		ElectionWindow:     250 * time.Millisecond,
		ElectionJitterMax:  100 * time.Millisecond,
		ReconnectBase:      500 * time.Millisecond,
		ReconnectMax:       30 * time.Second,
		ReconnectJitterMax: 200 * time.Millisecond,
		ReconnectAttempts:  5,
		LogLevel:           "info",
	}
}

func LoadClientConfig() (ClientConfig, error) {
	cfg := defaultClientConfig()
	var errs []error

	setStringFromEnv(&cfg.ServerURL, "REALTIME_SERVER_URL")
	setStringFromEnv(&cfg.SessionID, "REALTIME_SESSION_ID")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	setDurationFromEnv(&cfg.ElectionWindow, "REALTIME_ELECTION_WINDOW", &errs)
	setDurationFromEnv(&cfg.ElectionJitterMax, "REALTIME_ELECTION_JITTER", &errs)
	setDurationFromEnv(&cfg.ReconnectBase, "REALTIME_RECONNECT_BASE", &errs)
	setDurationFromEnv(&cfg.ReconnectMax, "REALTIME_RECONNECT_MAX", &errs)
	setDurationFromEnv(&cfg.ReconnectJitterMax, "REALTIME_RECONNECT_JITTER", &errs)
	setIntFromEnv(&cfg.ReconnectAttempts, "REALTIME_RECONNECT_ATTEMPTS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.ReconnectAttempts <= 0 {
		errs = append(errs, fmt.Errorf("REALTIME_RECONNECT_ATTEMPTS must be > 0"))
	}
	if cfg.ElectionWindow <= 0 {
		errs = append(errs, fmt.Errorf("REALTIME_ELECTION_WINDOW must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ServerConfig captures all tunable parameters for the harness push
// server.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	JWTSecret string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisChannel:    "ride:locations",
		KafkaTopic:      "driver-locations",
		JWTSecret:       "dev-secret-change-me",
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisChannel, "REDIS_LOCATION_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	return cfg, errors.Join(errs...)
}

// RelayConfig configures the Kafka to Redis location relay.
type RelayConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	RetryAttempts int
	RetryDelay    time.Duration

	MetricsAddr string
	LogLevel    string
}

func defaultRelayConfig() RelayConfig {
	return RelayConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "driver-locations",
		KafkaGroup:    "ride-realtime-relay",
		RedisAddr:     "localhost:6379",
		RedisChannel:  "ride:locations",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		MetricsAddr:   ":2112",
		LogLevel:      "info",
	}
}

func LoadRelayConfig() (RelayConfig, error) {
	cfg := defaultRelayConfig()
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisChannel, "REDIS_LOCATION_CHANNEL")

	setIntFromEnv(&cfg.RetryAttempts, "RELAY_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "RELAY_RETRY_DELAY", &errs)
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_RETRY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
