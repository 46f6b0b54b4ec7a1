package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names consumed by Load.
const (
	envServerPort         = "PORT"
	envServerReadTimeout  = "SERVER_READ_TIMEOUT"
	envServerWriteTimeout = "SERVER_WRITE_TIMEOUT"
	envProjectID          = "GOOGLE_CLOUD_PROJECT"
	envFirestoreProject   = "FIRESTORE_PROJECT_ID"
	envFirestoreEmulator  = "FIRESTORE_EMULATOR_HOST"
	envAuthSecret         = "AUTH_JWT_SECRET"
	envAuthIssuer         = "AUTH_JWT_ISSUER"
	envAuthAudience       = "AUTH_JWT_AUDIENCE"
	envPubSubOrderTopic   = "PUBSUB_ORDER_TOPIC"
	envPubSubStockTopic   = "PUBSUB_STOCK_TOPIC"
	envIdempotencyTTL     = "IDEMPOTENCY_TTL"
)

const (
	defaultServerPort   = 8080
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdemTTL      = 24 * time.Hour
)

// Config aggregates all runtime configuration for the API process.
type Config struct {
	Server      ServerConfig
	Firestore   FirestoreConfig
	Auth        AuthConfig
	PubSub      PubSubConfig
	Idempotency IdempotencyConfig
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FirestoreConfig identifies the backing Firestore database.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// AuthConfig carries JWT verification parameters. Token issuance is handled
// by the identity service, not this process.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string
}

// PubSubConfig names the topics order and stock events are published to.
// Empty topic names disable publishing.
type PubSubConfig struct {
	ProjectID  string
	OrderTopic string
	StockTopic string
}

// IdempotencyConfig controls the placement idempotency key store.
type IdempotencyConfig struct {
	TTL time.Duration
}

// Load reads configuration from the environment and validates it.
func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Port:         defaultServerPort,
			ReadTimeout:  defaultReadTimeout,
			WriteTimeout: defaultWriteTimeout,
		},
		Idempotency: IdempotencyConfig{TTL: defaultIdemTTL},
	}

	if raw := strings.TrimSpace(os.Getenv(envServerPort)); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("config: invalid %s value %q", envServerPort, raw)
		}
		cfg.Server.Port = port
	}
	if d, err := durationFromEnv(envServerReadTimeout); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.Server.ReadTimeout = d
	}
	if d, err := durationFromEnv(envServerWriteTimeout); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.Server.WriteTimeout = d
	}

	projectID := strings.TrimSpace(os.Getenv(envFirestoreProject))
	if projectID == "" {
		projectID = strings.TrimSpace(os.Getenv(envProjectID))
	}
	cfg.Firestore = FirestoreConfig{
		ProjectID:    projectID,
		EmulatorHost: strings.TrimSpace(os.Getenv(envFirestoreEmulator)),
	}
	if cfg.Firestore.ProjectID == "" && cfg.Firestore.EmulatorHost == "" {
		return Config{}, errors.New("config: firestore project id is required")
	}

	cfg.Auth = AuthConfig{
		JWTSecret: strings.TrimSpace(os.Getenv(envAuthSecret)),
		Issuer:    strings.TrimSpace(os.Getenv(envAuthIssuer)),
		Audience:  strings.TrimSpace(os.Getenv(envAuthAudience)),
	}
	if cfg.Auth.JWTSecret == "" {
		return Config{}, errors.New("config: auth jwt secret is required")
	}

	cfg.PubSub = PubSubConfig{
		ProjectID:  projectID,
		OrderTopic: strings.TrimSpace(os.Getenv(envPubSubOrderTopic)),
		StockTopic: strings.TrimSpace(os.Getenv(envPubSubStockTopic)),
	}

	if d, err := durationFromEnv(envIdempotencyTTL); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.Idempotency.TTL = d
	}

	return cfg, nil
}

func durationFromEnv(name string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: invalid %s value %q", name, raw)
	}
	return d, nil
}
