// Package config reads the service configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"wallet/internal/logging"
	"wallet/internal/store/mongo"
	"wallet/internal/store/postgres"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Supported STORE_DRIVER values.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

type Config struct {
	ServerPort  string
	StoreDriver string

	Postgres postgres.Config
	Mongo    mongo.Config

	JWTSecret string
	// EphemeralSecret is set when JWTSecret was generated at startup.
	EphemeralSecret bool
	TokenTTL        time.Duration
	BcryptCost      int

	TransferMaxAttempts int
	TransferRetryBase   time.Duration

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	Log logging.Config
}

// LoadDotEnv loads the given env files (".env" when none are named) into the
// process environment. Variables already set are left alone.
func LoadDotEnv(files ...string) error {
	return godotenv.Load(files...)
}

// FromEnv builds the configuration from environment variables. The returned
// error lists every problem found, not just the first.
func FromEnv() (Config, error) {
	p := &parser{}

	cfg := Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
		Postgres: postgres.Config{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            p.int("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        os.Getenv("DB_PASSWORD"),
			Database:        getEnv("DB_NAME", "wallet"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    p.int("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    p.int("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: p.duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Mongo: mongo.Config{
			URI:                    getEnv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
			Database:               getEnv("MONGO_DATABASE", "wallet"),
			ServerSelectionTimeout: p.duration("MONGO_SERVER_SELECTION_TIMEOUT", 5*time.Second),
			MaxPoolSize:            p.uint("MONGO_MAX_POOL_SIZE", 100),
		},
		JWTSecret:           os.Getenv("JWT_SECRET"),
		TokenTTL:            p.duration("TOKEN_TTL", 24*time.Hour),
		BcryptCost:          p.int("BCRYPT_COST", bcrypt.DefaultCost),
		TransferMaxAttempts: p.int("TRANSFER_MAX_ATTEMPTS", 3),
		TransferRetryBase:   p.duration("TRANSFER_RETRY_BASE", 10*time.Millisecond),
		RequestTimeout:      p.duration("REQUEST_TIMEOUT", 10*time.Second),
		ShutdownTimeout:     p.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		Log:                 logging.ConfigFromEnv(),
	}

	if cfg.JWTSecret == "" && cfg.StoreDriver == DriverMemory {
		cfg.JWTSecret = uuid.NewString()
		cfg.EphemeralSecret = true
	}

	p.problems = append(p.problems, cfg.validate()...)
	return cfg, errors.Join(p.problems...)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	return errors.Join(c.validate()...)
}

func (c Config) validate() []error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	switch c.StoreDriver {
	case DriverPostgres:
		if c.Postgres.Host == "" {
			add("DB_HOST is required for the postgres driver")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("DB_PORT %d is out of range", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("DB_NAME is required for the postgres driver")
		}
	case DriverMongo:
		if c.Mongo.URI == "" {
			add("MONGO_URI is required for the mongo driver")
		}
		if c.Mongo.Database == "" {
			add("MONGO_DATABASE is required for the mongo driver")
		}
		if c.Mongo.ServerSelectionTimeout <= 0 {
			add("MONGO_SERVER_SELECTION_TIMEOUT must be positive")
		}
		if c.Mongo.MaxPoolSize == 0 {
			add("MONGO_MAX_POOL_SIZE must be at least 1")
		}
	case DriverMemory:
	default:
		add("STORE_DRIVER %q is not one of %s, %s, %s", c.StoreDriver, DriverPostgres, DriverMongo, DriverMemory)
	}

	if c.JWTSecret == "" {
		add("JWT_SECRET is required")
	}
	if c.TokenTTL <= 0 {
		add("TOKEN_TTL must be positive")
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		add("BCRYPT_COST %d is out of range [%d, %d]", c.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.TransferMaxAttempts < 1 {
		add("TRANSFER_MAX_ATTEMPTS must be at least 1")
	}
	if c.TransferRetryBase < 0 {
		add("TRANSFER_RETRY_BASE must not be negative")
	}
	if c.RequestTimeout <= 0 {
		add("REQUEST_TIMEOUT must be positive")
	}
	if c.ServerPort == "" {
		add("SERVER_PORT is required")
	}
	return problems
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + c.ServerPort
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser collects conversion errors so they can be reported together.
type parser struct {
	problems []error
}

func (p *parser) int(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.problems = append(p.problems, fmt.Errorf("%s: %q is not an integer", key, raw))
		return defaultValue
	}
	return v
}

func (p *parser) uint(key string, defaultValue uint64) uint64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		p.problems = append(p.problems, fmt.Errorf("%s: %q is not a non-negative integer", key, raw))
		return defaultValue
	}
	return v
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.problems = append(p.problems, fmt.Errorf("%s: %q is not a duration", key, raw))
		return defaultValue
	}
	return v
}
