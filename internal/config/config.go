package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser    string
	DBPass    string
	DBHost    string
	DBPort    string
	DBName    string
	SSLMode   string
	RedisHost string
	RedisPort string
	NatsHost  string
	NatsPort  string
	ApiPort   string

	// External collaborators: the execution function that talks to M-Pesa
	// and the retry function that re-submits stuck disbursements.
	DisburseURL string
	RetryURL    string
	ServiceKey  string
	CronSecret  string

	WorkerEnabled string
	NatsEnabled   string
}

// New loads and validates configuration from environment variables.
// NATS is optional: if PAYVAULT_NATS_ENABLED != "true" the settlement bus is
// disabled and wallet debits must be applied by an out-of-band process.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:        os.Getenv("PAYVAULT_POSTGRES_USER"),
		DBPass:        os.Getenv("PAYVAULT_POSTGRES_PASSWORD"),
		DBHost:        os.Getenv("PAYVAULT_POSTGRES_HOST"),
		DBPort:        os.Getenv("PAYVAULT_POSTGRES_PORT"),
		DBName:        os.Getenv("PAYVAULT_POSTGRES_DB"),
		SSLMode:       os.Getenv("PAYVAULT_POSTGRES_SSLMODE"),
		RedisHost:     os.Getenv("PAYVAULT_REDIS_HOST"),
		RedisPort:     os.Getenv("PAYVAULT_REDIS_PORT"),
		NatsHost:      os.Getenv("PAYVAULT_NATS_HOST"),
		NatsPort:      os.Getenv("PAYVAULT_NATS_PORT"),
		ApiPort:       os.Getenv("PAYVAULT_API_PORT"),
		DisburseURL:   os.Getenv("PAYVAULT_DISBURSE_FUNCTION_URL"),
		RetryURL:      os.Getenv("PAYVAULT_RETRY_FUNCTION_URL"),
		ServiceKey:    os.Getenv("PAYVAULT_SERVICE_ROLE_KEY"),
		CronSecret:    os.Getenv("CRON_SECRET"),
		WorkerEnabled: os.Getenv("PAYVAULT_WALLET_WORKER_ENABLED"),
		NatsEnabled:   os.Getenv("PAYVAULT_NATS_ENABLED"),
	}

	// Required: database
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: PAYVAULT_POSTGRES_USER/HOST/DB/SSLMODE")
	}

	// Required: redis
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: PAYVAULT_REDIS_HOST/PORT")
	}

	// Required: HTTP API (this service is callback-facing, it must listen)
	if cfg.ApiPort == "" {
		return nil, fmt.Errorf("missing required env: PAYVAULT_API_PORT")
	}

	// Required: execution and retry function endpoints
	if cfg.DisburseURL == "" || cfg.RetryURL == "" {
		return nil, fmt.Errorf("missing required env: PAYVAULT_DISBURSE_FUNCTION_URL/PAYVAULT_RETRY_FUNCTION_URL")
	}

	if cfg.NatsEnabled == "true" && (cfg.NatsHost == "" || cfg.NatsPort == "") {
		return nil, fmt.Errorf("missing required env for nats: PAYVAULT_NATS_HOST/PORT")
	}

	// Optional: CRON_SECRET — the cron endpoint refuses requests until it is set.

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

func (c *Config) ApiAddr() string {
	return ":" + c.ApiPort
}

// BusEnabled reports whether the NATS settlement bus should be connected.
func (c *Config) BusEnabled() bool {
	return c.NatsEnabled == "true"
}

// WalletWorkerEnabled reports whether this instance should also run the
// wallet settlement worker (defaults to on when the bus is enabled).
func (c *Config) WalletWorkerEnabled() bool {
	if c.WorkerEnabled == "" {
		return c.BusEnabled()
	}
	return c.WorkerEnabled == "true"
}
