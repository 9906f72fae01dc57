package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Prefix of every environment variable read by Load.
const Prefix = "BANK_"

const (
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"

	SnapshotLedger = "ledger"
	SnapshotRedis  = "redis"
)

type Config struct {
	LogLevel       slog.Level     `env:"LOG_LEVEL" envDefault:"info"`
	Server         Server         `envPrefix:"SERVER_"`
	Ledger         Ledger         `envPrefix:"LEDGER_"`
	Snapshot       Snapshot       `envPrefix:"SNAPSHOT_"`
	AccountFactory AccountFactory `envPrefix:"ACCOUNT_FACTORY_"`
	Projection     Projection     `envPrefix:"PROJECTION_"`
	NATS           NATS           `envPrefix:"NATS_"`
	Outbox         Outbox         `envPrefix:"OUTBOX_"`
}

type Server struct {
	Addr            string        `env:"ADDR" envDefault:"0.0.0.0"`
	Port            int           `env:"PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type Ledger struct {
	Driver       string        `env:"DRIVER" envDefault:"memory"`
	DSN          string        `env:"DSN"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"100"`
}

// Snapshot selects the snapshot store: the one next to the ledger, or redis.
type Snapshot struct {
	Driver        string `env:"DRIVER" envDefault:"ledger"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`
}

type AccountFactory struct {
	CacheCapacity   int `env:"CACHE_CAPACITY" envDefault:"1000"`
	CacheBuffer     int `env:"CACHE_BUFFER" envDefault:"100"`
	EntityCmdBuffer int `env:"ENTITY_CMD_BUFFER" envDefault:"10"`
	// EntitySnapshotAfter is the snapshot cadence in events; 0 disables snapshots.
	EntitySnapshotAfter uint64 `env:"ENTITY_SNAPSHOT_AFTER" envDefault:"100"`
}

type Projection struct {
	// MaxElapsedTime bounds the resubscription attempts of the account ID
	// projection before it terminates.
	MaxElapsedTime time.Duration `env:"MAX_ELAPSED_TIME" envDefault:"1m"`
}

// NATS enables the outbox relay when URL is set.
type NATS struct {
	URL string `env:"URL"`
}

type Outbox struct {
	BatchSize int           `env:"BATCH_SIZE" envDefault:"10"`
	Interval  time.Duration `env:"INTERVAL" envDefault:"2s"`
	Workers   int           `env:"WORKERS" envDefault:"3"`
}

// Load reads the optional .env files, defaulting to ./.env, and parses the
// process environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		slog.Warn("No .env file loaded, relying on environment variables", "error", err)
	}
	return Parse(nil)
}

// Parse parses environment, or the process environment if environment is nil.
func Parse(environment map[string]string) (Config, error) {
	opts := env.Options{Prefix: Prefix}
	if environment != nil {
		opts.Environment = environment
	}

	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values env cannot check on its own.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server shutdown timeout must be positive"))
	}

	switch c.Ledger.Driver {
	case LedgerMemory:
	case LedgerPostgres:
		if c.Ledger.DSN == "" {
			errs = append(errs, errors.New("ledger DSN is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver))
	}
	if c.Ledger.PollInterval <= 0 || c.Ledger.BatchSize <= 0 {
		errs = append(errs, errors.New("ledger poll interval and batch size must be positive"))
	}

	switch c.Snapshot.Driver {
	case SnapshotLedger, SnapshotRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown snapshot driver %q", c.Snapshot.Driver))
	}

	if c.AccountFactory.CacheCapacity <= 0 {
		errs = append(errs, errors.New("account factory cache capacity must be positive"))
	}
	if c.AccountFactory.CacheBuffer <= 0 {
		errs = append(errs, errors.New("account factory cache buffer must be positive"))
	}
	if c.AccountFactory.EntityCmdBuffer <= 0 {
		errs = append(errs, errors.New("account factory entity command buffer must be positive"))
	}

	if c.Projection.MaxElapsedTime <= 0 {
		errs = append(errs, errors.New("projection max elapsed time must be positive"))
	}

	if c.NATS.URL != "" {
		if c.Ledger.Driver != LedgerPostgres {
			errs = append(errs, errors.New("the outbox relay requires the postgres ledger"))
		}
		if c.Outbox.BatchSize <= 0 || c.Outbox.Interval <= 0 || c.Outbox.Workers <= 0 {
			errs = append(errs, errors.New("outbox batch size, interval and workers must be positive"))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
