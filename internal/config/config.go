package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Backend names a storage backend for the event log, checkpoints and read models.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendDynamo   Backend = "dynamo"
)

// Config is the process configuration of the commands.
type Config struct {
	Options Options `envPrefix:"WHIZBANG_"`

	Backend     Backend `env:"WHIZBANG_BACKEND"      envDefault:"sqlite"`
	DatabaseURL string  `env:"DATABASE_URL"`
	SQLitePath  string  `env:"WHIZBANG_SQLITE_PATH"  envDefault:"whizbang.db"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC"   envDefault:"whizbang-events"`

	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"whizbang.appended"`

	DynamoEventsTable    string `env:"DYNAMO_EVENTS_TABLE"    envDefault:"whizbang-events"`
	DynamoSnapshotsTable string `env:"DYNAMO_SNAPSHOTS_TABLE" envDefault:"whizbang-snapshots"`

	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"whizbang"`

	KafkaGroup string `env:"KAFKA_CONSUMER_GROUP" envDefault:"whizbang-projector"`

	HTTPAddr       string        `env:"HTTP_ADDR"       envDefault:":8080"`
	RunProjections bool          `env:"RUN_PROJECTIONS" envDefault:"true"`
	AuthSecret     string        `env:"AUTH_SECRET"`
	TokenTTL       time.Duration `env:"TOKEN_TTL"       envDefault:"1h"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses the process environment into a validated Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Options.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid options: %w", err)
	}
	switch cfg.Backend {
	case BackendMemory, BackendSQLite, BackendDynamo:
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required for backend %s", cfg.Backend)
		}
	default:
		return Config{}, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return cfg, nil
}
