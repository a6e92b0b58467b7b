package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Backend selects which physical storage engine the schema engine drives.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendMySQL    Backend = "mysql"
	BackendMongoDB  Backend = "mongodb"
)

// IsRelational reports whether the backend speaks SQL.
func (b Backend) IsRelational() bool {
	return b == BackendPostgres || b == BackendMySQL
}

// Config holds all configuration for the engine.
// Configuration can come from a YAML file (config.yaml) or environment
// variables; environment variables override YAML values. Secrets (passwords)
// must only come from environment variables.
type Config struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"1105"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // set at load time, not from config

	// Backend selects the storage engine: postgres, mysql, or mongodb.
	Backend Backend `yaml:"backend" env:"DB_TYPE" env-default:"postgres"`

	// Database holds relational connection settings (postgres/mysql).
	Database DatabaseConfig `yaml:"database"`

	// Mongo holds document-backend connection settings.
	Mongo MongoConfig `yaml:"mongo"`

	// MigrationsPath points at the golang-migrate SQL directories, one
	// subdirectory per relational engine.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
}

// DatabaseConfig holds relational database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"DB_HOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"DB_PORT" env-default:"5432"`
	User           string `yaml:"user" env:"DB_USER" env-default:"enfyra"`
	Password       string `yaml:"-" env:"DB_PASSWORD"` // secret, env only
	Database       string `yaml:"database" env:"DB_NAME" env-default:"enfyra"`
	SSLMode        string `yaml:"ssl_mode" env:"DB_SSLMODE" env-default:"disable"`
	MaxConnections int32  `yaml:"max_connections" env:"DB_MAX_CONNECTIONS" env-default:"25"`
}

// MongoConfig holds MongoDB configuration.
type MongoConfig struct {
	URI      string `yaml:"-" env:"MONGO_URI" env-default:"mongodb://localhost:27017"` // may embed credentials
	Database string `yaml:"database" env:"MONGO_DATABASE" env-default:"enfyra"`
}

// Load reads configuration from config.yaml (when present) and the
// environment, then validates it.
func Load(version string) (*Config, error) {
	cfg := &Config{}

	const path = "config.yaml"
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment config: %w", err)
		}
	}

	cfg.Version = version

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that tags cannot express.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendPostgres, BackendMySQL:
		if c.Database.Host == "" || c.Database.Database == "" {
			return fmt.Errorf("relational backend %q requires database host and name", c.Backend)
		}
	case BackendMongoDB:
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return fmt.Errorf("mongodb backend requires MONGO_URI and a database name")
		}
	default:
		return fmt.Errorf("unknown backend %q (expected postgres, mysql, or mongodb)", c.Backend)
	}
	return nil
}
