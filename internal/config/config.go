// Package config loads runtime settings from the environment, an optional
// .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	HTTPAddress string `yaml:"http_address" env:"HTTP_ADDRESS" env-default:":8080"`

	DBDriver    string `yaml:"db_driver" env:"DB_DRIVER" env-default:"postgres"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	RedisURL    string `yaml:"redis_url" env:"REDIS_URL"`

	ConditionalWrites bool `yaml:"conditional_writes" env:"CONDITIONAL_WRITES" env-default:"false"`

	RolloverSpec string   `yaml:"rollover_spec" env:"ROLLOVER_SPEC" env-default:"00:05"`
	Clinics      []string `yaml:"clinics" env:"CLINIC_IDS" env-separator:","`
	Timezone     string   `yaml:"timezone" env:"TIMEZONE" env-default:"UTC"`

	WindowDays      int           `yaml:"window_days" env:"WINDOW_DAYS" env-default:"7"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"REFRESH_INTERVAL" env-default:"1m"`
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks settings that cleanenv cannot express.
func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverPostgres, DriverSQLite:
		if c.DatabaseURL == "" && c.DBDriver == DriverPostgres {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	if c.WindowDays < 1 {
		return fmt.Errorf("WINDOW_DAYS must be positive, got %d", c.WindowDays)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be positive, got %s", c.RefreshInterval)
	}
	_, err := c.Location()
	return err
}

// Load reads a .env file if present (without overriding variables already
// set), then configPath if given and present, then the environment.
func Load(configPath string) (Config, error) {
	if envMap, err := godotenv.Read(); err == nil {
		for k, v := range envMap {
			if os.Getenv(k) == "" {
				os.Setenv(k, v)
			}
		}
	}

	var cfg Config
	if configPath == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return cfg, fmt.Errorf("read env: %w", err)
		}
	} else if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		var pe *os.PathError
		if !errors.As(err, &pe) {
			return cfg, fmt.Errorf("read config %q: %w", configPath, err)
		}
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return cfg, fmt.Errorf("read env: %w", err)
		}
	}
	return cfg, cfg.Validate()
}

// MustLoad is Load for main packages.
func MustLoad(configPath string) Config {
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}
