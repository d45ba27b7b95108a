// Package config loads the clinic engine configuration from an optional
// YAML file and CLINIC_* environment variables.
//
// Environment variables override file values; nested keys use "_", e.g.
// CLINIC_DATABASE_DRIVER overrides database.driver.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"github.com/warp/clinic-engine/booking"
)

const (
	EnvPrefix      = "CLINIC"
	DefaultFile    = "clinic.yaml"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Clinic   ClinicConfig   `mapstructure:"clinic"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Env             string        `mapstructure:"env"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json | console
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type ClinicConfig struct {
	Timezone      string        `mapstructure:"timezone"`
	MaxRetries    int           `mapstructure:"max_retries"`
	AuditInterval time.Duration `mapstructure:"audit_interval"` // 0 disables
	Prices        PriceConfig   `mapstructure:"prices"`
}

// PriceConfig holds euro amounts as decimal strings, e.g. "35.00".
type PriceConfig struct {
	Session30 string `mapstructure:"session_30"`
	Session60 string `mapstructure:"session_60"`
	Bundle30  string `mapstructure:"bundle_30"`
	Bundle60  string `mapstructure:"bundle_60"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "./data/clinic.db")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("clinic.timezone", "Europe/Madrid")
	v.SetDefault("clinic.max_retries", booking.DefaultMaxRetries)
	v.SetDefault("clinic.audit_interval", time.Hour)
	v.SetDefault("clinic.prices.session_30", "35.00")
	v.SetDefault("clinic.prices.session_60", "65.00")
	v.SetDefault("clinic.prices.bundle_30", "100.00")
	v.SetDefault("clinic.prices.bundle_60", "180.00")
}

// Load reads configuration. An empty path reads DefaultFile from the
// working directory if it exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	switch {
	case path != "":
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	default:
		if _, err := os.Stat(DefaultFile); err == nil {
			v.SetConfigFile(DefaultFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", DefaultFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}

	if _, err := time.LoadLocation(c.Clinic.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("clinic.timezone: %w", err))
	}
	if c.Clinic.MaxRetries < 0 {
		errs = append(errs, errors.New("clinic.max_retries must not be negative"))
	}
	if c.Clinic.AuditInterval < 0 {
		errs = append(errs, errors.New("clinic.audit_interval must not be negative"))
	}
	if _, err := c.PriceList(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *Config) IsDev() bool { return c.Server.Env == "development" }

// Location returns the clinic timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Clinic.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) PriceList() (booking.PriceList, error) {
	p := c.Clinic.Prices
	return booking.ParsePriceList(p.Session30, p.Session60, p.Bundle30, p.Bundle60)
}
