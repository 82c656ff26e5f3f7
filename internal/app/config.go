package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"aquatrack/internal/config"
	"aquatrack/internal/radio/mqttlink"
	"aquatrack/internal/reconcile"
	"aquatrack/internal/remote/influxlog"
	"aquatrack/internal/session"
)

// Config defines the companion service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"HTTP_PORT"`
	} `yaml:"http"`
	JWT struct {
		Secret string `yaml:"secret" env:"JWT_SECRET"`
	} `yaml:"jwt"`
	Data struct {
		Dir      string `yaml:"dir" env:"DATA_DIR"`
		Timezone string `yaml:"timezone" env:"DATA_TIMEZONE"`
	} `yaml:"data"`
	Redis struct {
		Addr     string `yaml:"addr" env:"REDIS_ADDR"`
		Password string `yaml:"password" env:"REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"REDIS_DB"`
	} `yaml:"redis"`
	Database struct {
		DSN string `yaml:"dsn" env:"POSTGRES_DSN"`
	} `yaml:"database"`
	Radio     mqttlink.Config  `yaml:"radio"`
	Influx    influxlog.Config `yaml:"influx"`
	Session   session.Config   `yaml:"session"`
	Reconcile reconcile.Config `yaml:"reconcile"`
}

// Load reads configuration via the shared helper and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Port = "8080"
	cfg.Data.Dir = "/var/lib/aquatrack"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Radio.ClientID = "aquatrack"

	if err := config.Load(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.JWT.Secret) == "" {
		return nil, errors.New("config: jwt secret required")
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, errors.New("config: database dsn required")
	}
	if strings.TrimSpace(cfg.Radio.BrokerURL) == "" {
		return nil, errors.New("config: radio broker url required")
	}
	return cfg, nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// Location resolves the configured day-boundary timezone, UTC by default.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Data.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", tz, err)
	}
	return loc, nil
}
