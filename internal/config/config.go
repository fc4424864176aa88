// Package config содержит логику чтения конфигурации сервиса парковки.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Ferdianto22/parking-system/internal/billing"
	"github.com/Ferdianto22/parking-system/internal/model"
)

// Поддерживаемые хранилища.
const (
	DriverPostgres  = "postgres"
	DriverPostgREST = "postgrest"
	DriverMemory    = "memory"
)

// Config содержит параметры конфигурации сервиса парковки.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	StorageDriver string `env:"STORAGE_DRIVER"`

	PostgRESTURL    string `env:"POSTGREST_URL"`
	PostgRESTAPIKey string `env:"POSTGREST_API_KEY"`

	AuthSecret    string `env:"AUTH_SECRET"`
	AdminEmail    string `env:"ADMIN_EMAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD"`

	TariffMotorcycle int64         `env:"TARIFF_MOTORCYCLE" envDefault:"2000"`
	TariffCar        int64         `env:"TARIFF_CAR" envDefault:"5000"`
	GatewayTimeout   time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"5s"`
	Timezone         string        `env:"TIMEZONE"`

	ReconcileSchedule string        `env:"RECONCILE_SCHEDULE" envDefault:"@every 5m"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`

	RedisAddr string `env:"REDIS_ADDR"`
	AMQPURL   string `env:"AMQP_URL"`
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и
// переменных окружения. Переменные окружения важнее флагов.
func Parse() (*Config, error) {
	// .env необязателен.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envStorageDriver := cfg.StorageDriver

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.StorageDriver, "s", "", "storage driver: postgres, postgrest or memory")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envStorageDriver != "" {
		cfg.StorageDriver = envStorageDriver
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = DriverMemory
		if cfg.DatabaseURI != "" {
			cfg.StorageDriver = DriverPostgres
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageDriver {
	case DriverPostgres:
		if c.DatabaseURI == "" {
			return errors.New("DATABASE_URI is required for the postgres driver")
		}
	case DriverPostgREST:
		if c.PostgRESTURL == "" {
			return errors.New("POSTGREST_URL is required for the postgrest driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.StorageDriver)
	}

	if c.TariffMotorcycle <= 0 || c.TariffCar <= 0 {
		return errors.New("tariffs must be positive")
	}
	if c.GatewayTimeout <= 0 {
		return errors.New("GATEWAY_TIMEOUT must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Tariffs возвращает почасовые тарифы из конфигурации.
func (c *Config) Tariffs() billing.Tariffs {
	return billing.Tariffs{
		model.VehicleMotorcycle: c.TariffMotorcycle,
		model.VehicleCar:        c.TariffCar,
	}
}

// Location возвращает часовой пояс, в котором считаются сутки для отчёта.
// Пустое значение означает локальный пояс сервера.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
