// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config holds every setting of the server.
type Config struct {
	Host string `env:"HOST,default=0.0.0.0"`
	Port int    `env:"PORT,default=8080" validate:"min=1,max=65535"`

	StoreDriver string `env:"STORE_DRIVER,default=sqlite" validate:"oneof=sqlite badger memory"`
	DBPath      string `env:"DB_PATH,default=data/hubs.db"`
	BadgerPath  string `env:"BADGER_PATH,default=data/badger"`

	HistoryCap     int   `env:"HISTORY_CAP,default=50" validate:"min=1"`
	SendBuffer     int   `env:"SEND_BUFFER,default=256" validate:"min=1"`
	MaxMessageSize int64 `env:"MAX_MESSAGE_SIZE,default=8192" validate:"min=1"`

	PersistTimeout time.Duration `env:"PERSIST_TIMEOUT,default=5s"`
	LoadTimeout    time.Duration `env:"LOAD_TIMEOUT,default=5s"`
	KeepAlive      time.Duration `env:"SSE_KEEPALIVE,default=30s"`
	IdleTimeout    time.Duration `env:"HUB_IDLE_TIMEOUT,default=10m"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL,default=1m"`

	LogLevel string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	GinMode  string `env:"GIN_MODE,default=release" validate:"oneof=debug release test"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
