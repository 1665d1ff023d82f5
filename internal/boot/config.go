package boot

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Env            string        `env:"ENV,default=dev"`
	DataDirectory  string        `env:"DATA_DIR,default=."`
	ListenAddress  string        `env:"LISTEN_ADDR,default=:8710"`
	MetricsAddress string        `env:"METRICS_ADDR,default=:8711"`
	StoreURL       string        `env:"STORE_URL"`
	AuthURL        string        `env:"AUTH_URL"`
	APIKey         string        `env:"API_KEY"`
	SyncPeriod     time.Duration `env:"SYNC_PERIOD,default=30s"`
	InitTimeout    time.Duration `env:"INIT_TIMEOUT,default=3s"`
}

func Load() (*Config, error) {
	config := &Config{}
	if err := envconfig.Process(context.Background(), config); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	return config, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "dev"
}

func (c *Config) IsProduction() bool {
	return c.Env == "prod"
}
