package boot

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Env           string `env:"ENV,default=dev"`
	DataDirectory string `env:"DATA_DIR"`

	ServerURL string `env:"SERVER_URL,default=http://localhost:8080"`
	SocketURL string `env:"SOCKET_URL,default=ws://localhost:8080/ws"`

	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY,default=1s"`
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS,default=5"`
	DedupeRetention      time.Duration `env:"DEDUPE_RETENTION,default=1h"`
	DedupePruneInterval  time.Duration `env:"DEDUPE_PRUNE_INTERVAL,default=10m"`

	TokenSecret string `env:"TOKEN_SECRET,default=waggle-dev-secret"`
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
