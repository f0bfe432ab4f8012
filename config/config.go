package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// AppConfig holds everything the gateway process needs. Values come from the
// environment; defaults match a local single-node setup.
type AppConfig struct {
	NodeID   string `env:"AMORA_NODE_ID" envDefault:"gateway-1"`
	HTTPAddr string `env:"AMORA_HTTP_ADDR" envDefault:":8080"`

	RedisAddr     string `env:"AMORA_REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword string `env:"AMORA_REDIS_PASSWORD"`
	RedisDB       int    `env:"AMORA_REDIS_DB" envDefault:"0"`
	RedisPoolSize int    `env:"AMORA_REDIS_POOL" envDefault:"20"`

	JWTSecret string        `env:"AMORA_JWT_SECRET" envDefault:"dev-only-secret-change-me"`
	TokenTTL  time.Duration `env:"AMORA_TOKEN_TTL" envDefault:"2h"`

	// Stream tuning. HeartbeatEvery is the SSE comment / WS ping cadence,
	// PresenceTTL how long a user counts as online without a heartbeat.
	HeartbeatEvery time.Duration `env:"AMORA_HEARTBEAT_EVERY" envDefault:"15s"`
	PresenceTTL    time.Duration `env:"AMORA_PRESENCE_TTL" envDefault:"45s"`

	// SendBuffer is the per-connection outbound queue depth. A connection
	// that cannot drain this backlog is treated as dead.
	SendBuffer int `env:"AMORA_SEND_BUFFER" envDefault:"256"`
}

// Load parses AppConfig from the environment.
func Load() (AppConfig, error) {
	var c AppConfig
	if err := env.Parse(&c); err != nil {
		return AppConfig{}, err
	}
	return c, nil
}

// MustLoad is Load for main(); it panics on malformed environment values.
func MustLoad() AppConfig {
	c, err := Load()
	if err != nil {
		panic("config: " + err.Error())
	}
	return c
}
