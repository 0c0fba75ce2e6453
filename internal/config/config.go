package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the server configuration, read from the environment.
type Config struct {
	ListenAddr string `env:"CHAT_LISTEN_ADDR" envDefault:"127.0.0.1:9000"`
	RedisAddr  string `env:"CHAT_REDIS_ADDR" envDefault:"localhost:6379"`
	// SessionTTL is how long a session token stays registered without
	// being seen by any request.
	SessionTTL time.Duration `env:"CHAT_SESSION_TTL" envDefault:"30m"`
	// PingTimeout is how long a session counts as present in a room after
	// its last keep-alive.
	PingTimeout time.Duration `env:"CHAT_PING_TIMEOUT" envDefault:"30s"`
	// PollTimeout bounds a single long-poll; an expired poll returns empty
	// and the client retries with the same cursor.
	PollTimeout time.Duration `env:"CHAT_POLL_TIMEOUT" envDefault:"55s"`
	// RetentionLimit caps retained messages per room. Zero disables
	// eviction.
	RetentionLimit int64 `env:"CHAT_RETENTION_LIMIT" envDefault:"5000"`
	// NotifySilenced privately notifies sessions silenced or unsilenced by
	// a moderator.
	NotifySilenced bool `env:"CHAT_NOTIFY_SILENCED" envDefault:"false"`
}

// Load parses configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
