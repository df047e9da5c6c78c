// Package config loads the lobby server settings from the environment. A
// .env file in the working directory, when present, is read first; variables
// already set in the environment win over it.
package config

import (
	"fmt"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/whisper/lobby/internal/broadcast"
	"github.com/whisper/lobby/internal/room"
	"github.com/whisper/lobby/internal/store"
	"github.com/whisper/lobby/internal/ws"
)

// Storage backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config is the full server configuration. Unset variables keep the values
// from Default.
type Config struct {
	ListenAddr     string        `env:"LISTEN_ADDR" validate:"required"`
	WorkerPoolSize int           `env:"WORKER_POOL_SIZE" validate:"gt=0"`
	MaxConnections int           `env:"MAX_CONNECTIONS" validate:"gt=0"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" validate:"gte=0"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" validate:"gte=0"`

	Store       string `env:"STORE" validate:"oneof=postgres memory"`
	DatabaseURL string `env:"DATABASE_URL" validate:"required_if=Store postgres"`
	RedisAddr   string `env:"REDIS_ADDR" validate:"required_with=NATSURL"` // guards names across instances
	NATSURL     string `env:"NATS_URL"`                                    // empty runs a single instance
	ServerName  string `env:"SERVER_NAME" validate:"required"`

	HistoryLimit int `env:"HISTORY_LIMIT" validate:"gt=0"`
	CatchUpLimit int `env:"CATCH_UP_LIMIT" validate:"gt=0"`
	PageLimitMax int `env:"PAGE_LIMIT_MAX" validate:"gt=0"`
	MailboxLimit int `env:"MAILBOX_LIMIT" validate:"gt=0"`
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	srv := ws.DefaultServerConfig()
	rc := room.DefaultConfig()

	name, _ := os.Hostname()
	if name == "" {
		name = "lobby-1"
	}

	return Config{
		ListenAddr:     srv.ListenAddr,
		WorkerPoolSize: srv.WorkerPoolSize,
		MaxConnections: srv.MaxConnections,
		ReadTimeout:    srv.ReadTimeout,
		WriteTimeout:   srv.WriteTimeout,
		Store:          StorePostgres,
		DatabaseURL:    store.DefaultPostgresConfig().URL,
		ServerName:     name,
		HistoryLimit:   rc.HistoryLimit,
		CatchUpLimit:   rc.CatchUpLimit,
		PageLimitMax:   rc.PageLimitMax,
		MailboxLimit:   broadcast.DefaultMailboxLimit,
	}
}

// Load reads .env (if any) and the process environment over Default and
// validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	return FromEnviron()
}

// FromEnviron reads the process environment over Default without looking at
// .env.
func FromEnviron() (Config, error) {
	cfg := Default()
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// Server returns the WebSocket server settings.
func (c Config) Server() ws.ServerConfig {
	srv := ws.DefaultServerConfig()
	srv.ListenAddr = c.ListenAddr
	srv.WorkerPoolSize = c.WorkerPoolSize
	srv.MaxConnections = c.MaxConnections
	srv.ReadTimeout = c.ReadTimeout
	srv.WriteTimeout = c.WriteTimeout
	return srv
}

// Room returns the room settings.
func (c Config) Room() room.Config {
	rc := room.DefaultConfig()
	rc.HistoryLimit = c.HistoryLimit
	rc.CatchUpLimit = c.CatchUpLimit
	rc.PageLimitMax = c.PageLimitMax
	if rc.PageLimitDefault > rc.PageLimitMax {
		rc.PageLimitDefault = rc.PageLimitMax
	}
	return rc
}

// Postgres returns the connection pool settings for DatabaseURL.
func (c Config) Postgres() store.PostgresConfig {
	pc := store.DefaultPostgresConfig()
	pc.URL = c.DatabaseURL
	return pc
}
