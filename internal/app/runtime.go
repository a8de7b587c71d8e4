// Package app wires config, storage, logging and notification fan-out into a ready Engine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"refeed/internal/config"
	"refeed/internal/db"
	"refeed/internal/engine"
	"refeed/internal/migrate"
	"refeed/internal/notify"
)

// Overrides come from flags and the environment and win over refeed.yml.
type Overrides struct {
	ConfigFile string
	JWTSecret  string
	RedisAddr  string
	LogLevel   string
	LogFormat  string
}

// Runtime owns the resources behind an Engine. Close releases them.
type Runtime struct {
	Engine engine.Engine
	Config *config.Config
	DB     *sql.DB
	Log    *zap.Logger
	Hub    *notify.Hub
	// Relay is set when notify.redis_addr is configured.
	Relay *notify.RedisRelay
	redis *redis.Client
}

// ResolveConfig loads the workspace config (or the explicit file) and applies overrides.
func ResolveConfig(workspace string, o Overrides) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if strings.TrimSpace(o.ConfigFile) != "" {
		cfg, err = config.FromFile(o.ConfigFile)
	} else {
		cfg, err = config.LoadOrDefault(workspace)
	}
	if err != nil {
		return nil, err
	}
	if o.JWTSecret != "" {
		cfg.Auth.JWTSecret = o.JWTSecret
	}
	if o.RedisAddr != "" {
		cfg.Notify.RedisAddr = o.RedisAddr
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewLogger builds a zap logger from the log section.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Log.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if cfg.Log.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("config.log.level: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

// Open resolves config, opens and migrates the workspace database and builds the engine.
func Open(ctx context.Context, workspace string, o Overrides) (*Runtime, error) {
	cfg, err := ResolveConfig(workspace, o)
	if err != nil {
		return nil, err
	}
	log, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rt := &Runtime{Config: cfg, DB: conn, Log: log, Hub: notify.NewHub(log.Named("notify"))}
	e := engine.New(conn, cfg)
	e.Log = log.Named("engine")
	e.Notify = rt.Hub
	if addr := strings.TrimSpace(cfg.Notify.RedisAddr); addr != "" {
		rt.redis = redis.NewClient(&redis.Options{Addr: addr})
		rt.Relay = notify.NewRedisRelay(rt.redis, cfg.Notify.RedisChannel, rt.Hub, log.Named("relay"))
		e.Notify = rt.Relay
	}
	rt.Engine = e
	return rt, nil
}

// Registry is the fan-out the websocket endpoint registers channels with.
func (rt *Runtime) Registry() notify.Registry {
	if rt.Relay != nil {
		return rt.Relay
	}
	return rt.Hub
}

func (rt *Runtime) Close() error {
	if rt.Relay != nil {
		rt.Relay.Close()
	}
	if rt.redis != nil {
		rt.redis.Close()
	}
	_ = rt.Log.Sync()
	return rt.DB.Close()
}
