package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/chative/agent-runtime/internal/agent/model"
	"github.com/chative/agent-runtime/internal/core"
	logx "github.com/chative/agent-runtime/pkg/logger"
	pkgredis "github.com/chative/agent-runtime/pkg/redis"
	"github.com/chative/agent-runtime/pkg/sqlite"
	"github.com/chative/agent-runtime/pkg/telemetry"
)

// AppConfig holds every parameter of the process, sourced from environment
// variables (loaded from .env for local runs).
type AppConfig struct {
	Settings core.Settings

	// Infrastructure
	Redis     pkgredis.Config
	SQLite    sqlite.Config
	Telemetry telemetry.Config

	// HTTP surface
	HTTPAddr    string   `envconfig:"HTTP_ADDR" default:":8080"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS"`

	// Deployed chatbot instances
	ChatbotsFile string `envconfig:"CHATBOTS_FILE" default:"chatbots.yaml"`

	Runtime model.RuntimeConfig
}

func loadConfig(envFile string) (AppConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			logx.Warn().Err(err).Str("file", envFile).Msg("Could not load env file")
		}
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("process environment config: %w", err)
	}
	logx.Init(logx.LoggerOpts{Environment: cfg.Settings.Env(), Level: cfg.Settings.LogLevel})
	return cfg, nil
}
