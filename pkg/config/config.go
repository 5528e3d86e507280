// Package config loads the daemon configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr string `env:"ADDR" envDefault:":3001"`

	AWSRegion string `env:"AWS_REGION" envDefault:"us-east-1"`
	ModelID   string `env:"SONIC_MODEL_ID" envDefault:"amazon.nova-sonic-v1:0"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Teardown settle delays. Zero values fall back to the engine defaults.
	SettleContentEnd time.Duration `env:"SETTLE_CONTENT_END"`
	SettlePromptEnd  time.Duration `env:"SETTLE_PROMPT_END"`
	SettleSessionEnd time.Duration `env:"SETTLE_SESSION_END"`
	ToolTimeout      time.Duration `env:"TOOL_TIMEOUT"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	MaxIdle       time.Duration `env:"SESSION_MAX_IDLE" envDefault:"5m"`

	// MCPConfigPath points at a JSON file of external tool server
	// definitions. Empty disables dynamic tools.
	MCPConfigPath string `env:"MCP_CONFIG_PATH"`

	ShutdownGracePeriod time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"10s"`
}

// LoadFromEnv parses the process environment.
func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
