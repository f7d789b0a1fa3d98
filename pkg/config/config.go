// MobClaw - Signal chatbot framework with MobileCoin payments
// License: MIT
//
// Copyright (c) 2026 MobClaw contributors

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Flag is a boolean whose string forms "", "0", "false" and "no" all mean
// unset. Anything else means set.
type Flag bool

func (f *Flag) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "0", "false", "no":
		*f = false
	default:
		*f = true
	}
	return nil
}

func (f Flag) Bool() bool { return bool(f) }

// Config carries everything the runtime reads from the environment.
type Config struct {
	BotNumber  string   `env:"BOT_NUMBER"`
	Admin      string   `env:"ADMIN"`
	Admins     []string `env:"ADMINS" envSeparator:","`
	AdminGroup string   `env:"ADMIN_GROUP"`

	DatabaseURL    string `env:"DATABASE_URL"`
	KVURL          string `env:"KV_URL"`
	FullServiceURL string `env:"FULL_SERVICE_URL" envDefault:"http://localhost:9090/wallet"`
	SignalCLIPath  string `env:"SIGNAL_CLI_PATH" envDefault:"signal-cli"`
	StateDir       string `env:"STATE_DIR" envDefault:"./state"`

	NoDownload  Flag    `env:"NO_DOWNLOAD"`
	NoMemfs     Flag    `env:"NO_MEMFS"`
	EnableMagic Flag    `env:"ENABLE_MAGIC"`
	TypoRatio   float64 `env:"TYPO_THRESHOLD" envDefault:"0.3"`

	AESKey string `env:"AESKEY"`
	Salt   string `env:"SALT"`
	XAuth  string `env:"XAUTH"`

	LogLevel   string `env:"LOGLEVEL" envDefault:"INFO"`
	FactSource string `env:"FACT_SOURCE" envDefault:"https://printerfacts.herokuapp.com/fact"`
	MobRateURL string `env:"MOB_RATE_URL"`

	HTTPAddr     string `env:"HTTP_ADDR" envDefault:":8080"`
	AMQPUrl      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"mobclaw.events"`

	NodeName string `env:"NODE_NAME"`
}

// Load reads .env (when present) and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.NodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "mobclaw"
		}
		cfg.NodeName = host
	}

	return cfg, nil
}

// AdminIDs returns every configured admin identifier (ADMIN plus ADMINS).
func (c *Config) AdminIDs() []string {
	ids := make([]string, 0, len(c.Admins)+1)
	if c.Admin != "" {
		ids = append(ids, c.Admin)
	}
	for _, a := range c.Admins {
		a = strings.TrimSpace(a)
		if a != "" && a != c.Admin {
			ids = append(ids, a)
		}
	}
	return ids
}

// Validate checks the options without which the runtime cannot start.
func (c *Config) Validate() error {
	if c.BotNumber == "" {
		return fmt.Errorf("BOT_NUMBER is required")
	}
	if !strings.HasPrefix(c.BotNumber, "+") {
		return fmt.Errorf("BOT_NUMBER must be E.164, got %q", c.BotNumber)
	}
	return nil
}
