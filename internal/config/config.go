// Package config loads host and runtime settings from UGC_* environment
// variables, optionally overridden by command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every runtime knob.
type Config struct {
	CallTimeout    time.Duration `env:"UGC_CALL_TIMEOUT"    envDefault:"200ms"`
	AllowConsole   bool          `env:"UGC_ALLOW_CONSOLE"`
	ViewAutoStart  bool          `env:"UGC_VIEW_AUTOSTART"  envDefault:"true"`
	HookTimeout    time.Duration `env:"UGC_HOOK_TIMEOUT"    envDefault:"200ms"`
	Addr           string        `env:"UGC_HOST_ADDR"       envDefault:"127.0.0.1:8077"`
	DBPath         string        `env:"UGC_HOST_DB"         envDefault:"ugc-host.db"`
	Token          string        `env:"UGC_HOST_TOKEN"`
	KeyringService string        `env:"UGC_KEYRING_SERVICE" envDefault:"ugc-runtime"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return FromEnvironment(nil)
}

// FromEnvironment reads settings from environ, or from the process
// environment when environ is nil.
func FromEnvironment(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseConfig parses the environment, then flags from args over it.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg, err := Load()
	if err != nil {
		return Config{}, err
	}

	fs.DurationVar(&cfg.CallTimeout, "call-timeout", cfg.CallTimeout, "timeout for each domain call")
	fs.BoolVar(&cfg.AllowConsole, "allow-console", cfg.AllowConsole, "forward domain console output to the log")
	fs.BoolVar(&cfg.ViewAutoStart, "view-autostart", cfg.ViewAutoStart, "start view clients immediately")
	fs.DurationVar(&cfg.HookTimeout, "hook-timeout", cfg.HookTimeout, "timeout for each action hook")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "package database path")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "token required on mutating requests")
	fs.StringVar(&cfg.KeyringService, "keyring-service", cfg.KeyringService, "keyring service holding the host token")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot work with.
func (c Config) Validate() error {
	if c.CallTimeout <= 0 {
		return errors.New("config: call timeout must be positive")
	}
	if c.HookTimeout <= 0 {
		return errors.New("config: hook timeout must be positive")
	}
	return nil
}
