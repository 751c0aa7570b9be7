package config

import (
	"flag"
	"io"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromEnvironment(map[string]string{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.CallTimeout != 200*time.Millisecond || cfg.HookTimeout != 200*time.Millisecond {
		t.Errorf("timeouts = %s/%s", cfg.CallTimeout, cfg.HookTimeout)
	}
	if !cfg.ViewAutoStart || cfg.AllowConsole {
		t.Errorf("autostart=%v console=%v", cfg.ViewAutoStart, cfg.AllowConsole)
	}
	if cfg.Addr != "127.0.0.1:8077" || cfg.DBPath != "ugc-host.db" || cfg.KeyringService != "ugc-runtime" || cfg.Token != "" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestFromEnvironment(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		check   func(Config) bool
		wantErr string
	}{
		{
			name:  "Overrides",
			env:   map[string]string{"UGC_CALL_TIMEOUT": "1s", "UGC_ALLOW_CONSOLE": "true", "UGC_HOST_TOKEN": "tok"},
			check: func(c Config) bool { return c.CallTimeout == time.Second && c.AllowConsole && c.Token == "tok" },
		},
		{
			name:    "BadDuration",
			env:     map[string]string{"UGC_HOOK_TIMEOUT": "soon"},
			wantErr: "parse env:",
		},
		{
			name:    "ZeroTimeout",
			env:     map[string]string{"UGC_CALL_TIMEOUT": "0s"},
			wantErr: "call timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := FromEnvironment(tt.env)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !tt.check(cfg) {
				t.Errorf("unexpected config %+v", cfg)
			}
		})
	}
}

func TestParseConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("UGC_HOST_ADDR", ":9000")
	t.Setenv("UGC_HOST_DB", "env.db")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg, err := ParseConfig(fs, []string{"-db", "flag.db", "-hook-timeout", "50ms"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9000" || cfg.DBPath != "flag.db" || cfg.HookTimeout != 50*time.Millisecond {
		t.Errorf("got %+v", cfg)
	}

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if _, err := ParseConfig(fs, []string{"-call-timeout", "-1s"}); err == nil {
		t.Error("negative timeout accepted")
	}
}
