package app

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":3001" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.InviteTTL != 15*time.Minute || cfg.TurnDuration != 30*time.Second {
		t.Fatalf("unexpected timers: invite_ttl=%v turn=%v", cfg.InviteTTL, cfg.TurnDuration)
	}
	if cfg.MaxTurns != 50 || cfg.LogCap != 100 || cfg.LogTrimTo != 50 {
		t.Fatalf("unexpected lobby limits: %+v", cfg)
	}
	if !cfg.WSOriginRequired {
		t.Fatalf("origin should be required by default")
	}
	if cfg.DatabaseURL != "" || cfg.RedisURL != "" {
		t.Fatalf("backends should default to in-memory")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("ARENA_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("ARENA_INVITE_TTL", "2m")
	t.Setenv("ARENA_MAX_TURNS", "10")
	t.Setenv("ARENA_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("ARENA_WS_DEV_INSECURE", "true")
	t.Setenv("ARENA_DB_MAX_CONNS", "4")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9000" || cfg.InviteTTL != 2*time.Minute || cfg.MaxTurns != 10 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if !cfg.WSDevInsecure || cfg.DBMaxConns != 4 {
		t.Fatalf("unexpected flags: dev_insecure=%v max_conns=%d", cfg.WSDevInsecure, cfg.DBMaxConns)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("ARENA_MAX_TURNS", "not-a-number")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	cfg.InviteTTL = 0
	cfg.LogTrimTo = cfg.LogCap
	err = cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"ARENA_INVITE_TTL", "ARENA_LOG_TRIM_TO must be below"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}
