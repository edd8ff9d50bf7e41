package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Defaults().Validate() = %v, want nil", err)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.Redis.Addr = ""
	cfg.Market.SlashPct = 150

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{"unknown mode", "redis: addr", "slash_pct"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestLoadParsesDurationsAndAppliesEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	toml := `
mode = "serve"

[market]
commit_timeout = "12h"

[sweeper]
interval = "30s"
`
	if err := os.WriteFile(path, []byte(toml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("MARKETD_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("MARKETD_VERIFIER_GROUP_ID", "42")
	t.Setenv("MARKETD_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Mode != "serve" {
		t.Errorf("Mode = %q, want serve", cfg.Mode)
	}
	if cfg.Market.CommitTimeout.Duration != 12*time.Hour {
		t.Errorf("CommitTimeout = %v, want 12h", cfg.Market.CommitTimeout.Duration)
	}
	if cfg.Sweeper.Interval.Duration != 30*time.Second {
		t.Errorf("Sweeper.Interval = %v, want 30s", cfg.Sweeper.Interval.Duration)
	}
	if cfg.Postgres.Password != "hunter2" {
		t.Errorf("Postgres.Password = %q, want env override", cfg.Postgres.Password)
	}
	if cfg.Verifier.GroupID != 42 {
		t.Errorf("Verifier.GroupID = %d, want 42", cfg.Verifier.GroupID)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[0] != want[0] || cfg.Server.CORSOrigins[1] != want[1] {
		t.Errorf("CORSOrigins = %v, want %v", cfg.Server.CORSOrigins, want)
	}
	// Untouched fields keep their defaults.
	if cfg.Postgres.PoolMaxConns != 10 {
		t.Errorf("PoolMaxConns = %d, want default 10", cfg.Postgres.PoolMaxConns)
	}
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.Server.OperatorKey = "op-key"
	cfg.Notify.TelegramToken = "tg-token"

	out := RedactedConfig(&cfg)
	if out.Postgres.Password != "***" || out.Server.OperatorKey != "***" || out.Notify.TelegramToken != "***" {
		t.Errorf("secrets not redacted: %+v", out)
	}
	if cfg.Postgres.Password != "pg-secret" {
		t.Error("original config mutated")
	}
	out.Server.CORSOrigins[0] = "mutated"
	if cfg.Server.CORSOrigins[0] == "mutated" {
		t.Error("redacted copy shares CORSOrigins slice with original")
	}
}
