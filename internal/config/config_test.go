package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agora.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("AGORA_TEST_DSN", "postgres://real")
	path := writeConfig(t, `{
		"server": {"port": 9090, "log_level": "${AGORA_TEST_LEVEL:debug}"},
		"database": {
			"postgres": {"dsn": "${AGORA_TEST_DSN:postgres://fallback}"},
			"redis": {"url": "${AGORA_TEST_REDIS:}"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	// Set variable wins over default; unset falls back.
	if cfg.Database.Postgres.DSN != "postgres://real" {
		t.Errorf("expected env value, got %q", cfg.Database.Postgres.DSN)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("expected default debug, got %q", cfg.Server.LogLevel)
	}
	if cfg.Database.Redis.URL != "" {
		t.Errorf("expected empty default, got %q", cfg.Database.Redis.URL)
	}
}

func TestLoadDefaultsPort(t *testing.T) {
	path := writeConfig(t, `{"server": {}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
	path := writeConfig(t, `{broken`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed json")
	}
}

func TestPipelineDurations(t *testing.T) {
	p := PipelineConfig{StageTimeoutSeconds: 90}
	if got := p.StageTimeout(3 * time.Minute); got != 90*time.Second {
		t.Errorf("expected 90s, got %s", got)
	}
	// Zero falls back.
	if got := p.Cooldown(5 * time.Minute); got != 5*time.Minute {
		t.Errorf("expected fallback, got %s", got)
	}
	if got := p.SweepInterval(30 * time.Second); got != 30*time.Second {
		t.Errorf("expected fallback, got %s", got)
	}
	if got := p.WatchdogSilence(10 * time.Minute); got != 10*time.Minute {
		t.Errorf("expected fallback, got %s", got)
	}
	if got := p.IdleCheck(5 * time.Minute); got != 5*time.Minute {
		t.Errorf("expected fallback, got %s", got)
	}
}
