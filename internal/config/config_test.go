package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  addr: ":9090"
  history_capacity: 64
database:
  path: "/tmp/test.db"
admission:
  spawn_window: 30s
  spawn_max: 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.HistoryCapacity != 64 {
		t.Errorf("history_capacity = %d", cfg.Server.HistoryCapacity)
	}
	if cfg.Admission.SpawnWindow != 30*time.Second {
		t.Errorf("spawn_window = %v", cfg.Admission.SpawnWindow)
	}
	// Unset keys keep their defaults.
	if cfg.Admission.MaxPerDaemon != 3 {
		t.Errorf("max_per_daemon = %d, want default 3", cfg.Admission.MaxPerDaemon)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AGENTCAST_ADDR", ":7070")
	t.Setenv("AGENTCAST_DB", "/tmp/env.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
}

func TestValidateRejectsNonsense(t *testing.T) {
	cfg := Default()
	cfg.Admission.SpawnMax = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero spawn_max accepted")
	}

	cfg = Default()
	cfg.Server.HistoryCapacity = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative history_capacity accepted")
	}
}
