package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Sync.PollInterval = Duration{5 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Sync.PollInterval.Duration != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", loaded.Sync.PollInterval)
	}
	if loaded.Presence.RefreshInterval.Duration != 25*time.Second {
		t.Errorf("RefreshInterval = %v, want 25s", loaded.Presence.RefreshInterval)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
default_session = "dev"

[api]
base_url = "https://chat.example.com/api"

[sync]
poll_interval = "1500ms"

[playback]
exclusive = false
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.BaseURL != "https://chat.example.com/api" {
		t.Errorf("BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.Sync.PollInterval.Duration != 1500*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.Sync.PollInterval)
	}
	if cfg.Presence.PingInterval.Duration != time.Minute {
		t.Errorf("PingInterval = %v, want default 1m", cfg.Presence.PingInterval)
	}
	if cfg.API.Timeout.Duration != 15*time.Second {
		t.Errorf("Timeout = %v, want default 15s", cfg.API.Timeout)
	}
	if cfg.Playback.Exclusive {
		t.Error("Exclusive = true, want false from file")
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[sync]\npoll_interval = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for bad duration")
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv(TokenEnv, "from-env")
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Sync.PollInterval.Duration != 3*time.Second {
		t.Errorf("PollInterval = %v, want 3s", cfg.Sync.PollInterval)
	}
	if cfg.API.Token != "from-env" {
		t.Errorf("Token = %q, want env override", cfg.API.Token)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
