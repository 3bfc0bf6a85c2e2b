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

	cfg := &Config{
		Homeserver:          "https://matrix.example.org",
		DefaultSession:      "work",
		SyncIntervalSeconds: 5,
	}
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
	if loaded.Homeserver != "https://matrix.example.org" {
		t.Errorf("Homeserver = %q, want https://matrix.example.org", loaded.Homeserver)
	}
	if loaded.SyncInterval() != 5*time.Second {
		t.Errorf("SyncInterval() = %v, want 5s", loaded.SyncInterval())
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestIntervalDefaults(t *testing.T) {
	cfg := &Config{}
	if cfg.SyncInterval() != DefaultSyncIntervalSeconds*time.Second {
		t.Errorf("SyncInterval() = %v, want %ds", cfg.SyncInterval(), DefaultSyncIntervalSeconds)
	}
	if cfg.RequestTimeout() != DefaultRequestTimeoutSeconds*time.Second {
		t.Errorf("RequestTimeout() = %v, want %ds", cfg.RequestTimeout(), DefaultRequestTimeoutSeconds)
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
