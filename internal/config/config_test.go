package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Fuse.AutoUnmount {
		t.Error("expected auto_unmount to default to true")
	}
	if cfg.Fuse.GetInvalidateDelay() != 10*time.Millisecond {
		t.Errorf("expected invalidate delay 10ms, got %v", cfg.Fuse.GetInvalidateDelay())
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
}

func TestLoadConfig(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	configContent := `
server:
  socket_path: "/run/user/1000/portal.sock"
  http_addr: "127.0.0.1:8081"
storage:
  data_dir: "/custom/db"
  mount_point: "/custom/doc"
fuse:
  debug: true
  invalidate_delay: "25ms"
logging:
  level: "debug"
  file: "/var/log/portal.log"
flatpak:
  installations:
    - "/opt/flatpak"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.SocketPath != "/run/user/1000/portal.sock" {
		t.Errorf("unexpected socket path %s", cfg.Server.SocketPath)
	}
	if cfg.Storage.MountPoint != "/custom/doc" {
		t.Errorf("unexpected mount point %s", cfg.Storage.MountPoint)
	}
	if !cfg.Fuse.Debug {
		t.Error("expected fuse debug to be enabled")
	}
	if cfg.Fuse.GetInvalidateDelay() != 25*time.Millisecond {
		t.Errorf("expected 25ms, got %v", cfg.Fuse.GetInvalidateDelay())
	}
	// Unspecified values keep their defaults
	if cfg.Fuse.GetVirtualTTL() != 60*time.Second {
		t.Errorf("expected default virtual ttl, got %v", cfg.Fuse.GetVirtualTTL())
	}
	if len(cfg.Flatpak.Installations) != 1 || cfg.Flatpak.Installations[0] != "/opt/flatpak" {
		t.Errorf("unexpected installations %v", cfg.Flatpak.Installations)
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault with empty path failed: %v", err)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected default format text, got %s", cfg.Logging.Format)
	}

	cfg, err = LoadOrDefault("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault with missing file failed: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected default config")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(configPath, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(configPath); err == nil {
		t.Error("expected parse error")
	}
}

func TestResolve(t *testing.T) {
	env := map[string]string{
		EnvRuntimeDir: "/run/user/1000",
		EnvDataHome:   "/home/u/.local/share",
		EnvFuseStatus: "/tmp/status",
	}
	cfg := DefaultConfig()
	if err := cfg.resolve(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if cfg.Storage.MountPoint != "/run/user/1000/doc" {
		t.Errorf("unexpected mount point %s", cfg.Storage.MountPoint)
	}
	if cfg.Storage.DataDir != "/home/u/.local/share/flatpak/db" {
		t.Errorf("unexpected data dir %s", cfg.Storage.DataDir)
	}
	if cfg.Fuse.StatusFile != "/tmp/status" {
		t.Errorf("unexpected status file %s", cfg.Fuse.StatusFile)
	}
}

func TestResolve_MissingEnvironment(t *testing.T) {
	none := func(string) string { return "" }

	if err := DefaultConfig().resolve(none); err == nil {
		t.Error("expected error without XDG_RUNTIME_DIR")
	}

	cfg := DefaultConfig()
	cfg.Storage.MountPoint = "/mnt/doc"
	cfg.Server.SocketPath = "/mnt/portal.sock"
	if err := cfg.resolve(none); err == nil {
		t.Error("expected error without XDG_DATA_HOME")
	}

	cfg.Storage.DataDir = "/var/db"
	if err := cfg.resolve(none); err != nil {
		t.Errorf("fully configured paths should not need the environment: %v", err)
	}
}
