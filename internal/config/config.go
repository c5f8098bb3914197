// Package config provides configuration management for the document portal.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when paths are not configured.
const (
	EnvRuntimeDir = "XDG_RUNTIME_DIR"
	EnvDataHome   = "XDG_DATA_HOME"
	EnvFuseStatus = "TEST_DOCUMENT_PORTAL_FUSE_STATUS"
)

// Config represents the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Fuse    FuseConfig    `yaml:"fuse"`
	Logging LoggingConfig `yaml:"logging"`
	Flatpak FlatpakConfig `yaml:"flatpak"`
}

// ServerConfig holds RPC endpoint configuration.
type ServerConfig struct {
	SocketPath string `yaml:"socket_path"` // gRPC unix socket, default $XDG_RUNTIME_DIR/document-portal.sock
	HTTPAddr   string `yaml:"http_addr"`   // Optional REST gateway and metrics
}

// StorageConfig holds storage path configuration.
type StorageConfig struct {
	DataDir    string `yaml:"data_dir"`    // Permission store tables, default $XDG_DATA_HOME/flatpak/db
	MountPoint string `yaml:"mount_point"` // Default $XDG_RUNTIME_DIR/doc
}

// FuseConfig holds filesystem session configuration.
type FuseConfig struct {
	Debug           bool   `yaml:"debug"`
	AutoUnmount     bool   `yaml:"auto_unmount"`
	MaxBackground   int    `yaml:"max_background"`
	InvalidateDelay string `yaml:"invalidate_delay"`
	VirtualTTL      string `yaml:"virtual_ttl"`
	StatusFile      string `yaml:"status_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// FlatpakConfig holds the locations of installed application metadata.
type FlatpakConfig struct {
	Installations []string `yaml:"installations"`
}

// DefaultConfig returns a configuration with sensible defaults.
// Paths derived from the XDG environment are filled in by Resolve.
func DefaultConfig() *Config {
	return &Config{
		Fuse: FuseConfig{
			AutoUnmount:     true,
			MaxBackground:   12,
			InvalidateDelay: "10ms",
			VirtualTTL:      "60s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  64,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Flatpak: FlatpakConfig{
			Installations: []string{"/var/lib/flatpak"},
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadOrDefault loads configuration from a file, or returns default if file doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve fills unset paths from the XDG environment. XDG_RUNTIME_DIR is
// required unless both the socket and mount point are configured, and
// XDG_DATA_HOME unless the data directory is.
func (c *Config) Resolve() error {
	return c.resolve(os.Getenv)
}

func (c *Config) resolve(getenv func(string) string) error {
	if c.Storage.MountPoint == "" || c.Server.SocketPath == "" {
		runtimeDir := getenv(EnvRuntimeDir)
		if runtimeDir == "" {
			return errors.New(EnvRuntimeDir + " is not set")
		}
		if c.Storage.MountPoint == "" {
			c.Storage.MountPoint = filepath.Join(runtimeDir, "doc")
		}
		if c.Server.SocketPath == "" {
			c.Server.SocketPath = filepath.Join(runtimeDir, "document-portal.sock")
		}
	}

	if c.Storage.DataDir == "" {
		dataHome := getenv(EnvDataHome)
		if dataHome == "" {
			return errors.New(EnvDataHome + " is not set")
		}
		c.Storage.DataDir = filepath.Join(dataHome, "flatpak", "db")
	}

	if c.Fuse.StatusFile == "" {
		c.Fuse.StatusFile = getenv(EnvFuseStatus)
	}
	return nil
}

// GetInvalidateDelay returns the invalidation batching delay as a time.Duration.
func (c *FuseConfig) GetInvalidateDelay() time.Duration {
	d, err := time.ParseDuration(c.InvalidateDelay)
	if err != nil {
		return 10 * time.Millisecond
	}
	return d
}

// GetVirtualTTL returns the kernel cache timeout for purely virtual directories.
func (c *FuseConfig) GetVirtualTTL() time.Duration {
	d, err := time.ParseDuration(c.VirtualTTL)
	if err != nil {
		return 60 * time.Second
	}
	return d
}
