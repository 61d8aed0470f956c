// Package config resolves tailserve's on-disk layout and the environment
// overrides shared by every command.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	defaultDirName   = ".tailserve"
	stateFileName    = "state.json"
	pidFileName      = "tailserve.pid"
	accessDBName     = "access.db"
	tunnelConfigName = "cloudflared.yml"
	logsDirName      = "logs"

	defaultTailscaleBin   = "tailscale"
	defaultCloudflaredBin = "cloudflared"
)

// Config carries the resolved home directory and environment-derived
// settings. It is immutable after Load.
type Config struct {
	Home     string
	LogLevel string

	// PortOverride and ProtectedPortsOverride take precedence over the
	// persisted document on every read when non-zero/non-nil.
	PortOverride           int
	ProtectedPortsOverride []int

	// Autostart controls whether creation commands may spawn the daemon.
	// TAILSERVE_NO_AUTOSTART=1 disables it (used by tests and scripts).
	Autostart bool

	// PprofListen, when set, has the daemon bind a pprof server there.
	PprofListen string

	TailscaleBin   string
	CloudflaredBin string
}

// Load resolves the configuration from the environment. The home directory
// defaults to ~/.tailserve and can be redirected with TAILSERVE_HOME.
func Load() (*Config, error) {
	home := strings.TrimSpace(os.Getenv("TAILSERVE_HOME"))
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, defaultDirName)
	}

	cfg := &Config{
		Home:           home,
		LogLevel:       envOrDefault("TAILSERVE_LOG_LEVEL", "info"),
		Autostart:      os.Getenv("TAILSERVE_NO_AUTOSTART") != "1",
		PprofListen:    strings.TrimSpace(os.Getenv("TAILSERVE_PPROF_LISTEN")),
		TailscaleBin:   envOrDefault("TAILSERVE_TAILSCALE_BIN", defaultTailscaleBin),
		CloudflaredBin: envOrDefault("TAILSERVE_CLOUDFLARED_BIN", defaultCloudflaredBin),
	}

	if raw := strings.TrimSpace(os.Getenv("TAILSERVE_PORT")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("TAILSERVE_PORT %q: local port must be between 1 and 65535", raw)
		}
		cfg.PortOverride = port
	}

	if raw := strings.TrimSpace(os.Getenv("TAILSERVE_PROTECTED_PORTS")); raw != "" {
		ports, err := parsePortList(raw)
		if err != nil {
			return nil, fmt.Errorf("TAILSERVE_PROTECTED_PORTS: %w", err)
		}
		cfg.ProtectedPortsOverride = ports
	}

	return cfg, nil
}

// StatePath returns the path of the persisted state document.
func (c *Config) StatePath() string { return filepath.Join(c.Home, stateFileName) }

// PIDPath returns the path of the daemon PID file.
func (c *Config) PIDPath() string { return filepath.Join(c.Home, pidFileName) }

// AccessDBPath returns the path of the access-log database.
func (c *Config) AccessDBPath() string { return filepath.Join(c.Home, accessDBName) }

// TunnelConfigPath returns the path of the generated cloudflared config.
func (c *Config) TunnelConfigPath() string { return filepath.Join(c.Home, tunnelConfigName) }

// LogsDir returns the directory holding daemon and subprocess log files.
func (c *Config) LogsDir() string { return filepath.Join(c.Home, logsDirName) }

// DaemonLogPath returns the file the detached daemon's output is sent to.
func (c *Config) DaemonLogPath() string { return filepath.Join(c.LogsDir(), "daemon.log") }

// EnsureDirs creates the home and logs directories if they do not exist.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.LogsDir(), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", c.LogsDir(), err)
	}
	return nil
}

func parsePortList(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	ports := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		port, err := strconv.Atoi(part)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("port %q must be between 1 and 65535", part)
		}
		ports = append(ports, port)
	}
	return ports, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
