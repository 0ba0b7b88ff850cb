// Package config holds the connection core's configuration snapshot:
// the spec.md §3 "owned configuration snapshot" every Context carries.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Config is the resolved, immutable-once-loaded configuration a Context
// is constructed with.
type Config struct {
	// Server is an explicit space-separated candidate list; empty means
	// "build the default candidate list" per spec.md §4.1.
	Server string `json:"server,omitempty"`

	// AutospawnEnabled gates whether Connect may fork/exec the daemon
	// when no candidate is reachable.
	AutospawnEnabled bool `json:"autospawn,omitempty"`
	// DaemonBinary is the executable autospawn execs.
	DaemonBinary string `json:"daemon_binary,omitempty"`
	// ExtraArguments is space-split into up to 30 argv entries appended
	// to "--start" per spec.md §4.3.
	ExtraArguments string `json:"daemon_extra_arguments,omitempty"`

	// CookiePath points at the fixed-size authentication cookie. Empty
	// means "no cookie" (logged, not fatal, per spec.md §4.6).
	CookiePath string `json:"cookie_path,omitempty"`

	// DaemonPidFile is where the autospawned daemon is expected to write
	// its PID, per spec.md §4.3's post-spawn readiness wait.
	DaemonPidFile string `json:"daemon_pid_file,omitempty"`

	// EnableLegacyRuntimePaths gates probing /tmp/pulse-<user> and
	// <home>/.pulse per spec.md §6.4.
	EnableLegacyRuntimePaths bool `json:"legacy_runtime_paths,omitempty"`

	// AutoConnectDisplay gates falling back to the DISPLAY environment
	// variable's host portion per spec.md §4.1.
	AutoConnectDisplay bool `json:"auto_connect_display,omitempty"`

	// ClientName is loaded from the file and PULSE_CLIENTNAME. The
	// connection core does not read it: SET_CLIENT_NAME reports the name
	// and property list the Context was created with.
	ClientName string `json:"client_name,omitempty"`

	// LogLevel is one of debug/info/warn/error/none.
	LogLevel string `json:"log_level,omitempty"`
	LogPath  string `json:"-"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "pulseclient")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "pulseclient")
	default:
		if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
			return filepath.Join(xdg, "pulseclient")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "pulseclient")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "pulseclient")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "pulseclient")
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "pulseclient")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "pulseclient")
	}
}

// DefaultConfig returns the built-in defaults, before environment or file
// overrides are layered on.
func DefaultConfig() *Config {
	stateDir := defaultStateDir()
	return &Config{
		AutospawnEnabled:         true,
		DaemonBinary:             "pulseaudio",
		CookiePath:               filepath.Join(defaultRuntimeDir(), "cookie"),
		DaemonPidFile:            filepath.Join(defaultRuntimeDir(), "pid"),
		EnableLegacyRuntimePaths: false,
		AutoConnectDisplay:       false,
		ClientName:               "pulseclient",
		LogLevel:                 "info",
		LogPath:                  filepath.Join(stateDir, "pulseclient.log"),
	}
}

func defaultRuntimeDir() string {
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "pulse")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "pulse")
}

// GetConfigPath returns the default location Load reads from.
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "client.conf.json")
}

// Load reads configuration from path, falling back to defaults for a
// missing file, then applies environment overrides (PULSE_SERVER,
// PULSE_COOKIE, PULSE_CLIENTNAME) the way spec.md §6.4 describes.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PULSE_SERVER"); v != "" {
		c.Server = v
	}
	if v := os.Getenv("PULSE_COOKIE"); v != "" {
		c.CookiePath = v
	}
	if v := os.Getenv("PULSE_CLIENTNAME"); v != "" {
		c.ClientName = v
	}
}

// Save persists the configuration as indented JSON.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// RuntimeDir returns the per-user runtime directory pulse sockets live
// under, honoring XDG_RUNTIME_DIR per spec.md §6.4.
func RuntimeDir() string {
	return defaultRuntimeDir()
}

// DaemonArgv splits ExtraArguments on whitespace, capped at 30 entries per
// spec.md §4.3.
func (c *Config) DaemonArgv() []string {
	fields := strings.Fields(c.ExtraArguments)
	if len(fields) > 30 {
		fields = fields[:30]
	}
	return fields
}

// Cookie reads the fixed-size authentication cookie. A missing or empty
// CookiePath is not an error: spec.md §4.6 says its absence is logged,
// not fatal.
func (c *Config) Cookie() ([]byte, error) {
	if c.CookiePath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.CookiePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}
