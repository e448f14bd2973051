package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Remote kinds.
const (
	RemoteHTTP   = "http"
	RemoteSQLite = "sqlite"
	RemoteLibSQL = "libsql"
)

// DirName is the per-project directory holding the database, config and
// signal files.
const DirName = ".habitsync"

var v *viper.Viper

// Initialize sets up the viper configuration singleton
// Should be called once at application startup
func Initialize() error {
	v = viper.New()

	v.SetConfigType("yaml")

	// Precedence: $HABITSYNC_CONFIG > project .habitsync/config.yaml >
	// ~/.config/habitsync/config.yaml > ~/.habitsync/config.yaml
	configFileSet := false

	if path := os.Getenv("HABITSYNC_CONFIG"); path != "" {
		v.SetConfigFile(path)
		configFileSet = true
	}

	// Walk up from CWD so commands work from subdirectories
	if cwd, err := os.Getwd(); err == nil && !configFileSet {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, DirName, "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "habitsync", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, DirName, "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file
	// E.g., HABITSYNC_DB, HABITSYNC_REMOTE_URL, HABITSYNC_SYNC_PAGE_SIZE
	v.SetEnvPrefix("HABITSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
		slog.Debug("loaded config", "path", v.ConfigFileUsed())
	} else {
		slog.Debug("no config.yaml found; using defaults and environment variables")
	}

	return nil
}

// Defaults returns every configuration key with its default value.
func Defaults() map[string]any {
	return map[string]any{
		"db": filepath.Join(DirName, "habitsync.db"),

		"remote.kind":   RemoteHTTP,
		"remote.url":    "",
		"remote.token":  "",
		"remote.routes": "",

		"sync.interval":       "30s",
		"sync.page-size":      10,
		"sync.debounce":       "2s",
		"sync.probe-interval": "10s",

		"outbox.retention-days":   7,
		"outbox.cleanup-interval": "1h",

		"signal-dir":     filepath.Join(DirName, "signals"),
		"dashboard.port": 8080,

		"log.file":  "",
		"log.level": "info",
		"log.json":  false,
	}
}

// ResetForTesting clears the config state, allowing Initialize() to be called again.
// WARNING: Not thread-safe. Only call from single-threaded test contexts.
func ResetForTesting() {
	v = nil
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set sets a configuration value
func Set(key string, value any) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns all configuration settings as a map
func AllSettings() map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v.AllSettings()
}

// ConfigFileUsed returns the path to the config file that was loaded.
// Returns empty string if no config file was found or viper is not initialized.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// Settings is the typed view of the configuration the application needs.
type Settings struct {
	DBPath string

	RemoteKind   string
	RemoteURL    string
	RemoteToken  string
	RemoteRoutes string

	SyncInterval  time.Duration
	PageSize      int
	Debounce      time.Duration
	ProbeInterval time.Duration

	RetentionDays   int
	CleanupInterval time.Duration

	SignalDir     string
	DashboardPort int

	LogFile  string
	LogLevel string
	LogJSON  bool
}

// Load reads the current configuration into Settings and validates it.
func Load() (Settings, error) {
	s := Settings{
		DBPath:          GetString("db"),
		RemoteKind:      strings.ToLower(GetString("remote.kind")),
		RemoteURL:       GetString("remote.url"),
		RemoteToken:     GetString("remote.token"),
		RemoteRoutes:    GetString("remote.routes"),
		SyncInterval:    GetDuration("sync.interval"),
		PageSize:        GetInt("sync.page-size"),
		Debounce:        GetDuration("sync.debounce"),
		ProbeInterval:   GetDuration("sync.probe-interval"),
		RetentionDays:   GetInt("outbox.retention-days"),
		CleanupInterval: GetDuration("outbox.cleanup-interval"),
		SignalDir:       GetString("signal-dir"),
		DashboardPort:   GetInt("dashboard.port"),
		LogFile:         GetString("log.file"),
		LogLevel:        GetString("log.level"),
		LogJSON:         GetBool("log.json"),
	}
	return s, s.Validate()
}

// Validate checks settings that would otherwise fail late.
func (s Settings) Validate() error {
	if s.DBPath == "" {
		return fmt.Errorf("db path cannot be empty")
	}
	switch s.RemoteKind {
	case "", RemoteHTTP, RemoteSQLite, RemoteLibSQL:
	default:
		return fmt.Errorf("unknown remote.kind %q (want %s, %s or %s)", s.RemoteKind, RemoteHTTP, RemoteSQLite, RemoteLibSQL)
	}
	if s.PageSize < 0 {
		return fmt.Errorf("sync.page-size must be non-negative (got %d)", s.PageSize)
	}
	if s.DashboardPort < 0 || s.DashboardPort > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", s.DashboardPort)
	}
	return nil
}
