// Package config handles environment-based configuration loading and the
// hot-swappable runtime config model.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	DataDir string
	DBPath  string
	LogDir  string

	// Telemetry endpoint
	ListenAddress string
	EventsPort    int

	// Limits
	MemoryCapMB int

	// Headless
	HeadlessBinaryPath string

	// Logging
	LogLevel int

	// Store
	FlushCheckTick      time.Duration
	FlushDirtyThreshold int
	FlushInterval       time.Duration
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error listing every invalid value rather than stopping at the first.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.DataDir = envStr("NEWSDRIFT_DATA_DIR", defaultDataDir())
	cfg.DBPath = envStr("NEWSDRIFT_DB_PATH", "")
	cfg.LogDir = envStr("NEWSDRIFT_LOG_DIR", "")

	cfg.ListenAddress = strings.TrimSpace(envStr("NEWSDRIFT_LISTEN_ADDRESS", "127.0.0.1"))
	cfg.EventsPort = envInt("NEWSDRIFT_EVENTS_PORT", 2471, &errs)

	cfg.MemoryCapMB = envInt("NEWSDRIFT_MEMORY_CAP_MB", 0, &errs)

	cfg.HeadlessBinaryPath = envStr("NEWSDRIFT_HEADLESS_BINARY", "")

	cfg.LogLevel = envInt("NEWSDRIFT_LOG_LEVEL", 1, &errs)

	cfg.FlushCheckTick = envDuration("NEWSDRIFT_FLUSH_CHECK_TICK", 5*time.Second, &errs)
	cfg.FlushDirtyThreshold = envInt("NEWSDRIFT_FLUSH_DIRTY_THRESHOLD", 1000, &errs)
	cfg.FlushInterval = envDuration("NEWSDRIFT_FLUSH_INTERVAL", 5*time.Minute, &errs)

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "newsdrift.db")
	}

	if cfg.ListenAddress == "" {
		errs = append(errs, "NEWSDRIFT_LISTEN_ADDRESS must not be empty")
	}
	validatePort("NEWSDRIFT_EVENTS_PORT", cfg.EventsPort, &errs)
	if cfg.MemoryCapMB < 0 {
		errs = append(errs, "NEWSDRIFT_MEMORY_CAP_MB must not be negative")
	}
	if cfg.LogLevel < 0 {
		errs = append(errs, "NEWSDRIFT_LOG_LEVEL must not be negative")
	}
	validatePositive("NEWSDRIFT_FLUSH_DIRTY_THRESHOLD", cfg.FlushDirtyThreshold, &errs)
	if cfg.FlushCheckTick <= 0 {
		errs = append(errs, "NEWSDRIFT_FLUSH_CHECK_TICK must be positive")
	}
	if cfg.FlushInterval <= 0 {
		errs = append(errs, "NEWSDRIFT_FLUSH_INTERVAL must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".newsdrift")
	}
	return "./newsdrift-data"
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
