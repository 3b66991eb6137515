// Package config loads xpool's configuration via Viper, layering system,
// user, and project TOML files under environment variable overrides, the
// same precedence discipline the rest of the codebase uses for its own
// configuration.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/xpool/internal/errors"
)

// DomainPacing configures the aggregate per-queue pacing limiter for one
// remote domain.
type DomainPacing struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// Config is xpool's top-level configuration.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Debug        DebugConfig        `mapstructure:"debug"`
	Pool         PoolConfig         `mapstructure:"pool"`
	RateLimitLog RateLimitLogConfig `mapstructure:"rate_limit_log"`
}

// DatabaseConfig points at the Account Store's backing file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// HTTPConfig configures the outbound transport and aggregate pacing.
type HTTPConfig struct {
	TimeoutSeconds    int                     `mapstructure:"timeout_seconds"`
	ProxyURL          string                  `mapstructure:"proxy_url"`
	DefaultPerMinute  int                     `mapstructure:"default_requests_per_minute"`
	DefaultBurst      int                     `mapstructure:"default_burst"`
	QueuePacing       map[string]DomainPacing `mapstructure:"queue_pacing"`
}

// DebugConfig controls response-dumping for troubleshooting misclassified
// responses.
type DebugConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DumpDir string `mapstructure:"dump_dir"`
}

// PoolConfig controls Lock Manager behavior. Mirrors the original
// AccountsPool's raise_when_no_account constructor flag: when true,
// GetForQueueOrWait fails fast instead of blocking when nothing is ready.
type PoolConfig struct {
	RaiseWhenNoAccount bool `mapstructure:"raise_when_no_account"`
}

// RateLimitLogConfig controls the optional per-day JSONL event stream the
// Classifier appends rate-limit, ban, and unknown-error events to.
type RateLimitLogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	LogDir  string `mapstructure:"log_dir"`
}

var (
	globalConfig  *Config
	viperInstance *viper.Viper
)

// Load reads configuration from system, user, and project TOML files plus
// XPOOL_-prefixed environment variables, caching the result.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	globalConfig = &cfg
	return globalConfig, nil
}

// LoadFromFile loads configuration from exactly one TOML file, ignoring the
// system/user/project search path. Used by tests and the CLI's --config
// flag.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "unmarshal config from %s", path)
	}
	return &cfg, nil
}

// Reset clears the cached configuration. Tests call this between cases.
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix("XPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "xpool.db")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.default_requests_per_minute", 60)
	v.SetDefault("http.default_burst", 10)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.dump_dir", filepath.Join(os.TempDir(), "xpool-dumps"))
	v.SetDefault("pool.raise_when_no_account", false)

	homeDir, _ := os.UserHomeDir()
	v.SetDefault("rate_limit_log.enabled", false)
	v.SetDefault("rate_limit_log.log_dir", filepath.Join(homeDir, ".xpool", "rate_limit_logs"))
}

// mergeConfigFiles layers config files lowest-to-highest precedence:
// system, user, project (found by walking up from the working directory).
// Env vars, applied automatically by Viper, win over all of them.
func mergeConfigFiles(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()
	userDir := filepath.Join(homeDir, ".xpool")
	_ = os.MkdirAll(userDir, 0o755)

	paths := []string{
		"/etc/xpool/config.toml",
		filepath.Join(userDir, "config.toml"),
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		v.SetConfigFile(p)
		v.SetConfigType("toml")
		_ = v.MergeInConfig()
	}
}

func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, "xpool.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
