package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. KEEPAWAKE_WEB_PORT
const EnvPrefix = "KEEPAWAKE"

// ConfigEnv names an explicit config file
const ConfigEnv = EnvPrefix + "_CONFIG"

// Load reads configuration from defaults, an optional TOML file and the
// environment, in increasing priority. An empty path searches
// $XDG_CONFIG_HOME/keepawake/config.toml and the working directory; a
// missing file there is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		if dir, err := configDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// New loads the configuration named by KEEPAWAKE_CONFIG, falling back to
// defaults when it cannot be read or is invalid
func New() *Config {
	cfg, err := Load(os.Getenv(ConfigEnv))
	if err != nil {
		return Default()
	}
	return cfg
}

func configDir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "keepawake"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "keepawake"), nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("lock.kind", d.Lock.Kind)
	v.SetDefault("lock.backend", d.Lock.Backend)
	v.SetDefault("lock.reason", d.Lock.Reason)
	v.SetDefault("lock.app_name", d.Lock.AppName)
	v.SetDefault("lock.auto_request", d.Lock.AutoRequest)

	v.SetDefault("visibility.source", d.Visibility.Source)
	v.SetDefault("visibility.poll_interval", d.Visibility.PollInterval)

	v.SetDefault("tracker.sample_interval", d.Tracker.SampleInterval)
	v.SetDefault("tracker.min_sample_interval", d.Tracker.MinSampleInterval)
	v.SetDefault("tracker.max_sample_interval", d.Tracker.MaxSampleInterval)

	v.SetDefault("daemon.pid_file", d.Daemon.PIDFile)
	v.SetDefault("daemon.log_file", d.Daemon.LogFile)

	v.SetDefault("report.time_zone", d.Report.TimeZone)

	v.SetDefault("web.host", d.Web.Host)
	v.SetDefault("web.port", d.Web.Port)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}
