package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Wake lock configuration
	Lock LockConfig `mapstructure:"lock"`

	// Visibility source configuration
	Visibility VisibilityConfig `mapstructure:"visibility"`

	// Tracker configuration
	Tracker TrackerConfig `mapstructure:"tracker"`

	// Daemon configuration
	Daemon DaemonConfig `mapstructure:"daemon"`

	// Report configuration
	Report ReportConfig `mapstructure:"report"`

	// Web server configuration
	Web WebConfig `mapstructure:"web"`

	// Logging configuration
	Log LogConfig `mapstructure:"log"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // Path to SQLite database file
}

// LockConfig holds wake lock behavior configuration
type LockConfig struct {
	Kind        string `mapstructure:"kind"`         // Lock kind to request, "screen"
	Backend     string `mapstructure:"backend"`      // auto, portal, freedesktop, x11, none
	Reason      string `mapstructure:"reason"`       // Shown by the desktop while inhibited
	AppName     string `mapstructure:"app_name"`     // Application name sent to the session
	AutoRequest bool   `mapstructure:"auto_request"` // Request on daemon start
}

// VisibilityConfig holds visibility source configuration
type VisibilityConfig struct {
	Source       string        `mapstructure:"source"`        // auto, logind, x11, none
	PollInterval time.Duration `mapstructure:"poll_interval"` // Poll interval for polling sources
}

// TrackerConfig holds sampling behavior configuration
type TrackerConfig struct {
	SampleInterval    time.Duration `mapstructure:"sample_interval"`     // How often to sample lock state
	MinSampleInterval time.Duration `mapstructure:"min_sample_interval"` // Minimum allowed sample interval
	MaxSampleInterval time.Duration `mapstructure:"max_sample_interval"` // Maximum allowed sample interval
}

// DaemonConfig holds daemon process configuration
type DaemonConfig struct {
	PIDFile string `mapstructure:"pid_file"` // Path to PID file for daemon management
	LogFile string `mapstructure:"log_file"` // Path to the detached daemon's log
}

// ReportConfig holds report generation configuration
type ReportConfig struct {
	TimeZone string `mapstructure:"time_zone"`
}

// WebConfig holds web server configuration
type WebConfig struct {
	Host string `mapstructure:"host"` // Host to bind web server to
	Port int    `mapstructure:"port"` // Port for web server
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // console or json
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "", // Empty means use default ~/.config/keepawake/keepawake.db
		},
		Lock: LockConfig{
			Kind:        "screen",
			Backend:     "auto",
			Reason:      "Keeping the display awake",
			AppName:     "keepawake",
			AutoRequest: true,
		},
		Visibility: VisibilityConfig{
			Source:       "auto",
			PollInterval: 2 * time.Second,
		},
		Tracker: TrackerConfig{
			SampleInterval:    10 * time.Second,  // 10 seconds default
			MinSampleInterval: 10 * time.Second,  // Minimum 10 seconds
			MaxSampleInterval: 300 * time.Second, // Maximum allowed sample interval
		},
		Daemon: DaemonConfig{
			PIDFile: fmt.Sprintf("/tmp/keepawake-%d.pid", os.Getuid()),
			LogFile: fmt.Sprintf("/tmp/keepawake-%d.log", os.Getuid()),
		},
		Report: ReportConfig{
			TimeZone: "Local",
		},
		Web: WebConfig{
			Host: "localhost",
			Port: 10000 + os.Getuid(), // Default port based on user ID
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxAgeDays: 14,
		},
	}
}

var (
	validBackends = map[string]bool{"auto": true, "portal": true, "freedesktop": true, "x11": true, "none": true}
	validSources  = map[string]bool{"auto": true, "logind": true, "x11": true, "none": true}
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate tracker intervals
	if c.Tracker.SampleInterval < c.Tracker.MinSampleInterval {
		return fmt.Errorf("sample interval (%v) cannot be less than minimum (%v)",
			c.Tracker.SampleInterval, c.Tracker.MinSampleInterval)
	}

	if c.Tracker.SampleInterval > c.Tracker.MaxSampleInterval {
		return fmt.Errorf("sample interval (%v) cannot be greater than maximum (%v)",
			c.Tracker.SampleInterval, c.Tracker.MaxSampleInterval)
	}

	// Validate lock config
	if c.Lock.Kind == "" {
		return fmt.Errorf("lock kind cannot be empty")
	}

	if !validBackends[c.Lock.Backend] {
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}

	if !validSources[c.Visibility.Source] {
		return fmt.Errorf("unknown visibility source %q", c.Visibility.Source)
	}

	if c.Visibility.PollInterval <= 0 {
		return fmt.Errorf("visibility poll interval must be positive")
	}

	if _, err := time.LoadLocation(c.Report.TimeZone); err != nil {
		return fmt.Errorf("invalid report time zone %q: %w", c.Report.TimeZone, err)
	}

	// Validate web config
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web port must be between 1 and 65535, got %d", c.Web.Port)
	}

	if c.Web.Host == "" {
		return fmt.Errorf("web host cannot be empty")
	}

	// Validate daemon config
	if c.Daemon.PIDFile == "" {
		return fmt.Errorf("PID file path cannot be empty")
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be console or json, got %q", c.Log.Format)
	}

	return nil
}

// SetSampleInterval sets the sample interval with validation
func (c *Config) SetSampleInterval(interval time.Duration) error {
	if interval < c.Tracker.MinSampleInterval {
		return fmt.Errorf("sample interval cannot be less than %v", c.Tracker.MinSampleInterval)
	}
	if interval > c.Tracker.MaxSampleInterval {
		return fmt.Errorf("sample interval cannot be greater than %v", c.Tracker.MaxSampleInterval)
	}
	c.Tracker.SampleInterval = interval
	return nil
}

// SetWebPort sets the web server port with validation
func (c *Config) SetWebPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	c.Web.Port = port
	return nil
}

// GetSampleIntervalSeconds returns the sample interval in seconds
func (c *Config) GetSampleIntervalSeconds() int64 {
	return int64(c.Tracker.SampleInterval.Seconds())
}

// Location returns the report time zone, falling back to local time
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Report.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(`Configuration:
  Database:
    Path: %s
  Lock:
    Kind: %s
    Backend: %s
    Auto Request: %v
  Visibility:
    Source: %s
    Poll Interval: %v
  Tracker:
    Sample Interval: %v
    Min Interval: %v
    Max Interval: %v
  Daemon:
    PID File: %s
    Log File: %s
  Report:
    Time Zone: %s
  Web:
    Host: %s
    Port: %d`,
		c.Database.Path,
		c.Lock.Kind,
		c.Lock.Backend,
		c.Lock.AutoRequest,
		c.Visibility.Source,
		c.Visibility.PollInterval,
		c.Tracker.SampleInterval,
		c.Tracker.MinSampleInterval,
		c.Tracker.MaxSampleInterval,
		c.Daemon.PIDFile,
		c.Daemon.LogFile,
		c.Report.TimeZone,
		c.Web.Host,
		c.Web.Port,
	)
}
