// Package config handles configuration loading, validation, and management for proctord.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"proctord/internal/limit"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Server configuration for the WebSocket and HTTP endpoints.
	Server ServerConfig `toml:"server" json:"server" yaml:"server" envPrefix:"SERVER_"`

	// Storage configuration for the audit journal.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage" envPrefix:"STORAGE_"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging" envPrefix:"LOG_"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`

	// Face configures the camera sampler and the face group escalation.
	Face FaceConfig `toml:"face" json:"face" yaml:"face" envPrefix:"FACE_"`

	// Audio configures the microphone sampler and the noise policy.
	Audio AudioConfig `toml:"audio" json:"audio" yaml:"audio" envPrefix:"AUDIO_"`

	Focus      FocusConfig      `toml:"focus" json:"focus" yaml:"focus" envPrefix:"FOCUS_"`
	Keyboard   KeyboardConfig   `toml:"keyboard" json:"keyboard" yaml:"keyboard" envPrefix:"KEYBOARD_"`
	Fullscreen FullscreenConfig `toml:"fullscreen" json:"fullscreen" yaml:"fullscreen" envPrefix:"FULLSCREEN_"`
	DevTools   DevToolsConfig   `toml:"devtools" json:"devtools" yaml:"devtools" envPrefix:"DEVTOOLS_"`
	Display    DisplayConfig    `toml:"display" json:"display" yaml:"display" envPrefix:"DISPLAY_"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// ServerConfig holds transport configuration.
type ServerConfig struct {
	// Addr is the listen address of the HTTP server.
	Addr string `toml:"addr" json:"addr" yaml:"addr" env:"ADDR"`

	// AllowedOrigins restricts WebSocket upgrades. Empty allows any origin.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`

	// MaxMessageBytes is the largest inbound WebSocket frame accepted.
	MaxMessageBytes int64 `toml:"max_message_bytes" json:"max_message_bytes" yaml:"max_message_bytes"`

	// WriteTimeoutSec bounds each outbound frame write.
	WriteTimeoutSec int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`

	// PingIntervalSec is the keepalive ping period.
	PingIntervalSec int `toml:"ping_interval_sec" json:"ping_interval_sec" yaml:"ping_interval_sec"`

	// SendBuffer is the number of outbound messages queued per connection.
	SendBuffer int `toml:"send_buffer" json:"send_buffer" yaml:"send_buffer"`

	// ShutdownTimeoutSec bounds graceful shutdown.
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`

	// FrameRate is the sustained inbound media frames per second allowed
	// per connection, FrameBurst the bucket size. Zero rate disables the
	// limit.
	FrameRate  float64 `toml:"frame_rate" json:"frame_rate" yaml:"frame_rate" env:"FRAME_RATE"`
	FrameBurst int     `toml:"frame_burst" json:"frame_burst" yaml:"frame_burst"`

	// MaxConnections caps open WebSocket connections, overall and per
	// remote address. Zero is unlimited.
	MaxConnections        int `toml:"max_connections" json:"max_connections" yaml:"max_connections" env:"MAX_CONNECTIONS"`
	MaxConnectionsPerAddr int `toml:"max_connections_per_addr" json:"max_connections_per_addr" yaml:"max_connections_per_addr"`
}

// StorageConfig holds audit journal configuration.
type StorageConfig struct {
	// Enabled turns the audit journal on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`

	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path" env:"PATH"`

	// RetentionDays prunes ended sessions older than this. Zero keeps everything.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days" env:"RETENTION_DAYS"`

	// JournalBuffer is the number of audit events queued before dropping.
	JournalBuffer int `toml:"journal_buffer" json:"journal_buffer" yaml:"journal_buffer"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level" env:"LEVEL"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format" env:"FORMAT"`

	// Output is the log destination: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output" env:"OUTPUT"`

	// FilePath is the path to the log file (when output is "file" or "both").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path" env:"FILE"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
	Path    string `toml:"path" json:"path" yaml:"path"`
}

// FaceConfig configures face detection and the face group.
type FaceConfig struct {
	Enabled          bool    `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
	IntervalMs       int     `toml:"interval_ms" json:"interval_ms" yaml:"interval_ms"`
	AbsenceSustainMs int     `toml:"absence_sustain_ms" json:"absence_sustain_ms" yaml:"absence_sustain_ms"`
	TurnThreshold    float64 `toml:"turn_threshold" json:"turn_threshold" yaml:"turn_threshold"`

	// CooldownMs is the minimum time between toasts of one category.
	CooldownMs int `toml:"cooldown_ms" json:"cooldown_ms" yaml:"cooldown_ms"`

	// WarningLimit opens a popup. Zero is warn-only.
	WarningLimit int `toml:"warning_limit" json:"warning_limit" yaml:"warning_limit" env:"WARNING_LIMIT"`

	// PopupLimit is the number of popups before termination.
	PopupLimit int `toml:"popup_limit" json:"popup_limit" yaml:"popup_limit" env:"POPUP_LIMIT"`
}

// AudioConfig configures noise detection.
type AudioConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`

	// Preset selects a named policy ("default", "voice", "monitor"). When set
	// it replaces the policy fields below.
	Preset string `toml:"preset" json:"preset" yaml:"preset" env:"PRESET"`

	Threshold    float64 `toml:"threshold" json:"threshold" yaml:"threshold" env:"THRESHOLD"`
	Decibels     bool    `toml:"decibels" json:"decibels" yaml:"decibels"`
	CooldownMs   int     `toml:"cooldown_ms" json:"cooldown_ms" yaml:"cooldown_ms"`
	WarningLimit int     `toml:"warning_limit" json:"warning_limit" yaml:"warning_limit"`
	PopupLimit   int     `toml:"popup_limit" json:"popup_limit" yaml:"popup_limit"`

	// Mode is "popup" or "terminate".
	Mode string `toml:"mode" json:"mode" yaml:"mode" env:"MODE"`

	BufferSize      int `toml:"buffer_size" json:"buffer_size" yaml:"buffer_size"`
	FrameIntervalMs int `toml:"frame_interval_ms" json:"frame_interval_ms" yaml:"frame_interval_ms"`
}

// FocusConfig configures focus-loss detection.
type FocusConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`

	// Terminates makes a focus loss end the session at once.
	Terminates bool `toml:"terminates" json:"terminates" yaml:"terminates" env:"TERMINATES"`
}

// KeyboardConfig configures shortcut blocking.
type KeyboardConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
}

// FullscreenConfig configures the fullscreen guard.
type FullscreenConfig struct {
	Enabled  bool `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
	MaxExits int  `toml:"max_exits" json:"max_exits" yaml:"max_exits" env:"MAX_EXITS"`
}

// DevToolsConfig configures the developer tools heuristic.
type DevToolsConfig struct {
	Enabled    bool `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
	Gap        int  `toml:"gap" json:"gap" yaml:"gap"`
	IntervalMs int  `toml:"interval_ms" json:"interval_ms" yaml:"interval_ms"`
}

// DisplayConfig configures external display detection.
type DisplayConfig struct {
	Enabled       bool    `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
	IntervalMs    int     `toml:"interval_ms" json:"interval_ms" yaml:"interval_ms"`
	MinConfidence float64 `toml:"min_confidence" json:"min_confidence" yaml:"min_confidence" env:"MIN_CONFIDENCE"`
	RetryDelayMs  int     `toml:"retry_delay_ms" json:"retry_delay_ms" yaml:"retry_delay_ms"`
	MaxFailures   int     `toml:"max_failures" json:"max_failures" yaml:"max_failures"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := ProctordDir()

	return &Config{
		Version: Version,
		Server: ServerConfig{
			Addr:               "127.0.0.1:8740",
			AllowedOrigins:     []string{},
			MaxMessageBytes:    1 << 20,
			WriteTimeoutSec:    10,
			PingIntervalSec:    30,
			SendBuffer:         64,
			ShutdownTimeoutSec: 10,
			FrameRate:          limit.DefaultFrameRate,
			FrameBurst:         limit.DefaultFrameBurst,
		},
		Storage: StorageConfig{
			Enabled:       true,
			Path:          filepath.Join(dir, "audit.db"),
			RetentionDays: 90,
			JournalBuffer: 1024,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "proctord.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Face: FaceConfig{
			Enabled:          true,
			IntervalMs:       1000,
			AbsenceSustainMs: 2000,
			TurnThreshold:    0.15,
			CooldownMs:       2000,
			WarningLimit:     10,
			PopupLimit:       3,
		},
		Audio: AudioConfig{
			Enabled:         true,
			Threshold:       0.1,
			CooldownMs:      2000,
			WarningLimit:    5,
			PopupLimit:      3,
			Mode:            "popup",
			BufferSize:      1024,
			FrameIntervalMs: 16,
		},
		Focus:    FocusConfig{Enabled: true},
		Keyboard: KeyboardConfig{Enabled: true},
		Fullscreen: FullscreenConfig{
			Enabled:  true,
			MaxExits: 3,
		},
		DevTools: DevToolsConfig{
			Enabled:    true,
			Gap:        160,
			IntervalMs: 1000,
		},
		Display: DisplayConfig{
			Enabled:       true,
			IntervalMs:    5000,
			MinConfidence: 0.5,
			RetryDelayMs:  500,
			MaxFailures:   3,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ProctordDir(), "config.toml")
}

// ProctordDir returns the base proctord directory.
// PROCTORD_DATA_DIR overrides the platform default.
func ProctordDir() string {
	if envDir := os.Getenv("PROCTORD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{}
	if c.Storage.Enabled {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:    c.Version,
		Server:     c.Server,
		Storage:    c.Storage,
		Logging:    c.Logging,
		Metrics:    c.Metrics,
		Face:       c.Face,
		Audio:      c.Audio,
		Focus:      c.Focus,
		Keyboard:   c.Keyboard,
		Fullscreen: c.Fullscreen,
		DevTools:   c.DevTools,
		Display:    c.Display,
	}
	clone.Server.AllowedOrigins = append([]string{}, c.Server.AllowedOrigins...)
	return clone
}

// Encode writes the configuration as TOML.
func (c *Config) Encode() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := toml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode TOML: %w", err)
	}
	return string(data), nil
}
