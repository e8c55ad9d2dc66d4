package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"proctord/internal/audio"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is reports ErrInvalidConfig for any non-empty set.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && len(e) > 0
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateFace(&c.Face)...)
	errs = append(errs, validateAudio(&c.Audio)...)
	errs = append(errs, validateFullscreen(&c.Fullscreen)...)
	errs = append(errs, validateDevTools(&c.DevTools)...)
	errs = append(errs, validateDisplay(&c.Display)...)

	if len(errs) == 0 {
		// Field checks passed; let the session layer check the combination.
		if _, err := c.toSession(); err != nil {
			errs = append(errs, ValidationError{Field: "session", Message: err.Error()})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Addr == "" {
		errs = append(errs, *RequiredFieldError("server.addr"))
	} else if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.addr",
			Message: fmt.Sprintf("invalid listen address: %v", err),
		})
	}

	if s.MaxMessageBytes < 1024 {
		errs = append(errs, ValidationError{
			Field:   "server.max_message_bytes",
			Message: "max message size must be at least 1024 bytes",
		})
	}
	if s.WriteTimeoutSec < 1 {
		errs = append(errs, *RangeError("server.write_timeout_sec", 1, "inf"))
	}
	if s.PingIntervalSec < 1 {
		errs = append(errs, *RangeError("server.ping_interval_sec", 1, "inf"))
	}
	if s.SendBuffer < 1 {
		errs = append(errs, *RangeError("server.send_buffer", 1, "inf"))
	}
	if s.ShutdownTimeoutSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.shutdown_timeout_sec",
			Message: "shutdown timeout cannot be negative",
		})
	}
	if s.FrameRate < 0 {
		errs = append(errs, *RangeError("server.frame_rate", 0, "inf"))
	}
	if s.FrameRate > 0 && s.FrameBurst < 1 {
		errs = append(errs, *RangeError("server.frame_burst", 1, "inf"))
	}
	if s.MaxConnections < 0 {
		errs = append(errs, *RangeError("server.max_connections", 0, "inf"))
	}
	if s.MaxConnectionsPerAddr < 0 {
		errs = append(errs, *RangeError("server.max_connections_per_addr", 0, "inf"))
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Enabled && s.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.path",
			Message: "path is required when storage is enabled",
		})
	}
	if s.RetentionDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.retention_days",
			Message: "retention cannot be negative",
		})
	}
	if s.JournalBuffer < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.journal_buffer",
			Message: "journal buffer cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file' or 'both'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

func validateFace(f *FaceConfig) ValidationErrors {
	var errs ValidationErrors
	if !f.Enabled {
		return errs
	}

	if f.IntervalMs < 50 {
		errs = append(errs, *RangeError("face.interval_ms", 50, "inf"))
	}
	if f.AbsenceSustainMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "face.absence_sustain_ms",
			Message: "absence sustain cannot be negative",
		})
	}
	if f.TurnThreshold <= 0 || f.TurnThreshold >= 1 {
		errs = append(errs, *RangeError("face.turn_threshold", 0, 1))
	}
	if f.CooldownMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "face.cooldown_ms",
			Message: "cooldown cannot be negative",
		})
	}
	if f.WarningLimit < 0 {
		errs = append(errs, ValidationError{
			Field:   "face.warning_limit",
			Message: "warning limit cannot be negative",
		})
	}
	if f.WarningLimit > 0 && f.PopupLimit < 1 {
		errs = append(errs, ValidationError{
			Field:   "face.popup_limit",
			Message: "popup limit must be at least 1 when a warning limit is set",
		})
	}

	return errs
}

func validateAudio(a *AudioConfig) ValidationErrors {
	var errs ValidationErrors
	if !a.Enabled {
		return errs
	}

	if a.Preset != "" {
		if _, err := audio.Preset(a.Preset); err != nil {
			errs = append(errs, ValidationError{
				Field:   "audio.preset",
				Message: fmt.Sprintf("unknown preset %q (valid: %s)", a.Preset, strings.Join(audio.Presets(), ", ")),
			})
		}
	} else {
		switch audio.Mode(a.Mode) {
		case audio.ModePopup, audio.ModeTerminate:
		default:
			errs = append(errs, ValidationError{
				Field:   "audio.mode",
				Message: fmt.Sprintf("invalid mode: %s (valid: popup, terminate)", a.Mode),
			})
		}
		if a.CooldownMs < 0 {
			errs = append(errs, ValidationError{
				Field:   "audio.cooldown_ms",
				Message: "cooldown cannot be negative",
			})
		}
	}

	if a.BufferSize < 32 || a.BufferSize > 32768 {
		errs = append(errs, *RangeError("audio.buffer_size", 32, 32768))
	}
	if a.FrameIntervalMs < 1 {
		errs = append(errs, *RangeError("audio.frame_interval_ms", 1, "inf"))
	}

	return errs
}

func validateFullscreen(f *FullscreenConfig) ValidationErrors {
	var errs ValidationErrors
	if f.Enabled && f.MaxExits < 1 {
		errs = append(errs, *RangeError("fullscreen.max_exits", 1, "inf"))
	}
	return errs
}

func validateDevTools(d *DevToolsConfig) ValidationErrors {
	var errs ValidationErrors
	if !d.Enabled {
		return errs
	}
	if d.Gap < 1 {
		errs = append(errs, *RangeError("devtools.gap", 1, "inf"))
	}
	if d.IntervalMs < 100 {
		errs = append(errs, *RangeError("devtools.interval_ms", 100, "inf"))
	}
	return errs
}

func validateDisplay(d *DisplayConfig) ValidationErrors {
	var errs ValidationErrors
	if !d.Enabled {
		return errs
	}
	if d.IntervalMs < 100 {
		errs = append(errs, *RangeError("display.interval_ms", 100, "inf"))
	}
	if d.MinConfidence < 0 || d.MinConfidence > 1 {
		errs = append(errs, *RangeError("display.min_confidence", 0, 1))
	}
	if d.RetryDelayMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "display.retry_delay_ms",
			Message: "retry delay cannot be negative",
		})
	}
	if d.MaxFailures < 1 {
		errs = append(errs, *RangeError("display.max_failures", 1, "inf"))
	}
	return errs
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	warningFields := []string{
		"storage.retention_days",
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
