package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateSharedSecret validates the gateway shared secret. Short secrets
// make the HMAC handshake brute-forceable.
func (v *Validator) ValidateSharedSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("gateway shared secret is required")
	}
	if len(secret) < 16 {
		return fmt.Errorf("gateway shared secret must be at least 16 characters, got %d", len(secret))
	}
	return nil
}

// ValidateRetryPolicy validates the backoff and budget settings
func (v *Validator) ValidateRetryPolicy(d DeliveryConfig) error {
	if d.InitialBackoffMs <= 0 {
		return fmt.Errorf("delivery.initial_backoff_ms must be positive, got %d", d.InitialBackoffMs)
	}
	if d.MaxBackoffMs < d.InitialBackoffMs {
		return fmt.Errorf("delivery.max_backoff_ms (%d) must be >= initial_backoff_ms (%d)", d.MaxBackoffMs, d.InitialBackoffMs)
	}
	if d.MaxRetries <= 0 {
		return fmt.Errorf("delivery.max_retries must be positive, got %d", d.MaxRetries)
	}
	if d.DedupWindow <= 0 {
		return fmt.Errorf("delivery.dedup_window must be positive, got %d", d.DedupWindow)
	}
	if d.FailureBuffer <= 0 {
		return fmt.Errorf("delivery.failure_buffer must be positive, got %d", d.FailureBuffer)
	}
	if d.IdleTimeoutSec <= 0 {
		return fmt.Errorf("delivery.idle_timeout_sec must be positive, got %d", d.IdleTimeoutSec)
	}
	return nil
}

// ValidateCronSpec validates a janitor schedule against the cron parser that
// will consume it.
func (v *Validator) ValidateCronSpec(spec string) error {
	if spec == "" {
		return fmt.Errorf("janitor schedule cannot be empty")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateSharedSecret(cfg.Gateway.SharedSecret); err != nil {
		errors = append(errors, err)
	}
	if cfg.Gateway.FramesPerMinute <= 0 {
		errors = append(errors, fmt.Errorf("gateway.frames_per_minute must be positive"))
	}
	if cfg.Gateway.MaxInFlight <= 0 {
		errors = append(errors, fmt.Errorf("gateway.max_in_flight must be positive"))
	}

	if err := v.ValidateRetryPolicy(cfg.Delivery); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateCronSpec(cfg.Delivery.JanitorSchedule); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	if cfg.Tracing.Enabled && cfg.Tracing.ServiceName == "" {
		errors = append(errors, fmt.Errorf("tracing.service_name is required when tracing is enabled"))
	}

	return errors
}
