package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main relia configuration
type Config struct {
	// Gateway server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Delivery tuning
	Delivery DeliveryConfig `json:"delivery" mapstructure:"delivery"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port            int    `json:"port" mapstructure:"port"`
	Host            string `json:"host" mapstructure:"host"`
	SharedSecret    string `json:"shared_secret" mapstructure:"shared_secret"`
	FramesPerMinute int    `json:"frames_per_minute" mapstructure:"frames_per_minute"`
	MaxInFlight     int    `json:"max_in_flight" mapstructure:"max_in_flight"`
}

// DeliveryConfig holds retry, dedup, and session lifecycle tuning
type DeliveryConfig struct {
	InitialBackoffMs int    `json:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int    `json:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	MaxRetries       int    `json:"max_retries" mapstructure:"max_retries"`
	DedupWindow      int    `json:"dedup_window" mapstructure:"dedup_window"`
	FailureBuffer    int    `json:"failure_buffer" mapstructure:"failure_buffer"`
	IdleTimeoutSec   int    `json:"idle_timeout_sec" mapstructure:"idle_timeout_sec"`
	JanitorSchedule  string `json:"janitor_schedule" mapstructure:"janitor_schedule"`
}

// InitialBackoff returns the initial retry backoff as a duration
func (d DeliveryConfig) InitialBackoff() time.Duration {
	return time.Duration(d.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the backoff cap as a duration
func (d DeliveryConfig) MaxBackoff() time.Duration {
	return time.Duration(d.MaxBackoffMs) * time.Millisecond
}

// IdleTimeout returns the session idle timeout as a duration
func (d DeliveryConfig) IdleTimeout() time.Duration {
	return time.Duration(d.IdleTimeoutSec) * time.Second
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			SharedSecret:    "",
			FramesPerMinute: 600,
			MaxInFlight:     32,
		},
		Delivery: DeliveryConfig{
			InitialBackoffMs: 1000,
			MaxBackoffMs:     30000,
			MaxRetries:       5,
			DedupWindow:      1000,
			FailureBuffer:    128,
			IdleTimeoutSec:   300,
			JanitorSchedule:  "@every 1m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "relia",
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errs[0])
	}
	return nil
}
