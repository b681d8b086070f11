package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePort(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidatePort(8080))
	assert.Error(t, v.ValidatePort(0))
	assert.Error(t, v.ValidatePort(-1))
	assert.Error(t, v.ValidatePort(70000))
}

func TestValidateSharedSecret(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSharedSecret("a-long-enough-secret"))
	assert.Error(t, v.ValidateSharedSecret(""))
	assert.Error(t, v.ValidateSharedSecret("short"))
}

func TestValidateRetryPolicy(t *testing.T) {
	v := NewValidator()

	valid := DefaultConfig().Delivery
	assert.NoError(t, v.ValidateRetryPolicy(valid))

	t.Run("rejects zero initial backoff", func(t *testing.T) {
		d := valid
		d.InitialBackoffMs = 0
		assert.Error(t, v.ValidateRetryPolicy(d))
	})

	t.Run("rejects cap below initial", func(t *testing.T) {
		d := valid
		d.MaxBackoffMs = d.InitialBackoffMs - 1
		assert.Error(t, v.ValidateRetryPolicy(d))
	})

	t.Run("rejects zero retries", func(t *testing.T) {
		d := valid
		d.MaxRetries = 0
		assert.Error(t, v.ValidateRetryPolicy(d))
	})

	t.Run("rejects zero dedup window", func(t *testing.T) {
		d := valid
		d.DedupWindow = 0
		assert.Error(t, v.ValidateRetryPolicy(d))
	})
}

func TestValidateCronSpec(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateCronSpec("@every 1m"))
	assert.NoError(t, v.ValidateCronSpec("*/5 * * * *"))
	assert.Error(t, v.ValidateCronSpec(""))
	assert.Error(t, v.ValidateCronSpec("not a cron spec"))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
	assert.Error(t, v.ValidateLogLevel(""))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("collects every violation", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Gateway.Port = 0
		cfg.Logging.Level = "verbose"

		errs := v.ValidateConfig(cfg)
		assert.GreaterOrEqual(t, len(errs), 3) // port, secret, log level
	})

	t.Run("valid config has no violations", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Gateway.SharedSecret = "a-long-enough-secret"
		assert.Empty(t, v.ValidateConfig(cfg))
	})
}
