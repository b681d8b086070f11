package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "relia.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.Gateway.SharedSecret = "a-long-enough-secret"
	require.NoError(t, loader.Save(cfg))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(loader, zerolog.Nop(), func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Stop()

	cfg.Gateway.Port = 9999
	require.NoError(t, loader.Save(cfg))

	select {
	case c := <-reloaded:
		assert.Equal(t, 9999, c.Gateway.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("expected a config reload")
	}
}

func TestWatcher_RejectsInvalidReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "relia.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.Gateway.SharedSecret = "a-long-enough-secret"
	require.NoError(t, loader.Save(cfg))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(loader, zerolog.Nop(), func(c *Config) {
		reloaded <- c
	})
	require.NoError(t, err)
	defer w.Stop()

	// An invalid config must not reach the listener.
	require.NoError(t, os.WriteFile(configPath, []byte(`{"gateway":{"port":0}}`), 0644))

	select {
	case <-reloaded:
		t.Fatal("invalid config should not trigger a reload")
	case <-time.After(1200 * time.Millisecond):
	}
}
