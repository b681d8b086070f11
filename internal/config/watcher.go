package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher watches the config file and reloads it on change. Only hot-safe
// tunables should be consumed from a reload; listeners get the whole config
// and pick what they can apply without a restart.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onReload func(cfg *Config)
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}
}

// NewWatcher creates a config watcher and starts watching the config file's
// directory. Watching the directory instead of the file survives editors
// that replace the file on save.
func NewWatcher(loader *Loader, logger zerolog.Logger, onReload func(cfg *Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		loader:   loader,
		watcher:  fsWatcher,
		logger:   logger,
		onReload: onReload,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	if err := fsWatcher.Add(filepath.Dir(loader.GetConfigPath())); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}

	go w.run()

	return w, nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

// run processes file system events
func (w *Watcher) run() {
	configPath := w.loader.GetConfigPath()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != filepath.Clean(configPath) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Config change detected")

				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// scheduleReload debounces the reload so editors writing in chunks trigger
// one reload, not several.
func (w *Watcher) scheduleReload() {
	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(w.debounce, func() {
		cfg, err := w.loader.Load()
		if err != nil {
			w.logger.Error().Err(err).Msg("Config reload failed, keeping previous config")
			return
		}
		if errs := NewValidator().ValidateConfig(cfg); len(errs) > 0 {
			w.logger.Error().Err(errs[0]).Msg("Reloaded config is invalid, keeping previous config")
			return
		}

		w.logger.Info().Msg("Config reloaded")
		w.onReload(cfg)
	})
}
