package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Source supplies the normalized control server base URL
type Source interface {
	BaseURL() string
}

// Static is a Source with a fixed base URL
type Static string

// NewStatic normalizes raw once and returns it as a Source
func NewStatic(raw string) Static {
	return Static(NormalizeBaseURL(raw))
}

// BaseURL returns the normalized base URL
func (s Static) BaseURL() string {
	return string(s)
}

// Watcher keeps the loaded configuration current by reloading the file on change.
// Only the base URL is applied live; other settings need a restart.
type Watcher struct {
	loader   *Loader
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.RWMutex
	current *Config

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher seeded with an already loaded config
func NewWatcher(loader *Loader, initial *Config, logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader:   loader,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		current:  initial,
		stopChan: make(chan struct{}),
	}
}

// BaseURL returns the normalized base URL of the most recently loaded config
func (w *Watcher) BaseURL() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current.Server.BaseURL
}

// Current returns the most recently loaded config
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching the config file's directory
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	configPath := w.loader.GetConfigPath()
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	w.wg.Add(1)
	go w.loop(filepath.Clean(configPath))

	w.logger.Debug().Str("path", configPath).Msg("Config watcher started")
	return nil
}

func (w *Watcher) loop(configPath string) {
	defer w.wg.Done()

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce.Reset(w.debounce)
			}

		case <-debounce.C:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

// reload loads the file again and swaps it in; a broken file keeps the previous config
func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}
	if err := NewValidator().ValidateBaseURL(cfg.Server.BaseURL); err != nil {
		w.logger.Warn().Err(err).Msg("Reloaded config has an invalid base URL, keeping previous config")
		return
	}

	w.mu.Lock()
	previous := w.current.Server.BaseURL
	w.current = cfg
	w.mu.Unlock()

	if previous != cfg.Server.BaseURL {
		w.logger.Info().
			Str("previous", previous).
			Str("base_url", cfg.Server.BaseURL).
			Msg("Control server base URL changed")
	}
}

// Stop stops watching
func (w *Watcher) Stop() {
	select {
	case <-w.stopChan:
		return
	default:
		close(w.stopChan)
	}
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.wg.Wait()
}
