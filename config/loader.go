package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader loads configuration with layered precedence: built-in
// defaults, then an optional file, validated at the end. It can also
// watch that file and republish validated configs as it changes.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load reads defaults and, if path is non-empty, merges in the file
// at path. An empty path is not an error: the dispatcher can run on
// defaults alone. Environment variable overrides (ZOO_*) are not yet
// implemented.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
		cfg = fileCfg
		l.logger.Debug("loaded config file", "path", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads and parses a single yaml config file over
// DefaultConfig, so keys the file omits keep their default values. It
// does not validate the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// Watch watches path for changes and sends newly validated configs on
// the returned channel. It never sends a config that fails Validate;
// malformed or invalid edits are logged and skipped so a typo in the
// file being edited live does not take the dispatcher down. The
// channel is closed when ctx is canceled.
func (l *Loader) Watch(ctx context.Context, path string) (<-chan *Config, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	out := make(chan *Config, 1)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadFromFile(path)
				if err != nil {
					l.logger.Warn("config reload: read failed", "path", path, "error", err)
					continue
				}
				if err := cfg.Validate(); err != nil {
					l.logger.Warn("config reload: invalid, keeping previous config", "path", path, "error", err)
					continue
				}
				select {
				case out <- cfg:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config watch error", "error", err)
			}
		}
	}()

	return out, nil
}
