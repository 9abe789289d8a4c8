package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads additional rule modules from a directory.
type Loader struct {
	dir    string
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a loader for the .rego files below dir.
func NewLoader(dir string, logger zerolog.Logger) *Loader {
	return &Loader{
		dir:    dir,
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// Load returns every .rego file below the directory, keyed by its path
// relative to the directory.
func (l *Loader) Load() (map[string]string, error) {
	modules := make(map[string]string)

	err := filepath.WalkDir(l.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		rel, err := filepath.Rel(l.dir, path)
		if err != nil {
			rel = path
		}
		modules[rel] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load policies from %s: %w", l.dir, err)
	}

	l.logger.Debug().Str("dir", l.dir).Int("modules", len(modules)).Msg("Policies loaded")
	return modules, nil
}

// LoadInto loads the directory and applies it to e.
func (l *Loader) LoadInto(ctx context.Context, e *Engine) error {
	modules, err := l.Load()
	if err != nil {
		return err
	}
	return e.SetModules(ctx, modules)
}

// Watch reloads e whenever a .rego file below the directory changes,
// until ctx is done. Bursts of events are coalesced.
func (l *Loader) Watch(ctx context.Context, e *Engine) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	err = filepath.WalkDir(l.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, e)

	l.logger.Info().Str("dir", l.dir).Msg("Watching policy directory")
	return nil
}

const reloadDelay = 200 * time.Millisecond

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, e *Engine) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if err := l.LoadInto(ctx, e); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies, keeping previous rules")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
