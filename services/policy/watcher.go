package policy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Audit event types for policy configuration changes
const (
	EventConfigWarning      = "policy_config_warning"
	EventConfigReloaded     = "policy_config_reloaded"
	EventConfigReloadFailed = "policy_config_reload_failed"
)

// Reloader rebuilds the engine's registry when the policy file, or any file
// it references, changes on disk. A failed rebuild keeps the previous
// registry in place.
type Reloader struct {
	engine    *Engine
	path      string
	factories map[string]Factory
	logger    *zap.Logger
	debounce  time.Duration
	refKeys   []string

	mu      sync.Mutex
	timer   *time.Timer
	watched map[string]struct{}
	fsw     *fsnotify.Watcher
	dirs    map[string]struct{}

	// OnReload is called after every reload attempt
	OnReload func(warnings []string, err error)
}

// NewReloader creates a reloader for the policy file at path
func NewReloader(engine *Engine, path string, factories map[string]Factory, debounce time.Duration, logger *zap.Logger) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &Reloader{
		engine:    engine,
		path:      path,
		factories: factories,
		logger:    logger,
		debounce:  debounce,
		refKeys:   []string{"watch_list"},
		watched:   make(map[string]struct{}),
		dirs:      make(map[string]struct{}),
	}
}

// Reload rebuilds the registry from disk and swaps it into the engine
func (r *Reloader) Reload() ([]string, error) {
	cfg, err := LoadFile(r.path)
	if err != nil {
		return nil, err
	}
	registry, warnings, err := BuildRegistry(cfg, r.factories, r.logger)
	if err != nil {
		return warnings, err
	}
	r.engine.SetRegistry(registry)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.watched = make(map[string]struct{})
	r.track(append([]string{r.path}, cfg.ReferencedFiles(r.refKeys...)...))
	return warnings, nil
}

// track marks files as relevant and, while watching, adds any directory not
// yet watched. Callers hold r.mu.
func (r *Reloader) track(files []string) {
	for _, f := range files {
		clean := cleanPath(f)
		r.watched[clean] = struct{}{}

		dir := filepath.Dir(clean)
		if _, ok := r.dirs[dir]; ok || r.fsw == nil {
			continue
		}
		if err := r.fsw.Add(dir); err != nil {
			r.logger.Warn("failed to watch policy directory",
				zap.String("dir", dir),
				zap.Error(err))
			continue
		}
		r.dirs[dir] = struct{}{}
	}
}

// WatchedDirs returns the directories currently under watch
func (r *Reloader) WatchedDirs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	dirs := make([]string, 0, len(r.dirs))
	for dir := range r.dirs {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// Watch blocks until ctx is cancelled, reloading on relevant file events
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	cfg, err := LoadFile(r.path)
	if err != nil {
		return err
	}

	files := append([]string{r.path}, cfg.ReferencedFiles(r.refKeys...)...)

	defer func() {
		r.mu.Lock()
		r.fsw = nil
		r.dirs = make(map[string]struct{})
		r.mu.Unlock()
	}()

	// Watch directories so editors that replace files are still seen
	r.mu.Lock()
	for _, f := range files {
		dir := filepath.Dir(cleanPath(f))
		if err := watcher.Add(dir); err != nil {
			r.mu.Unlock()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		r.dirs[dir] = struct{}{}
	}
	r.fsw = watcher
	r.track(files)
	r.mu.Unlock()

	r.logger.Info("policy watcher started",
		zap.String("path", r.path),
		zap.Strings("files", files),
		zap.Duration("debounce", r.debounce))

	for {
		select {
		case <-ctx.Done():
			r.stopTimer()
			r.logger.Info("policy watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !r.relevant(event) {
				continue
			}
			r.logger.Debug("policy file event",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()))
			r.schedule()

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			r.logger.Error("policy watcher error", zap.Error(err))
		}
	}
}

func (r *Reloader) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.watched[cleanPath(event.Name)]
	return ok
}

func (r *Reloader) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, func() {
		warnings, err := r.Reload()
		if err != nil {
			r.logger.Error("policy reload failed, keeping previous registry", zap.Error(err))
		} else {
			r.logger.Info("policy set reloaded", zap.Int("warnings", len(warnings)))
		}
		if r.OnReload != nil {
			r.OnReload(warnings, err)
		}
	})
}

func (r *Reloader) stopTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}

func cleanPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
