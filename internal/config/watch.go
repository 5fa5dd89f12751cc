package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch installs an fsnotify watch on the directory containing path (the
// JSON config file named by --config/SPLUS_CONF) and invokes onChange with
// a freshly re-layered Config each time the file is written. The daemon
// applies only allow_cors from it; a changed cors_max_age is logged but
// takes effect only after a restart. base is the
// Config as it stood at boot (post env, pre file-for-this-reload); fields
// that only make sense at boot (port, database, concurrency) are re-applied
// too but callers should only act on the CORS fields, since those are the
// only ones this daemon can change after the listener and store are open.
func Watch(path string, base Config, log *zap.Logger, onChange func(Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}

	go func() {
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					reloaded := base
					if err := applyFile(&reloaded, path); err != nil {
						log.Warn("config reload failed, keeping previous values", zap.Error(err))
						return
					}
					log.Info("config file changed",
						zap.Strings("allow_cors", reloaded.AllowCORS),
						zap.Int("cors_max_age", reloaded.CORSMaxAge))
					onChange(reloaded)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", zap.Error(err))
			}
		}
	}()

	return watcher, nil
}
