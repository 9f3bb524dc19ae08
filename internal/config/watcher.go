package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"botrunner/pkg/logx"
)

// Watch observes the config file and invokes onChange with each new valid
// configuration. Invalid or unreadable files are logged and skipped; the
// previously committed config stays in effect.
//
// Only runtime-tunable settings (log level, watchdog thresholds) are applied
// by the caller; structural changes (port, concurrency, bot set) still
// require a restart.
//
// The watch is placed on the directory, not the file: editors and config
// management tools typically replace the file via rename, which drops a
// file-level watch.
func Watch(ctx context.Context, path string, log logx.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)

	// Debounce: editors emit bursts of Write/Create/Chmod events.
	const settle = 250 * time.Millisecond
	var pending *time.Timer
	var fire <-chan time.Time

	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			log.Warn("config reload rejected", logx.String("path", path), logx.Err(err))
			return
		}
		log.Info("config reloaded", logx.String("path", path))
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(settle)
				fire = pending.C
			} else {
				if !pending.Stop() {
					select {
					case <-pending.C:
					default:
					}
				}
				pending.Reset(settle)
			}
		case <-fire:
			pending = nil
			fire = nil
			reload()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", logx.Err(err))
		}
	}
}
