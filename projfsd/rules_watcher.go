package projfsd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/rfratto/projfs/internal/projfs/dispatch"
)

const rulesDebounce = 100 * time.Millisecond

// rulesWatcher reloads the rules of a ScriptedHandler whenever its rules
// file changes. Invalid files are logged and the previous rules are kept.
type rulesWatcher struct {
	log      log.Logger
	path     string
	target   *dispatch.ScriptedHandler
	debounce time.Duration
}

func newRulesWatcher(l log.Logger, path string, target *dispatch.ScriptedHandler) *rulesWatcher {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &rulesWatcher{
		log:      l,
		path:     filepath.Clean(path),
		target:   target,
		debounce: rulesDebounce,
	}
}

// run watches until ctx is canceled. The parent directory is watched so
// editors which replace the file by renaming are handled.
func (w *rulesWatcher) run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}

	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			level.Warn(w.log).Log("msg", "rules watcher error", "err", err)

		case <-reload:
			w.reload()
		}
	}
}

func (w *rulesWatcher) reload() {
	rules, err := dispatch.LoadRulesFile(w.path)
	if err != nil {
		level.Warn(w.log).Log("msg", "failed to reload rules, keeping previous rules", "file", w.path, "err", err)
		return
	}
	if err := w.target.SetRules(rules); err != nil {
		level.Warn(w.log).Log("msg", "invalid rules, keeping previous rules", "file", w.path, "err", err)
		return
	}
	level.Info(w.log).Log("msg", "reloaded rules", "file", w.path, "rules", len(rules))
}
