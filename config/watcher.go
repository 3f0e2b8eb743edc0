package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mcplease/mcplease-go/policy"
)

// debounceWindow coalesces editor write bursts into one reload.
const debounceWindow = 200 * time.Millisecond

// PolicyWatcher reloads the YAML policy file on change and swaps it into
// the enforcer. A reload that fails to parse or compile keeps the
// previous policy in force.
type PolicyWatcher struct {
	log      *slog.Logger
	path     string
	enforcer *policy.Enforcer
}

// NewPolicyWatcher builds a watcher for the given policy file.
func NewPolicyWatcher(path string, enforcer *policy.Enforcer, log *slog.Logger) *PolicyWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &PolicyWatcher{log: log, path: path, enforcer: enforcer}
}

// Run watches until the context is canceled. The parent directory is
// watched rather than the file itself so atomic rename-based saves keep
// working.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = fw.Close()
	}()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}
		case <-timerC:
			timerC = nil
			timer = nil
			w.reload(ctx)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "policy watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *PolicyWatcher) reload(ctx context.Context) {
	pol, err := LoadPolicy(w.path)
	if err != nil {
		w.log.ErrorContext(ctx, "policy reload failed, keeping previous policy",
			slog.String("file", w.path),
			slog.String("error", err.Error()))
		return
	}
	w.enforcer.Replace(pol)
	w.log.InfoContext(ctx, "network policy reloaded", slog.String("file", w.path))
}
