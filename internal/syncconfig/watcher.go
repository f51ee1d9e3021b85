package syncconfig

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/agentworkforce/steptrail/internal/steptrail"
	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Target receives reloaded configs. *steptrail.Engine satisfies it.
type Target interface {
	SyncConfig(ctx context.Context) (steptrail.SyncConfig, error)
	SetSyncConfig(ctx context.Context, cfg steptrail.SyncConfig) (steptrail.SyncConfig, error)
}

// Watcher keeps a Target in step with a config file.
type Watcher struct {
	path     string
	target   Target
	logger   Logger
	debounce time.Duration
}

func NewWatcher(path string, target Target, logger Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		target:   target,
		logger:   logger,
		debounce: 100 * time.Millisecond,
	}
}

// Reload applies the file once. A missing file is not an error; an invalid
// one is, and leaves the target unchanged.
func (w *Watcher) Reload(ctx context.Context) (bool, error) {
	cfg, err := Load(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	current, err := w.target.SyncConfig(ctx)
	if err != nil {
		return false, err
	}
	if sameConfig(current, cfg) {
		return false, nil
	}
	if _, err := w.target.SetSyncConfig(ctx, cfg); err != nil {
		return false, err
	}
	w.logf("syncconfig: applied %s enabled=%t", w.path, cfg.Enabled)
	return true, nil
}

// Run applies the file, then watches its directory until ctx is done.
// Editors often replace files by rename, so the directory is watched and
// events are filtered by name.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := w.Reload(ctx); err != nil {
		w.logf("syncconfig: initial load failed: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(w.debounce)
			}
		case <-pending:
			pending = nil
			if _, err := w.Reload(ctx); err != nil {
				w.logf("syncconfig: reload failed, keeping current config: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logf("syncconfig: watch error: %v", err)
		}
	}
}

// sameConfig compares the configs the way the engine stores them, so a file
// that only differs in email case or whitespace is not re-applied.
func sameConfig(a, b steptrail.SyncConfig) bool {
	a, b = storedForm(a), storedForm(b)
	return reflect.DeepEqual(a, b)
}

func storedForm(cfg steptrail.SyncConfig) steptrail.SyncConfig {
	cfg.EndpointURL = strings.TrimSpace(cfg.EndpointURL)
	cfg.AllowedEmails = steptrail.NormalizeEmails(cfg.AllowedEmails)
	if len(cfg.AllowedEmails) == 0 {
		cfg.AllowedEmails = nil
	}
	return cfg
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
