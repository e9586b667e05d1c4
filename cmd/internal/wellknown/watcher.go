package wellknown

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports on-disk changes to per-domain documents, including edits
// made outside this process.
type Watcher struct {
	fsw      *fsnotify.Watcher
	dirs     map[string]string
	file     string
	onChange func(domain string)
	log      *slog.Logger
}

// NewWatcher watches dirs (directory -> domain) for changes to the file
// named file and calls onChange with the owning domain.
func NewWatcher(dirs map[string]string, file string, onChange func(domain string), log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watching directory %s: %w", dir, err)
		}
	}
	return &Watcher{fsw: fsw, dirs: dirs, file: file, onChange: onChange, log: log}, nil
}

// Run delivers change notifications until ctx is done, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if domain, ok := w.relevant(ev); ok {
				w.log.Debug("wellknown.file.changed", "domain", domain, "op", ev.Op.String())
				w.onChange(domain)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("wellknown.watch.error", "err", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) (string, bool) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return "", false
	}
	if filepath.Base(ev.Name) != w.file {
		return "", false
	}
	domain, ok := w.dirs[filepath.Dir(ev.Name)]
	return domain, ok
}
