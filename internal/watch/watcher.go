// Package watch reports changes to the profile documents in a config
// directory.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/weirdion/weirdion/internal/profile"
)

// Op is the kind of change observed on a profile document.
type Op string

const (
	OpCreated  Op = "created"
	OpModified Op = "modified"
	OpRemoved  Op = "removed"
)

// Event describes one change to a watched file. File is the base name,
// e.g. profiles.user.json.
type Event struct {
	File string `json:"file"`
	Op   Op     `json:"op"`
}

// Watcher watches a config directory for changes to the default and user
// profile documents.
type Watcher struct {
	watcher *fsnotify.Watcher
	dir     string
	files   map[string]bool
	logger  *slog.Logger
}

// New creates a Watcher for dir. The directory is created if missing so
// that a fresh install can be watched before anything is saved.
func New(dir string) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	return &Watcher{
		watcher: w,
		dir:     dir,
		files: map[string]bool{
			profile.DefaultFile: true,
			profile.UserFile:    true,
		},
		logger: slog.Default(),
	}, nil
}

// Watch starts monitoring and returns a channel of events. The channel is
// closed when ctx is cancelled or the watcher is closed.
func (w *Watcher) Watch(ctx context.Context) (<-chan Event, error) {
	if err := w.watcher.Add(w.dir); err != nil {
		return nil, fmt.Errorf("watching %s: %w", w.dir, err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				out, ok := w.translate(ev)
				if !ok {
					continue
				}
				select {
				case events <- out:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("profile watcher error", "error", err)
			}
		}
	}()
	return events, nil
}

// translate maps an fsnotify event onto a profile document event. Atomic
// saves arrive as a Create of the final name after a rename.
func (w *Watcher) translate(ev fsnotify.Event) (Event, bool) {
	name := filepath.Base(ev.Name)
	if !w.files[name] {
		return Event{}, false
	}
	switch {
	case ev.Has(fsnotify.Create):
		return Event{File: name, Op: OpCreated}, true
	case ev.Has(fsnotify.Write):
		return Event{File: name, Op: OpModified}, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return Event{File: name, Op: OpRemoved}, true
	}
	return Event{}, false
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
