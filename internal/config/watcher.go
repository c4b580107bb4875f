package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher triggers the reload callback when the config file changes on disk.
// Events are debounced because editors typically emit several writes per
// save. The callback runs on the watcher goroutine and is expected to go
// through the same serialized reload path as POST /admin/reload.
type Watcher struct {
	watcher    *fsnotify.Watcher
	configPath string
	onChange   func()
	debounce   time.Duration
	logger     *slog.Logger
	done       chan struct{}
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(configPath string, onChange func(), logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:    fsWatcher,
		configPath: configPath,
		onChange:   onChange,
		debounce:   500 * time.Millisecond,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

// Start begins watching. The directory is watched rather than the file so
// atomic rename-into-place saves are seen.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	defer close(w.done)
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				w.logger.Info("config file changed, reloading", "path", w.configPath)
				w.onChange()
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// Stop closes the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
