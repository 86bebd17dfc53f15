// Package watch provides an optional, independent event source over the
// store's top directory: detecting the database file being replaced or
// removed out from under the daemon (e.g. by an external backup/restore
// tool).
//
// This watcher never touches the upcall channel or the dispatch loop's
// request ordering; its events are purely informational (logged).
package watch

import (
	"github.com/fsnotify/fsnotify"

	"github.com/openunix/nfsdcld/internal/logger"
)

// Watcher observes the top directory independently of the upcall channel.
type Watcher struct {
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// Start begins watching dir. The caller should call Stop when the
// dispatcher shuts down.
func Start(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			logger.DebugSub("watch", "top dir event", "op", event.Op.String(), logger.KeyPath, event.Name)
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				logger.Warn("database file moved or removed out from under the daemon", logger.KeyPath, event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Error("watcher error", logger.Err(err))
		case <-w.done:
			return
		}
	}
}

// Stop stops the watcher goroutine and closes the underlying fsnotify
// watcher.
func (w *Watcher) Stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	_ = w.fsw.Close()
}
