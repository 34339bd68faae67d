package retrieval

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ArtifactWatcher reloads the index artifact whenever it is rewritten and
// swaps the new snapshot into the serving MemoryIndex. Rebuilds happen
// out-of-band; this is the serving side of the replace-whole contract.
type ArtifactWatcher struct {
	path    string
	index   *MemoryIndex
	watcher *fsnotify.Watcher
	logger  *log.Logger
	done    chan struct{}
}

func NewArtifactWatcher(path string, index *MemoryIndex, logger *log.Logger) (*ArtifactWatcher, error) {
	if logger == nil {
		logger = log.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create artifact watcher: %w", err)
	}

	// Watch the directory, not the file: the artifact is installed by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch artifact directory: %w", err)
	}

	return &ArtifactWatcher{
		path:    path,
		index:   index,
		watcher: watcher,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. It returns immediately; reloads happen on a
// background goroutine until Close is called.
func (w *ArtifactWatcher) Start() {
	go w.loop()
}

func (w *ArtifactWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *ArtifactWatcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("artifact watcher error: %v", err)
		}
	}
}

func (w *ArtifactWatcher) reload() {
	snap, err := LoadArtifact(w.path)
	if err != nil {
		w.logger.Printf("reload artifact %s: %v", w.path, err)
		return
	}
	if err := w.index.Swap(snap); err != nil {
		w.logger.Printf("swap artifact %s: %v", w.path, err)
		return
	}
	w.logger.Printf("swapped in rebuilt index from %s (%d passages)", w.path, len(snap.Passages))
}
