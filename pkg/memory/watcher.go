package memory

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileWatcher watches a directory and reports batches of changed document
// paths after a quiet period.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onChange func(paths []string)
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending map[string]bool
	stopCh  chan struct{}
	once    sync.Once
}

// NewFileWatcher creates a new file watcher
func NewFileWatcher(logger zerolog.Logger, onChange func(paths []string)) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &FileWatcher{
		watcher:  watcher,
		logger:   logger,
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]bool),
		stopCh:   make(chan struct{}),
	}

	go fw.run()

	return fw, nil
}

// Watch starts watching a directory
func (fw *FileWatcher) Watch(path string) error {
	return fw.watcher.Add(path)
}

// Stop stops the file watcher
func (fw *FileWatcher) Stop() error {
	var err error
	fw.once.Do(func() {
		close(fw.stopCh)
		fw.mu.Lock()
		if fw.timer != nil {
			fw.timer.Stop()
		}
		fw.mu.Unlock()
		err = fw.watcher.Close()
	})
	return err
}

// run processes file system events
func (fw *FileWatcher) run() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if !ingestExtensions[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				fw.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("File change detected")

				fw.schedule(event.Name)
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error().Err(err).Msg("File watcher error")

		case <-fw.stopCh:
			return
		}
	}
}

// schedule debounces change notifications
func (fw *FileWatcher) schedule(path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.pending[path] = true
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, fw.flush)
}

func (fw *FileWatcher) flush() {
	fw.mu.Lock()
	paths := make([]string, 0, len(fw.pending))
	for p := range fw.pending {
		paths = append(paths, p)
	}
	fw.pending = make(map[string]bool)
	fw.mu.Unlock()

	if len(paths) == 0 {
		return
	}
	sort.Strings(paths)
	fw.onChange(paths)
}

// WatchDocuments keeps the store in sync with dir: changed files are
// re-ingested and removed files are forgotten. Stop the returned watcher to
// end syncing.
func WatchDocuments(store *Store, dir string, logger zerolog.Logger) (*FileWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	fw, err := NewFileWatcher(logger, func(paths []string) {
		ctx := context.Background()
		for _, path := range paths {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := store.Forget(ctx, path); err != nil {
					logger.Warn().Err(err).Str("file", path).Msg("Failed to forget document")
				}
				continue
			}
			if _, err := store.IngestFile(ctx, path); err != nil {
				logger.Warn().Err(err).Str("file", path).Msg("Failed to ingest document")
			}
		}
	})
	if err != nil {
		return nil, err
	}

	if err := fw.Watch(dir); err != nil {
		fw.Stop()
		return nil, err
	}
	return fw, nil
}
