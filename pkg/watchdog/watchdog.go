package watchdog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type WatchDogFactory struct {
	logger *zap.Logger
}

// Filter decides whether a created file is forwarded. A nil Filter forwards everything.
type Filter func(path string) bool

type WatchDog struct {
	watchCtx   context.Context
	notifyChan chan<- string
	filter     Filter
	logger     *zap.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	dirs    map[string]struct{}
	done    chan struct{}
}

func NewWatchDogFactory(logger *zap.Logger) *WatchDogFactory {
	return &WatchDogFactory{
		logger: logger.Named("watchdog"),
	}
}

// New creates a WatchDog that reports file creations in the directories added later.
//
// - `watchCtx` bounds the watcher; when it is done the watcher stops and notifyChan is closed.
//
// - `notifyChan` receives the path of every created file that passes filter.
func (w *WatchDogFactory) New(watchCtx context.Context, notifyChan chan<- string, filter Filter) (*WatchDog, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	watchDog := &WatchDog{
		watchCtx:   watchCtx,
		notifyChan: notifyChan,
		filter:     filter,
		logger:     w.logger,
		watcher:    watcher,
		dirs:       make(map[string]struct{}),
		done:       make(chan struct{}),
	}

	go watchDog.watch()

	return watchDog, nil
}

// AddDir adds a directory to the watch list. Adding the same directory twice is a no-op.
func (w *WatchDog) AddDir(dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path of %s: %w", dir, err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return fmt.Errorf("cannot watch %s: %w", absDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cannot watch %s: not a directory", absDir)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.dirs[absDir]; ok {
		return nil
	}
	if err := w.watcher.Add(absDir); err != nil {
		return fmt.Errorf("failed to add %s to watcher: %w", absDir, err)
	}
	w.dirs[absDir] = struct{}{}
	w.logger.Debug("Added directory to watch list", zap.String("dir", absDir))
	return nil
}

// Watching reports how many directories are currently watched.
func (w *WatchDog) Watching() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

// Done is closed once the watcher has stopped and notifyChan is closed.
func (w *WatchDog) Done() <-chan struct{} {
	return w.done
}

func (w *WatchDog) watch() {
	defer close(w.done)
	defer w.watcher.Close()
	defer close(w.notifyChan)
	for {
		select {
		case <-w.watchCtx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Debug("fsnotify channel closed")
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Debug("fsnotify error channel closed")
				return
			}
			w.logger.Error("fsnotify error", zap.Error(err))
		}
	}
}

func (w *WatchDog) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) {
		return
	}
	if w.filter != nil && !w.filter(event.Name) {
		w.logger.Debug("File ignored by filter", zap.String("file", event.Name))
		return
	}
	select {
	case w.notifyChan <- event.Name:
	case <-w.watchCtx.Done():
	}
}
