package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/qitops/qitops-agent/internal/logger"
)

const (
	// DefaultDebounce collapses bursts of writes from editors into one reload
	DefaultDebounce = 250 * time.Millisecond

	// DefaultPollInterval is used when fsnotify is unavailable
	DefaultPollInterval = 5 * time.Second
)

// ConfigWatcher calls back when the LLM config file changes. It watches the
// parent directory so atomic saves (write temp file, rename) are seen.
type ConfigWatcher struct {
	path         string
	debounce     time.Duration
	pollInterval time.Duration
	callback     func()
	fsw          *fsnotify.Watcher
	timer        *time.Timer
	lastModTime  time.Time
	lastSize     int64
	stop         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	mu           sync.Mutex
	log          *logger.Logger
}

// NewConfigWatcher creates a new config file watcher
func NewConfigWatcher(path string, debounce time.Duration) *ConfigWatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	return &ConfigWatcher{
		path:         path,
		debounce:     debounce,
		pollInterval: DefaultPollInterval,
		stop:         make(chan struct{}),
		log:          logger.Component("watcher"),
	}
}

// Path returns the watched file
func (w *ConfigWatcher) Path() string {
	return w.path
}

// SetCallback sets the function to call when config changes
func (w *ConfigWatcher) SetCallback(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callback = fn
}

// Start begins watching the config file. If fsnotify cannot watch the
// directory the watcher falls back to polling.
func (w *ConfigWatcher) Start() error {
	w.updateFileState()

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := fsw.Add(filepath.Dir(w.path)); addErr != nil {
			fsw.Close()
			err = addErr
		}
	}
	if err != nil {
		w.log.Warn("fsnotify unavailable for %s, polling every %s: %v", w.path, w.pollInterval, err)
		w.wg.Add(1)
		go w.poll()
		return nil
	}

	w.fsw = fsw
	w.wg.Add(1)
	go w.watch()
	w.log.Debug("watching %s", w.path)
	return nil
}

// Stop stops watching the config file
func (w *ConfigWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		if w.fsw != nil {
			w.fsw.Close()
		}
		w.wg.Wait()

		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
}

// watch is the fsnotify event loop
func (w *ConfigWatcher) watch() {
	defer w.wg.Done()

	name := filepath.Base(w.path)
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error: %v", err)
		}
	}
}

// schedule arms or re-arms the debounce timer
func (w *ConfigWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *ConfigWatcher) fire() {
	select {
	case <-w.stop:
		return
	default:
	}

	w.mu.Lock()
	changed := w.hasChanged()
	if changed {
		w.updateFileState()
	}
	callback := w.callback
	w.mu.Unlock()

	if changed && callback != nil {
		callback()
	}
}

// updateFileState updates the cached file modification time and size
func (w *ConfigWatcher) updateFileState() {
	info, err := os.Stat(w.path)
	if err != nil {
		// File doesn't exist yet - reset state
		w.lastModTime = time.Time{}
		w.lastSize = 0
		return
	}
	w.lastModTime = info.ModTime()
	w.lastSize = info.Size()
}

// hasChanged checks if the file has changed since last check
func (w *ConfigWatcher) hasChanged() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		// Deleted counts as a change only if it existed before
		return !w.lastModTime.IsZero()
	}

	// Check if file appeared (was previously missing)
	if w.lastModTime.IsZero() {
		return true
	}

	return !info.ModTime().Equal(w.lastModTime) || info.Size() != w.lastSize
}

// poll is the fallback loop used without fsnotify
func (w *ConfigWatcher) poll() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.fire()
		}
	}
}

// String describes the watcher for logs
func (w *ConfigWatcher) String() string {
	return fmt.Sprintf("ConfigWatcher(%s)", w.path)
}
