package config

import (
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"agentmesh/internal/infra/logger"
)

// UpdateKind tells subscribers how to apply a reloaded config.
type UpdateKind string

const (
	// UpdateApplied means the new config can be applied in place.
	UpdateApplied UpdateKind = "applied"
	// UpdateRestartRequired means a field changed that only a process
	// restart can honor, such as the gateway bind address.
	UpdateRestartRequired UpdateKind = "restart_required"
)

// UpdateFunc receives validated reloads that changed the config, along
// with the config they replaced. Reloads that parse to an identical
// config are suppressed.
type UpdateFunc func(kind UpdateKind, cfg, prev *Config)

// ErrorFunc receives reload failures. The last good config stays active.
type ErrorFunc func(err error)

const debounceDelay = 300 * time.Millisecond

// Watcher reloads the config file on change. Writes are debounced since
// editors and orchestrators produce bursts of fs events; a reload that
// fails to parse or validate keeps the previous config.
type Watcher struct {
	path     string
	onUpdate UpdateFunc
	onError  ErrorFunc
	logger   *slog.Logger

	fw   *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	current  *Config
	debounce *time.Timer
}

// NewWatcher creates a watcher seeded with the currently loaded config.
func NewWatcher(path string, current *Config, onUpdate UpdateFunc, onError ErrorFunc, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = logger.Discard()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors rename-and-replace, which would orphan
	// a watch on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:     path,
		onUpdate: onUpdate,
		onError:  onError,
		logger:   log,
		fw:       fw,
		done:     make(chan struct{}),
		current:  current,
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Current returns the last good config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop halts watching and cancels any pending debounce.
func (w *Watcher) Stop() {
	close(w.done)
	w.fw.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	w.mu.Unlock()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

// scheduleReload arms (or re-arms) the debounce timer.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping last good config",
			"path", w.path, "error", err)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.mu.Lock()
	prev := w.current
	w.mu.Unlock()

	// A touch or a rewrite with identical content is not a change.
	if prev != nil && reflect.DeepEqual(prev, cfg) {
		w.logger.Debug("config file event produced no change", "path", w.path)
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	kind := UpdateApplied
	if prev != nil && restartRequired(prev, cfg) {
		kind = UpdateRestartRequired
	}
	w.logger.Info("config reloaded", "path", w.path, "kind", kind)
	if w.onUpdate != nil {
		w.onUpdate(kind, cfg, prev)
	}
}

// restartRequired reports whether the change cannot be applied in place.
func restartRequired(prev, next *Config) bool {
	return prev.Gateway.Addr != next.Gateway.Addr ||
		prev.Logger != next.Logger ||
		prev.Tracer != next.Tracer
}
