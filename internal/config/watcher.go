package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fabian4/mapping-gateway/internal/observability"
)

// Watcher keeps the last valid configuration of a file and notifies
// subscribers when the file changes. It implements router.Source.
type Watcher struct {
	path          string
	watcher       *fsnotify.Watcher
	logger        observability.Logger
	debounceDelay time.Duration

	mu        sync.RWMutex
	current   *Config
	onRoutes  []func(string)
	onConfig  []func(*Config)
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay for file changes.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounceDelay = delay }
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// NewWatcher loads the file at path and prepares to watch it. The initial
// load must succeed.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(absPath)
	if err != nil {
		return nil, err
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:          absPath,
		watcher:       fsWatcher,
		logger:        observability.NopLogger(),
		debounceDelay: 100 * time.Millisecond,
		current:       cfg,
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Current returns the last successfully loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Routes returns the route table text of the current configuration.
func (w *Watcher) Routes() string {
	return w.Current().Routes
}

// OnRoutesChange registers fn to receive the route table text after every
// successful reload.
func (w *Watcher) OnRoutesChange(fn func(text string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onRoutes = append(w.onRoutes, fn)
}

// OnConfigChange registers fn to receive the whole configuration after every
// successful reload.
func (w *Watcher) OnConfigChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onConfig = append(w.onConfig, fn)
}

// Start begins watching the configuration file's directory, so editors that
// replace the file are handled too.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		// No watch goroutine runs, so Stop must not wait for one.
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	w.logger.Info("started watching configuration file",
		observability.String("path", w.path),
	)

	go w.watch(ctx)
	return nil
}

// Stop stops watching and releases the underlying watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.stoppedCh
	return w.watcher.Close()
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped due to context cancellation")
			return

		case <-w.stopCh:
			w.logger.Info("config watcher stopped")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("config file changed",
				observability.String("path", event.Name),
				observability.String("op", event.Op.String()),
			)
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounceDelay)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			w.Reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", observability.Error(err))
		}
	}
}

// Reload loads the file now. On failure the last good configuration is kept
// and the error is returned.
func (w *Watcher) Reload() error {
	w.logger.Info("reloading configuration", observability.String("path", w.path))

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("failed to load configuration, keeping the previous one",
			observability.Error(err),
		)
		return err
	}

	w.mu.Lock()
	w.current = cfg
	onRoutes := append([]func(string){}, w.onRoutes...)
	onConfig := append([]func(*Config){}, w.onConfig...)
	w.mu.Unlock()

	for _, fn := range onConfig {
		fn(cfg)
	}
	for _, fn := range onRoutes {
		fn(cfg.Routes)
	}
	w.logger.Info("configuration reloaded")
	return nil
}
