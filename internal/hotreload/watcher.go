// Package hotreload implements the Hot-Reload Watcher: it
// observes the provider config file, debounces bursts of filesystem
// events, and diffs the parsed provider set against what is currently
// running so the caller can start/stop exactly what changed.
package hotreload

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	orch "github.com/haasonsaas/orchestrator/pkg/orchestrator"
)

// Callbacks receives diffs against the live provider set. Internal
// state is updated before either method is invoked, so a callback that
// calls back into the Watcher sees the post-change view.
type Callbacks interface {
	OnAdded(cfg orch.ProviderConfig)
	OnRemoved(name string)
}

// ValidationSink receives a structured report of per-entry validation
// issues found on the most recent load attempt, successful or not.
type ValidationSink func(issues []string)

// Watcher watches one provider config file for changes.
type Watcher struct {
	path      string
	debounce  time.Duration
	logger    *slog.Logger
	callbacks Callbacks
	sink      ValidationSink

	mu      sync.Mutex
	current map[string]orch.ProviderConfig

	fsw      *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Watcher at construction.
type Option func(*Watcher)

func WithDebounce(d time.Duration) Option       { return func(w *Watcher) { w.debounce = d } }
func WithLogger(l *slog.Logger) Option          { return func(w *Watcher) { w.logger = l } }
func WithValidationSink(s ValidationSink) Option { return func(w *Watcher) { w.sink = s } }

// New constructs a Watcher for the provider config file at path.
func New(path string, callbacks Callbacks, opts ...Option) *Watcher {
	w := &Watcher{
		path:      path,
		debounce:  500 * time.Millisecond,
		logger:    slog.Default().With("component", "hotreload"),
		callbacks: callbacks,
		current:   map[string]orch.ProviderConfig{},
		stopChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start performs the initial load (emitting OnAdded for every valid
// entry) and begins watching the file for subsequent changes.
func (w *Watcher) Start() error {
	if err := w.reload(); err != nil {
		return fmt.Errorf("initial provider config load: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w.fsw = fsw

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop closes the underlying fsnotify watcher and waits for the loop to exit.
func (w *Watcher) Stop() error {
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	w.wg.Wait()
	return nil
}

// loop debounces bursts of fsnotify events for the watched file into a
// single reload 500ms after the last relevant event.
func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	resetTimer := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		}
		timerC = timer.C
	}

	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			resetTimer()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", "error", err)
		case <-timerC:
			if err := w.reload(); err != nil {
				w.logger.Error("config reload failed", "error", err)
			}
		}
	}
}

// reload parses the config file, validates every entry, diffs against
// the current set, and invokes callbacks for what changed. A whole-file
// parse failure is reported and leaves the current set untouched (no
// partial application); per-entry validation failures exclude only that
// entry and are reported alongside the successful ones.
func (w *Watcher) reload() error {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		w.report([]string{fmt.Sprintf("read %s: %v", w.path, err)})
		return err
	}

	var parsed map[string]orch.ProviderConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		w.report([]string{fmt.Sprintf("parse %s: %v", w.path, err)})
		return err
	}

	var issues []string
	valid := map[string]orch.ProviderConfig{}
	for name, cfg := range parsed {
		cfg.Name = name
		if err := cfg.Validate(); err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		valid[name] = cfg
	}
	w.report(issues)

	w.mu.Lock()
	previous := w.current
	var added, removed []string
	for name, cfg := range valid {
		old, existed := previous[name]
		if !existed || !reflect.DeepEqual(old, cfg) {
			added = append(added, name)
		}
	}
	for name := range previous {
		if _, stillPresent := valid[name]; !stillPresent {
			removed = append(removed, name)
		}
	}
	// A changed (not merely added) entry is removed-then-added so the
	// caller restarts it with the new configuration.
	for _, name := range added {
		if _, existed := previous[name]; existed {
			removed = append(removed, name)
		}
	}
	w.current = valid
	w.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)

	for _, name := range removed {
		if w.callbacks != nil {
			w.callbacks.OnRemoved(name)
		}
	}
	for _, name := range added {
		if w.callbacks != nil {
			w.callbacks.OnAdded(valid[name])
		}
	}
	return nil
}

func (w *Watcher) report(issues []string) {
	if w.sink != nil {
		w.sink(issues)
	}
	for _, issue := range issues {
		w.logger.Warn("provider config validation issue", "issue", issue)
	}
}

// Current returns a copy of the live, validated provider set.
func (w *Watcher) Current() map[string]orch.ProviderConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]orch.ProviderConfig, len(w.current))
	for k, v := range w.current {
		out[k] = v
	}
	return out
}
