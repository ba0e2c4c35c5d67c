// Package workers contains background workers for pushdeploy.
package workers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/artpar/pushdeploy/internal/core/domain"
	"github.com/fsnotify/fsnotify"
)

// DeployFunc runs one deployment.
type DeployFunc func(ctx context.Context) *domain.DeploymentReport

// ReportFunc receives the report of every finished run.
type ReportFunc func(report *domain.DeploymentReport)

// WatcherConfig configures the watch worker.
type WatcherConfig struct {
	// Debounce is how long the tree must stay quiet before a run is triggered.
	// Default: 500 milliseconds.
	Debounce time.Duration

	// Ignore lists path components whose changes never trigger a run.
	// Default: .git, node_modules.
	Ignore []string
}

// DefaultWatcherConfig returns the default configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Debounce: 500 * time.Millisecond,
		Ignore:   []string{".git", "node_modules"},
	}
}

// Watcher redeploys whenever the local tree changes. Runs never overlap:
// changes that arrive while a run is in progress schedule exactly one
// follow-up run.
type Watcher struct {
	root     string
	paths    []string
	deploy   DeployFunc
	onReport ReportFunc
	config   WatcherConfig
	ignore   map[string]bool
	logger   *slog.Logger

	// pending holds at most one queued run.
	pending chan struct{}

	// trees are watched recursively. files are single paths watched through
	// their parent directory, so a save by rename keeps being seen.
	trees []string
	files map[string]bool

	// Lifecycle management
	fsw    *fsnotify.Watcher
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watch worker over the top-level paths under root.
func NewWatcher(
	root string,
	paths []string,
	deploy DeployFunc,
	onReport ReportFunc,
	config WatcherConfig,
	logger *slog.Logger,
) *Watcher {
	if config.Debounce == 0 {
		config.Debounce = 500 * time.Millisecond
	}
	if config.Ignore == nil {
		config.Ignore = DefaultWatcherConfig().Ignore
	}
	if onReport == nil {
		onReport = func(*domain.DeploymentReport) {}
	}
	if logger == nil {
		logger = slog.Default()
	}

	ignore := make(map[string]bool, len(config.Ignore))
	for _, name := range config.Ignore {
		ignore[name] = true
	}

	return &Watcher{
		root:     root,
		paths:    paths,
		deploy:   deploy,
		onReport: onReport,
		config:   config,
		ignore:   ignore,
		logger:   logger.With("component", "watcher"),
		pending:  make(chan struct{}, 1),
		files:    make(map[string]bool),
	}
}

// Start watches the tree and runs one deployment immediately.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.fsw = fsw

	root, err := filepath.Abs(w.root)
	if err != nil {
		fsw.Close()
		return fmt.Errorf("resolve %s: %w", w.root, err)
	}
	w.root = root

	watched := 0
	for _, p := range w.paths {
		n, err := w.addTree(filepath.Join(w.root, p))
		if err != nil {
			fsw.Close()
			return err
		}
		watched += n
	}

	w.ctx, w.cancel = context.WithCancel(context.Background())

	w.wg.Add(2)
	go w.watch()
	go w.run()

	w.logger.Info("watcher started",
		"root", w.root,
		"watched", watched,
		"debounce", w.config.Debounce,
	)

	// Run immediately on start
	w.Trigger()
	return nil
}

// Stop stops watching and waits for an in-progress run to finish.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()
	w.logger.Info("watcher stopped")
}

// Trigger queues a run. It never blocks; a run already queued absorbs it.
func (w *Watcher) Trigger() {
	select {
	case w.pending <- struct{}{}:
	default:
	}
}

// run executes queued deployments one at a time.
func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.pending:
			report := w.deploy(w.ctx)
			if report != nil {
				w.logger.Info("watch run finished", "run_id", report.RunID, "outcome", report.Outcome)
			}
			w.onReport(report)
		}
	}
}

// watch turns file system events into debounced triggers.
func (w *Watcher) watch() {
	defer w.wg.Done()

	timer := time.NewTimer(w.config.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if _, err := w.addTree(ev.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
					}
				}
			}
			w.logger.Debug("change detected", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(w.config.Debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)

		case <-timer.C:
			w.Trigger()
		}
	}
}

// relevant filters out attribute-only events, paths outside the watched
// set and ignored paths.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	if !w.files[ev.Name] && !w.inTree(ev.Name) {
		return false
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if w.ignore[part] {
			return false
		}
	}
	return true
}

func (w *Watcher) inTree(p string) bool {
	for _, t := range w.trees {
		if p == t || strings.HasPrefix(p, t+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// addTree watches p, and every directory beneath it when p is a directory.
// A file, or a path that does not exist yet, is watched through its parent
// directory. Returns the number of directories added.
func (w *Watcher) addTree(p string) (int, error) {
	info, err := os.Stat(p)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("stat %s: %w", p, err)
	}
	if err != nil || !info.IsDir() {
		return w.addFile(p)
	}

	if !w.inTree(p) {
		w.trees = append(w.trees, p)
	}
	added := 0
	err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignore[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		added++
		return nil
	})
	return added, err
}

func (w *Watcher) addFile(p string) (int, error) {
	w.files[p] = true
	parent := filepath.Dir(p)
	if _, err := os.Stat(parent); errors.Is(err, fs.ErrNotExist) {
		w.logger.Debug("watch path absent, skipped", "path", p)
		return 0, nil
	}
	if err := w.fsw.Add(parent); err != nil {
		return 0, fmt.Errorf("watch %s: %w", parent, err)
	}
	return 1, nil
}
