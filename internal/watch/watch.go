// Package watch triggers callbacks when files matching doublestar patterns
// change below a root directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/romdo/go-debounce"
)

// DefaultDebounce coalesces bursts of events, such as an editor writing a
// file in several steps.
const DefaultDebounce = 100 * time.Millisecond

// directories never watched by recursive patterns
var ignoredDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	".gulp":        true,
	"node_modules": true,
	"vendor":       true,
}

// ChangeFunc receives the slash separated paths, relative to the root,
// changed since the previous call.
type ChangeFunc func(paths []string)

type rule struct {
	patterns []string
	fire     func()
	cancel   func()

	mx      sync.Mutex
	pending map[string]struct{}
}

func (r *rule) match(rel string) bool {
	for _, p := range r.patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (r *rule) add(rel string) {
	r.mx.Lock()
	r.pending[rel] = struct{}{}
	r.mx.Unlock()
	r.fire()
}

func (r *rule) flush() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	ret := make([]string, 0, len(r.pending))
	for p := range r.pending {
		ret = append(ret, p)
	}
	clear(r.pending)
	slices.Sort(ret)
	return ret
}

// Watcher multiplexes one fsnotify watcher between any number of rules.
type Watcher struct {
	root string
	fs   *fsnotify.Watcher

	mx        sync.Mutex
	rules     []*rule
	recursive map[string]bool
	watched   map[string]bool
}

func New(root string) (*Watcher, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	return &Watcher{
		root:      root,
		fs:        fw,
		recursive: make(map[string]bool),
		watched:   make(map[string]bool),
	}, nil
}

// Add calls fn once changes matching any of patterns settle for wait. A
// zero wait means DefaultDebounce. Patterns are relative to the root and
// use doublestar syntax.
func (w *Watcher) Add(patterns []string, wait time.Duration, fn ChangeFunc) error {
	if len(patterns) == 0 {
		return errors.New("no patterns to watch")
	}
	if wait <= 0 {
		wait = DefaultDebounce
	}
	r := &rule{
		patterns: make([]string, 0, len(patterns)),
		pending:  make(map[string]struct{}),
	}
	for _, p := range patterns {
		p = filepath.ToSlash(filepath.Clean(p))
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid pattern %q", p)
		}
		if filepath.IsAbs(p) || strings.HasPrefix(p, "../") {
			return fmt.Errorf("pattern %q is outside of %s", p, w.root)
		}
		r.patterns = append(r.patterns, p)
	}
	r.fire, r.cancel = debounce.New(wait, func() {
		if paths := r.flush(); len(paths) > 0 {
			fn(paths)
		}
	})

	for _, p := range r.patterns {
		base, rest := doublestar.SplitPattern(p)
		dir := filepath.Join(w.root, filepath.FromSlash(base))
		if err := w.watch(dir, strings.Contains(rest, "/") || strings.Contains(rest, "**")); err != nil {
			r.cancel()
			return err
		}
	}

	w.mx.Lock()
	w.rules = append(w.rules, r)
	w.mx.Unlock()
	return nil
}

func (w *Watcher) watch(dir string, recursive bool) error {
	if !recursive {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return w.addDir(dir, false)
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && ignoredDirs[d.Name()] {
			return filepath.SkipDir
		}
		return w.addDir(path, true)
	})
}

func (w *Watcher) addDir(dir string, recursive bool) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if recursive {
		w.recursive[dir] = true
	}
	if w.watched[dir] {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	w.watched[dir] = true
	return nil
}

// Run dispatches file system events until ctx is canceled, then releases
// the watcher. Pending debounced callbacks are dropped.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()
	slog.DebugContext(ctx, "file watcher started", "root", w.root, "directories", w.count())
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			slog.ErrorContext(ctx, "file watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	if ev.Has(fsnotify.Create) && w.isRecursive(filepath.Dir(ev.Name)) && isDir(ev.Name) && !ignoredDirs[filepath.Base(ev.Name)] {
		if err := w.watch(ev.Name, true); err != nil {
			slog.WarnContext(ctx, "can't watch new directory", "path", ev.Name, "error", err)
		}
	}

	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	w.mx.Lock()
	rules := slices.Clone(w.rules)
	w.mx.Unlock()
	for _, r := range rules {
		if r.match(rel) {
			slog.DebugContext(ctx, "file changed", "path", rel, "op", ev.Op.String())
			r.add(rel)
		}
	}
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func (w *Watcher) isRecursive(dir string) bool {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.recursive[dir]
}

func (w *Watcher) count() int {
	w.mx.Lock()
	defer w.mx.Unlock()
	return len(w.watched)
}

func (w *Watcher) close() {
	w.mx.Lock()
	rules := w.rules
	w.rules = nil
	w.mx.Unlock()
	for _, r := range rules {
		r.cancel()
	}
	if err := w.fs.Close(); err != nil {
		slog.Error("closing file watcher", "error", err)
	}
}

// Close releases the watcher without running it.
func (w *Watcher) Close() {
	w.close()
}
