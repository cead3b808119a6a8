// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watch reloads agents when their source files change.
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

	"github.com/fsnotify/fsnotify"

	"github.com/kadirpekel/agentkit/pkg/scanner"
)

// DefaultDebounce coalesces bursts of file events, e.g. editor saves.
const DefaultDebounce = 200 * time.Millisecond

// sourceExts are the file types that trigger a reload.
var sourceExts = []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs", ".mts", ".cts", ".json"}

// Target is an agent reloaded when files under Dir change.
type Target struct {
	Path string
	Dir  string
}

// ReloadFunc reloads the agent at path.
type ReloadFunc func(ctx context.Context, path string) error

// Config configures a Watcher.
type Config struct {
	// Dirs are watched recursively.
	Dirs []string

	// Targets lists the agents to reload. It is called for every batch of
	// changes.
	Targets func() []Target

	Reload   ReloadFunc
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher watches directories and reloads affected agents.
type Watcher struct {
	cfg     Config
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

// New creates a Watcher. Call Run to start watching.
func New(cfg Config) (*Watcher, error) {
	if cfg.Reload == nil || cfg.Targets == nil {
		return nil, errors.New("watch: reload and targets are required")
	}
	if len(cfg.Dirs) == 0 {
		return nil, errors.New("watch: no directories to watch")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		cfg:     cfg,
		watcher: fw,
		logger:  logger.With("component", "watcher"),
		pending: make(map[string]struct{}),
	}
	for _, dir := range cfg.Dirs {
		if err := w.addTree(dir); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	return w, nil
}

// addTree watches dir and its subdirectories, skipping the ones a scan
// skips.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return fmt.Errorf("failed to watch %s: %w", dir, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && skipped(d.Name()) {
			return fs.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			w.logger.Warn("Failed to watch directory", "path", p, "error", err)
		}
		return nil
	})
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.logger.Info("Watching for changes", "dirs", w.cfg.Dirs)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("File watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !skipped(filepath.Base(ev.Name)) {
				_ = w.addTree(ev.Name)
			}
			return
		}
	}
	if !w.relevant(ev.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[ev.Name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, func() { w.flush(ctx) })
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	files := make([]string, 0, len(w.pending))
	for f := range w.pending {
		files = append(files, f)
	}
	clear(w.pending)
	w.mu.Unlock()

	if ctx.Err() != nil || len(files) == 0 {
		return
	}
	for _, path := range Affected(files, w.cfg.Targets()) {
		w.logger.Info("Reloading agent", "path", path, "changed", len(files))
		if err := w.cfg.Reload(ctx, path); err != nil {
			w.logger.Error("Reload failed", "path", path, "error", err)
		}
	}
}

// Affected returns the targets to reload for a set of changed files. A
// file inside a target's directory reloads that target; any other file
// may be shared and reloads every target.
func Affected(files []string, targets []Target) []string {
	hit := make(map[string]bool)
	for _, f := range files {
		owned := false
		for _, t := range targets {
			if within(t.Dir, f) {
				hit[t.Path] = true
				owned = true
			}
		}
		if !owned {
			for _, t := range targets {
				hit[t.Path] = true
			}
		}
	}

	var out []string
	for _, t := range targets {
		if hit[t.Path] && !slices.Contains(out, t.Path) {
			out = append(out, t.Path)
		}
	}
	return out
}

func within(dir, file string) bool {
	rel, err := filepath.Rel(dir, file)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// relevant reports whether file is a source or env file outside skipped
// directories of the watched trees.
func (w *Watcher) relevant(file string) bool {
	base := filepath.Base(file)
	if !strings.HasPrefix(base, ".env") {
		if strings.HasPrefix(base, ".") || !slices.Contains(sourceExts, filepath.Ext(base)) {
			return false
		}
	}
	for _, dir := range w.cfg.Dirs {
		rel, err := filepath.Rel(dir, filepath.Dir(file))
		if err != nil || !within(dir, file) {
			continue
		}
		for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
			if part != "." && skipped(part) {
				return false
			}
		}
		return true
	}
	return false
}

func skipped(name string) bool {
	return scanner.SkipDirs[name] || (strings.HasPrefix(name, ".") && name != "." && name != "..")
}
