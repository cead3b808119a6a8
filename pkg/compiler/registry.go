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

package compiler

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// CacheRegistry records written bundles and the project roots they belong
// to so they can be removed when the process exits.
type CacheRegistry struct {
	mu    sync.Mutex
	files map[string]string
}

// NewCacheRegistry creates an empty registry.
func NewCacheRegistry() *CacheRegistry {
	return &CacheRegistry{files: make(map[string]string)}
}

// Track records file as a bundle under root.
func (r *CacheRegistry) Track(file, root string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[file] = root
}

// Files returns the tracked bundles, sorted.
func (r *CacheRegistry) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.files))
	for f := range r.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Roots returns the tracked project roots, sorted.
func (r *CacheRegistry) Roots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, root := range r.files {
		if !seen[root] {
			seen[root] = true
			out = append(out, root)
		}
	}
	sort.Strings(out)
	return out
}

// Cleanup removes every tracked bundle and then any cache directory left
// empty. Errors are collected; cleanup continues past them.
func (r *CacheRegistry) Cleanup() error {
	r.mu.Lock()
	files := r.files
	r.files = make(map[string]string)
	r.mu.Unlock()

	var errs []error
	dirs := make(map[string]bool)
	for file := range files {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		dirs[filepath.Dir(file)] = true
	}
	for dir := range dirs {
		removeIfEmpty(dir)
	}
	if len(files) > 0 {
		slog.Debug("Removed compiled bundles", "count", len(files))
	}
	return errors.Join(errs...)
}

// CleanRoot removes the whole cache directory of a project.
func CleanRoot(root, cacheDir string) error {
	if cacheDir == "" {
		cacheDir = DefaultCacheDir
	}
	dir := filepath.Join(root, filepath.FromSlash(cacheDir))
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	removeIfEmpty(filepath.Dir(dir))
	return nil
}

// removeIfEmpty deletes dir only when it has no entries.
func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
}
