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

// Package project locates the project an agent file belongs to.
package project

import (
	"os"
	"path/filepath"
)

// Markers are the file or directory names that identify a project root,
// checked in order at each level.
var Markers = []string{"package.json", "tsconfig.json", ".env", ".git", "go.mod"}

// FindRoot walks upward from start (a file or directory) and returns the
// first directory containing one of Markers. When no marker is found the
// directory of start is returned.
func FindRoot(start string) string {
	abs, err := filepath.Abs(start)
	if err != nil {
		abs = start
	}

	dir := abs
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		dir = filepath.Dir(abs)
	}
	fallback := dir

	for {
		if HasMarker(dir) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}
		dir = parent
	}
}

// HasMarker reports whether dir directly contains a project marker.
func HasMarker(dir string) bool {
	for _, marker := range Markers {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}
