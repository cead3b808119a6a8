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

// Package envfile loads .env files from a project root.
package envfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Priority lists env file names from highest to lowest priority.
var Priority = []string{
	".env.local",
	".env.development.local",
	".env.production.local",
	".env.development",
	".env.production",
	".env",
}

// Existing returns the env files present in root, in priority order.
func Existing(root string) []string {
	var found []string
	for _, name := range Priority {
		path := filepath.Join(root, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			found = append(found, path)
		}
	}
	return found
}

// Load reads every existing env file in root in priority order and sets
// variables that are not already present in the process environment.
// A variable defined by several files takes the value from the
// highest-priority one. It returns the files that were read.
func Load(root string) ([]string, error) {
	files := Existing(root)
	for _, path := range files {
		values, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		applied := 0
		for key, value := range values {
			if _, set := os.LookupEnv(key); set {
				continue
			}
			if err := os.Setenv(key, value); err != nil {
				return nil, fmt.Errorf("failed to set %s from %s: %w", key, path, err)
			}
			applied++
		}
		slog.Debug("Loaded env file", "path", path, "applied", applied, "defined", len(values))
	}
	return files, nil
}
