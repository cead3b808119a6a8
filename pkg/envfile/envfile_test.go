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

package envfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadPriority(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env.local", "AGENTKIT_TEST_KEY=a\n")
	writeFile(t, dir, ".env", "AGENTKIT_TEST_KEY=b\nAGENTKIT_TEST_ONLY_BASE=base\n")
	t.Setenv("AGENTKIT_TEST_KEY", "")
	os.Unsetenv("AGENTKIT_TEST_KEY")
	t.Setenv("AGENTKIT_TEST_ONLY_BASE", "")
	os.Unsetenv("AGENTKIT_TEST_ONLY_BASE")

	files, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(dir, ".env.local"), filepath.Join(dir, ".env")}, files)
	assert.Equal(t, "a", os.Getenv("AGENTKIT_TEST_KEY"))
	assert.Equal(t, "base", os.Getenv("AGENTKIT_TEST_ONLY_BASE"))
}

func TestLoadDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "AGENTKIT_TEST_PRESET=file\n")
	t.Setenv("AGENTKIT_TEST_PRESET", "process")

	_, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "process", os.Getenv("AGENTKIT_TEST_PRESET"))
}

func TestExistingOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "")
	writeFile(t, dir, ".env.production", "")
	writeFile(t, dir, ".env.development.local", "")

	assert.Equal(t, []string{
		filepath.Join(dir, ".env.development.local"),
		filepath.Join(dir, ".env.production"),
		filepath.Join(dir, ".env"),
	}, Existing(dir))
	assert.Empty(t, Existing(t.TempDir()))
}
