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

package scanner

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentkit/pkg/testutils"
)

func TestScan(t *testing.T) {
	root := t.TempDir()
	testutils.WriteFiles(t, root, map[string]string{
		"package.json":                      `{}`,
		"agents/foo/agent.ts":               `export default new LlmAgent({ name: "Foo", model: "gemini-2.5-flash" });`,
		"agents/foo/agent.js":               `module.exports = { name: "FooJS" };`,
		"src/agents/support/agent.js":       `module.exports = AgentBuilder.create('Support Desk').build();`,
		"tools/helper/agent.ts":             `export const agent = { runAsync() {} };`,
		"node_modules/pkg/agent.js":         `module.exports = { name: "Vendored" };`,
		".hidden/agent.ts":                  `export default { name: "Hidden" };`,
		"dist/agents/foo/agent.js":          `module.exports = { name: "Built" };`,
		"agents/team/researcher/agent.ts":   "const name = 1;\nexport default AgentBuilder.create(`Researcher`);",
		".agentkit/cache/agents/x/agent.js": `module.exports = { name: "Cached" };`,
	})

	found, err := Scan(root)
	require.NoError(t, err)

	got := map[string]AgentDescriptor{}
	var order []string
	for _, d := range found {
		got[d.RelativePath] = d
		order = append(order, d.RelativePath)
	}
	assert.Equal(t, []string{"foo", "support", "team/researcher", "tools/helper"}, order)

	foo := got["foo"]
	assert.Equal(t, "Foo", foo.DisplayName)
	assert.Equal(t, filepath.Join(root, "agents/foo/agent.ts"), foo.AbsolutePath)
	assert.Equal(t, root, foo.ProjectRoot)

	assert.Equal(t, "Support Desk", got["support"].DisplayName)
	assert.Equal(t, "Researcher", got["team/researcher"].DisplayName)
	assert.Equal(t, "helper", got["tools/helper"].DisplayName)
}

func TestScanRootAgent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "solo")
	testutils.WriteFiles(t, root, map[string]string{"agent.js": `module.exports = {};`})

	found, err := Scan(root)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "solo", found[0].RelativePath)
	assert.Equal(t, "solo", found[0].DisplayName)
}

func TestScanErrors(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	dir := t.TempDir()
	testutils.WriteFiles(t, dir, map[string]string{"file.txt": "x"})
	_, err = Scan(filepath.Join(dir, "file.txt"))
	assert.Error(t, err)
}

func TestRelativePath(t *testing.T) {
	root := filepath.FromSlash("/work/project")
	for dir, want := range map[string]string{
		"/work/project":                  "project",
		"/work/project/agents/foo":       "foo",
		"/work/project/src/agents/a/b":   "a/b",
		"/work/project/agents":           "agents",
		"/work/project/services/billing": "services/billing",
	} {
		assert.Equal(t, want, RelativePath(root, filepath.FromSlash(dir)), dir)
	}
}
