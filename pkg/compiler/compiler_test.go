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
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kadirpekel/agentkit/pkg/observability"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCompileBundlesAliasesAndKeepsExternals(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "tsconfig.json"), `{
  // comments are allowed
  "compilerOptions": {
    "baseUrl": ".",
    "paths": { "@lib/*": ["src/lib/*"], },
  },
}`)
	writeFile(t, filepath.Join(root, "src/lib/greeting.ts"), `export const greeting: string = "hello from alias";`)
	source := filepath.Join(root, "agents/foo/agent.ts")
	writeFile(t, source, `
import { LlmAgent } from "@agentkit/sdk";
import { greeting } from "@lib/greeting";
export const agent = new LlmAgent({ name: "Foo", instruction: greeting });
`)

	registry := NewCacheRegistry()
	c := New(Options{Registry: registry})

	out, err := c.Compile(context.Background(), source, root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".agentkit", "cache", CacheKey(source)+".js"), out)

	code, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(code), "hello from alias")
	assert.Contains(t, string(code), `require("@agentkit/sdk")`)
	assert.Equal(t, []string{out}, registry.Files())
	assert.Equal(t, []string{root}, registry.Roots())
}

func TestCompileReusesFreshBundle(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(root, "agent.js")
	writeFile(t, source, `module.exports = { name: "a" };`)

	c := New(Options{})
	out, err := c.Compile(context.Background(), source, root)
	require.NoError(t, err)

	// Mark the bundle so a rebuild is observable.
	writeFile(t, out, "// cached")
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(out, future, future))

	_, err = c.Compile(context.Background(), source, root)
	require.NoError(t, err)
	code, _ := os.ReadFile(out)
	assert.Equal(t, "// cached", string(code))

	// A newer tsconfig forces a rebuild.
	writeFile(t, filepath.Join(root, "tsconfig.json"), `{}`)
	later := future.Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "tsconfig.json"), later, later))

	_, err = c.Compile(context.Background(), source, root)
	require.NoError(t, err)
	code, _ = os.ReadFile(out)
	assert.NotEqual(t, "// cached", string(code))
	assert.Contains(t, string(code), `name: "a"`)
}

func TestCompileTracesBuildsAndCacheHits(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(root, "agent.js")
	writeFile(t, source, `module.exports = { name: "a" };`)

	sr := tracetest.NewSpanRecorder()
	c := New(Options{TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))})

	out, err := c.Compile(context.Background(), source, root)
	require.NoError(t, err)
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(out, future, future))
	_, err = c.Compile(context.Background(), source, root)
	require.NoError(t, err)
	_, err = c.Compile(context.Background(), filepath.Join(root, "missing.ts"), root)
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 3)
	var cached []bool
	for _, s := range spans {
		assert.Equal(t, observability.SpanCompile, s.Name())
		for _, kv := range s.Attributes() {
			if kv.Key == observability.AttrBundleCached {
				cached = append(cached, kv.Value.AsBool())
			}
		}
	}
	assert.Equal(t, []bool{false, true}, cached)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
	assert.Equal(t, codes.Error, spans[2].Status().Code)
}

func TestCompileMissingDependencyHint(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(root, "agent.ts")
	writeFile(t, source, `import pad from "left-pad-not-installed"; export default pad;`)

	_, err := New(Options{}).Compile(context.Background(), source, root)
	require.Error(t, err)

	var ce *CompilationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, source, ce.Source)
	assert.Contains(t, ce.Message, "left-pad-not-installed")
	assert.Contains(t, ce.Hint, "npm install left-pad-not-installed")
}

func TestCompileSyntaxError(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(root, "agent.ts")
	writeFile(t, source, `export const = ;`)

	_, err := New(Options{}).Compile(context.Background(), source, root)
	var ce *CompilationError
	require.True(t, errors.As(err, &ce))
	assert.Empty(t, ce.Hint)
}

func TestCacheKeyIsStable(t *testing.T) {
	a := CacheKey("/tmp/project/agent.ts")
	assert.Len(t, a, 16)
	assert.Equal(t, a, CacheKey("/tmp/project/./agent.ts"))
	assert.NotEqual(t, a, CacheKey("/tmp/project/other.ts"))
}

func TestAliasesResolve(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src/utils/index.ts"), "")
	writeFile(t, filepath.Join(root, "src/config.js"), "")

	aliases := &Aliases{BaseDir: root, Entries: []Alias{
		{Pattern: "@utils", Targets: []string{"src/utils"}},
		{Pattern: "~/*", Targets: []string{"missing/*", "src/*"}},
	}}

	assert.Equal(t, filepath.Join(root, "src/utils/index.ts"), aliases.Resolve("@utils"))
	assert.Equal(t, filepath.Join(root, "src/config.js"), aliases.Resolve("~/config"))
	assert.Empty(t, aliases.Resolve("~/nope"))
	assert.Empty(t, aliases.Resolve("lodash"))
}

func TestIsExternal(t *testing.T) {
	patterns := []string{"@agentkit/*", "pg"}
	assert.True(t, IsExternal("@agentkit/sdk", patterns))
	assert.True(t, IsExternal("@agentkit/sdk/sub", patterns))
	assert.True(t, IsExternal("pg/lib", patterns))
	assert.False(t, IsExternal("@agentkitx/sdk", patterns))
	assert.False(t, IsExternal("pgx", patterns))
}

func TestStripJSONC(t *testing.T) {
	in := `{"a": "http://x", /* block */ "b": [1, 2,], // tail
}`
	assert.JSONEq(t, `{"a": "http://x", "b": [1, 2]}`, string(StripJSONC([]byte(in))))
}

func TestRegistryCleanup(t *testing.T) {
	root := t.TempDir()
	source := filepath.Join(root, "agent.js")
	writeFile(t, source, `module.exports = {};`)

	registry := NewCacheRegistry()
	out, err := New(Options{Registry: registry}).Compile(context.Background(), source, root)
	require.NoError(t, err)

	require.NoError(t, registry.Cleanup())
	assert.NoFileExists(t, out)
	assert.NoDirExists(t, filepath.Dir(out))
	assert.Empty(t, registry.Files())
}

func TestCacheDirUnderProjectRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "p")
	assert.Equal(t, filepath.Join(root, ".agentkit", "cache"), New(Options{}).CacheDir(root))
	assert.Equal(t, filepath.Join(root, "build", "bundles"), New(Options{CacheDir: "build/bundles"}).CacheDir(root))
}

func TestCleanRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".agentkit/cache/abc.js"), "x")

	require.NoError(t, CleanRoot(root, ""))
	assert.NoDirExists(t, filepath.Join(root, ".agentkit"))
	require.NoError(t, CleanRoot(root, ""))
}
