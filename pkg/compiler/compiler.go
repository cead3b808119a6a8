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

// Package compiler bundles agent source files into CommonJS modules that the
// embedded JavaScript runtime can execute.
//
// Bundles are written to a cache directory inside the agent's project, named
// by a hash of the source path, and rebuilt only when the source file or the
// project's tsconfig.json is newer than the cached output. Module scopes
// listed as externals (the SDK scope by default) are left as require calls
// so the runtime can supply host implementations.
package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/agentkit/pkg/observability"
)

// Defaults.
const (
	DefaultCacheDir = ".agentkit/cache"
	keyLength       = 16
)

// DefaultExternals are the module scopes never bundled.
var DefaultExternals = []string{"@agentkit/*"}

// Options configures a Compiler.
type Options struct {
	// Externals are module patterns left out of bundles. A trailing "/*"
	// matches every module of a scope.
	Externals []string

	// CacheDir is the output directory relative to the project root.
	CacheDir string

	// Registry records every written bundle. Optional.
	Registry *CacheRegistry

	// TracerProvider receives compile spans. Defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Compiler bundles agent files with esbuild.
type Compiler struct {
	externals []string
	cacheDir  string
	registry  *CacheRegistry
	tracer    trace.Tracer

	builds   metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a Compiler.
func New(opts Options) *Compiler {
	externals := opts.Externals
	if len(externals) == 0 {
		externals = DefaultExternals
	}
	cacheDir := opts.CacheDir
	if cacheDir == "" {
		cacheDir = DefaultCacheDir
	}

	const scope = "github.com/kadirpekel/agentkit/pkg/compiler"
	meter := otel.Meter(scope)
	builds, _ := meter.Int64Counter("agentkit_compile_total",
		metric.WithDescription("Agent compilations by outcome"))
	duration, _ := meter.Float64Histogram("agentkit_compile_duration_seconds",
		metric.WithDescription("Agent bundle duration"),
		metric.WithUnit("s"))

	return &Compiler{
		externals: append([]string(nil), externals...),
		cacheDir:  cacheDir,
		registry:  opts.Registry,
		tracer:    observability.Tracer(opts.TracerProvider, scope),
		builds:    builds,
		duration:  duration,
	}
}

// CacheDir returns the cache directory of projectRoot.
func (c *Compiler) CacheDir(projectRoot string) string {
	return filepath.Join(projectRoot, filepath.FromSlash(c.cacheDir))
}

// OutputPath returns where the bundle of sourcePath is written.
func (c *Compiler) OutputPath(sourcePath, projectRoot string) string {
	return filepath.Join(c.CacheDir(projectRoot), CacheKey(sourcePath)+".js")
}

// CacheKey derives the bundle name from the normalized absolute source path.
func CacheKey(sourcePath string) string {
	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		abs = sourcePath
	}
	sum := sha256.Sum256([]byte(filepath.ToSlash(filepath.Clean(abs))))
	return hex.EncodeToString(sum[:])[:keyLength]
}

// Compile bundles sourcePath and returns the path of the bundle. A cached
// bundle is reused when it is newer than both the source and tsconfig.json.
func (c *Compiler) Compile(ctx context.Context, sourcePath, projectRoot string) (_ string, err error) {
	ctx, span := c.tracer.Start(ctx, observability.SpanCompile,
		trace.WithAttributes(attribute.String(observability.AttrSourcePath, sourcePath)))
	defer func() { observability.EndSpan(span, err) }()

	source, err := filepath.Abs(sourcePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", sourcePath, err)
	}
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project root %s: %w", projectRoot, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	srcInfo, err := os.Stat(source)
	if err != nil {
		return "", &CompilationError{Source: source, Message: err.Error(), Err: err}
	}

	output := c.OutputPath(source, root)
	tsconfigPath := filepath.Join(root, "tsconfig.json")
	if fresh(output, srcInfo.ModTime(), tsconfigPath) {
		slog.Debug("Using cached bundle", "source", source, "output", output)
		span.SetAttributes(attribute.Bool(observability.AttrBundleCached, true))
		c.track(output, root)
		return output, nil
	}

	if err := os.Remove(output); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove stale bundle", "output", output, "error", err)
	}

	span.SetAttributes(attribute.Bool(observability.AttrBundleCached, false))
	start := time.Now()
	code, err := c.bundle(source, root, tsconfigPath)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	c.builds.Add(ctx, 1, attrs)
	c.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		return "", err
	}

	if err := writeAtomic(output, code); err != nil {
		return "", fmt.Errorf("failed to write bundle for %s: %w", source, err)
	}
	c.track(output, root)

	slog.Debug("Compiled agent", "source", source, "output", output, "duration", time.Since(start))
	return output, nil
}

func (c *Compiler) bundle(source, root, tsconfigPath string) ([]byte, error) {
	aliases, err := LoadAliases(tsconfigPath)
	if err != nil {
		return nil, &CompilationError{Source: source, Message: err.Error(), Err: err}
	}

	result := api.Build(api.BuildOptions{
		EntryPoints:   []string{source},
		AbsWorkingDir: root,
		Bundle:        true,
		Write:         false,
		Format:        api.FormatCommonJS,
		Platform:      api.PlatformNode,
		Target:        api.ES2017,
		External:      c.externals,
		Plugins:       []api.Plugin{aliasPlugin(aliases, c.externals)},
		LogLevel:      api.LogLevelSilent,
	})

	if len(result.Errors) > 0 {
		return nil, newCompilationError(source, root, result.Errors)
	}
	if len(result.OutputFiles) == 0 {
		return nil, &CompilationError{Source: source, Message: "bundler produced no output"}
	}
	for _, w := range result.Warnings {
		slog.Debug("Bundler warning", "source", source, "warning", w.Text)
	}
	return result.OutputFiles[0].Contents, nil
}

func (c *Compiler) track(output, root string) {
	if c.registry != nil {
		c.registry.Track(output, root)
	}
}

// fresh reports whether output exists and is at least as new as the source
// and the tsconfig file.
func fresh(output string, srcMod time.Time, tsconfigPath string) bool {
	outInfo, err := os.Stat(output)
	if err != nil {
		return false
	}
	if outInfo.ModTime().Before(srcMod) {
		return false
	}
	if tsInfo, err := os.Stat(tsconfigPath); err == nil && outInfo.ModTime().Before(tsInfo.ModTime()) {
		return false
	}
	return true
}

// writeAtomic writes data next to path and renames it into place so readers
// never see a partial bundle.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".bundle-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// IsExternal reports whether specifier matches one of patterns.
func IsExternal(specifier string, patterns []string) bool {
	for _, p := range patterns {
		if scope, ok := strings.CutSuffix(p, "/*"); ok {
			if specifier == scope || strings.HasPrefix(specifier, scope+"/") {
				return true
			}
			continue
		}
		if specifier == p || strings.HasPrefix(specifier, p+"/") {
			return true
		}
	}
	return false
}
