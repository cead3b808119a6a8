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

// Package loader turns an agent source file into a running agent.
//
// Loading reads the project's env files, compiles the source into a
// CommonJS bundle, executes the bundle in a fresh JavaScript runtime and
// resolves the exported agent. Environment validation failures raised
// while the module runs are classified: missing optional variables only
// warn, missing required ones fail with a diagnostic.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/agentkit/pkg/agent"
	"github.com/kadirpekel/agentkit/pkg/agent/history"
	"github.com/kadirpekel/agentkit/pkg/agent/llmagent"
	"github.com/kadirpekel/agentkit/pkg/compiler"
	"github.com/kadirpekel/agentkit/pkg/envfile"
	"github.com/kadirpekel/agentkit/pkg/jsrt"
	"github.com/kadirpekel/agentkit/pkg/observability"
	"github.com/kadirpekel/agentkit/pkg/project"
	"github.com/kadirpekel/agentkit/pkg/resolver"
)

// Options configures a Loader.
type Options struct {
	// Compiler bundles sources. Defaults to compiler.New with defaults.
	Compiler *compiler.Compiler

	// Models resolves model names for host agents.
	Models llmagent.ModelResolver

	DefaultModel string
	History      history.Strategy

	// SkipEnvFiles disables reading .env files.
	SkipEnvFiles bool

	Logger *slog.Logger

	// TracerProvider receives load spans. Defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Loader loads agent modules.
type Loader struct {
	opts     Options
	compiler *compiler.Compiler
	resolver *resolver.Resolver
	logger   *slog.Logger
	tracer   trace.Tracer

	loads    metric.Int64Counter
	duration metric.Float64Histogram
}

// Loaded is a resolved agent together with the runtime it lives in.
type Loaded struct {
	Agent  agent.Agent
	Bundle *jsrt.Bundle

	Runtime      *jsrt.Runtime
	SourcePath   string
	CompiledPath string
	ProjectRoot  string
	Export       string
}

// Close releases the runtime.
func (l *Loaded) Close() error {
	if l == nil || l.Runtime == nil {
		return nil
	}
	return l.Runtime.Close()
}

// New creates a Loader.
func New(opts Options) *Loader {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := opts.Compiler
	if c == nil {
		c = compiler.New(compiler.Options{TracerProvider: opts.TracerProvider})
	}

	const scope = "github.com/kadirpekel/agentkit/pkg/loader"
	l := &Loader{
		opts:     opts,
		compiler: c,
		resolver: resolver.New(logger),
		logger:   logger.With("component", "loader"),
		tracer:   observability.Tracer(opts.TracerProvider, scope),
	}

	meter := otel.Meter(scope)
	l.loads, _ = meter.Int64Counter("agentkit_agent_loads_total",
		metric.WithDescription("Agent module loads by outcome"))
	l.duration, _ = meter.Float64Histogram("agentkit_agent_load_duration_seconds",
		metric.WithDescription("Time to compile, execute and resolve an agent module"),
		metric.WithUnit("s"))
	return l
}

// Load compiles and executes the agent at sourcePath. An empty
// projectRoot is discovered from the source location.
func (l *Loader) Load(ctx context.Context, sourcePath, projectRoot string) (*Loaded, error) {
	ctx, span := l.tracer.Start(ctx, observability.SpanLoad,
		trace.WithAttributes(attribute.String(observability.AttrAgentPath, sourcePath)))
	start := time.Now()
	loaded, err := l.load(ctx, sourcePath, projectRoot)
	if err == nil {
		span.SetAttributes(
			attribute.String(observability.AttrAgentName, loaded.Agent.Name()),
			attribute.String(observability.AttrExport, loaded.Export))
	}
	observability.EndSpan(span, err)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	l.loads.Add(ctx, 1, attrs)
	l.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	return loaded, err
}

func (l *Loader) load(ctx context.Context, sourcePath, projectRoot string) (*Loaded, error) {
	source, err := filepath.Abs(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("invalid agent path %s: %w", sourcePath, err)
	}
	root := projectRoot
	if root == "" {
		root = project.FindRoot(source)
	}

	if !l.opts.SkipEnvFiles {
		if _, err := envfile.Load(root); err != nil {
			return nil, err
		}
	}

	compiled, err := l.compiler.Compile(ctx, source, root)
	if err != nil {
		return nil, err
	}

	rt := jsrt.New(jsrt.Options{
		Resolver:     l.opts.Models,
		DefaultModel: l.opts.DefaultModel,
		History:      l.opts.History,
		EnvPolicy:    EnvPolicy(root, l.logger),
		Logger:       l.logger.With("agent", source),
	})

	mod, err := rt.Load(ctx, compiled)
	if err != nil {
		_ = rt.Close()
		return nil, l.executionError(root, source, err)
	}

	res, err := l.resolver.Resolve(ctx, mod)
	if err != nil {
		_ = rt.Close()
		return nil, l.executionError(root, source, err)
	}

	l.logger.Debug("Loaded agent", "source", source, "agent", res.Agent.Name(), "export", res.Export)
	return &Loaded{
		Agent:        res.Agent,
		Bundle:       res.Bundle,
		Runtime:      rt,
		SourcePath:   source,
		CompiledPath: compiled,
		ProjectRoot:  root,
		Export:       res.Export,
	}, nil
}

// executionError classifies a failure raised while the module ran.
func (l *Loader) executionError(root, source string, err error) error {
	var missing *MissingEnvironmentVariableError
	if errors.As(err, &missing) {
		return missing
	}

	c := Classify(err)
	if c.IsMissingEnv && len(c.RequiredMissing) > 0 {
		return newMissingEnvError(root, c, err)
	}
	if c.IsMissingEnv {
		l.logger.Warn("Agent module failed on optional environment variables", "variables", c.OptionalMissing, "source", source)
	}

	var noExport *resolver.NoAgentExportError
	if errors.As(err, &noExport) {
		return fmt.Errorf("%s: %w", source, err)
	}
	return fmt.Errorf("failed to execute %s: %w", source, err)
}
