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

// Package resolver finds the agent a compiled module exports.
//
// Modules export agents in many shapes: an agent instance, a builder that
// still needs build(), a pre-built {agent, runner, session} bundle, a
// factory function, or any of these under a named export. Resolve tries
// them in a fixed order and returns the first match.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dop251/goja"

	"github.com/kadirpekel/agentkit/pkg/agent"
	"github.com/kadirpekel/agentkit/pkg/jsrt"
)

// maxDepth bounds builders that build into other builders.
const maxDepth = 4

// factoryHints are the substrings that mark a named function export as an
// agent factory.
var factoryHints = []string{"agent", "build", "create"}

// Resolution is the agent found in a module. Bundle is set when the module
// exported a pre-built bundle.
type Resolution struct {
	Agent  agent.Agent
	Bundle *jsrt.Bundle

	// Export names where the agent was found, e.g. "default" or "agent".
	Export string
}

// Resolver resolves module exports to agents.
type Resolver struct {
	logger *slog.Logger
}

// New creates a Resolver. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger.With("component", "resolver")}
}

// Resolve resolves mod with the default resolver.
func Resolve(ctx context.Context, mod *jsrt.Module) (*Resolution, error) {
	return New(nil).Resolve(ctx, mod)
}

// classifier pairs a shape predicate with the extractor for that shape.
type classifier struct {
	shape   string
	matches func(goja.Value) bool
	extract func(p *pass, v goja.Value, depth int) (*Resolution, error)
}

// classifiers is filled in init because extractBuilt classifies what
// build() returns.
var classifiers []classifier

func init() {
	classifiers = []classifier{
		{shape: "agent", matches: jsrt.IsAgentShaped, extract: extractAgent},
		{shape: "builder", matches: jsrt.IsBuilderShaped, extract: extractBuilt},
		{shape: "bundle", matches: jsrt.IsBundleShaped, extract: extractBundle},
	}
}

// pass holds the state of one Resolve call. It only lives inside Do.
type pass struct {
	rt     *jsrt.Runtime
	logger *slog.Logger
}

// Resolve returns the agent exported by mod.
func (r *Resolver) Resolve(ctx context.Context, mod *jsrt.Module) (*Resolution, error) {
	if mod == nil || mod.Runtime() == nil {
		return nil, fmt.Errorf("module is not loaded")
	}

	var res *Resolution
	err := mod.Runtime().Do(ctx, func(vm *goja.Runtime) error {
		p := &pass{rt: mod.Runtime(), logger: r.logger.With("module", mod.Path)}
		var err error
		res, err = p.resolve(mod.Exports)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Resolved agent export", "module", mod.Path, "export", res.Export, "agent", res.Agent.Name())
	return res, nil
}

func (p *pass) resolve(exports goja.Value) (*Resolution, error) {
	direct, directName := directCandidate(exports)
	if direct != nil {
		res, err := p.classify(direct, 0)
		if err != nil {
			return nil, err
		}
		if res != nil {
			res.Export = directName
			return res, nil
		}
	}

	if res := p.scanNamed(exports); res != nil {
		return res, nil
	}

	if direct != nil {
		if fn, ok := goja.AssertFunction(direct); ok {
			out, err := p.rt.Call(fn, goja.Undefined())
			if err != nil {
				return nil, &AgentFunctionExecutionError{Export: directName, Err: err}
			}
			res, err := p.classifyWithWrapper(out)
			if err != nil {
				return nil, &AgentFunctionExecutionError{Export: directName, Err: err}
			}
			if res != nil {
				res.Export = directName
				return res, nil
			}
		}
	}

	return nil, &NoAgentExportError{Exports: exportNames(exports)}
}

// directCandidate returns the first object among exports.agent,
// exports.default.agent, exports.default and exports itself. A container
// holding a pre-built bundle is returned whole so its session comes along.
// The exports object of an ES module is a namespace and never a candidate.
func directCandidate(exports goja.Value) (goja.Value, string) {
	obj, ok := exports.(*goja.Object)
	if !ok {
		return nil, ""
	}
	marker := obj.Get("__esModule")
	namespace := marker != nil && marker.ToBoolean()

	def := obj.Get("default")
	if isObject(def) && def.StrictEquals(obj) {
		def = nil
	}

	candidates := []struct {
		name  string
		value goja.Value
		ok    bool
	}{
		{"module.exports", obj, !namespace && jsrt.IsBundleShaped(obj)},
		{"agent", obj.Get("agent"), true},
		{"default", def, jsrt.IsBundleShaped(def)},
		{"default.agent", property(def, "agent"), true},
		{"default", def, true},
		{"module.exports", obj, !namespace},
	}
	for _, c := range candidates {
		if c.ok && isObject(c.value) {
			return c.value, c.name
		}
	}
	return nil, ""
}

// classify runs the classifiers in order. It returns nil without error
// when v has none of the shapes.
func (p *pass) classify(v goja.Value, depth int) (*Resolution, error) {
	if !isObject(v) {
		return nil, nil
	}
	for _, c := range classifiers {
		if c.matches(v) {
			return c.extract(p, v, depth)
		}
	}
	return nil, nil
}

// classifyWithWrapper classifies v and then its agent property.
func (p *pass) classifyWithWrapper(v goja.Value) (*Resolution, error) {
	res, err := p.classify(v, 0)
	if res != nil || err != nil {
		return res, err
	}
	return p.classify(property(v, "agent"), 0)
}

// scanNamed tries every named export except default. Failures are logged
// and the scan moves on.
func (p *pass) scanNamed(exports goja.Value) *Resolution {
	obj, ok := exports.(*goja.Object)
	if !ok {
		return nil
	}
	for _, name := range obj.Keys() {
		if name == "default" || name == "__esModule" {
			continue
		}
		v := obj.Get(name)
		if !isObject(v) {
			continue
		}

		res, err := p.classifyWithWrapper(v)
		if err != nil {
			p.logger.Debug("Skipping export", "export", name, "error", err)
			continue
		}
		if res != nil {
			res.Export = name
			return res
		}

		fn, callable := goja.AssertFunction(v)
		if !callable || !isFactoryName(name) {
			continue
		}
		out, err := p.rt.Call(fn, goja.Undefined())
		if err != nil {
			p.logger.Debug("Agent factory failed", "export", name, "error", err)
			continue
		}
		res, err = p.classifyWithWrapper(out)
		if err != nil {
			p.logger.Debug("Agent factory returned an unusable value", "export", name, "error", err)
			continue
		}
		if res != nil {
			res.Export = name
			return res
		}
	}
	return nil
}

func extractAgent(p *pass, v goja.Value, _ int) (*Resolution, error) {
	ag, err := p.rt.AdaptAgent(v)
	if err != nil {
		return nil, err
	}
	return &Resolution{Agent: ag}, nil
}

func extractBuilt(p *pass, v goja.Value, depth int) (*Resolution, error) {
	if depth >= maxDepth {
		return nil, fmt.Errorf("builder nesting exceeds %d levels", maxDepth)
	}
	obj := v.(*goja.Object)
	build, _ := goja.AssertFunction(obj.Get("build"))
	built, err := p.rt.Call(build, obj)
	if err != nil {
		return nil, fmt.Errorf("build failed: %w", err)
	}
	res, err := p.classify(built, depth+1)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("build() returned neither an agent nor a bundle")
	}
	return res, nil
}

func extractBundle(p *pass, v goja.Value, _ int) (*Resolution, error) {
	b, err := p.rt.BundleFrom(v)
	if err != nil {
		return nil, err
	}
	return &Resolution{Agent: b.Agent, Bundle: b}, nil
}

func isFactoryName(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range factoryHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func isObject(v goja.Value) bool {
	_, ok := v.(*goja.Object)
	return ok
}

func property(v goja.Value, key string) goja.Value {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	return obj.Get(key)
}

func exportNames(exports goja.Value) []string {
	obj, ok := exports.(*goja.Object)
	if !ok {
		return nil
	}
	var names []string
	for _, k := range obj.Keys() {
		if k != "__esModule" {
			names = append(names, k)
		}
	}
	return names
}
