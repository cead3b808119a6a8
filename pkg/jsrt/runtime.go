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

// Package jsrt runs compiled agent modules in an embedded JavaScript runtime.
//
// Each loaded agent gets its own Runtime with Node-style require, console,
// process.env and timers. The "@agentkit/sdk" module is implemented in Go: the
// agents, runners and session services it creates are host objects backed
// by the Go agent model. Agents written purely in JavaScript are adapted to
// agent.Agent.
//
// A goja runtime is single-threaded. Every entry into JavaScript goes
// through Runtime.Do, which serializes callers. Host functions invoked from
// JavaScript that run Go agents pass the lock on through their context so
// nested calls back into the same runtime do not deadlock.
//
// Timers live on an event loop that never runs in the background. Await
// drives it on the goroutine holding the VM until the awaited promise
// settles.
package jsrt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/process"
	"github.com/dop251/goja_nodejs/require"

	"github.com/kadirpekel/agentkit/pkg/agent"
	"github.com/kadirpekel/agentkit/pkg/agent/history"
	"github.com/kadirpekel/agentkit/pkg/agent/llmagent"
	"github.com/kadirpekel/agentkit/pkg/session"
)

// SDKModuleName is the module agents import host objects from.
const SDKModuleName = "@agentkit/sdk"

// DefaultModel is used by agents that do not name a model.
const DefaultModel = "gemini-2.5-flash"

var (
	// ErrClosed is returned once the runtime has been closed.
	ErrClosed = errors.New("javascript runtime closed")

	// ErrPromisePending is returned when a promise cannot settle: no timer
	// is left that could resolve it, or it is awaited from inside a
	// synchronous host call.
	ErrPromisePending = errors.New("promise did not settle")
)

// EnvPolicy decides whether a failed validateEnv call may continue. It
// returns nil to let the agent proceed with the partial environment.
type EnvPolicy func(err error) error

// Options configures a Runtime.
type Options struct {
	// Resolver turns model names into adapters for host agents.
	Resolver llmagent.ModelResolver

	// DefaultModel is used when an agent names no model.
	DefaultModel string

	// History filters the conversation sent by host agents.
	History history.Strategy

	// EnvPolicy handles validateEnv failures. Nil rejects every failure.
	EnvPolicy EnvPolicy

	// Logger receives console output. Defaults to slog.Default().
	Logger *slog.Logger
}

// Runtime is one JavaScript VM plus the host objects created in it.
type Runtime struct {
	mu     sync.Mutex
	vm     *goja.Runtime
	loop   *eventloop.EventLoop
	opts   Options
	logger *slog.Logger
	active context.Context
	closed bool

	// depth counts Do calls nested inside running JavaScript.
	depth int

	hostAgents map[*goja.Object]agent.Agent
	adapted    map[*goja.Object]agent.Agent
	bundles    map[*goja.Object]*Bundle
	services   map[*goja.Object]*session.InMemoryService
	contexts   map[*goja.Object]agent.InvocationContext
}

// Module is an executed bundle.
type Module struct {
	Path    string
	Exports goja.Value

	rt *Runtime
}

// Runtime returns the runtime the module was executed in.
func (m *Module) Runtime() *Runtime {
	return m.rt
}

type heldKey struct{ rt *Runtime }

// New creates a runtime with require, console, process, timers and the SDK
// module.
func New(opts Options) *Runtime {
	if opts.DefaultModel == "" {
		opts.DefaultModel = DefaultModel
	}
	if opts.History == nil {
		opts.History = history.All{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := require.NewRegistry()
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(&consolePrinter{logger: logger}))

	rt := &Runtime{
		loop:       eventloop.NewEventLoop(eventloop.WithRegistry(registry), eventloop.EnableConsole(false)),
		opts:       opts,
		logger:     logger,
		hostAgents: make(map[*goja.Object]agent.Agent),
		adapted:    make(map[*goja.Object]agent.Agent),
		bundles:    make(map[*goja.Object]*Bundle),
		services:   make(map[*goja.Object]*session.InMemoryService),
		contexts:   make(map[*goja.Object]agent.InvocationContext),
	}
	registry.RegisterNativeModule(SDKModuleName, rt.requireSDK)

	// The loop owns the VM and already enabled require and the timer
	// globals on it. Nothing is scheduled yet, so Run returns at once.
	rt.loop.Run(func(vm *goja.Runtime) { rt.vm = vm })
	rt.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	console.Enable(rt.vm)
	process.Enable(rt.vm)

	return rt
}

// Do runs fn with exclusive access to the VM. Calls made from a context
// that already holds the lock run directly. Cancelling ctx interrupts
// running JavaScript.
func (rt *Runtime) Do(ctx context.Context, fn func(vm *goja.Runtime) error) error {
	if held, _ := ctx.Value(heldKey{rt}).(bool); held {
		prev := rt.active
		rt.active = ctx
		rt.depth++
		defer func() {
			rt.active = prev
			rt.depth--
		}()
		return fn(rt.vm)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return ErrClosed
	}

	rt.active = context.WithValue(ctx, heldKey{rt}, true)
	defer func() { rt.active = nil }()

	stop := context.AfterFunc(ctx, func() { rt.vm.Interrupt(ctx.Err()) })
	defer func() {
		if !stop() {
			rt.vm.ClearInterrupt()
		}
	}()

	return fn(rt.vm)
}

// Close releases the VM and cancels its timers. Pending and later calls
// fail with ErrClosed.
func (rt *Runtime) Close() error {
	rt.vm.Interrupt(ErrClosed)
	rt.loop.StopNoWait()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil
	}
	rt.closed = true
	rt.loop.Terminate()
	clear(rt.hostAgents)
	clear(rt.adapted)
	clear(rt.bundles)
	clear(rt.services)
	clear(rt.contexts)
	return nil
}

// Load executes the CommonJS bundle at path and returns its exports.
func (rt *Runtime) Load(ctx context.Context, path string) (*Module, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", path, err)
	}

	var mod *Module
	err = rt.Do(ctx, func(vm *goja.Runtime) error {
		wrapper, err := vm.RunScript(path, "(function (exports, require, module, __filename, __dirname) {"+string(code)+"\n})")
		if err != nil {
			return rt.toError(err)
		}
		fn, ok := goja.AssertFunction(wrapper)
		if !ok {
			return fmt.Errorf("module wrapper of %s is not callable", path)
		}

		module := vm.NewObject()
		exports := vm.NewObject()
		_ = module.Set("exports", exports)

		if _, err := fn(goja.Undefined(), exports, vm.Get("require"), module, vm.ToValue(path), vm.ToValue(filepath.Dir(path))); err != nil {
			return rt.toError(err)
		}
		mod = &Module{Path: path, Exports: module.Get("exports"), rt: rt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mod, nil
}

// Await settles v when it is a promise, running timers until it does.
// Must be called inside Do.
func (rt *Runtime) Await(v goja.Value) (goja.Value, error) {
	if isNullish(v) {
		return v, nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	if p.State() == goja.PromiseStatePending && rt.depth == 0 {
		if err := rt.drive(v.(*goja.Object)); err != nil {
			return nil, err
		}
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, rt.valueError(p.Result(), nil)
	default:
		return nil, ErrPromisePending
	}
}

// drive runs the event loop until promise settles, nothing is left to run
// or the active context ends. JavaScript running meanwhile counts as
// nested, so an Await inside a timer callback cannot restart the loop.
func (rt *Runtime) drive(promise *goja.Object) error {
	then, ok := goja.AssertFunction(promise.Get("then"))
	if !ok {
		return fmt.Errorf("promise has no then method")
	}
	ctx := rt.activeContext()
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { rt.loop.StopNoWait() })
	defer stop()

	settled := rt.vm.ToValue(func(goja.FunctionCall) goja.Value {
		rt.loop.StopNoWait()
		return goja.Undefined()
	})

	rt.depth++
	defer func() { rt.depth-- }()

	var err error
	rt.loop.Run(func(*goja.Runtime) {
		_, err = then(promise, settled, settled)
	})
	if err != nil {
		return rt.toError(err)
	}
	return ctx.Err()
}

// Call invokes fn with this and args and settles the result. Must be
// called inside Do.
func (rt *Runtime) Call(fn goja.Callable, this goja.Value, args ...goja.Value) (goja.Value, error) {
	res, err := fn(this, args...)
	if err != nil {
		return nil, rt.toError(err)
	}
	return rt.Await(res)
}

// activeContext returns the context of the current Do call.
func (rt *Runtime) activeContext() context.Context {
	if rt.active != nil {
		return rt.active
	}
	return context.Background()
}

// throw raises err as a JavaScript exception from a host function.
func (rt *Runtime) throw(err error) {
	panic(rt.vm.NewGoError(err))
}

type consolePrinter struct {
	logger *slog.Logger
}

func (p *consolePrinter) Log(s string)   { p.logger.Info(s, "source", "console") }
func (p *consolePrinter) Warn(s string)  { p.logger.Warn(s, "source", "console") }
func (p *consolePrinter) Error(s string) { p.logger.Error(s, "source", "console") }
