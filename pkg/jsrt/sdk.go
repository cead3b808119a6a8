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

package jsrt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/mitchellh/mapstructure"
	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/agent"
	"github.com/kadirpekel/agentkit/pkg/agent/llmagent"
	"github.com/kadirpekel/agentkit/pkg/agent/workflowagent"
	"github.com/kadirpekel/agentkit/pkg/envschema"
	"github.com/kadirpekel/agentkit/pkg/model"
	"github.com/kadirpekel/agentkit/pkg/runner"
	"github.com/kadirpekel/agentkit/pkg/session"
)

// DefaultUserID owns sessions created by builders without a userId.
const DefaultUserID = "user"

// Bundle is a pre-built agent with its own runner and session.
type Bundle struct {
	Agent agent.Agent

	// Runner and Sessions are set for bundles built by AgentBuilder.
	Runner   *runner.Runner
	Sessions session.Service

	AppName   string
	UserID    string
	SessionID string
	State     map[string]any
}

// storeAgent is an agent created with its own session service.
type storeAgent struct {
	agent.Agent
	store agent.SessionSource
}

func (a *storeAgent) SessionStore() agent.SessionSource { return a.store }

// serviceOf returns the host session service behind v, or nil when v is
// not an InMemorySessionService created in this runtime.
func (rt *Runtime) serviceOf(v goja.Value) *session.InMemoryService {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	return rt.services[obj]
}

type llmAgentOptions struct {
	Name                  string `mapstructure:"name"`
	Description           string `mapstructure:"description"`
	Model                 string `mapstructure:"model"`
	OutputKey             string `mapstructure:"outputKey"`
	IncludeContents       string `mapstructure:"includeContents"`
	GenerateContentConfig *struct {
		Temperature     *float64 `mapstructure:"temperature"`
		MaxOutputTokens *int     `mapstructure:"maxOutputTokens"`
		TopP            *float64 `mapstructure:"topP"`
		StopSequences   []string `mapstructure:"stopSequences"`
	} `mapstructure:"generateContentConfig"`
}

type workflowOptions struct {
	Name          string `mapstructure:"name"`
	Description   string `mapstructure:"description"`
	MaxIterations uint   `mapstructure:"maxIterations"`
}

type sessionOptions struct {
	AppName   string         `mapstructure:"appName"`
	UserID    string         `mapstructure:"userId"`
	SessionID string         `mapstructure:"sessionId"`
	State     map[string]any `mapstructure:"state"`
}

// requireSDK populates the @agentkit/sdk module.
func (rt *Runtime) requireSDK(vm *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)

	_ = exports.Set("LlmAgent", rt.newLlmAgent)
	_ = exports.Set("SequentialAgent", rt.workflowConstructor("SequentialAgent"))
	_ = exports.Set("ParallelAgent", rt.workflowConstructor("ParallelAgent"))
	_ = exports.Set("LoopAgent", rt.workflowConstructor("LoopAgent"))
	_ = exports.Set("InMemorySessionService", rt.newSessionService)
	_ = exports.Set("validateEnv", rt.validateEnv)

	builder := vm.NewObject()
	_ = builder.Set("create", rt.createBuilder)
	_ = exports.Set("AgentBuilder", builder)
}

func (rt *Runtime) objectArg(v goja.Value, what string) *goja.Object {
	obj, ok := v.(*goja.Object)
	if !ok {
		panic(rt.vm.NewTypeError("%s expects an options object", what))
	}
	return obj
}

func (rt *Runtime) newLlmAgent(call goja.ConstructorCall) *goja.Object {
	def := rt.objectArg(call.Argument(0), "LlmAgent")
	ag, err := rt.buildLlmAgent(def)
	if err != nil {
		rt.throw(err)
	}
	rt.exposeAgent(call.This, ag, def.Get("subAgents"))
	return call.This
}

func (rt *Runtime) buildLlmAgent(def *goja.Object) (agent.Agent, error) {
	var opts llmAgentOptions
	if err := mapstructure.WeakDecode(def.Export(), &opts); err != nil {
		return nil, fmt.Errorf("invalid LlmAgent options: %w", err)
	}
	if opts.Model == "" {
		opts.Model = rt.opts.DefaultModel
	}
	if rt.opts.Resolver == nil {
		return nil, fmt.Errorf("agent %s: no model provider is configured", opts.Name)
	}

	subs, err := rt.agentList(def.Get("subAgents"))
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", opts.Name, err)
	}

	cfg := llmagent.Config{
		Name:        opts.Name,
		Description: opts.Description,
		ModelName:   opts.Model,
		Resolver:    rt.opts.Resolver,
		SubAgents:   subs,
		OutputKey:   opts.OutputKey,
		History:     rt.opts.History,
	}
	if opts.IncludeContents == string(llmagent.IncludeContentsNone) {
		cfg.IncludeContents = llmagent.IncludeContentsNone
	}
	if gc := opts.GenerateContentConfig; gc != nil {
		cfg.GenerateConfig = &model.GenerateConfig{
			Temperature:   gc.Temperature,
			MaxTokens:     gc.MaxOutputTokens,
			TopP:          gc.TopP,
			StopSequences: gc.StopSequences,
		}
	}

	instruction := def.Get("instruction")
	if fn, ok := goja.AssertFunction(instruction); ok {
		cfg.InstructionProvider = rt.instructionProvider(fn)
	} else if !isNullish(instruction) {
		cfg.Instruction = instruction.String()
	}

	ag, err := llmagent.New(cfg)
	if err != nil {
		return nil, err
	}

	if svc := rt.serviceOf(def.Get("sessionService")); svc != nil {
		return &storeAgent{Agent: ag, store: svc}, nil
	}
	return ag, nil
}

func (rt *Runtime) instructionProvider(fn goja.Callable) llmagent.InstructionProvider {
	return func(rc agent.ReadonlyContext) (string, error) {
		var out string
		err := rt.Do(rc, func(vm *goja.Runtime) error {
			state := make(map[string]any)
			if st := rc.ReadonlyState(); st != nil {
				for k, v := range st.All() {
					state[k] = v
				}
			}
			arg := vm.ToValue(map[string]any{
				"invocationId": rc.InvocationID(),
				"agentName":    rc.AgentName(),
				"appName":      rc.AppName(),
				"userId":       rc.UserID(),
				"sessionId":    rc.SessionID(),
				"state":        state,
			})
			res, err := rt.Call(fn, goja.Undefined(), arg)
			if err != nil {
				return err
			}
			if !isNullish(res) {
				out = res.String()
			}
			return nil
		})
		return out, err
	}
}

func (rt *Runtime) workflowConstructor(kind string) func(goja.ConstructorCall) *goja.Object {
	return func(call goja.ConstructorCall) *goja.Object {
		def := rt.objectArg(call.Argument(0), kind)
		var opts workflowOptions
		if err := mapstructure.WeakDecode(def.Export(), &opts); err != nil {
			rt.throw(fmt.Errorf("invalid %s options: %w", kind, err))
		}
		subs, err := rt.agentList(def.Get("subAgents"))
		if err != nil {
			rt.throw(fmt.Errorf("%s %s: %w", kind, opts.Name, err))
		}

		var ag agent.Agent
		switch kind {
		case "SequentialAgent":
			ag, err = workflowagent.NewSequential(workflowagent.SequentialConfig{
				Name: opts.Name, Description: opts.Description, SubAgents: subs,
			})
		case "ParallelAgent":
			ag, err = workflowagent.NewParallel(workflowagent.ParallelConfig{
				Name: opts.Name, Description: opts.Description, SubAgents: subs,
			})
		default:
			ag, err = workflowagent.NewLoop(workflowagent.LoopConfig{
				Name: opts.Name, Description: opts.Description, SubAgents: subs, MaxIterations: opts.MaxIterations,
			})
		}
		if err != nil {
			rt.throw(err)
		}
		rt.exposeAgent(call.This, ag, def.Get("subAgents"))
		return call.This
	}
}

// exposeAgent turns obj into the JavaScript face of a host agent.
func (rt *Runtime) exposeAgent(obj *goja.Object, ag agent.Agent, subAgents goja.Value) {
	_ = obj.Set("name", ag.Name())
	_ = obj.Set("description", ag.Description())
	if isNullish(subAgents) {
		subAgents = rt.vm.NewArray()
	}
	_ = obj.Set("subAgents", subAgents)
	_ = obj.Set("runAsync", rt.hostRunAsync(ag))
	rt.hostAgents[obj] = ag
}

// hostRunAsync runs a host agent from JavaScript and returns its complete
// events as an array.
func (rt *Runtime) hostRunAsync(ag agent.Agent) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		ctxObj, _ := call.Argument(0).(*goja.Object)
		ic, ok := rt.contexts[ctxObj]
		if !ok {
			panic(rt.vm.NewTypeError("runAsync expects the context object passed to the calling agent"))
		}

		held := heldInvocation{InvocationContext: ic, held: rt.activeContext()}
		var events []any
		for ev, err := range ag.Run(agent.WithAgent(held, ag)) {
			if err != nil {
				rt.throw(err)
			}
			if ev == nil || ev.Partial {
				continue
			}
			events = append(events, eventMap(ev))
		}
		return rt.vm.ToValue(events)
	}
}

func (rt *Runtime) createBuilder(call goja.FunctionCall) goja.Value {
	vm := rt.vm
	name := call.Argument(0)
	if isNullish(name) || name.String() == "" {
		panic(vm.NewTypeError("AgentBuilder.create expects an agent name"))
	}

	def := vm.NewObject()
	_ = def.Set("name", name.String())
	var sessionOpts goja.Value = goja.Undefined()

	b := vm.NewObject()
	setter := func(key string) func(goja.FunctionCall) goja.Value {
		return func(c goja.FunctionCall) goja.Value {
			_ = def.Set(key, c.Argument(0))
			return b
		}
	}
	_ = b.Set("withModel", setter("model"))
	_ = b.Set("withDescription", setter("description"))
	_ = b.Set("withInstruction", setter("instruction"))
	_ = b.Set("withSubAgents", setter("subAgents"))
	_ = b.Set("withOutputKey", setter("outputKey"))
	_ = b.Set("withGenerateContentConfig", setter("generateContentConfig"))
	_ = b.Set("withSessionService", func(c goja.FunctionCall) goja.Value {
		_ = def.Set("sessionService", c.Argument(0))
		sessionOpts = c.Argument(1)
		return b
	})
	_ = b.Set("build", func(goja.FunctionCall) goja.Value {
		bundle, err := rt.buildBundle(def, sessionOpts)
		if err != nil {
			rt.throw(err)
		}
		return bundle
	})
	return b
}

func (rt *Runtime) buildBundle(def *goja.Object, sessionOpts goja.Value) (*goja.Object, error) {
	vm := rt.vm
	ag, err := rt.buildLlmAgent(def)
	if err != nil {
		return nil, err
	}

	var svcObj *goja.Object
	var svc *session.InMemoryService
	if obj, ok := def.Get("sessionService").(*goja.Object); ok {
		svcObj, svc = obj, rt.services[obj]
	}
	if svc == nil {
		svcObj = vm.NewObject()
		svc = session.NewInMemoryService()
		rt.exposeSessionService(svcObj, svc)
	}

	var so sessionOptions
	if !isNullish(sessionOpts) {
		if err := mapstructure.WeakDecode(sessionOpts.Export(), &so); err != nil {
			return nil, fmt.Errorf("invalid session options: %w", err)
		}
	}
	if so.AppName == "" {
		so.AppName = ag.Name()
	}
	if so.UserID == "" {
		so.UserID = DefaultUserID
	}

	created, err := svc.Create(rt.activeContext(), &session.CreateRequest{
		AppName:   so.AppName,
		UserID:    so.UserID,
		SessionID: so.SessionID,
		State:     so.State,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	r, err := runner.New(runner.Config{AppName: so.AppName, Agent: ag, SessionService: svc})
	if err != nil {
		return nil, err
	}

	agentObj := vm.NewObject()
	rt.exposeAgent(agentObj, ag, def.Get("subAgents"))

	bundle := vm.NewObject()
	_ = bundle.Set("agent", agentObj)
	_ = bundle.Set("runner", rt.runnerObject(r, so.UserID, created.Session.ID()))
	_ = bundle.Set("session", vm.ToValue(sessionMap(created.Session)))
	_ = bundle.Set("sessionService", svcObj)

	rt.bundles[bundle] = &Bundle{
		Agent:     ag,
		Runner:    r,
		Sessions:  svc,
		AppName:   so.AppName,
		UserID:    so.UserID,
		SessionID: created.Session.ID(),
		State:     session.StateMap(created.Session),
	}
	return bundle, nil
}

func (rt *Runtime) runnerObject(r *runner.Runner, userID, sessionID string) *goja.Object {
	obj := rt.vm.NewObject()
	_ = obj.Set("appName", r.AppName())
	_ = obj.Set("ask", func(call goja.FunctionCall) goja.Value {
		content := genai.NewContentFromText(call.Argument(0).String(), genai.RoleUser)
		var sb strings.Builder
		for ev, err := range r.Run(rt.activeContext(), userID, sessionID, content) {
			if err != nil {
				rt.throw(err)
			}
			if ev != nil && !ev.Partial {
				sb.WriteString(ev.TextContent())
			}
		}
		return rt.vm.ToValue(strings.TrimSpace(sb.String()))
	})
	return obj
}

func (rt *Runtime) newSessionService(call goja.ConstructorCall) *goja.Object {
	rt.exposeSessionService(call.This, session.NewInMemoryService())
	return call.This
}

// exposeSessionService binds the session methods of svc to obj. Methods
// accept positional arguments or a single options object.
func (rt *Runtime) exposeSessionService(obj *goja.Object, svc *session.InMemoryService) {
	vm := rt.vm
	_ = obj.Set("createSession", func(call goja.FunctionCall) goja.Value {
		so := rt.sessionArgs(call)
		resp, err := svc.Create(rt.activeContext(), &session.CreateRequest{
			AppName:   so.AppName,
			UserID:    so.UserID,
			SessionID: so.SessionID,
			State:     so.State,
		})
		if err != nil {
			rt.throw(err)
		}
		return vm.ToValue(sessionMap(resp.Session))
	})
	_ = obj.Set("getSession", func(call goja.FunctionCall) goja.Value {
		so := rt.sessionArgs(call)
		resp, err := svc.Get(rt.activeContext(), &session.GetRequest{AppName: so.AppName, UserID: so.UserID, SessionID: so.SessionID})
		if errors.Is(err, session.ErrSessionNotFound) {
			return goja.Undefined()
		}
		if err != nil {
			rt.throw(err)
		}
		return vm.ToValue(sessionMap(resp.Session))
	})
	_ = obj.Set("listSessions", func(call goja.FunctionCall) goja.Value {
		so := rt.sessionArgs(call)
		resp, err := svc.List(rt.activeContext(), &session.ListRequest{AppName: so.AppName, UserID: so.UserID})
		if err != nil {
			rt.throw(err)
		}
		out := make([]any, 0, len(resp.Sessions))
		for _, s := range resp.Sessions {
			out = append(out, sessionMap(s))
		}
		return vm.ToValue(out)
	})
	_ = obj.Set("deleteSession", func(call goja.FunctionCall) goja.Value {
		so := rt.sessionArgs(call)
		if err := svc.Delete(rt.activeContext(), &session.DeleteRequest{AppName: so.AppName, UserID: so.UserID, SessionID: so.SessionID}); err != nil {
			rt.throw(err)
		}
		return goja.Undefined()
	})
	rt.services[obj] = svc
}

// sessionArgs reads (appName, userId, state?, sessionId?) for createSession
// and (appName, userId, sessionId) for the other methods, or one options
// object.
func (rt *Runtime) sessionArgs(call goja.FunctionCall) sessionOptions {
	var so sessionOptions
	if first, ok := call.Argument(0).(*goja.Object); ok {
		if err := mapstructure.WeakDecode(first.Export(), &so); err != nil {
			rt.throw(fmt.Errorf("invalid session options: %w", err))
		}
		return so
	}

	so.AppName = stringArg(call.Argument(0))
	so.UserID = stringArg(call.Argument(1))
	third := call.Argument(2)
	if obj, ok := third.(*goja.Object); ok {
		if err := mapstructure.WeakDecode(obj.Export(), &so.State); err != nil {
			rt.throw(fmt.Errorf("invalid session state: %w", err))
		}
		so.SessionID = stringArg(call.Argument(3))
	} else {
		so.SessionID = stringArg(third)
	}
	return so
}

func stringArg(v goja.Value) string {
	if isNullish(v) {
		return ""
	}
	return v.String()
}

// validateEnv checks process variables against a JSON Schema and returns
// their typed values. Failures the env policy accepts return the partial
// environment; others throw an error carrying the schema issues.
func (rt *Runtime) validateEnv(call goja.FunctionCall) goja.Value {
	schemaObj := rt.objectArg(call.Argument(0), "validateEnv")
	schema, ok := schemaObj.Export().(map[string]any)
	if !ok {
		panic(rt.vm.NewTypeError("validateEnv expects a JSON Schema object"))
	}

	values, err := envschema.Validate(schema, nil)
	if err != nil {
		var ve *envschema.ValidationError
		if !errors.As(err, &ve) {
			rt.throw(err)
		}
		if rt.opts.EnvPolicy == nil {
			rt.throwIssues(err, ve.Issues)
		}
		if perr := rt.opts.EnvPolicy(err); perr != nil {
			rt.throwIssues(perr, ve.Issues)
		}
	}
	return rt.vm.ToValue(values)
}

func (rt *Runtime) throwIssues(err error, issues []envschema.Issue) {
	obj := rt.vm.NewGoError(err)
	list := make([]any, 0, len(issues))
	for _, is := range issues {
		path := make([]any, len(is.Path))
		for i, p := range is.Path {
			path[i] = p
		}
		list = append(list, map[string]any{
			"path":     path,
			"code":     is.Code,
			"expected": is.Expected,
			"received": is.Received,
			"message":  is.Message,
		})
	}
	_ = obj.Set("issues", list)
	panic(obj)
}

// IsBuilderShaped reports whether v has callable build and withModel.
func IsBuilderShaped(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	_, build := goja.AssertFunction(obj.Get("build"))
	_, withModel := goja.AssertFunction(obj.Get("withModel"))
	return build && withModel
}

// IsBundleShaped reports whether v has agent, runner and session keys.
func IsBundleShaped(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	for _, key := range []string{"agent", "runner", "session"} {
		if isNullish(obj.Get(key)) {
			return false
		}
	}
	return true
}

// BundleFrom returns the bundle behind a bundle-shaped value. Bundles not
// built by AgentBuilder contribute their agent and session fields. Must be
// called inside Do.
func (rt *Runtime) BundleFrom(v goja.Value) (*Bundle, error) {
	obj, ok := v.(*goja.Object)
	if !ok || !IsBundleShaped(obj) {
		return nil, fmt.Errorf("value is not an agent bundle")
	}
	if b, ok := rt.bundles[obj]; ok {
		return b, nil
	}

	ag, err := rt.AdaptAgent(obj.Get("agent"))
	if err != nil {
		return nil, fmt.Errorf("bundle agent: %w", err)
	}
	b := &Bundle{Agent: ag}

	var sess struct {
		ID      string         `mapstructure:"id"`
		AppName string         `mapstructure:"appName"`
		UserID  string         `mapstructure:"userId"`
		State   map[string]any `mapstructure:"state"`
	}
	if sessObj, ok := obj.Get("session").(*goja.Object); ok {
		if err := mapstructure.WeakDecode(sessObj.Export(), &sess); err != nil {
			return nil, fmt.Errorf("bundle session: %w", err)
		}
	}
	b.SessionID = sess.ID
	b.AppName = sess.AppName
	b.UserID = sess.UserID
	b.State = sess.State
	return b, nil
}

var (
	_ agent.Agent                = (*jsAgent)(nil)
	_ agent.SessionStoreProvider = (*storeAgent)(nil)
)
