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
	"context"
	"encoding/base64"
	"fmt"
	"iter"

	"github.com/dop251/goja"
	"github.com/mitchellh/mapstructure"
	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/agent"
)

// jsAgent adapts a JavaScript object with a name and a runAsync method.
type jsAgent struct {
	rt          *Runtime
	obj         *goja.Object
	name        string
	description string
	subAgents   []agent.Agent
}

func (a *jsAgent) Name() string             { return a.name }
func (a *jsAgent) Description() string      { return a.description }
func (a *jsAgent) SubAgents() []agent.Agent { return a.subAgents }

// IsAgentShaped reports whether v has a string name and a callable
// runAsync.
func IsAgentShaped(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	name := obj.Get("name")
	if isNullish(name) {
		return false
	}
	if _, isString := name.Export().(string); !isString {
		return false
	}
	_, callable := goja.AssertFunction(obj.Get("runAsync"))
	return callable
}

// AdaptAgent returns the agent.Agent behind an agent-shaped value. Host
// agents are returned as is. Must be called inside Do.
func (rt *Runtime) AdaptAgent(v goja.Value) (agent.Agent, error) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("agent must be an object, got %s", describe(v))
	}
	if ag, ok := rt.hostAgents[obj]; ok {
		return ag, nil
	}
	if ag, ok := rt.adapted[obj]; ok {
		return ag, nil
	}
	if !IsAgentShaped(obj) {
		return nil, fmt.Errorf("object is not an agent: it needs a string name and a runAsync function")
	}

	ja := &jsAgent{rt: rt, obj: obj, name: obj.Get("name").String()}
	if d := obj.Get("description"); !isNullish(d) {
		ja.description = d.String()
	}

	// An agent holding an InMemorySessionService exposes its sessions so
	// their state can seed the bound session.
	var ag agent.Agent = ja
	if svc := rt.serviceOf(obj.Get("sessionService")); svc != nil {
		ag = &storeAgent{Agent: ja, store: svc}
	}
	rt.adapted[obj] = ag

	subs, err := rt.agentList(obj.Get("subAgents"))
	if err != nil {
		delete(rt.adapted, obj)
		return nil, fmt.Errorf("agent %s: %w", ja.name, err)
	}
	ja.subAgents = subs
	return ag, nil
}

// agentList adapts an array of agents. Nullish yields none.
func (rt *Runtime) agentList(v goja.Value) ([]agent.Agent, error) {
	if isNullish(v) {
		return nil, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok || obj.ClassName() != "Array" {
		return nil, fmt.Errorf("subAgents must be an array")
	}
	var out []agent.Agent
	for i := 0; i < int(obj.Get("length").ToInteger()); i++ {
		ag, err := rt.AdaptAgent(obj.Get(fmt.Sprint(i)))
		if err != nil {
			return nil, fmt.Errorf("subAgents[%d]: %w", i, err)
		}
		out = append(out, ag)
	}
	return out, nil
}

// Run calls runAsync with a context object and converts what it returns:
// a string, an event, an array, a sync or async iterator, or a promise of
// any of these.
func (a *jsAgent) Run(ic agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		var (
			ctxObj   *goja.Object
			events   []*agent.Event
			iterator *goja.Object
		)
		err := a.rt.Do(ic, func(vm *goja.Runtime) error {
			ctxObj = a.rt.invocationObject(ic)
			runAsync, _ := goja.AssertFunction(a.obj.Get("runAsync"))
			res, err := a.rt.Call(runAsync, a.obj, ctxObj)
			if err != nil {
				return err
			}
			events, iterator, err = a.rt.normalize(res, a.name, ic.InvocationID())
			return err
		})
		defer a.release(ic, ctxObj)
		if err != nil {
			yield(nil, fmt.Errorf("agent %s: %w", a.name, err))
			return
		}

		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
		if iterator == nil {
			return
		}

		for {
			var (
				batch []*agent.Event
				done  bool
			)
			err := a.rt.Do(ic, func(vm *goja.Runtime) error {
				var err error
				batch, done, err = a.rt.step(iterator, a.name, ic.InvocationID())
				return err
			})
			if err != nil {
				yield(nil, fmt.Errorf("agent %s: %w", a.name, err))
				return
			}
			for _, ev := range batch {
				if !yield(ev, nil) {
					a.closeIterator(ic, iterator)
					return
				}
			}
			if done {
				return
			}
		}
	}
}

func (a *jsAgent) release(ctx context.Context, ctxObj *goja.Object) {
	if ctxObj == nil {
		return
	}
	_ = a.rt.Do(ctx, func(*goja.Runtime) error {
		delete(a.rt.contexts, ctxObj)
		return nil
	})
}

// closeIterator calls return() so generators run their finally blocks.
func (a *jsAgent) closeIterator(ctx context.Context, iterator *goja.Object) {
	_ = a.rt.Do(ctx, func(*goja.Runtime) error {
		if ret, ok := goja.AssertFunction(iterator.Get("return")); ok {
			_, _ = a.rt.Call(ret, iterator)
		}
		return nil
	})
}

// step advances an iterator once.
func (rt *Runtime) step(iterator *goja.Object, author, invocationID string) ([]*agent.Event, bool, error) {
	next, _ := goja.AssertFunction(iterator.Get("next"))
	res, err := rt.Call(next, iterator)
	if err != nil {
		return nil, false, err
	}
	result, ok := res.(*goja.Object)
	if !ok {
		return nil, false, fmt.Errorf("iterator result is not an object")
	}
	if result.Get("done").ToBoolean() {
		value := result.Get("value")
		if isNullish(value) {
			return nil, true, nil
		}
		events, _, err := rt.normalize(value, author, invocationID)
		return events, true, err
	}

	value, err := rt.Await(result.Get("value"))
	if err != nil {
		return nil, false, err
	}
	events, nested, err := rt.normalize(value, author, invocationID)
	if err != nil {
		return nil, false, err
	}
	if nested != nil {
		return nil, false, fmt.Errorf("iterators may not yield iterators")
	}
	return events, false, nil
}

// normalize converts a runAsync result into events, or returns the
// iterator to drain.
func (rt *Runtime) normalize(v goja.Value, author, invocationID string) ([]*agent.Event, *goja.Object, error) {
	if isNullish(v) {
		return nil, nil, nil
	}
	obj, isObject := v.(*goja.Object)
	if !isObject {
		text, ok := v.Export().(string)
		if !ok {
			return nil, nil, fmt.Errorf("unsupported result %s", describe(v))
		}
		return []*agent.Event{textEvent(author, invocationID, text)}, nil, nil
	}

	if obj.ClassName() == "Array" {
		var events []*agent.Event
		for i := 0; i < int(obj.Get("length").ToInteger()); i++ {
			item, err := rt.Await(obj.Get(fmt.Sprint(i)))
			if err != nil {
				return nil, nil, err
			}
			batch, nested, err := rt.normalize(item, author, invocationID)
			if err != nil {
				return nil, nil, err
			}
			if nested != nil {
				return nil, nil, fmt.Errorf("arrays may not contain iterators")
			}
			events = append(events, batch...)
		}
		return events, nil, nil
	}

	if _, ok := goja.AssertFunction(obj.Get("next")); ok {
		return nil, obj, nil
	}

	ev, err := eventFromValue(obj, author, invocationID)
	if err != nil {
		return nil, nil, err
	}
	return []*agent.Event{ev}, nil, nil
}

type jsEvent struct {
	Author       string     `mapstructure:"author"`
	Content      *jsContent `mapstructure:"content"`
	Partial      bool       `mapstructure:"partial"`
	TurnComplete bool       `mapstructure:"turnComplete"`
	ErrorCode    string     `mapstructure:"errorCode"`
	ErrorMessage string     `mapstructure:"errorMessage"`
	Actions      struct {
		StateDelta map[string]any `mapstructure:"stateDelta"`
		Escalate   bool           `mapstructure:"escalate"`
	} `mapstructure:"actions"`
}

type jsContent struct {
	Role  string   `mapstructure:"role"`
	Parts []jsPart `mapstructure:"parts"`
}

type jsPart struct {
	Text       string `mapstructure:"text"`
	InlineData *struct {
		MimeType string `mapstructure:"mimeType"`
		Data     any    `mapstructure:"data"`
	} `mapstructure:"inlineData"`
}

func eventFromValue(obj *goja.Object, author, invocationID string) (*agent.Event, error) {
	var raw jsEvent
	if err := mapstructure.WeakDecode(obj.Export(), &raw); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	ev := agent.NewEvent(invocationID)
	ev.Author = author
	if raw.Author != "" {
		ev.Author = raw.Author
	}
	ev.Partial = raw.Partial
	ev.TurnComplete = raw.TurnComplete
	ev.ErrorCode = raw.ErrorCode
	ev.ErrorMessage = raw.ErrorMessage
	ev.Actions.Escalate = raw.Actions.Escalate
	for k, v := range raw.Actions.StateDelta {
		ev.Actions.StateDelta[k] = v
	}

	if raw.Content != nil {
		content, err := raw.Content.toGenai()
		if err != nil {
			return nil, err
		}
		ev.Content = content
	}
	return ev, nil
}

func (c *jsContent) toGenai() (*genai.Content, error) {
	role := c.Role
	if role == "" {
		role = string(genai.RoleModel)
	}
	content := &genai.Content{Role: role}
	for i, p := range c.Parts {
		switch {
		case p.InlineData != nil:
			data, err := inlineBytes(p.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("parts[%d].inlineData: %w", i, err)
			}
			content.Parts = append(content.Parts, genai.NewPartFromBytes(data, p.InlineData.MimeType))
		default:
			content.Parts = append(content.Parts, genai.NewPartFromText(p.Text))
		}
	}
	return content, nil
}

func inlineBytes(v any) ([]byte, error) {
	switch d := v.(type) {
	case string:
		if b, err := base64.StdEncoding.DecodeString(d); err == nil {
			return b, nil
		}
		return []byte(d), nil
	case []byte:
		return d, nil
	case goja.ArrayBuffer:
		return d.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported data type %T", v)
	}
}

func textEvent(author, invocationID, text string) *agent.Event {
	ev := agent.NewEvent(invocationID)
	ev.Author = author
	ev.Content = genai.NewContentFromText(text, genai.RoleModel)
	return ev
}

// heldInvocation carries the lock marker of the current Do call into Go
// agents started from JavaScript.
type heldInvocation struct {
	agent.InvocationContext
	held context.Context
}

func (h heldInvocation) Value(key any) any { return h.held.Value(key) }

// invocationObject builds the context object handed to runAsync.
func (rt *Runtime) invocationObject(ic agent.InvocationContext) *goja.Object {
	vm := rt.vm
	obj := vm.NewObject()
	_ = obj.Set("invocationId", ic.InvocationID())
	_ = obj.Set("agentName", ic.AgentName())
	_ = obj.Set("appName", ic.AppName())
	_ = obj.Set("userId", ic.UserID())
	_ = obj.Set("sessionId", ic.SessionID())
	_ = obj.Set("userContent", vm.ToValue(contentMap(ic.UserContent())))
	_ = obj.Set("userText", agent.ContentText(ic.UserContent()))

	state := make(map[string]any)
	if st := ic.ReadonlyState(); st != nil {
		for k, v := range st.All() {
			state[k] = v
		}
	}
	_ = obj.Set("state", vm.ToValue(state))
	if sess := ic.Session(); sess != nil {
		_ = obj.Set("session", vm.ToValue(sessionMap(sess)))
	}

	rt.contexts[obj] = ic
	return obj
}

func contentMap(c *genai.Content) map[string]any {
	if c == nil {
		return nil
	}
	parts := make([]any, 0, len(c.Parts))
	for _, p := range c.Parts {
		if p == nil {
			continue
		}
		switch {
		case p.InlineData != nil:
			parts = append(parts, map[string]any{"inlineData": map[string]any{
				"mimeType": p.InlineData.MIMEType,
				"data":     base64.StdEncoding.EncodeToString(p.InlineData.Data),
			}})
		default:
			parts = append(parts, map[string]any{"text": p.Text})
		}
	}
	return map[string]any{"role": c.Role, "parts": parts}
}

func eventMap(ev *agent.Event) map[string]any {
	out := map[string]any{
		"id":           ev.ID,
		"invocationId": ev.InvocationID,
		"author":       ev.Author,
		"timestamp":    ev.Timestamp.UnixMilli(),
		"partial":      ev.Partial,
		"turnComplete": ev.TurnComplete,
		"actions":      map[string]any{"stateDelta": ev.Actions.StateDelta, "escalate": ev.Actions.Escalate},
	}
	if ev.Content != nil {
		out["content"] = contentMap(ev.Content)
	}
	if ev.ErrorMessage != "" {
		out["errorCode"] = ev.ErrorCode
		out["errorMessage"] = ev.ErrorMessage
	}
	return out
}

func sessionMap(sess agent.Session) map[string]any {
	state := make(map[string]any)
	if st := sess.State(); st != nil {
		for k, v := range st.All() {
			state[k] = v
		}
	}
	events := 0
	if evs := sess.Events(); evs != nil {
		events = evs.Len()
	}
	return map[string]any{
		"id":             sess.ID(),
		"appName":        sess.AppName(),
		"userId":         sess.UserID(),
		"state":          state,
		"eventCount":     events,
		"lastUpdateTime": sess.LastUpdateTime().UnixMilli(),
	}
}

// describe names the JavaScript type of v for error messages.
func describe(v goja.Value) string {
	switch {
	case v == nil || goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, callable := goja.AssertFunction(obj); callable {
			return "function"
		}
		return "object"
	}
	return fmt.Sprintf("%T", v.Export())
}
