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
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/agent"
	"github.com/kadirpekel/agentkit/pkg/envschema"
	"github.com/kadirpekel/agentkit/pkg/model"
	"github.com/kadirpekel/agentkit/pkg/runner"
	"github.com/kadirpekel/agentkit/pkg/session"
)

// echoLLM answers with the text of the last content.
type echoLLM struct {
	systems []string
}

func (e *echoLLM) Name() string             { return "echo" }
func (e *echoLLM) Provider() model.Provider { return model.ProviderUnknown }
func (e *echoLLM) Close() error             { return nil }

func (e *echoLLM) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	e.systems = append(e.systems, agent.ContentText(req.SystemInstruction))
	last := ""
	if n := len(req.Contents); n > 0 {
		last = agent.ContentText(req.Contents[n-1])
	}
	return func(yield func(*model.Response, error) bool) {
		yield(&model.Response{
			Content:      genai.NewContentFromText("echo: "+last, genai.RoleModel),
			TurnComplete: true,
		}, nil)
	}
}

type echoResolver struct {
	llm *echoLLM
}

func (r *echoResolver) Resolve(name string) (model.LLM, error) {
	return r.llm, nil
}

func newRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	rt := New(opts)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func load(t *testing.T, rt *Runtime, src string) (*Module, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.js")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return rt.Load(context.Background(), path)
}

func exportedAgent(t *testing.T, mod *Module, key string) agent.Agent {
	t.Helper()
	var ag agent.Agent
	err := mod.Runtime().Do(context.Background(), func(vm *goja.Runtime) error {
		var err error
		ag, err = mod.Runtime().AdaptAgent(mod.Exports.(*goja.Object).Get(key))
		return err
	})
	require.NoError(t, err)
	return ag
}

func runTurn(t *testing.T, ag agent.Agent, text string) ([]*agent.Event, session.Session) {
	t.Helper()
	svc := session.NewInMemoryService()
	r, err := runner.New(runner.Config{AppName: "app", Agent: ag, SessionService: svc})
	require.NoError(t, err)

	var events []*agent.Event
	for ev, err := range r.Run(context.Background(), "u1", "s1", genai.NewContentFromText(text, genai.RoleUser)) {
		require.NoError(t, err)
		events = append(events, ev)
	}
	got, err := svc.Get(context.Background(), &session.GetRequest{AppName: "app", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	return events, got.Session
}

func texts(events []*agent.Event) []string {
	var out []string
	for _, ev := range events {
		out = append(out, ev.TextContent())
	}
	return out
}

func TestPlainAgentReturningString(t *testing.T) {
	rt := newRuntime(t, Options{})
	mod, err := load(t, rt, `
module.exports = {
  agent: {
    name: "Echo",
    description: "repeats",
    runAsync(ctx) { return "hi " + ctx.userText + " from " + ctx.agentName; },
  },
};`)
	require.NoError(t, err)

	ag := exportedAgent(t, mod, "agent")
	assert.Equal(t, "Echo", ag.Name())
	assert.Equal(t, "repeats", ag.Description())

	events, _ := runTurn(t, ag, "there")
	assert.Equal(t, []string{"hi there from Echo"}, texts(events))
	assert.Equal(t, "Echo", events[0].Author)
}

func TestGeneratorAgentEvents(t *testing.T) {
	rt := newRuntime(t, Options{})
	mod, err := load(t, rt, `
exports.agent = {
  name: "Gen",
  runAsync: function* (ctx) {
    yield "one";
    yield { content: { parts: [{ text: "two" }] }, actions: { stateDelta: { step: 2 } } };
    yield Promise.resolve("three");
  },
};`)
	require.NoError(t, err)

	events, sess := runTurn(t, exportedAgent(t, mod, "agent"), "go")
	assert.Equal(t, []string{"one", "two", "three"}, texts(events))

	step, err := sess.State().Get("step")
	require.NoError(t, err)
	assert.EqualValues(t, 2, step)
}

func TestAsyncAgentReturningArray(t *testing.T) {
	rt := newRuntime(t, Options{})
	mod, err := load(t, rt, `
exports.agent = {
  name: "Async",
  runAsync: async function (ctx) {
    const first = await Promise.resolve("a");
    return [first, { author: "other", content: { role: "model", parts: [{ text: "b" }] } }];
  },
};`)
	require.NoError(t, err)

	events, _ := runTurn(t, exportedAgent(t, mod, "agent"), "go")
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].TextContent())
	assert.Equal(t, "other", events[1].Author)
}

func TestAsyncAgentAwaitingTimers(t *testing.T) {
	rt := newRuntime(t, Options{})
	mod, err := load(t, rt, `
exports.agent = {
  name: "Timed",
  async runAsync(ctx) {
    await new Promise((resolve) => setTimeout(resolve, 1));
    const ticks = await new Promise((resolve) => {
      let n = 0;
      const id = setInterval(() => {
        n++;
        if (n === 3) {
          clearInterval(id);
          resolve(n);
        }
      }, 1);
    });
    return "done after " + ticks;
  },
};`)
	require.NoError(t, err)

	events, _ := runTurn(t, exportedAgent(t, mod, "agent"), "go")
	assert.Equal(t, []string{"done after 3"}, texts(events))
}

func TestNeverSettlingPromise(t *testing.T) {
	rt := newRuntime(t, Options{})
	mod, err := load(t, rt, `
exports.agent = { name: "Stuck", runAsync() { return new Promise(() => {}); } };`)
	require.NoError(t, err)

	ag := exportedAgent(t, mod, "agent")
	r, err := runner.New(runner.Config{AppName: "app", Agent: ag, SessionService: session.NewInMemoryService()})
	require.NoError(t, err)

	var runErr error
	for _, err := range r.Run(context.Background(), "u1", "", genai.NewContentFromText("x", genai.RoleUser)) {
		if err != nil {
			runErr = err
		}
	}
	assert.ErrorIs(t, runErr, ErrPromisePending)
}

func TestPlainAgentWithSessionService(t *testing.T) {
	rt := newRuntime(t, Options{})
	mod, err := load(t, rt, `
const { InMemorySessionService } = require("@agentkit/sdk");
const sessionService = new InMemorySessionService();
sessionService.createSession("app", "u1", { topic: "go" });
exports.agent = { name: "Plain", runAsync() { return "x"; }, sessionService };
exports.bare = { name: "Bare", runAsync() { return "x"; } };`)
	require.NoError(t, err)

	ag := exportedAgent(t, mod, "agent")
	assert.Equal(t, "Plain", ag.Name())
	provider, ok := ag.(agent.SessionStoreProvider)
	require.True(t, ok)

	var states []map[string]any
	for sess := range provider.SessionStore().AllSessions(context.Background()) {
		states = append(states, session.StateMap(sess))
	}
	assert.Equal(t, []map[string]any{{"topic": "go"}}, states)

	events, _ := runTurn(t, ag, "hi")
	assert.Equal(t, []string{"x"}, texts(events))

	_, ok = exportedAgent(t, mod, "bare").(agent.SessionStoreProvider)
	assert.False(t, ok)
}

func TestAgentErrorsSurface(t *testing.T) {
	rt := newRuntime(t, Options{})
	mod, err := load(t, rt, `
exports.agent = { name: "Bad", runAsync() { throw new Error("nope"); } };`)
	require.NoError(t, err)

	ag := exportedAgent(t, mod, "agent")
	r, err := runner.New(runner.Config{AppName: "app", Agent: ag, SessionService: session.NewInMemoryService()})
	require.NoError(t, err)

	var runErr error
	for _, err := range r.Run(context.Background(), "u1", "", genai.NewContentFromText("x", genai.RoleUser)) {
		if err != nil {
			runErr = err
		}
	}
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "Error: nope")
}

func TestHostLlmAgent(t *testing.T) {
	llm := &echoLLM{}
	rt := newRuntime(t, Options{Resolver: &echoResolver{llm: llm}})
	mod, err := load(t, rt, `
const { LlmAgent } = require("@agentkit/sdk");
exports.agent = new LlmAgent({
  name: "Helper",
  model: "fake",
  instruction: (ctx) => "Helping " + ctx.userId,
});`)
	require.NoError(t, err)

	ag := exportedAgent(t, mod, "agent")
	assert.Equal(t, "Helper", ag.Name())

	events, _ := runTurn(t, ag, "ping")
	assert.Equal(t, []string{"echo: ping"}, texts(events))
	assert.Equal(t, []string{"Helping u1"}, llm.systems)
}

func TestAgentBuilderBundle(t *testing.T) {
	llm := &echoLLM{}
	rt := newRuntime(t, Options{Resolver: &echoResolver{llm: llm}})
	mod, err := load(t, rt, `
const { AgentBuilder, InMemorySessionService } = require("@agentkit/sdk");
const bundle = AgentBuilder.create("Builder")
  .withModel("fake")
  .withInstruction("Topic: {topic}")
  .withSessionService(new InMemorySessionService(), { state: { topic: "go" }, appName: "demo" })
  .build();
exports.bundle = bundle;
exports.ask = () => bundle.runner.ask("ping");
`)
	require.NoError(t, err)

	var b *Bundle
	var reply string
	err = rt.Do(context.Background(), func(vm *goja.Runtime) error {
		exports := mod.Exports.(*goja.Object)
		var err error
		if b, err = rt.BundleFrom(exports.Get("bundle")); err != nil {
			return err
		}
		ask, _ := goja.AssertFunction(exports.Get("ask"))
		res, err := rt.Call(ask, goja.Undefined())
		if err != nil {
			return err
		}
		reply = res.String()
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Builder", b.Agent.Name())
	assert.Equal(t, "demo", b.AppName)
	assert.Equal(t, DefaultUserID, b.UserID)
	assert.Equal(t, map[string]any{"topic": "go"}, b.State)
	assert.Equal(t, "echo: ping", reply)
	assert.Equal(t, []string{"Topic: go"}, llm.systems)

	provider, ok := b.Agent.(agent.SessionStoreProvider)
	require.True(t, ok)
	count := 0
	for range provider.SessionStore().AllSessions(context.Background()) {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestWorkflowAgents(t *testing.T) {
	rt := newRuntime(t, Options{})
	mod, err := load(t, rt, `
const { SequentialAgent } = require("@agentkit/sdk");
const step = (name) => ({ name, runAsync: () => name + " done" });
exports.agent = new SequentialAgent({ name: "Pipeline", subAgents: [step("first"), step("second")] });
`)
	require.NoError(t, err)

	ag := exportedAgent(t, mod, "agent")
	require.Len(t, ag.SubAgents(), 2)

	events, _ := runTurn(t, ag, "go")
	assert.Equal(t, []string{"first done", "second done"}, texts(events))
}

func TestValidateEnvMissingRequired(t *testing.T) {
	t.Setenv("JSRT_TEST_PRESENT", "yes")
	rt := newRuntime(t, Options{})
	_, err := load(t, rt, `
const { validateEnv } = require("@agentkit/sdk");
exports.env = validateEnv({
  type: "object",
  properties: { JSRT_TEST_PRESENT: { type: "string" }, JSRT_TEST_DB_URL: { type: "string" } },
  required: ["JSRT_TEST_PRESENT", "JSRT_TEST_DB_URL"],
});`)
	require.Error(t, err)

	var se *ScriptError
	require.True(t, errors.As(err, &se))
	require.Len(t, se.SchemaIssues(), 1)
	assert.Equal(t, "JSRT_TEST_DB_URL", se.SchemaIssues()[0].Variable())
	assert.True(t, se.SchemaIssues()[0].IsMissing())

	var ve *envschema.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestValidateEnvPolicyAllowsPartial(t *testing.T) {
	t.Setenv("JSRT_TEST_PRESENT", "yes")
	var seen error
	rt := newRuntime(t, Options{EnvPolicy: func(err error) error {
		seen = err
		return nil
	}})
	mod, err := load(t, rt, `
const { validateEnv } = require("@agentkit/sdk");
exports.env = validateEnv({
  type: "object",
  properties: { JSRT_TEST_PRESENT: { type: "string" }, JSRT_TEST_PORT: { type: "integer" } },
  required: ["JSRT_TEST_PORT"],
});`)
	require.NoError(t, err)
	require.Error(t, seen)

	err = rt.Do(context.Background(), func(vm *goja.Runtime) error {
		env := mod.Exports.(*goja.Object).Get("env").Export().(map[string]any)
		assert.Equal(t, "yes", env["JSRT_TEST_PRESENT"])
		assert.NotContains(t, env, "JSRT_TEST_PORT")
		return nil
	})
	require.NoError(t, err)
}

func TestModuleThrowIsScriptError(t *testing.T) {
	rt := newRuntime(t, Options{})
	_, err := load(t, rt, `console.log("loading"); throw new TypeError("broken module");`)

	var se *ScriptError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "TypeError: broken module", se.Message)
	assert.Empty(t, se.SchemaIssues())
}

func TestZodLikeIssues(t *testing.T) {
	rt := newRuntime(t, Options{})
	_, err := load(t, rt, `
const e = new Error("invalid env");
e.name = "ZodError";
e.issues = [{ code: "invalid_type", expected: "string", received: "undefined", path: ["API_KEY"], message: "Required" }];
throw e;`)

	var se *ScriptError
	require.True(t, errors.As(err, &se))
	require.Len(t, se.Issues, 1)
	assert.Equal(t, "API_KEY", se.Issues[0].Variable())
	assert.True(t, se.Issues[0].IsMissing())
	assert.True(t, strings.HasPrefix(se.Message, "ZodError"))
}

func TestClosedRuntime(t *testing.T) {
	rt := New(Options{})
	require.NoError(t, rt.Close())
	err := rt.Do(context.Background(), func(*goja.Runtime) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestShapes(t *testing.T) {
	rt := newRuntime(t, Options{})
	mod, err := load(t, rt, `
exports.agentLike = { name: "x", runAsync() {} };
exports.nameless = { runAsync() {} };
exports.builder = { build() {}, withModel() {} };
exports.bundle = { agent: {}, runner: {}, session: {} };
exports.text = "not-an-agent";`)
	require.NoError(t, err)

	err = rt.Do(context.Background(), func(vm *goja.Runtime) error {
		exports := mod.Exports.(*goja.Object)
		assert.True(t, IsAgentShaped(exports.Get("agentLike")))
		assert.False(t, IsAgentShaped(exports.Get("nameless")))
		assert.False(t, IsAgentShaped(exports.Get("text")))
		assert.True(t, IsBuilderShaped(exports.Get("builder")))
		assert.True(t, IsBundleShaped(exports.Get("bundle")))
		assert.False(t, IsBundleShaped(exports.Get("builder")))
		return nil
	})
	require.NoError(t, err)
}
