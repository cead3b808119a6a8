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

package runner

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/agent"
	"github.com/kadirpekel/agentkit/pkg/observability"
	"github.com/kadirpekel/agentkit/pkg/session"
)

type echoAgent struct {
	name string
	subs []agent.Agent
	fail error
}

func (a *echoAgent) Name() string             { return a.name }
func (a *echoAgent) Description() string      { return "echoes input" }
func (a *echoAgent) SubAgents() []agent.Agent { return a.subs }

func (a *echoAgent) Run(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		if a.fail != nil {
			yield(nil, a.fail)
			return
		}
		text := agent.ContentText(ctx.UserContent())

		partial := agent.NewEvent(ctx.InvocationID())
		partial.Author = a.name
		partial.Partial = true
		partial.Content = genai.NewContentFromText(text[:1], genai.RoleModel)
		if !yield(partial, nil) {
			return
		}

		_ = ctx.State().Set("temp:scratch", "x")

		final := agent.NewEvent(ctx.InvocationID())
		final.Author = a.name
		final.Content = genai.NewContentFromText("echo: "+text, genai.RoleModel)
		final.Actions.StateDelta["last"] = text
		final.TurnComplete = true
		yield(final, nil)
	}
}

func TestRunPersistsCompleteEvents(t *testing.T) {
	ctx := context.Background()
	svc := session.NewInMemoryService()
	r, err := New(Config{AppName: "app", Agent: &echoAgent{name: "echo"}, SessionService: svc})
	require.NoError(t, err)

	var texts []string
	for ev, err := range r.Run(ctx, "u1", "s1", genai.NewContentFromText("hello", "")) {
		require.NoError(t, err)
		texts = append(texts, ev.TextContent())
	}
	assert.Equal(t, []string{"h", "echo: hello"}, texts)

	got, err := svc.Get(ctx, &session.GetRequest{AppName: "app", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	events := got.Session.Events()
	require.Equal(t, 2, events.Len())
	assert.Equal(t, agent.AuthorUser, events.At(0).Author)
	assert.Equal(t, string(genai.RoleUser), events.At(0).Content.Role)
	assert.Equal(t, "echo: hello", events.At(1).TextContent())

	state := session.StateMap(got.Session)
	assert.Equal(t, "hello", state["last"])
	assert.NotContains(t, state, "temp:scratch")
}

func TestRunReusesSession(t *testing.T) {
	ctx := context.Background()
	svc := session.NewInMemoryService()
	r, err := New(Config{AppName: "app", Agent: &echoAgent{name: "echo"}, SessionService: svc})
	require.NoError(t, err)

	for _, msg := range []string{"one", "two"} {
		for _, err := range r.Run(ctx, "u1", "s1", genai.NewContentFromText(msg, genai.RoleUser)) {
			require.NoError(t, err)
		}
	}

	list, err := svc.List(ctx, &session.ListRequest{AppName: "app", UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, 4, list.Sessions[0].Events().Len())
}

func TestRunYieldsAgentErrors(t *testing.T) {
	boom := errors.New("boom")
	r, err := New(Config{AppName: "app", Agent: &echoAgent{name: "echo", fail: boom}, SessionService: session.NewInMemoryService()})
	require.NoError(t, err)

	var got error
	for _, err := range r.Run(context.Background(), "u1", "", genai.NewContentFromText("hi", genai.RoleUser)) {
		got = err
	}
	assert.ErrorIs(t, got, boom)
}

func TestRunContinuesWithSubAgent(t *testing.T) {
	ctx := context.Background()
	child := &echoAgent{name: "child"}
	root := &echoAgent{name: "root", subs: []agent.Agent{child}}
	svc := session.NewInMemoryService()

	created, err := svc.Create(ctx, &session.CreateRequest{AppName: "app", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	prior := agent.NewEvent("inv-0")
	prior.Author = "child"
	prior.Content = genai.NewContentFromText("earlier", genai.RoleModel)
	require.NoError(t, svc.AppendEvent(ctx, created.Session, prior))

	r, err := New(Config{AppName: "app", Agent: root, SessionService: svc})
	require.NoError(t, err)

	var authors []string
	for ev, err := range r.Run(ctx, "u1", "s1", genai.NewContentFromText("again", genai.RoleUser)) {
		require.NoError(t, err)
		authors = append(authors, ev.Author)
	}
	assert.Equal(t, []string{"child", "child"}, authors)
}

func TestRunTracesInvocation(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	r, err := New(Config{
		AppName:        "app",
		Agent:          &echoAgent{name: "echo"},
		SessionService: session.NewInMemoryService(),
		TracerProvider: tp,
	})
	require.NoError(t, err)
	for _, err := range r.Run(ctx, "u1", "s1", genai.NewContentFromText("hi", "")) {
		require.NoError(t, err)
	}

	failing, err := New(Config{
		AppName:        "app",
		Agent:          &echoAgent{name: "broken", fail: errors.New("boom")},
		SessionService: session.NewInMemoryService(),
		TracerProvider: tp,
	})
	require.NoError(t, err)
	for range failing.Run(ctx, "u1", "s2", genai.NewContentFromText("hi", "")) {
	}

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, observability.SpanRunnerRun, spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String(observability.AttrSessionID, "s1"))
	assert.Contains(t, spans[0].Attributes(), attribute.String(observability.AttrAgentName, "echo"))
	assert.Contains(t, spans[0].Attributes(), attribute.String(observability.AttrUserID, "u1"))
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{SessionService: session.NewInMemoryService()})
	assert.Error(t, err)

	_, err = New(Config{Agent: &echoAgent{name: "a"}})
	assert.Error(t, err)

	dup := &echoAgent{name: "a", subs: []agent.Agent{&echoAgent{name: "a"}}}
	_, err = New(Config{Agent: dup, SessionService: session.NewInMemoryService()})
	assert.ErrorContains(t, err, "duplicate agent name")
}
