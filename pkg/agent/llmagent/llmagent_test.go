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

package llmagent

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/agent"
	"github.com/kadirpekel/agentkit/pkg/agent/history"
	"github.com/kadirpekel/agentkit/pkg/cache"
	"github.com/kadirpekel/agentkit/pkg/model"
	"github.com/kadirpekel/agentkit/pkg/runner"
	"github.com/kadirpekel/agentkit/pkg/session"
)

// fakeLLM replies with a fixed text and records every request.
type fakeLLM struct {
	reply    string
	chunks   []string
	requests []*model.Request
}

func (f *fakeLLM) Name() string             { return "fake-model" }
func (f *fakeLLM) Provider() model.Provider { return model.ProviderUnknown }
func (f *fakeLLM) Close() error             { return nil }

func (f *fakeLLM) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	f.requests = append(f.requests, req)
	md := &cache.Metadata{Fingerprint: "fp", ContentsCount: len(req.Contents)}
	if req.CacheMetadata != nil {
		md.InvocationsUsed = req.CacheMetadata.InvocationsUsed + 1
	}
	return func(yield func(*model.Response, error) bool) {
		if stream {
			agg := model.NewAggregator()
			for _, c := range f.chunks {
				if !yield(agg.Delta(c), nil) {
					return
				}
			}
			final := agg.Close()
			final.CacheMetadata = md
			yield(final, nil)
			return
		}
		yield(&model.Response{
			Content:       genai.NewContentFromText(f.reply, genai.RoleModel),
			TurnComplete:  true,
			CacheMetadata: md,
			Usage:         &model.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
		}, nil)
	}
}

type fakeResolver struct {
	llm   model.LLM
	calls int
}

func (r *fakeResolver) Resolve(name string) (model.LLM, error) {
	r.calls++
	return r.llm, nil
}

func newRunner(t *testing.T, ag agent.Agent) (*runner.Runner, session.Service) {
	t.Helper()
	svc := session.NewInMemoryService()
	r, err := runner.New(runner.Config{AppName: "app", Agent: ag, SessionService: svc})
	require.NoError(t, err)
	return r, svc
}

func collect(t *testing.T, seq iter.Seq2[*agent.Event, error]) []*agent.Event {
	t.Helper()
	var events []*agent.Event
	for ev, err := range seq {
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Model: &fakeLLM{}})
	assert.Error(t, err)

	_, err = New(Config{Name: "a"})
	assert.Error(t, err)

	_, err = New(Config{Name: "a", ModelName: "gpt-4o"})
	assert.Error(t, err)

	a, err := New(Config{Name: "a", Model: &fakeLLM{}})
	require.NoError(t, err)
	assert.Equal(t, "a", a.Name())
}

func TestRunRendersInstructionAndStoresOutput(t *testing.T) {
	llm := &fakeLLM{reply: "Go is great"}
	a, err := New(Config{
		Name:        "assistant",
		Model:       llm,
		Instruction: "Talk about {topic}. Mood: {mood?}.",
		OutputKey:   "answer",
	})
	require.NoError(t, err)

	r, svc := newRunner(t, a)
	ctx := context.Background()
	_, err = svc.Create(ctx, &session.CreateRequest{AppName: "app", UserID: "u1", SessionID: "s1", State: map[string]any{"topic": "Go"}})
	require.NoError(t, err)

	events := collect(t, r.Run(ctx, "u1", "s1", genai.NewContentFromText("hi", genai.RoleUser)))
	require.Len(t, events, 1)
	assert.Equal(t, "assistant", events[0].Author)
	assert.Equal(t, "Go is great", events[0].TextContent())
	assert.Equal(t, 12, events[0].Usage.TotalTokens)

	require.Len(t, llm.requests, 1)
	req := llm.requests[0]
	assert.Equal(t, "Talk about Go. Mood: .", agent.ContentText(req.SystemInstruction))
	require.Len(t, req.Contents, 1)
	assert.Equal(t, "user", req.Contents[0].Role)
	assert.Nil(t, req.CacheMetadata)

	got, err := svc.Get(ctx, &session.GetRequest{AppName: "app", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "Go is great", session.StateMap(got.Session)["answer"])
}

func TestRunCarriesHistoryAndCacheMetadata(t *testing.T) {
	llm := &fakeLLM{reply: "ok"}
	a, err := New(Config{Name: "assistant", Model: llm})
	require.NoError(t, err)

	r, _ := newRunner(t, a)
	ctx := context.Background()
	collect(t, r.Run(ctx, "u1", "s1", genai.NewContentFromText("first", genai.RoleUser)))
	collect(t, r.Run(ctx, "u1", "s1", genai.NewContentFromText("second", genai.RoleUser)))

	require.Len(t, llm.requests, 2)
	second := llm.requests[1]
	require.Len(t, second.Contents, 3)
	assert.Equal(t, []string{"user", "model", "user"}, []string{
		second.Contents[0].Role, second.Contents[1].Role, second.Contents[2].Role,
	})
	assert.Equal(t, "second", agent.ContentText(second.Contents[2]))

	require.NotNil(t, second.CacheMetadata)
	assert.Equal(t, "fp", second.CacheMetadata.Fingerprint)
	assert.Equal(t, 1, second.CacheMetadata.ContentsCount)
}

func TestRunIncludeContentsNone(t *testing.T) {
	llm := &fakeLLM{reply: "ok"}
	a, err := New(Config{Name: "assistant", Model: llm, IncludeContents: IncludeContentsNone})
	require.NoError(t, err)

	r, _ := newRunner(t, a)
	ctx := context.Background()
	collect(t, r.Run(ctx, "u1", "s1", genai.NewContentFromText("first", genai.RoleUser)))
	collect(t, r.Run(ctx, "u1", "s1", genai.NewContentFromText("second", genai.RoleUser)))

	require.Len(t, llm.requests[1].Contents, 1)
	assert.Equal(t, "second", agent.ContentText(llm.requests[1].Contents[0]))
}

func TestRunHistoryWindow(t *testing.T) {
	llm := &fakeLLM{reply: "ok"}
	a, err := New(Config{Name: "assistant", Model: llm, History: history.NewBufferWindow(3)})
	require.NoError(t, err)

	r, _ := newRunner(t, a)
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		collect(t, r.Run(ctx, "u1", "s1", genai.NewContentFromText(text, genai.RoleUser)))
	}

	// five events precede the model call; the window of three starts at "two"
	contents := llm.requests[2].Contents
	require.Len(t, contents, 3)
	assert.Equal(t, "two", agent.ContentText(contents[0]))
	assert.Equal(t, "three", agent.ContentText(contents[2]))
}

func TestRunStreaming(t *testing.T) {
	llm := &fakeLLM{chunks: []string{"Hel", "lo"}}
	a, err := New(Config{Name: "assistant", Model: llm, EnableStreaming: true, OutputKey: "answer"})
	require.NoError(t, err)

	r, svc := newRunner(t, a)
	ctx := context.Background()
	events := collect(t, r.Run(ctx, "u1", "s1", genai.NewContentFromText("hi", genai.RoleUser)))

	require.Len(t, events, 3)
	assert.True(t, events[0].Partial)
	assert.True(t, events[1].Partial)
	assert.Empty(t, events[0].Actions.StateDelta)
	assert.False(t, events[2].Partial)
	assert.Equal(t, "Hello", events[2].TextContent())

	got, err := svc.Get(ctx, &session.GetRequest{AppName: "app", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Session.Events().Len())
	assert.Equal(t, "Hello", session.StateMap(got.Session)["answer"])
}

func TestModelResolvedLazily(t *testing.T) {
	res := &fakeResolver{llm: &fakeLLM{reply: "ok"}}
	a, err := New(Config{Name: "assistant", ModelName: "fake-model", Resolver: res})
	require.NoError(t, err)
	assert.Equal(t, 0, res.calls)

	r, _ := newRunner(t, a)
	ctx := context.Background()
	collect(t, r.Run(ctx, "u1", "s1", genai.NewContentFromText("a", genai.RoleUser)))
	collect(t, r.Run(ctx, "u1", "s1", genai.NewContentFromText("b", genai.RoleUser)))
	assert.Equal(t, 1, res.calls)
}

func TestForeignAgentRepliesBecomeUserContext(t *testing.T) {
	a, err := New(Config{Name: "assistant", Model: &fakeLLM{}})
	require.NoError(t, err)

	ev := agent.NewEvent("inv")
	ev.Author = "researcher"
	ev.Content = genai.NewContentFromText("found it", genai.RoleModel)

	c := a.eventContent(ev)
	require.NotNil(t, c)
	assert.Equal(t, "user", c.Role)
	assert.Equal(t, "[researcher] said: found it", agent.ContentText(c))
}
