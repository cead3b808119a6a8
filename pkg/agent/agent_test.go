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

package agent

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/genai"
)

type stubAgent struct {
	name string
	subs []Agent
}

func (a *stubAgent) Name() string        { return a.name }
func (a *stubAgent) Description() string { return "" }
func (a *stubAgent) SubAgents() []Agent  { return a.subs }
func (a *stubAgent) Run(InvocationContext) iter.Seq2[*Event, error] {
	return func(func(*Event, error) bool) {}
}

func TestFindAgentAndWalk(t *testing.T) {
	leaf := &stubAgent{name: "leaf"}
	mid := &stubAgent{name: "mid", subs: []Agent{leaf}}
	root := &stubAgent{name: "root", subs: []Agent{mid, &stubAgent{name: "other"}}}

	assert.Same(t, leaf, FindAgent(root, "leaf"))
	assert.Nil(t, FindAgent(root, "missing"))

	var visited []string
	Walk(root, func(a Agent) bool {
		visited = append(visited, a.Name())
		return a.Name() != "leaf"
	})
	assert.Equal(t, []string{"root", "mid", "leaf"}, visited)
}

func TestContentText(t *testing.T) {
	c := &genai.Content{Parts: []*genai.Part{
		{Text: "thinking", Thought: true},
		{Text: "Hello"},
		nil,
		{Text: " world"},
	}}
	assert.Equal(t, "Hello world", ContentText(c))
	assert.Equal(t, "", ContentText(nil))

	ev := NewEvent("inv")
	ev.Content = c
	assert.Equal(t, "Hello world", ev.TextContent())
	assert.NotEmpty(t, ev.ID)
	assert.True(t, ev.IsFinalResponse())
}

func TestWithAgentKeepsInvocation(t *testing.T) {
	root := &stubAgent{name: "root"}
	sub := &stubAgent{name: "sub"}
	ctx := NewInvocationContext(context.Background(), InvocationContextParams{Agent: root})

	delegated := WithAgent(ctx, sub)
	assert.Equal(t, "sub", delegated.AgentName())
	assert.Equal(t, ctx.InvocationID(), delegated.InvocationID())
	assert.Equal(t, "root", ctx.AgentName())
}
