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

package workflowagent

import (
	"context"
	"errors"
	"iter"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/agent"
)

// textAgent emits one event with its name as text.
type textAgent struct {
	name     string
	escalate bool
}

func (a *textAgent) Name() string             { return a.name }
func (a *textAgent) Description() string      { return "" }
func (a *textAgent) SubAgents() []agent.Agent { return nil }

func (a *textAgent) Run(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		ev := agent.NewEvent(ctx.InvocationID())
		ev.Author = a.name
		ev.Content = genai.NewContentFromText(a.name, genai.RoleModel)
		ev.Actions.Escalate = a.escalate
		yield(ev, nil)
	}
}

// failingAgent yields an error instead of an event.
type failingAgent struct{ name string }

func (a *failingAgent) Name() string             { return a.name }
func (a *failingAgent) Description() string      { return "" }
func (a *failingAgent) SubAgents() []agent.Agent { return nil }

func (a *failingAgent) Run(agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		yield(nil, errors.New(a.name+" failed"))
	}
}

func run(t *testing.T, ag agent.Agent) ([]string, []string) {
	t.Helper()
	ctx := agent.NewInvocationContext(context.Background(), agent.InvocationContextParams{Agent: ag})
	var texts, invocations []string
	for ev, err := range ag.Run(ctx) {
		require.NoError(t, err)
		texts = append(texts, ev.TextContent())
		invocations = append(invocations, ev.InvocationID)
	}
	for _, id := range invocations {
		assert.Equal(t, ctx.InvocationID(), id)
	}
	return texts, invocations
}

func TestSequential(t *testing.T) {
	seq, err := NewSequential(SequentialConfig{
		Name:      "pipeline",
		SubAgents: []agent.Agent{&textAgent{name: "a"}, &textAgent{name: "b"}},
	})
	require.NoError(t, err)

	texts, _ := run(t, seq)
	assert.Equal(t, []string{"a", "b"}, texts)
	assert.Len(t, seq.SubAgents(), 2)
}

func TestSequentialRunsPastEscalation(t *testing.T) {
	seq, err := NewSequential(SequentialConfig{
		Name:      "pipeline",
		SubAgents: []agent.Agent{&textAgent{name: "a", escalate: true}, &textAgent{name: "b"}},
	})
	require.NoError(t, err)

	texts, _ := run(t, seq)
	assert.Equal(t, []string{"a", "b"}, texts)
}

func TestSequentialStopsOnError(t *testing.T) {
	seq, err := NewSequential(SequentialConfig{
		Name:      "pipeline",
		SubAgents: []agent.Agent{&textAgent{name: "a"}, &failingAgent{name: "broken"}, &textAgent{name: "never"}},
	})
	require.NoError(t, err)

	ctx := agent.NewInvocationContext(context.Background(), agent.InvocationContextParams{Agent: seq})
	var texts []string
	var runErr error
	for ev, err := range seq.Run(ctx) {
		if err != nil {
			runErr = err
			continue
		}
		texts = append(texts, ev.TextContent())
	}
	assert.Equal(t, []string{"a"}, texts)
	assert.EqualError(t, runErr, "broken failed")
}

func TestLoopIterations(t *testing.T) {
	loop, err := NewLoop(LoopConfig{
		Name:          "refiner",
		SubAgents:     []agent.Agent{&textAgent{name: "a"}, &textAgent{name: "b"}},
		MaxIterations: 2,
	})
	require.NoError(t, err)

	texts, _ := run(t, loop)
	assert.Equal(t, []string{"a", "b", "a", "b"}, texts)
}

func TestLoopStopsOnEscalate(t *testing.T) {
	loop, err := NewLoop(LoopConfig{
		Name:      "until-done",
		SubAgents: []agent.Agent{&textAgent{name: "a"}, &textAgent{name: "stop", escalate: true}, &textAgent{name: "never"}},
	})
	require.NoError(t, err)

	texts, _ := run(t, loop)
	assert.Equal(t, []string{"a", "stop"}, texts)
}

func TestParallel(t *testing.T) {
	par, err := NewParallel(ParallelConfig{
		Name:      "voters",
		SubAgents: []agent.Agent{&textAgent{name: "x"}, &textAgent{name: "y"}, &textAgent{name: "z"}},
	})
	require.NoError(t, err)

	texts, _ := run(t, par)
	sort.Strings(texts)
	assert.Equal(t, []string{"x", "y", "z"}, texts)
}

func TestWorkflowValidation(t *testing.T) {
	_, err := NewSequential(SequentialConfig{})
	assert.Error(t, err)

	_, err = NewParallel(ParallelConfig{
		Name:      "dup",
		SubAgents: []agent.Agent{&textAgent{name: "x"}, &textAgent{name: "x"}},
	})
	assert.Error(t, err)
}
