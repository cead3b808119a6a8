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

// Package workflowagent provides agents that orchestrate their sub-agents
// without calling a model themselves.
//
// # SequentialAgent
//
// Runs sub-agents once, in the order they are listed, through escalations:
//
//	agent, _ := workflowagent.NewSequential(workflowagent.SequentialConfig{
//	    Name:      "pipeline",
//	    SubAgents: []agent.Agent{stage1, stage2, stage3},
//	})
//
// # ParallelAgent
//
// Runs sub-agents simultaneously on the same session:
//
//	agent, _ := workflowagent.NewParallel(workflowagent.ParallelConfig{
//	    Name:      "voters",
//	    SubAgents: []agent.Agent{voter1, voter2, voter3},
//	})
//
// # LoopAgent
//
// Runs sub-agents repeatedly for N iterations or until an event escalates:
//
//	agent, _ := workflowagent.NewLoop(workflowagent.LoopConfig{
//	    Name:          "refiner",
//	    SubAgents:     []agent.Agent{reviewer, improver},
//	    MaxIterations: 3,
//	})
package workflowagent

import (
	"fmt"
	"iter"

	"github.com/kadirpekel/agentkit/pkg/agent"
)

// workflow is an agent whose behavior is a run function over its children.
type workflow struct {
	name        string
	description string
	subAgents   []agent.Agent
	run         func(ctx agent.InvocationContext, self agent.Agent) iter.Seq2[*agent.Event, error]
}

func newWorkflow(name, description string, subAgents []agent.Agent,
	run func(agent.InvocationContext, agent.Agent) iter.Seq2[*agent.Event, error]) (*workflow, error) {
	if name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	seen := make(map[string]bool, len(subAgents))
	for _, sub := range subAgents {
		if sub == nil {
			return nil, fmt.Errorf("agent %q: nil sub-agent", name)
		}
		if seen[sub.Name()] {
			return nil, fmt.Errorf("agent %q: duplicate sub-agent %q", name, sub.Name())
		}
		seen[sub.Name()] = true
	}
	return &workflow{name: name, description: description, subAgents: subAgents, run: run}, nil
}

func (w *workflow) Name() string             { return w.name }
func (w *workflow) Description() string      { return w.description }
func (w *workflow) SubAgents() []agent.Agent { return w.subAgents }

func (w *workflow) Run(ctx agent.InvocationContext) iter.Seq2[*agent.Event, error] {
	return w.run(ctx, w)
}

var _ agent.Agent = (*workflow)(nil)
