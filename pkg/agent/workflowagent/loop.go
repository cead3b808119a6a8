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
	"iter"

	"github.com/kadirpekel/agentkit/pkg/agent"
)

// LoopConfig defines the configuration for a LoopAgent.
type LoopConfig struct {
	// Name is the agent name.
	Name string

	// Description describes what the agent does.
	Description string

	// SubAgents are the agents to run in each iteration.
	SubAgents []agent.Agent

	// MaxIterations is the maximum number of iterations.
	// If 0, runs until a sub-agent escalates or the invocation ends.
	MaxIterations uint
}

// NewLoop creates a LoopAgent.
//
// LoopAgent repeatedly runs its sub-agents in sequence for a specified number
// of iterations or until an event carries the escalate action.
func NewLoop(cfg LoopConfig) (agent.Agent, error) {
	maxIterations := cfg.MaxIterations
	return newWorkflow(cfg.Name, cfg.Description, cfg.SubAgents,
		func(ctx agent.InvocationContext, self agent.Agent) iter.Seq2[*agent.Event, error] {
			return runLoop(ctx, self, maxIterations)
		})
}

func runLoop(ctx agent.InvocationContext, self agent.Agent, maxIterations uint) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		for count := maxIterations; ; {
			for _, subAgent := range self.SubAgents() {
				escalated := false
				for event, err := range subAgent.Run(agent.WithAgent(ctx, subAgent)) {
					if !yield(event, err) {
						return
					}
					if event != nil && event.Actions.Escalate {
						escalated = true
					}
				}
				if escalated || ctx.Ended() || ctx.Err() != nil {
					return
				}
			}

			if count > 0 {
				count--
				if count == 0 {
					return
				}
			}
		}
	}
}
