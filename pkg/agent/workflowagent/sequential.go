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

// SequentialConfig configures the agent behind the SDK's SequentialAgent
// constructor, new SequentialAgent({name, description, subAgents}).
type SequentialConfig struct {
	Name        string
	Description string

	// SubAgents run once each, in this order.
	SubAgents []agent.Agent
}

// NewSequential creates a SequentialAgent. Every sub-agent runs once in
// list order. An escalating event does not cut the pipeline short; only
// a sub-agent error or an ended invocation does.
func NewSequential(cfg SequentialConfig) (agent.Agent, error) {
	return newWorkflow(cfg.Name, cfg.Description, cfg.SubAgents, runSequence)
}

func runSequence(ctx agent.InvocationContext, self agent.Agent) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		for _, step := range self.SubAgents() {
			for ev, err := range step.Run(agent.WithAgent(ctx, step)) {
				if !yield(ev, err) || err != nil {
					return
				}
			}
			if ctx.Ended() || ctx.Err() != nil {
				return
			}
		}
	}
}
