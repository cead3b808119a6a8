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
	"fmt"
	"iter"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/agentkit/pkg/agent"
)

// ParallelConfig defines the configuration for a ParallelAgent.
type ParallelConfig struct {
	// Name is the agent name.
	Name string

	// Description describes what the agent does.
	Description string

	// SubAgents are the agents to run in parallel.
	SubAgents []agent.Agent
}

// NewParallel creates a ParallelAgent.
//
// ParallelAgent runs its sub-agents concurrently with the same user content
// and session. Events are yielded in arrival order.
func NewParallel(cfg ParallelConfig) (agent.Agent, error) {
	return newWorkflow(cfg.Name, cfg.Description, cfg.SubAgents, runParallel)
}

// result holds an event or error from a sub-agent.
type result struct {
	event *agent.Event
	err   error
}

func runParallel(ctx agent.InvocationContext, self agent.Agent) iter.Seq2[*agent.Event, error] {
	return func(yield func(*agent.Event, error) bool) {
		var (
			group, groupCtx = errgroup.WithContext(ctx)
			done            = make(chan struct{})
			results         = make(chan result)
		)

		for _, subAgent := range self.SubAgents() {
			group.Go(func() error {
				subCtx := agent.NewInvocationContext(groupCtx, agent.InvocationContextParams{
					Agent:        subAgent,
					Session:      ctx.Session(),
					UserContent:  ctx.UserContent(),
					InvocationID: ctx.InvocationID(),
				})
				if err := runSubAgent(subCtx, subAgent, results, done); err != nil {
					return fmt.Errorf("failed to run sub-agent %q: %w", subAgent.Name(), err)
				}
				return nil
			})
		}

		go func() {
			_ = group.Wait()
			close(results)
		}()

		defer close(done)
		for res := range results {
			if !yield(res.event, res.err) {
				return
			}
		}
	}
}

func runSubAgent(ctx agent.InvocationContext, ag agent.Agent, results chan<- result, done <-chan struct{}) error {
	for event, err := range ag.Run(ctx) {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			select {
			case <-done:
			case results <- result{err: ctx.Err()}:
			}
			return ctx.Err()
		case results <- result{event: event, err: err}:
			if err != nil {
				return err
			}
		}
	}
	return nil
}
