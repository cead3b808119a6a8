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

// Package agent defines the agent interfaces shared by Go agents and the
// adapters wrapping agents loaded from JavaScript modules.
//
// # Agent Interface
//
// The Agent interface is the fundamental abstraction for all agents:
//
//	type Agent interface {
//	    Name() string
//	    Description() string
//	    Run(InvocationContext) iter.Seq2[*Event, error]
//	    SubAgents() []Agent
//	}
//
// # Context Hierarchy
//
//   - InvocationContext: full access during agent execution
//   - ReadonlyContext: read-only access for instruction providers
//
// # Events
//
// Agents yield Events. Partial events are streaming chunks and are never
// persisted; a complete event may carry a StateDelta which the session
// service merges into session state when the event is appended.
//
// For LLM-based agents, use the llmagent subpackage:
//
//	ag, err := llmagent.New(llmagent.Config{
//	    Name:        "assistant",
//	    Model:       llm,
//	    Instruction: "You are a helpful assistant. The user is {user_name?}.",
//	})
package agent
