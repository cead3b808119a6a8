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
)

// Agent is a named unit of execution that turns an invocation into events.
type Agent interface {
	// Name returns the agent's stable name.
	Name() string

	// Description returns a human-readable description.
	Description() string

	// SubAgents returns the agent's children, if any.
	SubAgents() []Agent

	// Run executes the agent for one invocation.
	Run(ctx InvocationContext) iter.Seq2[*Event, error]
}

// SessionSource enumerates every session a store holds, in no particular
// order.
type SessionSource interface {
	AllSessions(ctx context.Context) iter.Seq[Session]
}

// SessionStoreProvider is implemented by agents that own a private session
// store, typically one created inside the agent module itself.
type SessionStoreProvider interface {
	SessionStore() SessionSource
}

// FindAgent searches the tree rooted at root for an agent named name.
func FindAgent(root Agent, name string) Agent {
	if root == nil {
		return nil
	}
	if root.Name() == name {
		return root
	}
	for _, sub := range root.SubAgents() {
		if found := FindAgent(sub, name); found != nil {
			return found
		}
	}
	return nil
}

// Walk visits root and its descendants depth-first. Visiting stops when fn
// returns false.
func Walk(root Agent, fn func(Agent) bool) bool {
	if root == nil {
		return true
	}
	if !fn(root) {
		return false
	}
	for _, sub := range root.SubAgents() {
		if !Walk(sub, fn) {
			return false
		}
	}
	return true
}
