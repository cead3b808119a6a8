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

package manager

import (
	"context"
	"maps"

	"github.com/kadirpekel/agentkit/pkg/agent"
	"github.com/kadirpekel/agentkit/pkg/loader"
	"github.com/kadirpekel/agentkit/pkg/session"
)

// InitialState returns the state a loaded agent declares for new
// sessions: the state of its pre-built session, else the first non-empty
// state held by a session store of the agent or one of its sub-agents.
// Which of several non-empty sessions in one store wins is unspecified.
func InitialState(ctx context.Context, loaded *loader.Loaded) map[string]any {
	if loaded == nil {
		return map[string]any{}
	}
	if loaded.Bundle != nil && len(loaded.Bundle.State) > 0 {
		return maps.Clone(loaded.Bundle.State)
	}
	if st := StoredState(ctx, loaded.Agent); st != nil {
		return st
	}
	return map[string]any{}
}

// StoredState searches root and its sub-agents, depth first, for a session
// store holding a non-empty state. It returns nil when there is none.
func StoredState(ctx context.Context, root agent.Agent) map[string]any {
	var found map[string]any
	agent.Walk(root, func(a agent.Agent) bool {
		provider, ok := a.(agent.SessionStoreProvider)
		if !ok || provider.SessionStore() == nil {
			return true
		}
		found = firstState(ctx, provider.SessionStore())
		return found == nil
	})
	return found
}

func firstState(ctx context.Context, src agent.SessionSource) map[string]any {
	for sess := range src.AllSessions(ctx) {
		if st := session.StateMap(sess); len(st) > 0 {
			return st
		}
	}
	return nil
}
