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

import "fmt"

// AgentNotFoundError is returned for paths that no scan registered.
type AgentNotFoundError struct {
	Path string
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent not found: %s", e.Path)
}

// AgentLoadError wraps any failure to load an agent.
type AgentLoadError struct {
	Path string
	Name string
	Err  error
}

func (e *AgentLoadError) Error() string {
	return "failed to load agent: " + e.Err.Error()
}

func (e *AgentLoadError) Unwrap() error {
	return e.Err
}

// SessionNotFoundError is returned when switching to a session that does
// not exist.
type SessionNotFoundError struct {
	Path      string
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %s not found for agent %s", e.SessionID, e.Path)
}
