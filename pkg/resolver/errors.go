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

package resolver

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoAgentExport is matched by NoAgentExportError.
var ErrNoAgentExport = errors.New("no agent export found")

// NoAgentExportError is returned when no export of a module resolves to an
// agent.
type NoAgentExportError struct {
	Exports []string
}

func (e *NoAgentExportError) Error() string {
	if len(e.Exports) == 0 {
		return "no agent export found: the module exports nothing usable; export an agent as default or as \"agent\""
	}
	return fmt.Sprintf("no agent export found among exports [%s]; export an agent as default or as \"agent\"", strings.Join(e.Exports, ", "))
}

// Is reports ErrNoAgentExport.
func (e *NoAgentExportError) Is(target error) bool {
	return target == ErrNoAgentExport
}

// AgentFunctionExecutionError is returned when the exported agent factory
// throws.
type AgentFunctionExecutionError struct {
	Export string
	Err    error
}

func (e *AgentFunctionExecutionError) Error() string {
	return fmt.Sprintf("agent function %q failed: %v", e.Export, e.Err)
}

func (e *AgentFunctionExecutionError) Unwrap() error {
	return e.Err
}
