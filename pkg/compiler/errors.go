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

package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

var missingModulePatterns = []*regexp.Regexp{
	regexp.MustCompile(`Could not resolve "([^"]+)"`),
	regexp.MustCompile(`Cannot find module '([^']+)'`),
	regexp.MustCompile(`Cannot find module "([^"]+)"`),
}

// CompilationError is returned when an agent file cannot be bundled.
type CompilationError struct {
	Source  string
	Message string

	// Hint suggests a fix, set for unresolved dependencies.
	Hint string
	Err  error
}

func (e *CompilationError) Error() string {
	msg := fmt.Sprintf("failed to compile %s: %s", e.Source, e.Message)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

func newCompilationError(source, root string, messages []api.Message) *CompilationError {
	lines := make([]string, 0, len(messages))
	var hint string
	for _, m := range messages {
		line := m.Text
		if m.Location != nil {
			line = fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text)
		}
		lines = append(lines, line)
		if hint == "" {
			if dep := MissingModule(m.Text); dep != "" {
				hint = fmt.Sprintf("dependency %q is not installed in the agent's project %s; run npm install %s there rather than in a parent workspace", dep, root, dep)
			}
		}
	}
	return &CompilationError{
		Source:  source,
		Message: strings.Join(lines, "; "),
		Hint:    hint,
	}
}

// MissingModule extracts the bare module name from an unresolved import
// message, or returns "".
func MissingModule(message string) string {
	for _, re := range missingModulePatterns {
		m := re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		spec := m[1]
		if strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") {
			return ""
		}
		return spec
	}
	return ""
}
