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

package loader

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kadirpekel/agentkit/pkg/envfile"
)

// MissingEnvironmentVariableError is returned when an agent needs
// environment variables that are not set.
type MissingEnvironmentVariableError struct {
	ProjectRoot string

	// EnvFiles are the env files found in the project, highest priority
	// first.
	EnvFiles []string

	Missing  []string
	Optional []string

	Err error
}

func newMissingEnvError(root string, c Classification, err error) *MissingEnvironmentVariableError {
	return &MissingEnvironmentVariableError{
		ProjectRoot: root,
		EnvFiles:    envfile.Existing(root),
		Missing:     c.RequiredMissing,
		Optional:    c.OptionalMissing,
		Err:         err,
	}
}

func (e *MissingEnvironmentVariableError) Error() string {
	return "missing required environment variables: " + strings.Join(e.Missing, ", ")
}

func (e *MissingEnvironmentVariableError) Unwrap() error {
	return e.Err
}

// Diagnostic explains where the variables are looked up and how to set
// them.
func (e *MissingEnvironmentVariableError) Diagnostic() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Missing required environment variables: %s\n\n", strings.Join(e.Missing, ", "))
	fmt.Fprintf(&b, "Project root: %s\n", e.ProjectRoot)

	b.WriteString("Env files (highest priority first):\n")
	if len(e.EnvFiles) == 0 {
		fmt.Fprintf(&b, "  none found; create %s\n", filepath.Join(e.ProjectRoot, ".env"))
	}
	for _, f := range e.EnvFiles {
		fmt.Fprintf(&b, "  %s\n", f)
	}
	if len(e.Optional) > 0 {
		fmt.Fprintf(&b, "Optional variables also unset: %s\n", strings.Join(e.Optional, ", "))
	}

	b.WriteString("\nAdd the following to an env file:\n\n")
	for _, name := range e.Missing {
		fmt.Fprintf(&b, "  %s=your_value_here\n", name)
	}
	return b.String()
}
