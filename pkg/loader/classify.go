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
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/kadirpekel/agentkit/pkg/envschema"
	"github.com/kadirpekel/agentkit/pkg/jsrt"
)

// optionalNames are variables an agent can always run without.
var optionalNames = []string{"PORT", "HOST", "NODE_ENV"}

// Classification describes an environment validation failure.
type Classification struct {
	// IsMissingEnv is set when at least one issue is an absent variable.
	IsMissingEnv bool

	RequiredMissing []string
	OptionalMissing []string

	// Invalid holds issues about present values of the wrong shape.
	Invalid []envschema.Issue
}

// Classify inspects err for schema issues. Errors without issues classify
// as not missing-env.
func Classify(err error) Classification {
	var c Classification
	var reporter envschema.IssueReporter
	if err == nil || !errors.As(err, &reporter) {
		return c
	}

	for _, issue := range reporter.SchemaIssues() {
		name := issue.Variable()
		if !issue.IsMissing() || name == "" {
			c.Invalid = append(c.Invalid, issue)
			continue
		}
		c.IsMissingEnv = true
		if IsOptional(name) {
			c.OptionalMissing = appendUnique(c.OptionalMissing, name)
		} else {
			c.RequiredMissing = appendUnique(c.RequiredMissing, name)
		}
	}
	return c
}

// IsOptional reports whether a missing variable should only warn.
func IsOptional(name string) bool {
	return strings.HasSuffix(name, "_DEBUG") ||
		strings.HasSuffix(name, "_ENABLED") ||
		strings.HasPrefix(name, "AGENTKIT_") ||
		slices.Contains(optionalNames, name)
}

// EnvPolicy returns the validateEnv policy for agents of a project:
// failures caused only by missing optional variables are logged and the
// agent continues, anything else is rejected.
func EnvPolicy(projectRoot string, logger *slog.Logger) jsrt.EnvPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return func(err error) error {
		c := Classify(err)
		switch {
		case !c.IsMissingEnv || len(c.Invalid) > 0:
			return err
		case len(c.RequiredMissing) > 0:
			return newMissingEnvError(projectRoot, c, err)
		default:
			logger.Warn("Optional environment variables are not set", "variables", c.OptionalMissing, "project", projectRoot)
			return nil
		}
	}
}

func appendUnique(list []string, name string) []string {
	if slices.Contains(list, name) {
		return list
	}
	return append(list, name)
}
