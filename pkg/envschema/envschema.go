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

// Package envschema validates process environment variables against a JSON
// Schema and reports failures as schema issues.
//
// Issues use the same shape as zod validation errors so that errors raised
// by Go validation and errors thrown by agent code are classified alike.
package envschema

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Issue codes.
const (
	CodeInvalidType  = "invalid_type"
	CodeInvalidValue = "invalid_value"

	ReceivedUndefined = "undefined"
	MessageRequired   = "Required"
)

// Issue is a single schema failure.
type Issue struct {
	Path     []string `json:"path" mapstructure:"path"`
	Code     string   `json:"code" mapstructure:"code"`
	Expected string   `json:"expected,omitempty" mapstructure:"expected"`
	Received string   `json:"received,omitempty" mapstructure:"received"`
	Message  string   `json:"message" mapstructure:"message"`
}

// IsMissing reports whether the issue is about an absent value rather than
// a present value of the wrong shape.
func (i Issue) IsMissing() bool {
	if i.Code == "required" {
		return true
	}
	return i.Code == CodeInvalidType && (i.Received == ReceivedUndefined || i.Message == MessageRequired)
}

// Variable returns the first path segment, the variable name.
func (i Issue) Variable() string {
	if len(i.Path) == 0 {
		return ""
	}
	return i.Path[0]
}

// IssueReporter is implemented by errors that carry schema issues.
type IssueReporter interface {
	error
	SchemaIssues() []Issue
}

// ValidationError is returned by Validate when the environment does not
// satisfy the schema.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", strings.Join(issue.Path, "."), issue.Message))
	}
	return "environment validation failed: " + strings.Join(parts, "; ")
}

// SchemaIssues implements IssueReporter.
func (e *ValidationError) SchemaIssues() []Issue {
	return e.Issues
}

// LookupFunc resolves a variable. os.LookupEnv is the default.
type LookupFunc func(string) (string, bool)

// Validate reads the variables named in schema.properties from the
// environment, coerces them to the declared type and validates the result.
// On success it returns the coerced values. On failure the returned map
// still holds every value that was present.
func Validate(schema map[string]any, lookup LookupFunc) (map[string]any, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	props, _ := schema["properties"].(map[string]any)
	values := make(map[string]any, len(props))
	var coerceIssues []Issue
	mistyped := make(map[string]bool)

	for name, raw := range props {
		val, ok := lookup(name)
		if !ok {
			if def, has := defaultOf(raw); has {
				values[name] = def
			}
			continue
		}
		typed, err := coerce(val, typeOf(raw))
		if err != nil {
			coerceIssues = append(coerceIssues, Issue{
				Path:     []string{name},
				Code:     CodeInvalidType,
				Expected: typeOf(raw),
				Received: "string",
				Message:  err.Error(),
			})
			mistyped[name] = true
			values[name] = val
			continue
		}
		values[name] = typed
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(values))
	if err != nil {
		return values, fmt.Errorf("invalid environment schema: %w", err)
	}

	issues := coerceIssues
	if !result.Valid() {
		for _, re := range result.Errors() {
			issue := toIssue(re, props)
			// A mistyped value is already reported once.
			if mistyped[issue.Variable()] {
				continue
			}
			issues = append(issues, issue)
		}
	}
	if len(issues) == 0 {
		return values, nil
	}

	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Variable() < issues[j].Variable() })
	return values, &ValidationError{Issues: issues}
}

func toIssue(re gojsonschema.ResultError, props map[string]any) Issue {
	if re.Type() == "required" {
		name, _ := re.Details()["property"].(string)
		return Issue{
			Path:     []string{name},
			Code:     CodeInvalidType,
			Expected: typeOf(props[name]),
			Received: ReceivedUndefined,
			Message:  MessageRequired,
		}
	}

	var path []string
	if field := re.Field(); field != "" && field != "(root)" {
		path = strings.Split(field, ".")
	}
	return Issue{
		Path:    path,
		Code:    CodeInvalidValue,
		Message: re.Description(),
	}
}

func typeOf(prop any) string {
	m, _ := prop.(map[string]any)
	switch t := m["type"].(type) {
	case string:
		return t
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s != "null" {
				return s
			}
		}
	}
	return "string"
}

func defaultOf(prop any) (any, bool) {
	m, _ := prop.(map[string]any)
	v, ok := m["default"]
	return v, ok
}

func coerce(val, typ string) (any, error) {
	switch typ {
	case "integer":
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("expected integer, received %q", val)
		}
		return n, nil
	case "number":
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("expected number, received %q", val)
		}
		return f, nil
	case "boolean":
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("expected boolean, received %q", val)
		}
		return b, nil
	default:
		return val, nil
	}
}
