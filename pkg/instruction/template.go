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

package instruction

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/kadirpekel/agentkit/pkg/agent"
)

// PrefixTemp marks invocation-scoped keys.
const PrefixTemp = "temp:"

// placeholderRegex matches one or more opening braces, content without
// braces, then one or more closing braces.
var placeholderRegex = regexp.MustCompile(`{+[^{}]*}+`)

// MissingKeyError reports a required placeholder with no state value.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("instruction placeholder {%s}: key not found in session state", e.Key)
}

// Render replaces every placeholder in template with its value in state.
// A nil state resolves nothing.
func Render(template string, state agent.ReadonlyState) (string, error) {
	if template == "" || !placeholderRegex.MatchString(template) {
		return template, nil
	}

	var (
		out      strings.Builder
		last     int
		firstErr error
	)
	for _, loc := range placeholderRegex.FindAllStringIndex(template, -1) {
		out.WriteString(template[last:loc[0]])
		repl, err := replace(template[loc[0]:loc[1]], state)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out.WriteString(repl)
		last = loc[1]
	}
	out.WriteString(template[last:])

	if firstErr != nil {
		return "", firstErr
	}
	return out.String(), nil
}

// InjectState renders template against the invocation's session state.
func InjectState(ctx agent.ReadonlyContext, template string) (string, error) {
	return Render(template, ctx.ReadonlyState())
}

func replace(match string, state agent.ReadonlyState) (string, error) {
	name := strings.TrimSpace(strings.Trim(match, "{}"))
	name, optional := strings.CutSuffix(name, "?")

	if !isStateName(name) {
		return match, nil
	}

	value, ok := lookup(state, name)
	if !ok || value == nil {
		if optional {
			return "", nil
		}
		if !ok {
			return "", &MissingKeyError{Key: name}
		}
		return "", nil
	}
	return format(value), nil
}

// lookup resolves a possibly dotted key. The first segment is the state
// key; the rest walk nested maps.
func lookup(state agent.ReadonlyState, name string) (any, bool) {
	if state == nil {
		return nil, false
	}
	key, path, _ := strings.Cut(name, ".")
	value, err := state.Get(key)
	if err != nil {
		return nil, false
	}
	if path == "" {
		return value, true
	}
	for _, seg := range strings.Split(path, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		if value, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return value, true
}

func format(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// isStateName accepts identifiers, temp:identifiers and dotted paths of
// identifiers.
func isStateName(name string) bool {
	name = strings.TrimPrefix(name, PrefixTemp)
	if name == "" {
		return false
	}
	for _, seg := range strings.Split(name, ".") {
		if !isIdentifier(seg) {
			return false
		}
	}
	return true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 && !unicode.IsLetter(r) && r != '_' {
			return false
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return true
}

// Placeholders returns the distinct state names referenced by template, in
// order of first appearance.
func Placeholders(template string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, match := range placeholderRegex.FindAllString(template, -1) {
		name := strings.TrimSuffix(strings.TrimSpace(strings.Trim(match, "{}")), "?")
		if !isStateName(name) || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}
