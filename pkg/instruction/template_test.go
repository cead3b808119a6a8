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
	"errors"
	"iter"
	"maps"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapState map[string]any

func (m mapState) Get(key string) (any, error) {
	v, ok := m[key]
	if !ok {
		return nil, errors.New("missing")
	}
	return v, nil
}

func (m mapState) All() iter.Seq2[string, any] { return maps.All(m) }

func TestRender(t *testing.T) {
	state := mapState{
		"user_name": "Ada",
		"count":     3,
		"temp:mood": "curious",
		"profile":   map[string]any{"city": "London", "tags": []any{"math"}},
		"empty":     nil,
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"plain", "no placeholders", "no placeholders"},
		{"string", "Hello {user_name}.", "Hello Ada."},
		{"number", "{count} items", "3 items"},
		{"temp prefix", "Mood: {temp:mood}", "Mood: curious"},
		{"nested", "City: {profile.city}", "City: London"},
		{"json", "Tags: {profile.tags}", `Tags: ["math"]`},
		{"optional missing", "Hi {nickname?}!", "Hi !"},
		{"nil value", "[{empty}]", "[]"},
		{"literal braces", `Reply as {"ok": true}`, `Reply as {"ok": true}`},
		{"double braces", "{{user_name}}", "Ada"},
		{"spaces", "{ user_name }", "Ada"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.template, state)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderMissingRequired(t *testing.T) {
	_, err := Render("Task: {task}", mapState{})
	var missing *MissingKeyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "task", missing.Key)

	_, err = Render("{profile.zip}", mapState{"profile": map[string]any{}})
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "profile.zip", missing.Key)
}

func TestRenderNilState(t *testing.T) {
	got, err := Render("Hi {name?}", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi ", got)
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("{a} {b?} {a} {temp:c} {not valid} {d.e}")
	assert.Equal(t, []string{"a", "b", "temp:c", "d.e"}, got)
}
