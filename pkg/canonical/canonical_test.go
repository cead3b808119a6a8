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

package canonical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	a := map[string]any{"b": 1, "a": map[string]any{"y": true, "x": "s"}}
	b := map[string]any{"a": map[string]any{"x": "s", "y": true}, "b": 1}

	ja, err := Marshal(a)
	require.NoError(t, err)
	jb, err := Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, `{"a":{"x":"s","y":true},"b":1}`, string(ja))
	assert.Equal(t, ja, jb)
}

func TestStructTags(t *testing.T) {
	type inner struct {
		Name    string `json:"name"`
		Skipped string `json:"-"`
		Empty   string `json:"empty,omitempty"`
		private int
	}
	got, err := Marshal(inner{Name: "n", Skipped: "x", private: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"n"}`, string(got))
}

func TestSetsAreSorted(t *testing.T) {
	s1 := map[string]struct{}{"c": {}, "a": {}, "b": {}}
	got, err := Marshal(s1)
	require.NoError(t, err)
	assert.Equal(t, `["a","b","c"]`, string(got))

	s2 := map[int]bool{3: true, 1: true}
	got, err = Marshal(s2)
	require.NoError(t, err)
	assert.Equal(t, `[1,3]`, string(got))

	// A bool map with a false value is a regular object.
	got, err = Marshal(map[string]bool{"on": true, "off": false})
	require.NoError(t, err)
	assert.Equal(t, `{"off":false,"on":true}`, string(got))
}

func TestTimesAsRFC3339(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	got, err := Marshal(map[string]any{"at": ts})
	require.NoError(t, err)
	assert.Equal(t, `{"at":"2025-01-02T02:04:05Z"}`, string(got))
}

func TestCircularReference(t *testing.T) {
	type node struct {
		Name string `json:"name"`
		Next *node  `json:"next"`
	}
	n := &node{Name: "a"}
	n.Next = n

	got, err := Marshal(n)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"a","next":"[Circular]"}`, string(got))

	m := map[string]any{}
	m["self"] = m
	got, err = Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"self":"[Circular]"}`, string(got))
}

func TestSharedReferenceIsNotCircular(t *testing.T) {
	shared := map[string]any{"k": 1}
	got, err := Marshal(map[string]any{"a": shared, "b": shared})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"k":1},"b":{"k":1}}`, string(got))
}

func TestHash(t *testing.T) {
	h1, err := Hash(map[string]any{"x": 1, "y": []any{"a", "b"}})
	require.NoError(t, err)
	h2 := MustHash(map[string]any{"y": []any{"a", "b"}, "x": 1})

	assert.Len(t, h1, HashLength)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, MustHash(map[string]any{"x": 2}))
}
