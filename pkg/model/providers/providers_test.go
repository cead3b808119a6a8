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

package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentkit/pkg/model"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestDetect(t *testing.T) {
	tests := map[string]model.Provider{
		"gemini-2.0-flash": model.ProviderGemini,
		"claude-3-5-haiku": model.ProviderAnthropic,
		"gpt-4o":           model.ProviderOpenAI,
		"o3-mini":          model.ProviderOpenAI,
		"ollama/llama3.2":  ProviderOllama,
		"mistral-large":    model.ProviderUnknown,
		" Gemini-2.5-pro ": model.ProviderGemini,
	}
	for name, want := range tests {
		assert.Equal(t, want, Detect(name), name)
	}
}

func TestResolveMissingKey(t *testing.T) {
	r := NewRegistry(WithGetenv(env(nil)))

	_, err := r.Resolve("claude-3-5-haiku")
	var keyErr *MissingKeyError
	require.ErrorAs(t, err, &keyErr)
	assert.Equal(t, model.ProviderAnthropic, keyErr.Provider)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")

	_, err = r.Resolve("mistral-large")
	assert.ErrorIs(t, err, ErrUnknownModel)

	_, err = r.Resolve("")
	assert.Error(t, err)
}

func TestResolveCachesAdapters(t *testing.T) {
	r := NewRegistry(WithGetenv(env(map[string]string{"OPENAI_API_KEY": "test"})))

	first, err := r.Resolve("gpt-4o")
	require.NoError(t, err)
	second, err := r.Resolve("gpt-4o")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, model.ProviderOpenAI, first.Provider())

	require.NoError(t, r.Close())
	third, err := r.Resolve("gpt-4o")
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestResolveOllamaWithoutKey(t *testing.T) {
	r := NewRegistry(WithGetenv(env(nil)))

	llm, err := r.Resolve("ollama/llama3.2")
	require.NoError(t, err)
	assert.Equal(t, "llama3.2", llm.Name())
}
