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

package anthropic

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/model"
)

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	c, err := New(Config{APIKey: "test"})
	require.NoError(t, err)
	assert.Equal(t, defaultModel, c.Name())
	assert.Equal(t, model.ProviderAnthropic, c.Provider())
}

func TestConvertContentsMergesRoles(t *testing.T) {
	msgs := convertContents([]*genai.Content{
		genai.NewContentFromText("hi", genai.RoleUser),
		genai.NewContentFromText("again", genai.RoleUser),
		genai.NewContentFromText("hello", genai.RoleModel),
		{Role: "user", Parts: []*genai.Part{{Text: "hidden", Thought: true}}},
		nil,
	})

	require.Len(t, msgs, 2)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	assert.Len(t, msgs[0].Content, 2)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
}

func TestBuildParamsMarksSystemForCaching(t *testing.T) {
	c, err := New(Config{APIKey: "test", MaxTokens: 100})
	require.NoError(t, err)

	maxTokens := 50
	params := c.buildParams(&model.Request{
		SystemInstruction: genai.NewContentFromText("be brief", ""),
		Contents:          []*genai.Content{genai.NewContentFromText("hi", genai.RoleUser)},
		Config:            &model.GenerateConfig{MaxTokens: &maxTokens},
	})

	require.Len(t, params.System, 1)
	assert.Equal(t, "be brief", params.System[0].Text)
	assert.Equal(t, anthropic.NewCacheControlEphemeralParam(), params.System[0].CacheControl)
	assert.Equal(t, int64(50), params.MaxTokens)
	assert.Len(t, params.Messages, 1)
}

func TestParseUsage(t *testing.T) {
	u := parseUsage(anthropic.Usage{InputTokens: 10, CacheReadInputTokens: 90, OutputTokens: 5})
	assert.Equal(t, &model.Usage{PromptTokens: 100, CompletionTokens: 5, CachedTokens: 90, TotalTokens: 105}, u)
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, model.FinishReasonLength, mapStopReason(anthropic.StopReasonMaxTokens))
	assert.Equal(t, model.FinishReasonStop, mapStopReason(anthropic.StopReasonEndTurn))
	assert.Equal(t, model.FinishReason(""), mapStopReason(""))
}
