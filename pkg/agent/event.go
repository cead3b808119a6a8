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

package agent

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/cache"
)

// Event author constants.
const (
	AuthorUser   = "user"
	AuthorSystem = "system"
)

// Event is one step of an agent conversation.
type Event struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	InvocationID string    `json:"invocation_id"`

	// Author is the agent name, AuthorUser or AuthorSystem.
	Author string `json:"author"`

	Content *genai.Content `json:"content,omitempty"`

	Actions EventActions `json:"actions"`

	// Partial marks a streaming chunk. Partial events are never persisted.
	Partial      bool `json:"partial,omitempty"`
	TurnComplete bool `json:"turn_complete,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// CacheMetadata is the context cache state after the model call that
	// produced this event.
	CacheMetadata *cache.Metadata `json:"cache_metadata,omitempty"`

	Usage *Usage `json:"usage,omitempty"`
}

// EventActions are side effects attached to an event.
type EventActions struct {
	// StateDelta is merged into session state when the event is appended.
	StateDelta map[string]any `json:"state_delta,omitempty"`

	// Escalate stops the enclosing loop agent.
	Escalate bool `json:"escalate,omitempty"`
}

// Usage reports token counts for a model call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	CachedTokens     int `json:"cached_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`
}

// NewEvent creates an event with a generated ID and the current time.
func NewEvent(invocationID string) *Event {
	return &Event{
		ID:           uuid.NewString(),
		Timestamp:    time.Now(),
		InvocationID: invocationID,
		Actions:      EventActions{StateDelta: make(map[string]any)},
	}
}

// TextContent concatenates the text parts of the event's content.
func (e *Event) TextContent() string {
	if e == nil {
		return ""
	}
	return ContentText(e.Content)
}

// IsFinalResponse reports whether the event completes a turn's output.
func (e *Event) IsFinalResponse() bool {
	return !e.Partial && e.ErrorCode == ""
}

// ContentText concatenates the text parts of c, skipping thoughts.
func ContentText(c *genai.Content) string {
	if c == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}
