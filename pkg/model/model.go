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

// Package model defines the LLM interface and the request/response types
// shared by the provider adapters.
//
// GenerateContent handles both streaming and non-streaming calls:
//   - stream=false yields exactly one Response
//   - stream=true yields partial Responses (Partial=true) followed by one
//     aggregated Response (Partial=false) for persistence
package model

import (
	"context"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/cache"
)

// LLM is the interface for language models.
type LLM interface {
	// Name returns the model identifier.
	Name() string

	// Provider returns the provider type.
	Provider() Provider

	// GenerateContent produces responses for req.
	GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error]

	// Close releases any resources held by the LLM.
	Close() error
}

// Provider identifies the LLM provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderUnknown   Provider = "unknown"
)

// Request contains the input for an LLM call.
type Request struct {
	// Contents is the conversation history, oldest first.
	Contents []*genai.Content

	// SystemInstruction is sent ahead of the conversation.
	SystemInstruction *genai.Content

	// Tools and ToolConfig are forwarded to providers that support them.
	Tools      []*genai.Tool
	ToolConfig *genai.ToolConfig

	// Config contains generation settings.
	Config *GenerateConfig

	// CacheMetadata is the metadata returned by the previous call in the
	// same session. Nil on the first call.
	CacheMetadata *cache.Metadata

	// CacheableTokens is an optional precomputed token count of the
	// cacheable prefix.
	CacheableTokens int
}

// GenerateConfig contains generation settings.
type GenerateConfig struct {
	Temperature   *float64
	MaxTokens     *int
	TopP          *float64
	StopSequences []string
}

// Clone returns a deep copy of c.
func (c *GenerateConfig) Clone() *GenerateConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Temperature != nil {
		v := *c.Temperature
		clone.Temperature = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	if c.TopP != nil {
		v := *c.TopP
		clone.TopP = &v
	}
	clone.StopSequences = append([]string(nil), c.StopSequences...)
	return &clone
}

// CacheRequest builds the cache manager input for req.
func (r *Request) CacheRequest(modelName string) *cache.Request {
	return &cache.Request{
		Model:             modelName,
		SystemInstruction: r.SystemInstruction,
		Tools:             r.Tools,
		ToolConfig:        r.ToolConfig,
		Contents:          r.Contents,
		Metadata:          r.CacheMetadata,
		CacheableTokens:   r.CacheableTokens,
	}
}

// Response contains the result of an LLM call.
type Response struct {
	// Content is the generated content.
	Content *genai.Content

	// Partial marks a streaming chunk.
	Partial bool

	// TurnComplete indicates the model has finished its turn.
	TurnComplete bool

	Usage        *Usage
	FinishReason FinishReason

	// CacheMetadata is the context cache state after this call. Callers
	// pass it back on the next request of the same session.
	CacheMetadata *cache.Metadata

	ErrorCode    string
	ErrorMessage string
}

// Usage contains token usage statistics.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	TotalTokens      int
}

// FinishReason indicates why generation stopped.
type FinishReason string

const (
	FinishReasonStop    FinishReason = "stop"
	FinishReasonLength  FinishReason = "length"
	FinishReasonContent FinishReason = "content_filter"
	FinishReasonError   FinishReason = "error"
)

// TextContent extracts the non-thought text of a response.
func (r *Response) TextContent() string {
	if r == nil || r.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range r.Content.Parts {
		if part != nil && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// TextOnly reports whether every part of c is plain text.
func TextOnly(c *genai.Content) bool {
	if c == nil {
		return true
	}
	for _, p := range c.Parts {
		if p == nil {
			continue
		}
		if p.InlineData != nil || p.FileData != nil || p.FunctionCall != nil || p.FunctionResponse != nil {
			return false
		}
	}
	return true
}

// Aggregator accumulates streamed text deltas into one final response.
type Aggregator struct {
	text   strings.Builder
	usage  *Usage
	finish FinishReason
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Delta records a text chunk and returns the partial response for it.
func (a *Aggregator) Delta(text string) *Response {
	a.text.WriteString(text)
	return &Response{
		Content: genai.NewContentFromText(text, genai.RoleModel),
		Partial: true,
	}
}

// SetUsage records the latest usage report.
func (a *Aggregator) SetUsage(u *Usage) {
	if u != nil {
		a.usage = u
	}
}

// SetFinishReason records why generation stopped.
func (a *Aggregator) SetFinishReason(f FinishReason) {
	if f != "" {
		a.finish = f
	}
}

// Close returns the aggregated response, or nil when nothing streamed.
func (a *Aggregator) Close() *Response {
	if a.text.Len() == 0 && a.usage == nil {
		return nil
	}
	finish := a.finish
	if finish == "" {
		finish = FinishReasonStop
	}
	return &Response{
		Content:      genai.NewContentFromText(a.text.String(), genai.RoleModel),
		TurnComplete: true,
		Usage:        a.usage,
		FinishReason: finish,
	}
}
