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

// Package anthropic implements model.LLM for Anthropic Claude models on the
// official anthropic-sdk-go client.
//
// Anthropic has no explicit cache object API; the system prompt is marked
// with an ephemeral cache_control block so the provider caches it
// implicitly, and responses carry fingerprint-only cache metadata.
package anthropic

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/cache"
	"github.com/kadirpekel/agentkit/pkg/model"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second
)

// Config configures the Anthropic client.
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature *float64
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int

	// Cache configures fingerprint tracking.
	Cache cache.Config
}

// Client is an Anthropic LLM implementation.
type Client struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature *float64
	cache       *cache.Manager
}

// New creates a new Anthropic client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	return &Client{
		client:      anthropic.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		cache:       cache.NewManager(cache.Unsupported{}, cfg.Cache),
	}, nil
}

func (c *Client) Name() string             { return c.model }
func (c *Client) Provider() model.Provider { return model.ProviderAnthropic }
func (c *Client) Close() error             { return nil }

// GenerateContent calls the Messages API.
func (c *Client) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		md, _ := c.cache.Handle(ctx, req.CacheRequest(c.model))
		params := c.buildParams(req)

		if !stream {
			msg, err := c.client.Messages.New(ctx, params)
			if err != nil {
				yield(nil, fmt.Errorf("Anthropic request failed: %w", err))
				return
			}
			resp := parseMessage(msg)
			resp.CacheMetadata = md
			yield(resp, nil)
			return
		}

		s := c.client.Messages.NewStreaming(ctx, params)
		defer s.Close()

		agg := model.NewAggregator()
		var acc anthropic.Message
		for s.Next() {
			event := s.Current()
			if err := acc.Accumulate(event); err != nil {
				yield(nil, fmt.Errorf("Anthropic stream: %w", err))
				return
			}
			if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					if !yield(agg.Delta(delta.Text), nil) {
						return
					}
				}
			}
		}
		if err := s.Err(); err != nil {
			yield(nil, fmt.Errorf("Anthropic streaming error: %w", err))
			return
		}

		agg.SetUsage(parseUsage(acc.Usage))
		agg.SetFinishReason(mapStopReason(acc.StopReason))
		if final := agg.Close(); final != nil {
			final.CacheMetadata = md
			yield(final, nil)
		}
	}
}

func (c *Client) buildParams(req *model.Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  convertContents(req.Contents),
		MaxTokens: int64(c.maxTokens),
	}

	if system := contentText(req.SystemInstruction); system != "" {
		params.System = []anthropic.TextBlockParam{{
			Text:         system,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		}}
	}

	temperature := c.temperature
	if cfg := req.Config; cfg != nil {
		if cfg.Temperature != nil {
			temperature = cfg.Temperature
		}
		if cfg.MaxTokens != nil {
			params.MaxTokens = int64(*cfg.MaxTokens)
		}
		if cfg.TopP != nil {
			params.TopP = anthropic.Float(*cfg.TopP)
		}
		if len(cfg.StopSequences) > 0 {
			params.StopSequences = cfg.StopSequences
		}
	}
	if temperature != nil {
		params.Temperature = anthropic.Float(*temperature)
	}
	return params
}

// convertContents maps genai contents onto Anthropic messages. Consecutive
// contents of the same role are merged since the API requires alternation.
func convertContents(contents []*genai.Content) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, content := range contents {
		if content == nil {
			continue
		}
		blocks := convertParts(content.Parts)
		if len(blocks) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if content.Role == string(genai.RoleModel) {
			role = anthropic.MessageParamRoleAssistant
		}

		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			continue
		}
		messages = append(messages, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return messages
}

func convertParts(parts []*genai.Part) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, p := range parts {
		switch {
		case p == nil || p.Thought:
		case p.Text != "":
			blocks = append(blocks, anthropic.NewTextBlock(p.Text))
		case p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, "image/"):
			blocks = append(blocks, anthropic.NewImageBlockBase64(
				p.InlineData.MIMEType,
				base64.StdEncoding.EncodeToString(p.InlineData.Data)))
		}
	}
	return blocks
}

func parseMessage(msg *anthropic.Message) *model.Response {
	var parts []*genai.Part
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok && tb.Text != "" {
			parts = append(parts, &genai.Part{Text: tb.Text})
		}
	}
	return &model.Response{
		Content:      &genai.Content{Role: string(genai.RoleModel), Parts: parts},
		TurnComplete: true,
		Usage:        parseUsage(msg.Usage),
		FinishReason: mapStopReason(msg.StopReason),
	}
}

func parseUsage(u anthropic.Usage) *model.Usage {
	prompt := int(u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens)
	return &model.Usage{
		PromptTokens:     prompt,
		CompletionTokens: int(u.OutputTokens),
		CachedTokens:     int(u.CacheReadInputTokens),
		TotalTokens:      prompt + int(u.OutputTokens),
	}
}

func mapStopReason(reason anthropic.StopReason) model.FinishReason {
	switch reason {
	case "":
		return ""
	case anthropic.StopReasonMaxTokens:
		return model.FinishReasonLength
	default:
		return model.FinishReasonStop
	}
}

func contentText(c *genai.Content) string {
	if c == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Parts {
		if p != nil && !p.Thought {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

var _ model.LLM = (*Client)(nil)
