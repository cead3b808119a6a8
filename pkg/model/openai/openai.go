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

// Package openai implements model.LLM on the OpenAI Chat Completions API
// using the official openai-go client.
//
// Any OpenAI-compatible endpoint works through Config.BaseURL; Ollama's
// /v1 endpoint is the common local case and needs no API key.
package openai

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/cache"
	"github.com/kadirpekel/agentkit/pkg/model"
)

const (
	defaultModel   = "gpt-4o"
	defaultTimeout = 120 * time.Second

	// OllamaBaseURL is the OpenAI-compatible endpoint of a local Ollama.
	OllamaBaseURL = "http://localhost:11434/v1"
)

// Config configures the OpenAI client.
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

// Client is an OpenAI LLM implementation.
type Client struct {
	client      openai.Client
	model       string
	maxTokens   int
	temperature *float64
	cache       *cache.Manager
}

// New creates a new OpenAI client. An API key is required unless BaseURL
// points at a compatible server.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	opts := []option.RequestOption{option.WithRequestTimeout(cfg.Timeout)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")+"/"))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	return &Client{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		cache:       cache.NewManager(cache.Unsupported{}, cfg.Cache),
	}, nil
}

func (c *Client) Name() string             { return c.model }
func (c *Client) Provider() model.Provider { return model.ProviderOpenAI }
func (c *Client) Close() error             { return nil }

// GenerateContent calls the Chat Completions API.
func (c *Client) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		md, _ := c.cache.Handle(ctx, req.CacheRequest(c.model))
		params := c.buildParams(req)

		if !stream {
			completion, err := c.client.Chat.Completions.New(ctx, params)
			if err != nil {
				yield(nil, fmt.Errorf("OpenAI request failed: %w", err))
				return
			}
			resp, err := parseCompletion(completion)
			if err != nil {
				yield(nil, err)
				return
			}
			resp.CacheMetadata = md
			yield(resp, nil)
			return
		}

		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
		s := c.client.Chat.Completions.NewStreaming(ctx, params)
		defer s.Close()

		agg := model.NewAggregator()
		for s.Next() {
			chunk := s.Current()
			if chunk.Usage.TotalTokens > 0 {
				agg.SetUsage(parseUsage(chunk.Usage))
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				agg.SetFinishReason(mapFinishReason(choice.FinishReason))
			}
			if choice.Delta.Content != "" {
				if !yield(agg.Delta(choice.Delta.Content), nil) {
					return
				}
			}
		}
		if err := s.Err(); err != nil {
			yield(nil, fmt.Errorf("OpenAI streaming error: %w", err))
			return
		}

		if final := agg.Close(); final != nil {
			final.CacheMetadata = md
			yield(final, nil)
		}
	}
}

func (c *Client) buildParams(req *model.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: convertContents(req.SystemInstruction, req.Contents),
	}

	maxTokens := c.maxTokens
	temperature := c.temperature
	if cfg := req.Config; cfg != nil {
		if cfg.Temperature != nil {
			temperature = cfg.Temperature
		}
		if cfg.MaxTokens != nil {
			maxTokens = *cfg.MaxTokens
		}
		if cfg.TopP != nil {
			params.TopP = openai.Float(*cfg.TopP)
		}
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	if temperature != nil {
		params.Temperature = openai.Float(*temperature)
	}
	return params
}

// convertContents maps the system instruction and genai contents onto chat
// messages. Only text parts are sent.
func convertContents(system *genai.Content, contents []*genai.Content) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if text := contentText(system); text != "" {
		messages = append(messages, openai.SystemMessage(text))
	}
	for _, content := range contents {
		text := contentText(content)
		if text == "" {
			continue
		}
		if content.Role == string(genai.RoleModel) {
			messages = append(messages, openai.AssistantMessage(text))
		} else {
			messages = append(messages, openai.UserMessage(text))
		}
	}
	return messages
}

func parseCompletion(completion *openai.ChatCompletion) (*model.Response, error) {
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}
	choice := completion.Choices[0]

	var parts []*genai.Part
	if choice.Message.Content != "" {
		parts = append(parts, &genai.Part{Text: choice.Message.Content})
	}
	return &model.Response{
		Content:      &genai.Content{Role: string(genai.RoleModel), Parts: parts},
		TurnComplete: true,
		Usage:        parseUsage(completion.Usage),
		FinishReason: mapFinishReason(choice.FinishReason),
	}, nil
}

func parseUsage(u openai.CompletionUsage) *model.Usage {
	return &model.Usage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		CachedTokens:     int(u.PromptTokensDetails.CachedTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}

func mapFinishReason(reason string) model.FinishReason {
	switch reason {
	case "":
		return ""
	case "length":
		return model.FinishReasonLength
	case "content_filter":
		return model.FinishReasonContent
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
