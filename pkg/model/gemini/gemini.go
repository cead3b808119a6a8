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

// Package gemini implements model.LLM for Google Gemini models on the
// google.golang.org/genai SDK, with provider-side context caching driven by
// a cache.Manager.
package gemini

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/kadirpekel/agentkit/pkg/cache"
	"github.com/kadirpekel/agentkit/pkg/model"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gemini-2.0-flash"

// Config contains configuration for the Gemini model.
type Config struct {
	// APIKey is the Google AI API key.
	APIKey string

	// Model is the model name (e.g., "gemini-2.0-flash", "gemini-2.5-pro").
	Model string

	// MaxTokens limits the response length.
	MaxTokens int

	// Temperature controls randomness (0-2).
	Temperature float64

	// Cache configures context caching. Zero values take the cache
	// package defaults.
	Cache cache.Config

	// DisableCache turns context caching off; responses still carry
	// fingerprint-only metadata.
	DisableCache bool
}

type geminiModel struct {
	client *genai.Client
	name   string
	config Config
	cache  *cache.Manager
}

// New creates a Gemini model.
func New(cfg Config) (model.LLM, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &geminiModel{
		client: client,
		name:   cfg.Model,
		config: cfg,
		cache:  cache.NewManager(cacheProvider(client, cfg), cfg.Cache),
	}, nil
}

// cacheProvider returns the context cache backend for cfg.
func cacheProvider(client *genai.Client, cfg Config) cache.Provider {
	if cfg.DisableCache {
		return cache.Unsupported{}
	}
	return &CacheProvider{client: client}
}

func (m *geminiModel) Name() string             { return m.name }
func (m *geminiModel) Provider() model.Provider { return model.ProviderGemini }
func (m *geminiModel) Close() error             { return nil }

// GenerateContent consults the cache manager, rewrites the request when a
// cache applies and calls the Gemini API.
func (m *geminiModel) GenerateContent(ctx context.Context, req *model.Request, stream bool) iter.Seq2[*model.Response, error] {
	return func(yield func(*model.Response, error) bool) {
		config := m.buildConfig(req)
		contents, md := m.applyCache(ctx, req, config)

		if !stream {
			genResp, err := m.client.Models.GenerateContent(ctx, m.name, contents, config)
			if err != nil {
				yield(nil, fmt.Errorf("Gemini generation failed: %w", err))
				return
			}
			resp, err := parseResponse(genResp)
			if err != nil {
				yield(nil, err)
				return
			}
			resp.CacheMetadata = md
			yield(resp, nil)
			return
		}

		agg := model.NewAggregator()
		for genResp, err := range m.client.Models.GenerateContentStream(ctx, m.name, contents, config) {
			if err != nil {
				yield(nil, fmt.Errorf("Gemini streaming error: %w", err))
				return
			}
			agg.SetUsage(parseUsage(genResp.UsageMetadata))
			if len(genResp.Candidates) == 0 {
				continue
			}
			cand := genResp.Candidates[0]
			agg.SetFinishReason(mapFinishReason(cand.FinishReason))
			if delta := candidateText(cand); delta != "" {
				if !yield(agg.Delta(delta), nil) {
					return
				}
			}
		}
		if final := agg.Close(); final != nil {
			final.CacheMetadata = md
			yield(final, nil)
		}
	}
}

// applyCache runs the cache manager over the cacheable prefix of the
// request and applies the resulting intent to config.
func (m *geminiModel) applyCache(ctx context.Context, req *model.Request, config *genai.GenerateContentConfig) ([]*genai.Content, *cache.Metadata) {
	creq := req.CacheRequest(m.name)
	creq.Contents = req.Contents[:cache.PrefixLength(req.Contents)]

	md, intent := m.cache.Handle(ctx, creq)
	if intent != nil {
		slog.Debug("Serving request from context cache", "model", m.name, "cache", intent.CachedContent, "cached_contents", intent.DropLeading)
	}
	return intent.Apply(config, req.Contents), md
}

func (m *geminiModel) buildConfig(req *model.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		SystemInstruction: req.SystemInstruction,
		Tools:             req.Tools,
		ToolConfig:        req.ToolConfig,
	}

	if cfg := req.Config; cfg != nil {
		if cfg.Temperature != nil {
			config.Temperature = genai.Ptr(float32(*cfg.Temperature))
		}
		if cfg.MaxTokens != nil {
			config.MaxOutputTokens = int32(*cfg.MaxTokens)
		}
		if cfg.TopP != nil {
			config.TopP = genai.Ptr(float32(*cfg.TopP))
		}
		if len(cfg.StopSequences) > 0 {
			config.StopSequences = cfg.StopSequences
		}
	}

	if config.Temperature == nil && m.config.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(m.config.Temperature))
	}
	if config.MaxOutputTokens == 0 && m.config.MaxTokens > 0 {
		config.MaxOutputTokens = int32(m.config.MaxTokens)
	}
	return config
}

func parseResponse(genResp *genai.GenerateContentResponse) (*model.Response, error) {
	if genResp == nil || len(genResp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from Gemini")
	}
	cand := genResp.Candidates[0]

	content := cand.Content
	if content == nil {
		content = &genai.Content{}
	}
	content.Role = string(genai.RoleModel)

	return &model.Response{
		Content:      content,
		TurnComplete: true,
		FinishReason: mapFinishReason(cand.FinishReason),
		Usage:        parseUsage(genResp.UsageMetadata),
	}, nil
}

func candidateText(cand *genai.Candidate) string {
	if cand == nil || cand.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		if p != nil && !p.Thought {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func parseUsage(u *genai.GenerateContentResponseUsageMetadata) *model.Usage {
	if u == nil {
		return nil
	}
	return &model.Usage{
		PromptTokens:     int(u.PromptTokenCount),
		CompletionTokens: int(u.CandidatesTokenCount),
		CachedTokens:     int(u.CachedContentTokenCount),
		TotalTokens:      int(u.TotalTokenCount),
	}
}

func mapFinishReason(reason genai.FinishReason) model.FinishReason {
	switch reason {
	case "":
		return ""
	case genai.FinishReasonMaxTokens:
		return model.FinishReasonLength
	case genai.FinishReasonSafety:
		return model.FinishReasonContent
	default:
		return model.FinishReasonStop
	}
}

// CacheProvider implements cache.Provider on the Gemini caching API.
type CacheProvider struct {
	client *genai.Client
}

// CountTokens counts the cacheable content. The Gemini API does not accept
// a system instruction in token counting, so it is counted as a leading
// content.
func (p *CacheProvider) CountTokens(ctx context.Context, modelName string, content *cache.Content) (int, error) {
	contents := countableContents(content)
	if len(contents) == 0 {
		return 0, nil
	}
	resp, err := p.client.Models.CountTokens(ctx, modelName, contents, nil)
	if err != nil {
		return 0, err
	}
	return int(resp.TotalTokens), nil
}

func countableContents(content *cache.Content) []*genai.Content {
	var contents []*genai.Content
	if si := content.SystemInstruction; si != nil && len(si.Parts) > 0 {
		contents = append(contents, &genai.Content{Role: string(genai.RoleUser), Parts: si.Parts})
	}
	for _, c := range content.Contents {
		if c != nil && len(c.Parts) > 0 {
			contents = append(contents, c)
		}
	}
	return contents
}

// CreateCache stores content as a Gemini cached content.
func (p *CacheProvider) CreateCache(ctx context.Context, modelName string, content *cache.Content, ttl time.Duration) (string, time.Time, error) {
	cc, err := p.client.Caches.Create(ctx, modelName, &genai.CreateCachedContentConfig{
		TTL:               ttl,
		DisplayName:       "agentkit",
		Contents:          content.Contents,
		SystemInstruction: content.SystemInstruction,
		Tools:             content.Tools,
		ToolConfig:        content.ToolConfig,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return cc.Name, cc.ExpireTime, nil
}

// DeleteCache removes a cached content.
func (p *CacheProvider) DeleteCache(ctx context.Context, name string) error {
	_, err := p.client.Caches.Delete(ctx, name, nil)
	return err
}

// MinCacheableTokens returns the Gemini minimum cache size for modelName.
func (p *CacheProvider) MinCacheableTokens(modelName string) int {
	return MinCacheableTokens(modelName)
}

// MinCacheableTokens is the documented minimum: 4096 tokens for pro models,
// 1024 for the rest.
func MinCacheableTokens(modelName string) int {
	if strings.Contains(modelName, "pro") {
		return 4096
	}
	return 1024
}

var (
	_ model.LLM      = (*geminiModel)(nil)
	_ cache.Provider = (*CacheProvider)(nil)
)
