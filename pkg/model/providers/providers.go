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

// Package providers maps model names onto LLM adapters.
//
// The provider is chosen from the model name prefix: "gemini" selects
// Gemini, "claude" selects Anthropic, "gpt", "o1", "o3" and "o4" select
// OpenAI, and "ollama/<model>" selects a local Ollama server through its
// OpenAI-compatible endpoint. API keys come from the environment.
package providers

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kadirpekel/agentkit/pkg/cache"
	"github.com/kadirpekel/agentkit/pkg/model"
	"github.com/kadirpekel/agentkit/pkg/model/anthropic"
	"github.com/kadirpekel/agentkit/pkg/model/gemini"
	"github.com/kadirpekel/agentkit/pkg/model/openai"
	"github.com/kadirpekel/agentkit/pkg/observability"
)

// ProviderOllama is the prefix-only provider for local Ollama models.
const ProviderOllama model.Provider = "ollama"

const ollamaPrefix = "ollama/"

// ErrUnknownModel is returned when no provider matches a model name.
var ErrUnknownModel = errors.New("unknown model provider")

// MissingKeyError reports an absent API key environment variable.
type MissingKeyError struct {
	Provider model.Provider
	EnvVars  []string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("%s API key not set (set %s)", e.Provider, strings.Join(e.EnvVars, " or "))
}

// Detect returns the provider for a model name.
func Detect(name string) model.Provider {
	lower := strings.ToLower(strings.TrimSpace(name))
	switch {
	case strings.HasPrefix(lower, ollamaPrefix):
		return ProviderOllama
	case strings.HasPrefix(lower, "gemini"):
		return model.ProviderGemini
	case strings.HasPrefix(lower, "claude"):
		return model.ProviderAnthropic
	case strings.HasPrefix(lower, "gpt"),
		strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"),
		strings.HasPrefix(lower, "o4"):
		return model.ProviderOpenAI
	default:
		return model.ProviderUnknown
	}
}

// Registry resolves model names to adapters, creating each at most once.
// Created adapters record call metrics.
type Registry struct {
	mu     sync.Mutex
	models map[string]model.LLM
	cache  cache.Config
	getenv func(string) string
}

// Option configures a Registry.
type Option func(*Registry)

// WithCacheConfig sets the context cache configuration handed to adapters.
func WithCacheConfig(cfg cache.Config) Option {
	return func(r *Registry) { r.cache = cfg }
}

// WithGetenv overrides environment lookup.
func WithGetenv(getenv func(string) string) Option {
	return func(r *Registry) { r.getenv = getenv }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		models: make(map[string]model.LLM),
		getenv: os.Getenv,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the adapter for name, creating it on first use.
func (r *Registry) Resolve(name string) (model.LLM, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("model name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if llm, ok := r.models[name]; ok {
		return llm, nil
	}
	llm, err := r.create(name)
	if err != nil {
		return nil, err
	}
	llm = observability.InstrumentLLM(llm)
	r.models[name] = llm
	return llm, nil
}

// Register installs a pre-built adapter under name.
func (r *Registry) Register(name string, llm model.LLM) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[name] = llm
}

// Close closes every adapter created by the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, llm := range r.models {
		if err := llm.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.models = make(map[string]model.LLM)
	return errors.Join(errs...)
}

func (r *Registry) create(name string) (model.LLM, error) {
	switch provider := Detect(name); provider {
	case model.ProviderGemini:
		key, err := r.key(provider, "GOOGLE_API_KEY", "GEMINI_API_KEY")
		if err != nil {
			return nil, err
		}
		return gemini.New(gemini.Config{APIKey: key, Model: name, Cache: r.cache})

	case model.ProviderAnthropic:
		key, err := r.key(provider, "ANTHROPIC_API_KEY")
		if err != nil {
			return nil, err
		}
		return anthropic.New(anthropic.Config{APIKey: key, Model: name, Cache: r.cache})

	case model.ProviderOpenAI:
		key, err := r.key(provider, "OPENAI_API_KEY")
		if err != nil {
			return nil, err
		}
		return openai.New(openai.Config{APIKey: key, Model: name, BaseURL: r.getenv("OPENAI_BASE_URL"), Cache: r.cache})

	case ProviderOllama:
		baseURL := r.getenv("OLLAMA_BASE_URL")
		if baseURL == "" {
			baseURL = openai.OllamaBaseURL
		}
		return openai.New(openai.Config{Model: strings.TrimPrefix(name, ollamaPrefix), BaseURL: baseURL, Cache: r.cache})

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
}

func (r *Registry) key(provider model.Provider, envVars ...string) (string, error) {
	for _, name := range envVars {
		if v := r.getenv(name); v != "" {
			return v, nil
		}
	}
	return "", &MissingKeyError{Provider: provider, EnvVars: envVars}
}
