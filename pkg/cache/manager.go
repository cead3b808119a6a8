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

// Package cache decides when to create, reuse or drop provider-side context
// caches for LLM requests.
//
// Each call to Manager.Handle fingerprints the cacheable prefix of a request
// (system instruction, function declarations, tool config and leading
// contents), validates the metadata returned by the previous call and either
// reuses that cache, creates a new one or falls back to fingerprint-only
// metadata. The caller applies the returned Intent to its request.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Defaults.
const (
	DefaultCacheIntervals = 10
	DefaultTTL            = 30 * time.Minute
	DefaultMinTokens      = 0
)

// Config controls cache reuse.
type Config struct {
	// CacheIntervals is the maximum number of invocations served by one
	// cache before it is recreated.
	CacheIntervals int `yaml:"intervals" json:"intervals,omitempty" jsonschema:"title=Cache Intervals,description=Maximum invocations served by one cache,minimum=1,default=10"`

	// TTL is the lifetime requested for new caches.
	TTL time.Duration `yaml:"ttl" json:"ttl,omitempty" jsonschema:"title=TTL,description=Lifetime of new caches (e.g. 30m)"`

	// MinTokens is the configured minimum cacheable size. The provider's
	// own minimum always applies as well.
	MinTokens int `yaml:"min_tokens" json:"min_tokens,omitempty" jsonschema:"title=Minimum Tokens,description=Minimum token count before a cache is created,minimum=0"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.CacheIntervals <= 0 {
		c.CacheIntervals = DefaultCacheIntervals
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MinTokens < 0 {
		c.MinTokens = DefaultMinTokens
	}
}

// Manager implements the context caching decisions for one provider.
type Manager struct {
	provider Provider
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger

	created     metric.Int64Counter
	reused      metric.Int64Counter
	invalidated metric.Int64Counter
	failures    metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager for provider. A nil provider behaves like
// Unsupported.
func NewManager(provider Provider, cfg Config, opts ...Option) *Manager {
	if provider == nil {
		provider = Unsupported{}
	}
	cfg.SetDefaults()

	m := &Manager{
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default().With("component", "context_cache"),
	}
	for _, opt := range opts {
		opt(m)
	}

	meter := otel.Meter("github.com/kadirpekel/agentkit/pkg/cache")
	m.created, _ = meter.Int64Counter("agentkit_cache_created_total",
		metric.WithDescription("Provider context caches created"))
	m.reused, _ = meter.Int64Counter("agentkit_cache_reused_total",
		metric.WithDescription("Model calls served from an existing context cache"))
	m.invalidated, _ = meter.Int64Counter("agentkit_cache_invalidated_total",
		metric.WithDescription("Context caches invalidated"))
	m.failures, _ = meter.Int64Counter("agentkit_cache_provider_errors_total",
		metric.WithDescription("Failed context cache provider calls"))
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Handle returns the cache metadata for req and, when a cache applies, the
// intent the caller must apply to its request. Provider failures never
// surface; they degrade to fingerprint-only metadata.
func (m *Manager) Handle(ctx context.Context, req *Request) (*Metadata, *Intent) {
	total := len(req.Contents)
	old := req.Metadata
	if old != nil {
		if err := old.Validate(); err != nil {
			m.logger.Debug("Ignoring invalid cache metadata", "error", err)
			old = nil
		}
	}

	if old == nil {
		fp := Fingerprint(req, total)
		if md := m.createWithContents(ctx, req, total, fp); md != nil {
			return md, intentFor(md)
		}
		return m.fingerprintOnly(fp, total), nil
	}

	if m.isValid(req, old) {
		reused := old.Clone()
		reused.InvocationsUsed++
		m.add(ctx, m.reused, req.Model)
		m.logger.Debug("Reusing context cache", "cache", reused.CacheName, "invocations_used", reused.InvocationsUsed)
		return reused, intentFor(reused)
	}

	if old.Active() {
		m.add(ctx, m.invalidated, req.Model)
		m.deleteCache(ctx, old.CacheName)
	}

	count := min(old.ContentsCount, total)
	fp := Fingerprint(req, count)
	if old.ContentsCount <= total && fp == old.Fingerprint {
		if md := m.createWithContents(ctx, req, count, fp); md != nil {
			return md, intentFor(md)
		}
	}

	return m.fingerprintOnly(Fingerprint(req, total), total), nil
}

// isValid applies the reuse rules: an active cache, not expired, not used
// up, and a cached prefix that still fingerprints the same.
func (m *Manager) isValid(req *Request, md *Metadata) bool {
	if !md.Active() {
		return false
	}
	if !m.now().Before(md.ExpireTime) {
		m.logger.Debug("Context cache expired", "cache", md.CacheName)
		return false
	}
	if md.InvocationsUsed >= m.cfg.CacheIntervals {
		m.logger.Debug("Context cache reached its interval", "cache", md.CacheName, "invocations_used", md.InvocationsUsed)
		return false
	}
	if md.ContentsCount > len(req.Contents) {
		return false
	}
	if Fingerprint(req, md.ContentsCount) != md.Fingerprint {
		m.logger.Debug("Context cache prefix changed", "cache", md.CacheName)
		return false
	}
	return true
}

// createWithContents creates a cache over the first count contents when
// they are large enough. It returns nil when caching is skipped.
func (m *Manager) createWithContents(ctx context.Context, req *Request, count int, fp string) *Metadata {
	content := &Content{
		SystemInstruction: req.SystemInstruction,
		Tools:             req.Tools,
		ToolConfig:        req.ToolConfig,
		Contents:          req.Contents[:count],
	}

	minTokens := max(m.cfg.MinTokens, m.provider.MinCacheableTokens(req.Model))

	tokens := req.CacheableTokens
	if tokens <= 0 {
		n, err := m.provider.CountTokens(ctx, req.Model, content)
		if errors.Is(err, ErrUnsupported) {
			return nil
		}
		if err != nil {
			m.fail(ctx, &CacheProviderError{Op: "count_tokens", Err: err}, req.Model)
			return nil
		}
		tokens = n
	}
	if tokens < minTokens {
		m.logger.Debug("Content below cacheable size", "tokens", tokens, "min_tokens", minTokens)
		return nil
	}

	name, expire, err := m.provider.CreateCache(ctx, req.Model, content, m.cfg.TTL)
	if err != nil {
		m.fail(ctx, &CacheProviderError{Op: "create", Err: err}, req.Model)
		return nil
	}

	now := m.now()
	if expire.IsZero() {
		expire = now.Add(m.cfg.TTL)
	}
	m.add(ctx, m.created, req.Model)
	m.logger.Debug("Created context cache", "cache", name, "contents", count, "tokens", tokens)

	return &Metadata{
		CacheName:       name,
		ExpireTime:      expire,
		Fingerprint:     fp,
		InvocationsUsed: 1,
		ContentsCount:   count,
		CreatedAt:       now,
	}
}

func (m *Manager) fingerprintOnly(fp string, count int) *Metadata {
	return &Metadata{
		Fingerprint:     fp,
		ContentsCount:   count,
		InvocationsUsed: 0,
	}
}

func (m *Manager) deleteCache(ctx context.Context, name string) {
	if err := m.provider.DeleteCache(ctx, name); err != nil {
		m.fail(ctx, &CacheProviderError{Op: "delete", CacheName: name, Err: err}, "")
	}
}

func (m *Manager) fail(ctx context.Context, err *CacheProviderError, model string) {
	m.add(ctx, m.failures, model)
	m.logger.Warn("Context cache provider call failed", "op", err.Op, "error", err)
}

func (m *Manager) add(ctx context.Context, c metric.Int64Counter, model string) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
}
